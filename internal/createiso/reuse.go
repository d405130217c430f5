package createiso

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/jsondb"
	"github.com/osbuild/pungi/internal/linker"
)

const reuseVersion = 1

// ReuseRecord is stored next to the log of every ISO built.
type ReuseRecord struct {
	ConfigDigest string        `json:"config_digest"`
	IsoPath      string        `json:"iso_path"`
	Opts         CreateIsoOpts `json:"opts"`
}

func recordDB(path string) (*jsondb.JSONDatabase, string) {
	return jsondb.New(filepath.Dir(path), 0644), strings.TrimSuffix(filepath.Base(path), ".json")
}

func WriteReuseRecord(path, kind string, rec ReuseRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	db, name := recordDB(path)
	return db.WriteRecord(name, kind, reuseVersion, rec)
}

// ReadReuseRecord returns nil without an error when there is no record.
func ReadReuseRecord(path, kind string) (*ReuseRecord, error) {
	db, name := recordDB(path)
	var rec ReuseRecord
	exists, err := db.ReadRecord(name, kind, reuseVersion, &rec)
	if err != nil || !exists {
		return nil, err
	}
	return &rec, nil
}

// ConfigDigest hashes the configuration without the options that only
// select where packages come from; the package list on the medium is
// compared separately.
func ConfigDigest(conf *config.Config) (string, error) {
	c := *conf
	c.GatherLookasideRepos = nil
	c.PkgsetKojiBuilds = nil
	c.PkgsetKojiScratchTasks = nil
	c.PkgsetKojiModuleBuilds = nil
	c.ProductID = config.ScmSpec{}
	return common.Digest(c)
}

// graftPackages returns the medium paths of all packages in a graft
// points file.
func graftPackages(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pkgs := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		isoPath, _, ok := strings.Cut(scanner.Text(), "=")
		if !ok || !strings.HasSuffix(isoPath, ".rpm") {
			continue
		}
		if strings.HasPrefix(isoPath, "Packages/") || strings.Contains(isoPath, "/Packages/") {
			pkgs[isoPath] = true
		}
	}
	return pkgs, scanner.Err()
}

// SamePackages reports whether two graft points files put the same
// packages on the medium.
func SamePackages(oldPath, newPath string) (bool, error) {
	oldPkgs, err := graftPackages(oldPath)
	if err != nil {
		return false, err
	}
	newPkgs, err := graftPackages(newPath)
	if err != nil {
		return false, err
	}
	if len(oldPkgs) != len(newPkgs) {
		return false, nil
	}
	for p := range newPkgs {
		if !oldPkgs[p] {
			return false, nil
		}
	}
	return true, nil
}

// LinkOldISO links an image of the old compose with its manifest, log and
// jigdo files under the new name. Nothing is left behind on failure. The
// returned linker rolls the links back when a later step of the reuse
// fails.
func LinkOldISO(c *compose.Compose, log logrus.FieldLogger, arch, logPrefix, oldIso, newIso, jigdoDir string) (*linker.Linker, error) {
	l := linker.New(linker.HardlinkOrCopy, log)
	err := func() error {
		for _, suffix := range []string{"", ".manifest"} {
			if err := l.Link(oldIso+suffix, newIso+suffix); err != nil {
				return err
			}
		}
		oldName := filepath.Base(oldIso)
		newName := filepath.Base(newIso)
		oldLog := c.Paths.OldComposePath(c.Paths.LogFile(arch, logPrefix+oldName))
		if oldLog != "" {
			if err := l.Link(oldLog, c.Paths.LogFile(arch, logPrefix+newName)); err != nil {
				return err
			}
		}
		if jigdoDir != "" {
			oldJigdo := c.Paths.OldComposePath(jigdoDir)
			if oldJigdo == "" {
				return fmt.Errorf("no jigdo directory in the old compose for %s", newName)
			}
			for _, suffix := range []string{".template", ".jigdo"} {
				if err := l.Link(filepath.Join(oldJigdo, oldName+suffix), filepath.Join(jigdoDir, newName+suffix)); err != nil {
					return err
				}
			}
		}
		return nil
	}()
	if err != nil {
		RollbackReuse(l, log, oldIso)
		return nil, err
	}
	return l, nil
}

// RollbackReuse removes the links of a failed reuse attempt.
func RollbackReuse(l *linker.Linker, log logrus.FieldLogger, oldIso string) {
	if rerr := l.Rollback(); rerr != nil {
		log.Warnf("Cannot roll back reuse of %s: %v", oldIso, rerr)
	}
}
