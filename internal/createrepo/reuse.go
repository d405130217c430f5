package createrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/linker"
	"github.com/osbuild/pungi/internal/wrappers"
)

const reuseVersion = 1

// reuseCriteria is what a repository depends on. Paths differ between
// composes, so files are compared by content.
type reuseCriteria struct {
	Options   wrappers.CreaterepoOptions `json:"options"`
	Pkglist   string                     `json:"pkglist"`
	Comps     string                     `json:"comps"`
	Modules   string                     `json:"modules"`
	ProductID string                     `json:"productid"`
}

type reuseRecord struct {
	Version int    `json:"version"`
	Digest  string `json:"digest"`
}

func readOptional(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	return string(data), err
}

func reuseDigest(opts wrappers.CreaterepoOptions, modules []byte, productID string) (string, error) {
	c := reuseCriteria{Options: opts, Modules: string(modules)}
	var err error
	if c.Pkglist, err = readOptional(opts.Pkglist); err != nil {
		return "", err
	}
	if c.Comps, err = readOptional(opts.Groupfile); err != nil {
		return "", err
	}
	if c.ProductID, err = readOptional(productID); err != nil {
		return "", err
	}
	c.Options.Directory = ""
	c.Options.OutputDir = ""
	c.Options.Pkglist = ""
	c.Options.Groupfile = ""
	c.Options.UpdateMDPath = ""
	c.Options.Cachedir = ""
	c.Options.OldPackageDirs = nil
	return common.Digest(c)
}

func writeReuseRecord(path, digest string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(reuseRecord{Version: reuseVersion, Digest: digest})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func readReuseRecord(path string) (*reuseRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r reuseRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	if r.Version != reuseVersion {
		return nil, fmt.Errorf("%s has unsupported version %d", path, r.Version)
	}
	return &r, nil
}

// reuse copies the repodata of the old compose into repoDir when the
// package set was reused and nothing else the repository depends on
// changed.
func (p *Phase) reuse(j job, digest, repoDir string) bool {
	if p.Pkgsets == nil || !p.Pkgsets.Reused {
		return false
	}
	paths := p.Compose.Paths
	log := p.Log.WithField("repo", j.String())
	oldRecord := paths.OldComposePath(paths.CreaterepoReuseFile(j.Arch, j.Variant.UID, string(j.Kind)))
	oldRepodata := paths.OldComposePath(filepath.Join(repoDir, "repodata"))
	if oldRecord == "" || oldRepodata == "" {
		return false
	}
	record, err := readReuseRecord(oldRecord)
	if err != nil {
		log.Warnf("Cannot reuse repository: %v", err)
		return false
	}
	if record.Digest != digest {
		log.Info("Repository inputs changed, not reusing")
		return false
	}
	repodata := filepath.Join(repoDir, "repodata")
	if err := os.RemoveAll(repodata); err != nil {
		log.Warnf("Cannot clean %s: %v", repodata, err)
		return false
	}
	if err := linker.CopyAll(oldRepodata, repodata); err != nil {
		log.Warnf("Cannot copy old repodata: %v", err)
		return false
	}
	log.Infof("Reusing repodata from %s", oldRepodata)
	return true
}
