package buildinstall

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/linker"
	"github.com/osbuild/pungi/internal/rpmmd"
)

const metadataFile = "buildinstall.metadata"

// buildMetadata describes how an installer tree was built.
type buildMetadata struct {
	Cmd []string `json:"cmd"`
	// NVRAs of the runroot buildroot
	BuildrootRPMs []string `json:"buildroot_rpms"`
	// package set files lorax installed into the tree
	InstalledRPMs []string `json:"installed_rpms"`
}

func (p *Phase) writeMetadata(j job, argv []string, taskID int, logDir string) error {
	md := buildMetadata{Cmd: argv, BuildrootRPMs: []string{}, InstalledRPMs: []string{}}
	if taskID > 0 && p.Session != nil {
		rpms, err := p.buildrootRPMs(taskID)
		if err != nil {
			return err
		}
		md.BuildrootRPMs = rpms
	}
	if logDir != "" {
		rpms, err := p.installedRPMs(filepath.Join(logDir, "pkglists"))
		if err != nil {
			return err
		}
		md.InstalledRPMs = rpms
	}
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	path := p.Compose.Paths.BuildinstallMetadata(j.Arch, j.uid())
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (p *Phase) buildrootRPMs(taskID int) ([]string, error) {
	roots, err := p.Session.ListBuildroots(taskID)
	if err != nil {
		return nil, fmt.Errorf("cannot list buildroots of task %d: %w", taskID, err)
	}
	var nvras []string
	for _, id := range roots {
		rpms, err := p.Session.ListRPMs(id)
		if err != nil {
			return nil, fmt.Errorf("cannot list packages of buildroot %d: %w", id, err)
		}
		for _, r := range rpms {
			nvras = append(nvras, r.NVRA())
		}
	}
	sort.Strings(nvras)
	return common.UniqueStrings(nvras), nil
}

// installedRPMs maps the packages lorax lists in pkglists to their files in
// the package sets. Lorax writes one file per source package, each holding
// the NEVRAs of the binary packages it installed.
func (p *Phase) installedRPMs(pkglists string) ([]string, error) {
	entries, err := os.ReadDir(pkglists)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	} else if err != nil {
		return nil, err
	}
	installed := map[rpmmd.NEVRA]bool{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := readPkglist(filepath.Join(pkglists, e.Name()), installed); err != nil {
			return nil, err
		}
	}
	paths := []string{}
	if p.Pkgsets != nil && p.Pkgsets.Global != nil {
		for path, pkg := range p.Pkgsets.Global.Cache.Snapshot() {
			key := rpmmd.NEVRA{Name: pkg.Name, Epoch: pkg.Epoch, Version: pkg.Version, Release: pkg.Release, Arch: pkg.Arch}
			if installed[key] {
				paths = append(paths, path)
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func readPkglist(path string, into map[rpmmd.NEVRA]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		nevra, err := rpmmd.ParseNEVRA(line)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		into[nevra] = true
	}
	return scanner.Err()
}

// comparableArgs drops what differs between composes by construction: the
// repositories, the log location and the output directory.
func comparableArgs(argv []string) []string {
	var out []string
	for _, a := range argv[:len(argv)-1] {
		if strings.HasPrefix(a, "--source=") || strings.HasPrefix(a, "--logfile=") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// reuse links the installer tree of the old compose into outputDir when
// it was built the same way from packages still available.
func (p *Phase) reuse(j job, argv []string, outputDir string) bool {
	c := p.Compose
	log := p.Log.WithField("variant", j.uid()).WithField("arch", j.Arch)
	if !c.Conf.BuildinstallAllowReuse {
		return false
	}
	oldPath := c.Paths.OldComposePath(c.Paths.BuildinstallMetadata(j.Arch, j.uid()))
	if oldPath == "" {
		log.Debug("No old buildinstall metadata")
		return false
	}
	data, err := os.ReadFile(oldPath)
	if err != nil {
		log.Warnf("Cannot read %s: %v", oldPath, err)
		return false
	}
	var old buildMetadata
	if err := json.Unmarshal(data, &old); err != nil {
		log.Warnf("Cannot parse %s: %v", oldPath, err)
		return false
	}
	if len(old.Cmd) == 0 || !slices.Equal(comparableArgs(old.Cmd), comparableArgs(argv)) {
		log.Info("Cannot reuse buildinstall: lorax arguments changed")
		return false
	}
	if p.Pkgsets == nil || (len(old.InstalledRPMs) > 0 && p.Pkgsets.Global == nil) {
		return false
	}
	for _, path := range old.InstalledRPMs {
		if _, ok := p.Pkgsets.Global.Cache.Get(path); !ok {
			log.Infof("Cannot reuse buildinstall: %s is not in the package set", path)
			return false
		}
	}
	if len(old.BuildrootRPMs) > 0 {
		if p.Session == nil || c.Conf.RunrootTag == "" {
			log.Info("Cannot reuse buildinstall: buildroot cannot be checked")
			return false
		}
		rpms, _, err := p.Session.ListTaggedRPMs(c.Conf.RunrootTag, 0, true, true)
		if err != nil {
			log.Warnf("Cannot list packages in %s: %v", c.Conf.RunrootTag, err)
			return false
		}
		tagged := make(map[string]bool, len(rpms))
		for _, r := range rpms {
			tagged[r.NVRA()] = true
		}
		for _, nvra := range old.BuildrootRPMs {
			if !tagged[nvra] {
				log.Infof("Cannot reuse buildinstall: %s is not in %s any more", nvra, c.Conf.RunrootTag)
				return false
			}
		}
	}

	if err := os.RemoveAll(outputDir); err != nil {
		log.Warnf("Cannot clean %s: %v", outputDir, err)
		return false
	}
	l := linker.New(linker.HardlinkOrCopy, log)
	if err := l.LinkTree(filepath.Dir(oldPath), outputDir); err != nil {
		log.Warnf("Cannot link old buildinstall results: %v", err)
		if rerr := l.Rollback(); rerr != nil {
			log.Warnf("Rollback failed: %v", rerr)
		}
		return false
	}
	return true
}
