// Package paths computes every location inside a compose. Nothing here
// touches the filesystem except EnsureIsoDir and OldComposePath.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Paths struct {
	topdir    string
	composeID string
	// optional directory where ISOs are stored and symlinked into the tree
	symlinkIsosTo string
	// optional shared location for buildinstall output
	buildinstallTopdir string
	oldTopdirs         []string
}

func New(topdir, composeID string) *Paths {
	return &Paths{
		topdir:    filepath.Clean(topdir),
		composeID: composeID,
	}
}

func (p *Paths) WithSymlinkIsosTo(dir string) *Paths {
	p.symlinkIsosTo = dir
	return p
}

func (p *Paths) WithBuildinstallTopdir(dir string) *Paths {
	p.buildinstallTopdir = dir
	return p
}

// WithOldComposes sets the top directories of previous composes used by
// OldComposePath, most relevant first.
func (p *Paths) WithOldComposes(topdirs ...string) *Paths {
	p.oldTopdirs = topdirs
	return p
}

func (p *Paths) Topdir() string {
	return p.topdir
}

func (p *Paths) StatusFile() string {
	return filepath.Join(p.topdir, "STATUS")
}

func (p *Paths) ComposeIDFile() string {
	return filepath.Join(p.topdir, "COMPOSE_ID")
}

// ComposeTopdir is the published part of the compose.
func (p *Paths) ComposeTopdir() string {
	return filepath.Join(p.topdir, "compose")
}

func (p *Paths) MetadataDir() string {
	return filepath.Join(p.ComposeTopdir(), "metadata")
}

func (p *Paths) variantArchDir(arch, variant string) string {
	if arch == "src" {
		return filepath.Join(p.ComposeTopdir(), variant, "source")
	}
	return filepath.Join(p.ComposeTopdir(), variant, arch)
}

// OSTree is the main package tree: os/ for binary arches and source/tree
// for sources.
func (p *Paths) OSTree(arch, variant string) string {
	if arch == "src" {
		return filepath.Join(p.variantArchDir(arch, variant), "tree")
	}
	return filepath.Join(p.variantArchDir(arch, variant), "os")
}

func (p *Paths) Repository(arch, variant string) string {
	return p.OSTree(arch, variant)
}

func (p *Paths) Packages(arch, variant string) string {
	return filepath.Join(p.OSTree(arch, variant), "Packages")
}

func (p *Paths) DebugTree(arch, variant string) string {
	return filepath.Join(p.variantArchDir(arch, variant), "debug", "tree")
}

func (p *Paths) DebugPackages(arch, variant string) string {
	return filepath.Join(p.DebugTree(arch, variant), "Packages")
}

// TreeForKind maps a gather content kind (rpm, srpm, debuginfo) to the
// directory holding the repository of that kind.
func (p *Paths) TreeForKind(arch, variant, kind string) string {
	switch kind {
	case "srpm":
		return p.OSTree("src", variant)
	case "debuginfo":
		return p.DebugTree(arch, variant)
	default:
		return p.OSTree(arch, variant)
	}
}

func (p *Paths) IsoDir(arch, variant string) string {
	return filepath.Join(p.variantArchDir(arch, variant), "iso")
}

func (p *Paths) IsoPath(arch, variant, filename string) string {
	return filepath.Join(p.IsoDir(arch, variant), filename)
}

func (p *Paths) JigdoDir(arch, variant string) string {
	return filepath.Join(p.variantArchDir(arch, variant), "jigdo")
}

// EnsureIsoDir creates the iso directory. With symlinkIsosTo set the real
// directory lives outside of the compose and the tree holds a symlink.
func (p *Paths) EnsureIsoDir(arch, variant string) (string, error) {
	isoDir := p.IsoDir(arch, variant)
	if p.symlinkIsosTo == "" {
		return isoDir, os.MkdirAll(isoDir, 0755)
	}
	rel := strings.TrimPrefix(isoDir, p.ComposeTopdir()+"/")
	target := filepath.Join(p.symlinkIsosTo, p.composeID, rel)
	if err := os.MkdirAll(target, 0755); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(isoDir), 0755); err != nil {
		return "", err
	}
	if current, err := os.Readlink(isoDir); err == nil && current == target {
		return isoDir, nil
	}
	if err := os.Symlink(target, isoDir); err != nil {
		return "", fmt.Errorf("cannot link %s to %s: %w", isoDir, target, err)
	}
	return isoDir, nil
}

// WorkTopdir is the ephemeral part of the compose; arch "global" is shared.
func (p *Paths) WorkTopdir(arch string) string {
	return filepath.Join(p.topdir, "work", arch)
}

func (p *Paths) Global() string {
	return p.WorkTopdir("global")
}

func (p *Paths) PhaseSentinel(phase string) string {
	return filepath.Join(p.Global(), "phases", phase+".done")
}

func (p *Paths) Comps(arch, variant string) string {
	if variant == "" {
		return filepath.Join(p.WorkTopdir(arch), "comps", fmt.Sprintf("comps-%s.xml", arch))
	}
	return filepath.Join(p.WorkTopdir(arch), "comps", fmt.Sprintf("comps-%s.%s.xml", variant, arch))
}

func (p *Paths) CompsRepo(arch, variant string) string {
	return filepath.Join(p.WorkTopdir(arch), "comps_repo_"+variant)
}

func (p *Paths) PkgsetRepo(name, arch string) string {
	return filepath.Join(p.WorkTopdir(arch), "repo", name)
}

func (p *Paths) PkgsetFileList(name, arch string) string {
	return filepath.Join(p.WorkTopdir(arch), "package_list", fmt.Sprintf("%s.%s.conf", name, arch))
}

// PkgsetReuseFile stores the serialized package set for reuse.
func (p *Paths) PkgsetReuseFile(name string) string {
	return filepath.Join(p.Global(), fmt.Sprintf("pkgset_%s_reuse.json.zst", name))
}

// PkgsetEventFile records the koji event a package set was built at.
func (p *Paths) PkgsetEventFile() string {
	return filepath.Join(p.Global(), "koji-event")
}

func (p *Paths) PackageList(arch, variant, kind string) string {
	return filepath.Join(p.WorkTopdir(arch), "package_list", fmt.Sprintf("%s.%s.%s.conf", variant, arch, kind))
}

func (p *Paths) GatherDir(arch, variant string) string {
	return filepath.Join(p.WorkTopdir(arch), "gather", variant)
}

func (p *Paths) GatherResult(arch, variant string) string {
	return filepath.Join(p.GatherDir(arch, variant), "result.json")
}

func (p *Paths) GatherReuseFile(arch, variant string) string {
	return filepath.Join(p.GatherDir(arch, variant), "reuse.json")
}

func (p *Paths) ExtraFilesDir(arch, variant string) string {
	return filepath.Join(p.WorkTopdir(arch), variant, "extra-files")
}

func (p *Paths) ExtraIsoExtraFilesDir(arch, variant string) string {
	return filepath.Join(p.WorkTopdir(arch), variant, "extra-iso-extra-files")
}

func (p *Paths) ProductID(arch, variant string) string {
	return filepath.Join(p.WorkTopdir(arch), "product_id", fmt.Sprintf("%s.%s.pem", variant, arch), "productid")
}

func (p *Paths) ModulesYAML(arch, variant string) string {
	return filepath.Join(p.WorkTopdir(arch), "module_metadata", variant, "modules.yaml")
}

func (p *Paths) ModuleDefaultsDir() string {
	return filepath.Join(p.Global(), "module_defaults")
}

func (p *Paths) ModuleObsoletesDir() string {
	return filepath.Join(p.Global(), "module_obsoletes")
}

func (p *Paths) CreaterepoCache(variant string) string {
	return filepath.Join(p.Global(), "createrepo_cache", variant)
}

func (p *Paths) CreaterepoReuseFile(arch, variant, kind string) string {
	return filepath.Join(p.WorkTopdir(arch), "createrepo", fmt.Sprintf("%s.%s.reuse.json", variant, kind))
}

// BuildinstallDir is the lorax output directory. Lorax runs once per
// variant; an empty variant gives the per-arch parent directory.
func (p *Paths) BuildinstallDir(arch, variant string) string {
	base := filepath.Join(p.WorkTopdir(arch), "buildinstall")
	if p.buildinstallTopdir != "" {
		base = filepath.Join(p.buildinstallTopdir, "buildinstall-"+p.composeID, arch)
	}
	if variant == "" {
		return base
	}
	return filepath.Join(base, variant)
}

func (p *Paths) BuildinstallMetadata(arch, variant string) string {
	return filepath.Join(p.BuildinstallDir(arch, variant), "buildinstall.metadata")
}

func (p *Paths) IsoWorkDir(arch, filename string) string {
	return filepath.Join(p.WorkTopdir(arch), "iso", filename)
}

func (p *Paths) IsoStagingDir(arch, variant, filename string) string {
	return filepath.Join(p.WorkTopdir(arch), variant, "iso-staging-dir", filename)
}

func (p *Paths) TmpDir(arch, variant string) string {
	if variant == "" {
		return filepath.Join(p.WorkTopdir(arch), "tmp")
	}
	return filepath.Join(p.WorkTopdir(arch), "tmp-"+variant)
}

func (p *Paths) LogTopdir(arch string) string {
	if arch == "" {
		arch = "global"
	}
	return filepath.Join(p.topdir, "logs", arch)
}

// LogFile returns logs/{arch}/{name}.{arch}.log.
func (p *Paths) LogFile(arch, name string) string {
	if arch == "" {
		arch = "global"
	}
	return filepath.Join(p.LogTopdir(arch), fmt.Sprintf("%s.%s.log", name, arch))
}

func (p *Paths) GlobalLog() string {
	return filepath.Join(p.LogTopdir("global"), "pungi.global.log")
}

// ReuseMetadata returns the JSON file stored next to a log file describing
// how a deliverable was built.
func (p *Paths) ReuseMetadata(arch, name string) string {
	return strings.TrimSuffix(p.LogFile(arch, name), ".log") + ".json"
}

// OldComposePath translates a path inside this compose into the same path
// in the most recent old compose where it exists. An empty string means no
// old compose has it.
func (p *Paths) OldComposePath(path string) string {
	rel, err := filepath.Rel(p.topdir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	for _, old := range p.oldTopdirs {
		candidate := filepath.Join(old, rel)
		if _, err := os.Lstat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// OldTopdirs returns the configured old compose top directories.
func (p *Paths) OldTopdirs() []string {
	return p.oldTopdirs
}
