package rpmmd

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	version "github.com/knqyf263/go-rpm-version"
)

// Reldep is one entry of a provides or requires list. Flags is one of
// "", EQ, LT, GT, LE or GE.
type Reldep struct {
	Name    string `json:"name"`
	Flags   string `json:"flags,omitempty"`
	Epoch   string `json:"epoch,omitempty"`
	Version string `json:"version,omitempty"`
	Release string `json:"release,omitempty"`
}

func (d Reldep) evr() string {
	evr := d.Version
	if d.Epoch != "" && d.Epoch != "0" {
		evr = d.Epoch + ":" + evr
	}
	if d.Release != "" {
		evr += "-" + d.Release
	}
	return evr
}

func (d Reldep) String() string {
	if d.Flags == "" {
		return d.Name
	}
	ops := map[string]string{"EQ": "=", "LT": "<", "GT": ">", "LE": "<=", "GE": ">="}
	return fmt.Sprintf("%s %s %s", d.Name, ops[d.Flags], d.evr())
}

// IsFile reports whether the dependency names a file path.
func (d Reldep) IsFile() bool {
	return strings.HasPrefix(d.Name, "/")
}

// IsRich reports whether the dependency is a boolean expression. Those are
// treated as weak and never resolved.
func (d Reldep) IsRich() bool {
	return strings.HasPrefix(d.Name, "(")
}

// SatisfiedBy reports whether the provide p fulfils the requirement d.
func (d Reldep) SatisfiedBy(p Reldep) bool {
	if d.Name != p.Name {
		return false
	}
	if d.Flags == "" || p.Flags == "" {
		return true
	}
	// a versioned provide is a single point; ranges on both sides would
	// need interval logic that rpm itself only applies to EQ provides
	c := compareEVR(p.evr(), d.evr(), d.Release == "")
	switch d.Flags {
	case "EQ":
		return c == 0
	case "LT":
		return c < 0
	case "LE":
		return c <= 0
	case "GT":
		return c > 0
	case "GE":
		return c >= 0
	}
	return false
}

// compareEVR compares two epoch:version-release strings. When ignoreRelease
// is set, the release of a is dropped before comparing.
func compareEVR(a, b string, ignoreRelease bool) int {
	if ignoreRelease {
		if i := strings.LastIndex(a, "-"); i >= 0 {
			a = a[:i]
		}
	}
	return version.NewVersion(a).Compare(version.NewVersion(b))
}

// Package is a single RPM known to a package set. Path is absolute and
// empty when no acceptable signed copy was found.
type Package struct {
	Name          string   `json:"name"`
	Epoch         uint     `json:"epoch"`
	Version       string   `json:"version"`
	Release       string   `json:"release"`
	Arch          string   `json:"arch"`
	SourceRPM     string   `json:"sourcerpm,omitempty"`
	Path          string   `json:"path"`
	Sigkey        string   `json:"sigkey,omitempty"`
	Size          int64    `json:"size,omitempty"`
	Provides      []Reldep `json:"provides,omitempty"`
	Requires      []Reldep `json:"requires,omitempty"`
	Files         []string `json:"files,omitempty"`
	ExcludeArch   []string `json:"excludearch,omitempty"`
	ExclusiveArch []string `json:"exclusivearch,omitempty"`
	IsModular     bool     `json:"is_modular,omitempty"`
}

func (p *Package) IsSource() bool {
	return p.Arch == "src" || p.Arch == "nosrc"
}

func (p *Package) IsDebug() bool {
	return IsDebugName(p.Name)
}

// IsDebugName reports whether name is a debuginfo or debugsource package.
func IsDebugName(name string) bool {
	return strings.Contains(name, "-debuginfo") || strings.HasSuffix(name, "-debugsource")
}

func (p *Package) EVR() string {
	return FormatEVR(p.Epoch, p.Version, p.Release)
}

func (p *Package) NVR() string {
	return fmt.Sprintf("%s-%s-%s", p.Name, p.Version, p.Release)
}

func (p *Package) NVRA() string {
	return fmt.Sprintf("%s.%s", p.NVR(), p.Arch)
}

func (p *Package) NEVRA() string {
	return fmt.Sprintf("%s-%d:%s-%s.%s", p.Name, p.Epoch, p.Version, p.Release, p.Arch)
}

func (p *Package) String() string {
	return p.NVRA()
}

// SourceName is the name of the source package this package was built
// from, or the package's own name for source packages.
func (p *Package) SourceName() string {
	if p.IsSource() {
		return p.Name
	}
	n, err := ParseNEVRA(strings.TrimSuffix(p.SourceRPM, ".rpm"))
	if err != nil {
		return ""
	}
	return n.Name
}

// SourceNVRA is the NVRA of the source package.
func (p *Package) SourceNVRA() string {
	if p.IsSource() {
		return p.NVRA()
	}
	return strings.TrimSuffix(p.SourceRPM, ".rpm")
}

// Filename is the base name of the package file.
func (p *Package) Filename() string {
	if p.Path != "" {
		return filepath.Base(p.Path)
	}
	return p.NVRA() + ".rpm"
}

// ProvidesName reports whether p provides the bare capability name.
func (p *Package) ProvidesName(name string) bool {
	for _, prov := range p.Provides {
		if prov.Name == name {
			return true
		}
	}
	return false
}

// Satisfies reports whether p fulfils the requirement, either through its
// provides or, for file dependencies, through its file list.
func (p *Package) Satisfies(req Reldep) bool {
	if req.IsFile() {
		for _, f := range p.Files {
			if f == req.Name {
				return true
			}
		}
	}
	if req.Name == p.Name && req.Flags == "" {
		return true
	}
	for _, prov := range p.Provides {
		if req.SatisfiedBy(prov) {
			return true
		}
	}
	return false
}

// Compare orders two packages of the same name by EVR.
func Compare(a, b *Package) int {
	return version.NewVersion(a.EVR()).Compare(version.NewVersion(b.EVR()))
}

func FormatEVR(epoch uint, ver, rel string) string {
	if epoch == 0 {
		return fmt.Sprintf("%s-%s", ver, rel)
	}
	return fmt.Sprintf("%d:%s-%s", epoch, ver, rel)
}

// NEVRA is a parsed package identifier.
type NEVRA struct {
	Name    string
	Epoch   uint
	Version string
	Release string
	Arch    string
}

func (n NEVRA) String() string {
	if n.Epoch == 0 {
		return fmt.Sprintf("%s-%s-%s.%s", n.Name, n.Version, n.Release, n.Arch)
	}
	return fmt.Sprintf("%s-%d:%s-%s.%s", n.Name, n.Epoch, n.Version, n.Release, n.Arch)
}

// ParseNEVRA parses name-[epoch:]version-release.arch. A trailing .rpm is
// accepted. The epoch may also precede the name (epoch:name-...).
func ParseNEVRA(s string) (NEVRA, error) {
	s = strings.TrimSuffix(s, ".rpm")
	var n NEVRA
	dot := strings.LastIndex(s, ".")
	if dot < 0 {
		return n, fmt.Errorf("invalid NEVRA %q: missing arch", s)
	}
	n.Arch = s[dot+1:]
	s = s[:dot]

	dash := strings.LastIndex(s, "-")
	if dash < 0 {
		return n, fmt.Errorf("invalid NEVRA %q: missing release", s)
	}
	n.Release = s[dash+1:]
	s = s[:dash]

	dash = strings.LastIndex(s, "-")
	if dash < 0 {
		return n, fmt.Errorf("invalid NEVRA %q: missing version", s)
	}
	n.Version = s[dash+1:]
	n.Name = s[:dash]

	if i := strings.Index(n.Version, ":"); i >= 0 {
		e, err := strconv.ParseUint(n.Version[:i], 10, 32)
		if err != nil {
			return n, fmt.Errorf("invalid epoch in %q: %w", s, err)
		}
		n.Epoch = uint(e)
		n.Version = n.Version[i+1:]
	} else if i := strings.Index(n.Name, ":"); i >= 0 {
		e, err := strconv.ParseUint(n.Name[:i], 10, 32)
		if err != nil {
			return n, fmt.Errorf("invalid epoch in %q: %w", s, err)
		}
		n.Epoch = uint(e)
		n.Name = n.Name[i+1:]
	}
	if n.Name == "" || n.Version == "" || n.Release == "" || n.Arch == "" {
		return n, fmt.Errorf("invalid NEVRA %q", s)
	}
	return n, nil
}

// IsModularRelease reports whether a release string carries the module
// build marker added by the module build service.
func IsModularRelease(release string) bool {
	return strings.Contains(release, ".module+") || strings.Contains(release, ".module_")
}
