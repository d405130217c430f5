package rpmmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/cavaliergopher/rpm"
)

// header tags that the rpm package has no accessor for
const (
	tagExcludeArch   = 1059
	tagExclusiveArch = 1061
)

// ReadHeader hydrates a Package from the RPM header of the file at path.
// The package is marked modular when its release carries a module tag.
func ReadHeader(path string) (*Package, error) {
	pkg, err := rpm.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read rpm header of %s: %w", path, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	p := &Package{
		Name:          pkg.Name(),
		Epoch:         uint(pkg.Epoch()),
		Version:       pkg.Version(),
		Release:       pkg.Release(),
		Arch:          pkg.Architecture(),
		SourceRPM:     pkg.SourceRPM(),
		Path:          path,
		Size:          st.Size(),
		Provides:      toReldeps(pkg.Provides()),
		Requires:      toReldeps(pkg.Requires()),
		ExcludeArch:   tagStrings(pkg, tagExcludeArch),
		ExclusiveArch: tagStrings(pkg, tagExclusiveArch),
	}
	// source packages have no SOURCERPM tag
	if p.SourceRPM == "" {
		p.Arch = "src"
	}
	for _, f := range pkg.Files() {
		p.Files = append(p.Files, f.Name())
	}
	p.IsModular = IsModularRelease(p.Release)
	return p, nil
}

func tagStrings(pkg *rpm.Package, id int) []string {
	tag := pkg.Header.GetTag(id)
	if tag == nil {
		return nil
	}
	return tag.StringSlice()
}

func toReldeps(deps []rpm.Dependency) []Reldep {
	out := make([]Reldep, 0, len(deps))
	for _, d := range deps {
		r := Reldep{Name: d.Name(), Version: d.Version(), Release: d.Release()}
		if d.Epoch() > 0 {
			r.Epoch = strconv.Itoa(d.Epoch())
		}
		r.Flags = depFlags(d.Flags())
		out = append(out, r)
	}
	return out
}

func depFlags(flags int) string {
	switch flags & (rpm.DepFlagLesser | rpm.DepFlagGreater | rpm.DepFlagEqual) {
	case rpm.DepFlagEqual:
		return "EQ"
	case rpm.DepFlagLesser:
		return "LT"
	case rpm.DepFlagGreater:
		return "GT"
	case rpm.DepFlagLesserOrEqual:
		return "LE"
	case rpm.DepFlagGreaterOrEqual:
		return "GE"
	}
	return ""
}
