package gather

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/comps"
	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/config"
)

// Method selects how a source's inputs are expanded.
type Method string

const (
	// MethodDeps walks requires over the package set.
	MethodDeps Method = "deps"
	// MethodNodeps takes the inputs as they are and asserts that their
	// requires are satisfied within the result.
	MethodNodeps Method = "nodeps"
	// MethodHybrid walks requires like deps but only sees the modular
	// packages of modules enabled in the variant.
	MethodHybrid Method = "hybrid"
)

func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodDeps, MethodNodeps, MethodHybrid:
		return Method(s), nil
	case "":
		return MethodDeps, nil
	}
	return "", fmt.Errorf("unknown gather method %q", s)
}

// Source names where the inputs of a variant come from.
type Source string

const (
	SourceComps  Source = "comps"
	SourceModule Source = "module"
	SourceJSON   Source = "json"
)

func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceComps, SourceModule, SourceJSON:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown gather source %q", s)
}

// Input is one requested package. Arch is empty when the best arch for
// the tree should be picked. A conditional input is only installed when a
// package named Requires is selected.
type Input struct {
	Name     string `json:"name"`
	Arch     string `json:"arch,omitempty"`
	Requires string `json:"requires,omitempty"`
	Flags    []Flag `json:"flags,omitempty"`
}

func (i Input) String() string {
	if i.Arch == "" {
		return i.Name
	}
	return i.Name + "." + i.Arch
}

// ParseInput splits "name.arch". The suffix is only taken as an arch when
// it is a known rpm arch.
func ParseInput(s string, flags ...Flag) Input {
	if i := strings.LastIndex(s, "."); i > 0 && common.IsKnownArch(s[i+1:]) {
		return Input{Name: s[:i], Arch: s[i+1:], Flags: flags}
	}
	return Input{Name: s, Flags: flags}
}

// Inputs is what a source contributes to the solver for one variant and
// arch.
type Inputs struct {
	Packages  []Input           `json:"packages"`
	Groups    []string          `json:"groups"`
	Langpacks map[string]string `json:"langpacks,omitempty"`
	// exact NEVRAs of modular packages
	Modular []string `json:"modular,omitempty"`
}

func (in *Inputs) Merge(other *Inputs) {
	in.Packages = append(in.Packages, other.Packages...)
	in.Groups = common.UniqueStrings(append(in.Groups, other.Groups...))
	in.Modular = common.UniqueStrings(append(in.Modular, other.Modular...))
	for k, v := range other.Langpacks {
		if in.Langpacks == nil {
			in.Langpacks = map[string]string{}
		}
		in.Langpacks[k] = v
	}
}

// SourceReader produces the inputs of one source.
type SourceReader interface {
	Inputs(arch string, v *compose.Variant) (*Inputs, error)
}

// CompsSource resolves the comps groups of a variant. The comps file
// written for the variant by the init phase wins over the global one.
type CompsSource struct {
	Compose *compose.Compose
}

func (s CompsSource) file(arch string, v *compose.Variant) string {
	for _, path := range []string{
		s.Compose.Paths.Comps(arch, v.UID),
		s.Compose.Paths.Comps(arch, ""),
		s.Compose.Conf.CompsFile,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (s CompsSource) Inputs(arch string, v *compose.Variant) (*Inputs, error) {
	in := &Inputs{}
	groups := v.Groups
	if v.Type == compose.VariantTypeOptional {
		if parent := s.Compose.ParentOf(v); parent != nil {
			groups = append(append([]string{}, parent.Groups...), groups...)
		}
	}
	if len(groups) == 0 {
		return in, nil
	}
	path := s.file(arch, v)
	if path == "" {
		return nil, fmt.Errorf("variant %s uses comps groups but there is no comps file", v.UID)
	}
	c, err := comps.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// optional variants ship the optional packages of their groups
	pkgs, err := c.Packages(groups, arch, v.Type == compose.VariantTypeOptional)
	if err != nil {
		return nil, fmt.Errorf("variant %s: %w", v.UID, err)
	}
	in.Groups = common.UniqueStrings(append([]string{}, groups...))
	for _, p := range pkgs {
		if p.Requires != "" {
			in.Packages = append(in.Packages, Input{Name: p.Name, Requires: p.Requires, Flags: []Flag{FlagConditional}})
			continue
		}
		in.Packages = append(in.Packages, ParseInput(p.Name, FlagInput))
	}
	in.Langpacks = c.LangpackPatterns()
	return in, nil
}

// ModuleSource lists the artifacts of the modules enabled in a variant.
type ModuleSource struct{}

func (ModuleSource) Inputs(arch string, v *compose.Variant) (*Inputs, error) {
	in := &Inputs{}
	for _, s := range v.ArchModules(arch) {
		in.Modular = append(in.Modular, s.Artifacts...)
	}
	sort.Strings(in.Modular)
	in.Modular = common.UniqueStrings(in.Modular)
	return in, nil
}

// JSONSource reads packages from a mapping file shaped as
// {variant: {arch: {name: [arch, ...]}}}.
type JSONSource struct {
	Path string
}

func (s JSONSource) Inputs(arch string, v *compose.Variant) (*Inputs, error) {
	in := &Inputs{}
	if s.Path == "" {
		return nil, errors.New("gather source json needs gather_source_mapping")
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	var mapping map[string]map[string]map[string][]string
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", s.Path, err)
	}
	names := mapping[v.UID][arch]
	keys := make([]string, 0, len(names))
	for name := range names {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	for _, name := range keys {
		arches := names[name]
		if len(arches) == 0 {
			in.Packages = append(in.Packages, Input{Name: name, Flags: []Flag{FlagInput}})
		}
		for _, a := range arches {
			in.Packages = append(in.Packages, Input{Name: name, Arch: a, Flags: []Flag{FlagInput}})
		}
	}
	return in, nil
}

// NewSourceReader maps a source to its reader.
func NewSourceReader(src Source, c *compose.Compose) SourceReader {
	switch src {
	case SourceModule:
		return ModuleSource{}
	case SourceJSON:
		return JSONSource{Path: c.Conf.GatherSourceMapping}
	default:
		return CompsSource{Compose: c}
	}
}

// ReadPrepopulate reads the packages listed for the variant and arch in a
// file shaped as {variant: {arch: {source name: ["name.arch", ...]}}}.
func ReadPrepopulate(path, arch string, v *compose.Variant) ([]Input, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("gather_prepopulate file %s does not exist", path)
	} else if err != nil {
		return nil, err
	}
	var mapping map[string]map[string]map[string][]string
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	var out []Input
	for _, pkgs := range mapping[v.UID][arch] {
		for _, p := range pkgs {
			out = append(out, ParseInput(p, FlagPrepopulate))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// configInputs are the variant's own packages and additional_packages.
func configInputs(c *compose.Compose, arch string, v *compose.Variant) []Input {
	var out []Input
	for _, p := range v.Packages {
		out = append(out, ParseInput(p, FlagInput))
	}
	for _, p := range config.GetArchVariantData(c.Conf.AdditionalPackages, arch, v.UID) {
		out = append(out, ParseInput(p, FlagInput))
	}
	return out
}
