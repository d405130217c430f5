package config

import (
	"fmt"
	"sort"
)

// StringList accepts either a single string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case string:
		*l = StringList{v}
	case []interface{}:
		out := make(StringList, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected a string, got %v (%T)", item, item)
			}
			out = append(out, s)
		}
		*l = out
	default:
		return fmt.Errorf("expected a string or a list of strings, got %T", data)
	}
	return nil
}

// ScmSpec points at a file or directory stored in a source control system.
// A plain string is a local path.
type ScmSpec struct {
	Scm    string `toml:"scm" json:"scm"`
	Repo   string `toml:"repo,omitempty" json:"repo,omitempty"`
	Branch string `toml:"branch,omitempty" json:"branch,omitempty"`
	File   string `toml:"file,omitempty" json:"file,omitempty"`
	Dir    string `toml:"dir,omitempty" json:"dir,omitempty"`
	Target string `toml:"target,omitempty" json:"target,omitempty"`
}

func (s ScmSpec) IsZero() bool {
	return s.Scm == "" && s.File == "" && s.Dir == ""
}

func (s *ScmSpec) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case string:
		*s = ScmSpec{Scm: "file", File: v}
		return nil
	case map[string]interface{}:
		out := ScmSpec{}
		for k, raw := range v {
			str, ok := raw.(string)
			if !ok {
				return fmt.Errorf("scm key %q must be a string", k)
			}
			switch k {
			case "scm":
				out.Scm = str
			case "repo":
				out.Repo = str
			case "branch":
				out.Branch = str
			case "file":
				out.File = str
			case "dir":
				out.Dir = str
			case "target":
				out.Target = str
			default:
				return fmt.Errorf("unknown scm key %q", k)
			}
		}
		if out.Scm == "" && (out.File != "" || out.Dir != "") {
			out.Scm = "file"
		}
		*s = out
		return nil
	default:
		return fmt.Errorf("expected a path or an scm table, got %T", data)
	}
}

// Rule holds a value that applies to variants whose uid matches the
// Variant regular expression and to the listed arches ("*" is any binary
// arch).
type Rule[T any] struct {
	Variant string   `toml:"variant" json:"variant"`
	Arches  []string `toml:"arches,omitempty" json:"arches,omitempty"`
	Values  []T      `toml:"values" json:"values"`
}

// GatherMethod maps gather sources to methods for one variant pattern.
type GatherMethod struct {
	Variant string            `toml:"variant" json:"variant"`
	Methods map[string]string `toml:"methods" json:"methods"`
}

// GatherMethodConfig accepts either a global method name or a table of
// variant patterns mapping to a method name or a source->method table.
type GatherMethodConfig struct {
	Global     string         `toml:"global,omitempty" json:"global,omitempty"`
	PerVariant []GatherMethod `toml:"per_variant,omitempty" json:"per_variant,omitempty"`
}

func (g *GatherMethodConfig) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case string:
		*g = GatherMethodConfig{Global: v}
		return nil
	case map[string]interface{}:
		out := GatherMethodConfig{}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch m := v[k].(type) {
			case string:
				out.PerVariant = append(out.PerVariant, GatherMethod{Variant: k, Methods: map[string]string{"*": m}})
			case map[string]interface{}:
				methods := map[string]string{}
				for src, raw := range m {
					s, ok := raw.(string)
					if !ok {
						return fmt.Errorf("gather_method for %s/%s must be a string", k, src)
					}
					methods[src] = s
				}
				out.PerVariant = append(out.PerVariant, GatherMethod{Variant: k, Methods: methods})
			default:
				return fmt.Errorf("gather_method for %s must be a string or a table", k)
			}
		}
		*g = out
		return nil
	default:
		return fmt.Errorf("gather_method must be a string or a table, got %T", data)
	}
}

func (g GatherMethodConfig) MarshalTOML() ([]byte, error) {
	if len(g.PerVariant) == 0 {
		return []byte(fmt.Sprintf("%q", g.Global)), nil
	}
	out := "{"
	for i, pv := range g.PerVariant {
		if i > 0 {
			out += ", "
		}
		srcs := make([]string, 0, len(pv.Methods))
		for s := range pv.Methods {
			srcs = append(srcs, s)
		}
		sort.Strings(srcs)
		out += fmt.Sprintf("%q = {", pv.Variant)
		for j, s := range srcs {
			if j > 0 {
				out += ", "
			}
			out += fmt.Sprintf("%q = %q", s, pv.Methods[s])
		}
		out += "}"
	}
	return []byte(out + "}"), nil
}

// LoraxOptions are per variant/arch knobs passed to lorax.
type LoraxOptions struct {
	BugURL             string            `toml:"bugurl,omitempty" json:"bugurl,omitempty"`
	NoMacBoot          *bool             `toml:"nomacboot,omitempty" json:"nomacboot,omitempty"`
	NoUpgrade          *bool             `toml:"noupgrade,omitempty" json:"noupgrade,omitempty"`
	AddTemplate        []string          `toml:"add_template,omitempty" json:"add_template,omitempty"`
	AddArchTemplate    []string          `toml:"add_arch_template,omitempty" json:"add_arch_template,omitempty"`
	AddTemplateVar     []string          `toml:"add_template_var,omitempty" json:"add_template_var,omitempty"`
	AddArchTemplateVar []string          `toml:"add_arch_template_var,omitempty" json:"add_arch_template_var,omitempty"`
	RootfsSize         int               `toml:"rootfs_size,omitempty" json:"rootfs_size,omitempty"`
	Version            string            `toml:"version,omitempty" json:"version,omitempty"`
	InstallPackages    []string          `toml:"installpkgs,omitempty" json:"installpkgs,omitempty"`
	DracutArgs         []string          `toml:"dracut_args,omitempty" json:"dracut_args,omitempty"`
	SkipBranding       bool              `toml:"skip_branding,omitempty" json:"skip_branding,omitempty"`
	SquashfsOnly       bool              `toml:"squashfs_only,omitempty" json:"squashfs_only,omitempty"`
	ConfigurationFile  string            `toml:"configuration_file,omitempty" json:"configuration_file,omitempty"`
	Extra              map[string]string `toml:"extra,omitempty" json:"extra,omitempty"`
}

// ExtraIso describes one composite ISO built for the variants matching
// Variant.
type ExtraIso struct {
	Variant           string     `toml:"variant" json:"variant"`
	IncludeVariants   []string   `toml:"include_variants" json:"include_variants"`
	Arches            []string   `toml:"arches,omitempty" json:"arches,omitempty"`
	SkipSrc           bool       `toml:"skip_src,omitempty" json:"skip_src,omitempty"`
	Filename          string     `toml:"filename,omitempty" json:"filename,omitempty"`
	VolID             StringList `toml:"volid,omitempty" json:"volid,omitempty"`
	MaxSize           int64      `toml:"max_size,omitempty" json:"max_size,omitempty"`
	InheritExtraFiles bool       `toml:"inherit_extra_files,omitempty" json:"inherit_extra_files,omitempty"`
	ExtraFiles        []ScmSpec  `toml:"extra_files,omitempty" json:"extra_files,omitempty"`
	FailableArches    []string   `toml:"failable_arches,omitempty" json:"failable_arches,omitempty"`
}

// VariantConfig is one entry of the variant tree.
type VariantConfig struct {
	ID              string   `toml:"id" json:"id"`
	UID             string   `toml:"uid,omitempty" json:"uid,omitempty"`
	Name            string   `toml:"name" json:"name"`
	Type            string   `toml:"type" json:"type"`
	Arches          []string `toml:"arches" json:"arches"`
	Parent          string   `toml:"parent,omitempty" json:"parent,omitempty"`
	Groups          []string `toml:"groups,omitempty" json:"groups,omitempty"`
	Packages        []string `toml:"packages,omitempty" json:"packages,omitempty"`
	Modules         []string `toml:"modules,omitempty" json:"modules,omitempty"`
	ModularKojiTags []string `toml:"modular_koji_tags,omitempty" json:"modular_koji_tags,omitempty"`
	IsEmpty         bool     `toml:"is_empty,omitempty" json:"is_empty,omitempty"`

	// layered products carry their own release identity
	ReleaseName    string `toml:"release_name,omitempty" json:"release_name,omitempty"`
	ReleaseShort   string `toml:"release_short,omitempty" json:"release_short,omitempty"`
	ReleaseVersion string `toml:"release_version,omitempty" json:"release_version,omitempty"`
}
