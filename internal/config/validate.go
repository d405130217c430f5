package config

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/kaptinlin/jsonschema"

	"github.com/osbuild/pungi/internal/common"
)

//go:embed schema.json
var schemaJSON []byte

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile configuration schema: %w", err)
	}
	return schema, nil
}

// Validate checks the configuration against the JSON schema and against the
// cross-key rules the schema cannot express. All problems are reported at
// once.
func (c *Config) Validate() error {
	var errs *multierror.Error

	schema, err := compileSchema()
	if err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("cannot encode configuration: %w", err)
	}
	result := schema.ValidateJSON(data)
	if !result.IsValid() {
		errs = multierror.Append(errs, fmt.Errorf("%w: schema validation failed: %v", ErrInvalid, result.Errors))
	}

	for _, e := range c.semanticErrors() {
		errs = multierror.Append(errs, fmt.Errorf("%w: %v", ErrInvalid, e))
	}

	if errs != nil {
		errs.ErrorFormat = listFormatFunc
	}
	return errs.ErrorOrNil()
}

func (c *Config) semanticErrors() []error {
	var errs []error

	seen := map[string]VariantConfig{}
	for _, v := range c.Variants {
		uid := VariantUID(v)
		if _, ok := seen[uid]; ok {
			errs = append(errs, fmt.Errorf("duplicate variant %q", uid))
		}
		seen[uid] = v
		if len(c.TreeArches) > 0 {
			for _, a := range v.Arches {
				if !common.StringInSlice(c.TreeArches, a) {
					errs = append(errs, fmt.Errorf("variant %s: arch %s is not in tree_arches", uid, a))
				}
			}
		}
	}
	for _, v := range c.Variants {
		uid := VariantUID(v)
		switch v.Type {
		case "variant":
			if v.Parent != "" {
				errs = append(errs, fmt.Errorf("variant %s: top-level variants cannot have a parent", uid))
			}
		default:
			parent, ok := seen[v.Parent]
			if !ok {
				errs = append(errs, fmt.Errorf("variant %s: unknown parent %q", uid, v.Parent))
				continue
			}
			if parent.Type != "variant" {
				errs = append(errs, fmt.Errorf("variant %s: parent %s must be of type variant", uid, v.Parent))
			}
			for _, a := range v.Arches {
				if !common.StringInSlice(parent.Arches, a) {
					errs = append(errs, fmt.Errorf("variant %s: arch %s is not enabled in parent %s", uid, a, v.Parent))
				}
			}
		}
	}

	switch c.PkgsetSource {
	case "koji":
		if len(c.PkgsetKojiTag) == 0 && len(c.PkgsetKojiModuleTag) == 0 && len(c.PkgsetKojiModuleBuilds) == 0 && !c.hasModularTags() {
			errs = append(errs, fmt.Errorf("pkgset_source koji needs pkgset_koji_tag or a module source"))
		}
	case "repos":
		if len(c.PkgsetRepos) == 0 {
			errs = append(errs, fmt.Errorf("pkgset_source repos needs pkgset_repos"))
		}
	}

	if c.Bootable && c.BuildinstallMethod == "" {
		errs = append(errs, fmt.Errorf("bootable composes need buildinstall_method"))
	}
	if c.RunrootMethod == "koji" && c.RunrootTag == "" {
		errs = append(errs, fmt.Errorf("runroot_method koji needs runroot_tag"))
	}
	if c.SplitIsoReserve >= c.IsoSize {
		errs = append(errs, fmt.Errorf("split_iso_reserve (%d) must be smaller than iso_size (%d)", c.SplitIsoReserve, c.IsoSize))
	}
	if len(c.PkgsetScratchModules) > 0 && c.ComposeType != "test" {
		errs = append(errs, fmt.Errorf("pkgset_scratch_modules can only be used in test composes"))
	}
	for _, pair := range c.VariantAsLookaside {
		for _, uid := range pair {
			if _, ok := seen[uid]; !ok {
				errs = append(errs, fmt.Errorf("variant_as_lookaside: unknown variant %q", uid))
			}
		}
	}
	for _, e := range c.ExtraIsos {
		for _, uid := range e.IncludeVariants {
			if _, ok := seen[uid]; !ok {
				errs = append(errs, fmt.Errorf("extra_isos: unknown variant %q in include_variants", uid))
			}
		}
	}

	errs = append(errs, validateRulePatterns("multilib", rulePatterns(c.Multilib))...)
	errs = append(errs, validateRulePatterns("additional_packages", rulePatterns(c.AdditionalPackages))...)
	errs = append(errs, validateRulePatterns("filter_packages", rulePatterns(c.FilterPackages))...)
	errs = append(errs, validateRulePatterns("filter_modules", rulePatterns(c.FilterModules))...)
	errs = append(errs, validateRulePatterns("gather_lookaside_repos", rulePatterns(c.GatherLookasideRepos))...)
	errs = append(errs, validateRulePatterns("createrepo_deltas", rulePatterns(c.CreaterepoDeltas))...)
	errs = append(errs, validateRulePatterns("buildinstall_skip", rulePatterns(c.BuildinstallSkip))...)
	errs = append(errs, validateRulePatterns("lorax_options", rulePatterns(c.LoraxOptions))...)
	errs = append(errs, validateRulePatterns("createiso_skip", rulePatterns(c.CreateisoSkip))...)
	errs = append(errs, validateRulePatterns("failable_deliverables", rulePatterns(c.FailableDeliverables))...)
	return errs
}

func (c *Config) hasModularTags() bool {
	for _, v := range c.Variants {
		if len(v.ModularKojiTags) > 0 || len(v.Modules) > 0 {
			return true
		}
	}
	return false
}

// VariantUID returns the uid of a configured variant: the explicit uid, or
// the parent uid joined with the id for child variants.
func VariantUID(v VariantConfig) string {
	if v.UID != "" {
		return v.UID
	}
	if v.Parent != "" {
		return v.Parent + "-" + v.ID
	}
	return v.ID
}
