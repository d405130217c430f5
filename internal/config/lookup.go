package config

import (
	"fmt"
	"regexp"
	"sync"
)

var (
	regexCacheMu sync.Mutex
	regexCache   = map[string]*regexp.Regexp{}
)

// matchVariant reports whether the variant uid matches pattern. Patterns
// are anchored at the start like Python's re.match.
func matchVariant(pattern, uid string) bool {
	regexCacheMu.Lock()
	re, ok := regexCache[pattern]
	if !ok {
		var err error
		re, err = regexp.Compile(`^(?:` + pattern + `)`)
		if err != nil {
			regexCacheMu.Unlock()
			return false
		}
		regexCache[pattern] = re
	}
	regexCacheMu.Unlock()
	return re.MatchString(uid)
}

// GetArchVariantData collects the values of every rule matching both arch and
// variant uid. An empty uid matches every rule. A "*" arch matches every arch
// except src.
func GetArchVariantData[T any](rules []Rule[T], arch, variantUID string) []T {
	var result []T
	for _, r := range rules {
		if variantUID != "" && !matchVariant(r.Variant, variantUID) {
			continue
		}
		if !ruleMatchesArch(r.Arches, arch) {
			continue
		}
		result = append(result, r.Values...)
	}
	return result
}

func ruleMatchesArch(arches []string, arch string) bool {
	if len(arches) == 0 {
		return arch != "src"
	}
	for _, a := range arches {
		if a == arch {
			return true
		}
		if a == "*" && arch != "src" {
			return true
		}
	}
	return false
}

// GetVariantData collects the values of every rule matching the variant uid,
// ignoring arches.
func GetVariantData[T any](rules []Rule[T], variantUID string) []T {
	var result []T
	for _, r := range rules {
		if matchVariant(r.Variant, variantUID) {
			result = append(result, r.Values...)
		}
	}
	return result
}

// IsSet reports whether the last matching boolean rule is true.
func IsSet(rules []Rule[bool], arch, variantUID string) bool {
	values := GetArchVariantData(rules, arch, variantUID)
	return len(values) > 0 && values[len(values)-1]
}

// GatherMethodFor returns the method to use for the given variant and
// gather source.
func (c *Config) GatherMethodFor(variantUID, source string) string {
	method := c.GatherMethod.Global
	for _, pv := range c.GatherMethod.PerVariant {
		if !matchVariant(pv.Variant, variantUID) {
			continue
		}
		if m, ok := pv.Methods[source]; ok {
			method = m
		} else if m, ok := pv.Methods["*"]; ok {
			method = m
		} else {
			method = ""
		}
	}
	return method
}

// GatherSources lists the enabled gather sources for a variant. A variant
// with a per-source gather_method table uses exactly the sources named there.
func (c *Config) GatherSources(variantUID string) []string {
	for i := len(c.GatherMethod.PerVariant) - 1; i >= 0; i-- {
		pv := c.GatherMethod.PerVariant[i]
		if !matchVariant(pv.Variant, variantUID) {
			continue
		}
		if _, ok := pv.Methods["*"]; ok {
			break
		}
		var sources []string
		for _, s := range []string{"comps", "module", "json"} {
			if _, ok := pv.Methods[s]; ok {
				sources = append(sources, s)
			}
		}
		return sources
	}
	if len(c.GatherSource) > 0 {
		return c.GatherSource
	}
	sources := []string{"comps", "module"}
	if c.GatherSourceMapping != "" {
		sources = append(sources, "json")
	}
	return sources
}

// CanFail reports whether the deliverable for the given variant and arch is
// allowed to fail without dooming the compose.
func (c *Config) CanFail(variantUID, arch, deliverable string) bool {
	for _, d := range GetArchVariantData(c.FailableDeliverables, arch, variantUID) {
		if d == deliverable {
			return true
		}
	}
	return false
}

// validateRulePatterns returns an error for every rule whose variant
// pattern is not a valid regular expression.
func validateRulePatterns(name string, patterns []string) []error {
	var errs []error
	for _, p := range patterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid variant pattern %q: %w", name, p, err))
		}
	}
	return errs
}

func rulePatterns[T any](rules []Rule[T]) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Variant)
	}
	return out
}
