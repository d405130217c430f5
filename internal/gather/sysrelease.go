package gather

import (
	"sort"
	"strings"

	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/rpmmd"
)

// releaseVariant is the variant whose name picks the system-release
// package: children use their parent's choice.
func releaseVariant(c *compose.Compose, v *compose.Variant) *compose.Variant {
	if v.Type == compose.VariantTypeVariant {
		return v
	}
	if parent := c.ParentOf(v); parent != nil {
		return parent
	}
	return v
}

// SystemRelease picks the package providing system-release that matches
// the variant best and returns the names of the other providers, which
// are to be filtered out. With a single provider nothing is filtered.
func SystemRelease(pool rpmmd.PackageList, variantID string) (string, []string) {
	names := map[string]bool{}
	for _, p := range pool {
		if !p.IsSource() && !p.IsDebug() && p.ProvidesName("system-release") {
			names[p.Name] = true
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)
	if len(sorted) == 1 {
		return sorted[0], nil
	}

	id := strings.ToLower(variantID)
	score := func(name string) int {
		switch {
		case name == "system-release-"+id:
			return 0
		case name == "system-release":
			return 1
		case id != "" && strings.Contains(name, id):
			return 2
		}
		return 3
	}
	sort.SliceStable(sorted, func(i, j int) bool { return score(sorted[i]) < score(sorted[j]) })
	return sorted[0], sorted[1:]
}
