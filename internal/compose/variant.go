package compose

import (
	"fmt"
	"sort"
	"sync"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/modulemd"
)

const (
	VariantTypeVariant        = "variant"
	VariantTypeAddon          = "addon"
	VariantTypeLayeredProduct = "layered-product"
	VariantTypeOptional       = "optional"
)

// Variant is one node of the variant tree. Parents and children are
// referenced by uid and resolved through the compose registry.
type Variant struct {
	UID             string
	ID              string
	Name            string
	Type            string
	Arches          []string
	Parent          string
	Children        []string
	Groups          []string
	Packages        []string
	Modules         []string
	ModularKojiTags []string
	IsEmpty         bool

	ReleaseName    string
	ReleaseShort   string
	ReleaseVersion string

	mu             sync.Mutex
	pkgsets        map[string]bool
	archMMDs       map[string]map[string]*modulemd.Stream
	moduleKojiTags map[string]string
	nsvcToPkgset   map[string]string
}

func (v *Variant) String() string {
	return v.UID
}

// HasArch reports whether the variant is built for arch. Every variant has
// sources.
func (v *Variant) HasArch(arch string) bool {
	return arch == "src" || common.StringInSlice(v.Arches, arch)
}

func (v *Variant) AddPkgset(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pkgsets == nil {
		v.pkgsets = map[string]bool{}
	}
	v.pkgsets[name] = true
}

// Pkgsets returns the names of the package sets the variant draws from.
func (v *Variant) Pkgsets() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.pkgsets))
	for name := range v.pkgsets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AddModule stores a module stream selected for arch. The content tag and
// package set name are optional.
func (v *Variant) AddModule(arch string, s *modulemd.Stream, kojiTag, pkgset string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.archMMDs == nil {
		v.archMMDs = map[string]map[string]*modulemd.Stream{}
		v.moduleKojiTags = map[string]string{}
		v.nsvcToPkgset = map[string]string{}
	}
	if v.archMMDs[arch] == nil {
		v.archMMDs[arch] = map[string]*modulemd.Stream{}
	}
	nsvc := s.NSVC()
	v.archMMDs[arch][nsvc] = s
	if kojiTag != "" {
		v.moduleKojiTags[nsvc] = kojiTag
	}
	if pkgset != "" {
		v.nsvcToPkgset[nsvc] = pkgset
	}
}

// RemoveModule drops the stream from arch.
func (v *Variant) RemoveModule(arch, nsvc string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.archMMDs[arch], nsvc)
}

// ArchModules returns the streams selected for arch keyed by NSVC.
func (v *Variant) ArchModules(arch string) map[string]*modulemd.Stream {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]*modulemd.Stream, len(v.archMMDs[arch]))
	for k, s := range v.archMMDs[arch] {
		out[k] = s
	}
	return out
}

// HasModules reports whether any arch has modular content.
func (v *Variant) HasModules() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.archMMDs {
		if len(m) > 0 {
			return true
		}
	}
	return false
}

func (v *Variant) ModuleKojiTag(nsvc string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.moduleKojiTags[nsvc]
}

func (v *Variant) ModulePkgset(nsvc string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nsvcToPkgset[nsvc]
}

// buildVariants turns the configured variant list into the registry. Arches
// are limited to treeArches and variants to treeVariants when set.
func buildVariants(confs []config.VariantConfig, treeArches, treeVariants []string) (map[string]*Variant, []string, error) {
	variants := map[string]*Variant{}
	var order []string
	for _, vc := range confs {
		uid := config.VariantUID(vc)
		if len(treeVariants) > 0 && !common.StringInSlice(treeVariants, uid) {
			continue
		}
		var arches []string
		for _, a := range vc.Arches {
			if len(treeArches) == 0 || common.StringInSlice(treeArches, a) {
				arches = append(arches, a)
			}
		}
		if len(arches) == 0 {
			continue
		}
		sort.Strings(arches)
		variants[uid] = &Variant{
			UID:             uid,
			ID:              vc.ID,
			Name:            vc.Name,
			Type:            vc.Type,
			Arches:          arches,
			Parent:          vc.Parent,
			Groups:          vc.Groups,
			Packages:        vc.Packages,
			Modules:         vc.Modules,
			ModularKojiTags: vc.ModularKojiTags,
			IsEmpty:         vc.IsEmpty,
			ReleaseName:     vc.ReleaseName,
			ReleaseShort:    vc.ReleaseShort,
			ReleaseVersion:  vc.ReleaseVersion,
		}
		order = append(order, uid)
	}
	for _, uid := range order {
		v := variants[uid]
		if v.Parent == "" {
			continue
		}
		parent, ok := variants[v.Parent]
		if !ok {
			return nil, nil, fmt.Errorf("variant %s: parent %s is not part of the compose", uid, v.Parent)
		}
		parent.Children = append(parent.Children, uid)
	}
	return variants, order, nil
}

// Variant returns the variant with the given uid or nil.
func (c *Compose) Variant(uid string) *Variant {
	return c.variants[uid]
}

// ParentOf returns the parent variant or nil for top level variants.
func (c *Compose) ParentOf(v *Variant) *Variant {
	if v == nil || v.Parent == "" {
		return nil
	}
	return c.variants[v.Parent]
}

// ChildrenOf returns the children of v in configuration order, optionally
// limited to the given types.
func (c *Compose) ChildrenOf(v *Variant, types ...string) []*Variant {
	var out []*Variant
	for _, uid := range v.Children {
		child := c.variants[uid]
		if len(types) == 0 || common.StringInSlice(types, child.Type) {
			out = append(out, child)
		}
	}
	return out
}

// GetVariants returns every variant, children included, in configuration
// order. A non-empty arch keeps only variants built for it; types limits
// the variant types.
func (c *Compose) GetVariants(arch string, types ...string) []*Variant {
	var out []*Variant
	for _, uid := range c.variantOrder {
		v := c.variants[uid]
		if arch != "" && !v.HasArch(arch) {
			continue
		}
		if len(types) > 0 && !common.StringInSlice(types, v.Type) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Arches returns the sorted union of all variant arches.
func (c *Compose) Arches() []string {
	var arches []string
	for _, v := range c.variants {
		arches = append(arches, v.Arches...)
	}
	arches = common.UniqueStrings(arches)
	sort.Strings(arches)
	return arches
}
