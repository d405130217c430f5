package gather

import (
	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/compose"
)

func filenames(r *Result, kind Kind) map[string]bool {
	out := map[string]bool{}
	for _, e := range r.Entries(kind) {
		out[e.Filename()] = true
	}
	return out
}

// Trim removes from addons, layered products and optional variants what
// their parent already ships. results maps variant uid to the result of
// one arch and is modified in place.
//
// An addon or layered product loses every package of its parent except
// explicit inputs; packages flagged fulltree-exclude move to the parent.
// Layered products keep their source and debuginfo packages. Optional
// variants lose everything shipped by the parent or its addons and
// layered products.
func Trim(c *compose.Compose, arch string, results map[string]*Result, log logrus.FieldLogger) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	for _, v := range c.GetVariants(arch, compose.VariantTypeAddon, compose.VariantTypeLayeredProduct) {
		child, parent := results[v.UID], results[v.Parent]
		if child == nil || parent == nil {
			continue
		}
		for _, kind := range Kinds {
			if v.Type == compose.VariantTypeLayeredProduct && kind != KindRPM {
				continue
			}
			inParent := filenames(parent, kind)
			removed := child.Remove(kind, func(e Entry) bool {
				return inParent[e.Filename()] && !e.Has(FlagInput)
			})
			moved := child.Remove(kind, func(e Entry) bool {
				return !inParent[e.Filename()] && e.Has(FlagFulltreeExclude)
			})
			for _, e := range moved {
				parent.Add(kind, e)
			}
			if len(removed)+len(moved) > 0 {
				log.Debugf("[%s.%s] %s: removed %d package(s) shipped by %s, moved %d to it",
					v.UID, arch, kind, len(removed), v.Parent, len(moved))
			}
		}
	}

	for _, v := range c.GetVariants(arch, compose.VariantTypeOptional) {
		optional := results[v.UID]
		parentVariant := c.ParentOf(v)
		if optional == nil || parentVariant == nil {
			continue
		}
		others := []*Result{results[parentVariant.UID]}
		for _, sibling := range c.ChildrenOf(parentVariant, compose.VariantTypeAddon, compose.VariantTypeLayeredProduct) {
			others = append(others, results[sibling.UID])
		}
		for _, kind := range Kinds {
			shipped := map[string]bool{}
			for _, o := range others {
				if o == nil {
					continue
				}
				for name := range filenames(o, kind) {
					shipped[name] = true
				}
			}
			removed := optional.Remove(kind, func(e Entry) bool { return shipped[e.Filename()] })
			if len(removed) > 0 {
				log.Debugf("[%s.%s] %s: removed %d package(s) shipped elsewhere", v.UID, arch, kind, len(removed))
			}
		}
	}
	for _, r := range results {
		r.Sort()
	}
}
