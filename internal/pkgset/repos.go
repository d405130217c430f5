package pkgset

import (
	"context"
	"fmt"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/rpmmd"
)

// RepoPackageSet is populated from the repodata of static repositories
// instead of a Koji tag. Packages carry no sigkey.
type RepoPackageSet struct {
	*PackageSet
	Loader *rpmmd.Loader
}

func NewRepo(set *PackageSet, loader *rpmmd.Loader) *RepoPackageSet {
	if loader == nil {
		loader = rpmmd.NewLoader(nil)
	}
	return &RepoPackageSet{PackageSet: set, Loader: loader}
}

// Populate reads every repository listed for every tree arch. Packages of
// arches the compose does not build are dropped.
func (s *RepoPackageSet) Populate(ctx context.Context, repos map[string][]string) error {
	wanted := map[string]bool{"noarch": true, "src": true, "nosrc": true}
	for _, arch := range s.Arches {
		for _, a := range common.ValidArches(arch, true, false, false) {
			wanted[a] = true
		}
	}

	for _, arch := range append(append([]string(nil), s.Arches...), "src", "*") {
		for _, url := range repos[arch] {
			pkgs, err := s.Loader.Load(ctx, url)
			if err != nil {
				return fmt.Errorf("cannot load repository %s: %w", url, err)
			}
			var keep []*rpmmd.Package
			for _, p := range pkgs {
				if !wanted[p.Arch] {
					continue
				}
				p.IsModular = rpmmd.IsModularRelease(p.Release)
				keep = append(keep, p)
				if p.Path != "" {
					s.Cache.Put(p)
				}
			}
			n := s.Add(keep...)
			s.Log.Infof("Found %d package(s) in %s", n, url)
		}
	}
	return nil
}
