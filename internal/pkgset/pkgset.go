// Package pkgset builds the package sets a compose selects its RPMs from:
// one per Koji tag (or per static repository set), restricted to the
// compose arches and to signed copies of every RPM.
package pkgset

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/rpmmd"
)

// PackageSet is a named collection of packages keyed by their RPM arch.
type PackageSet struct {
	Name    string
	Arches  []string
	Sigkeys []string
	Cache   *FileCache
	Log     logrus.FieldLogger

	mu          sync.Mutex
	rpmsByArch  map[string]rpmmd.PackageList
	srpmsByName map[string]*rpmmd.Package
	byKey       map[string]bool
}

func New(name string, arches, sigkeys []string, cache *FileCache, log logrus.FieldLogger) *PackageSet {
	if cache == nil {
		cache = NewFileCache(nil)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PackageSet{
		Name:        name,
		Arches:      arches,
		Sigkeys:     sigkeys,
		Cache:       cache,
		Log:         log.WithField("pkgset", name),
		rpmsByArch:  map[string]rpmmd.PackageList{},
		srpmsByName: map[string]*rpmmd.Package{},
		byKey:       map[string]bool{},
	}
}

// key identifies a package in the set. Packages without a file (allowed
// invalid sigkeys) fall back to their NEVRA.
func key(p *rpmmd.Package) string {
	if p.Path != "" {
		return p.Path
	}
	return p.NEVRA()
}

// add stores p unless an entry with the same key exists. The caller holds
// the lock.
func (s *PackageSet) add(p *rpmmd.Package) bool {
	k := key(p)
	if s.byKey[k] {
		return false
	}
	s.byKey[k] = true
	s.rpmsByArch[p.Arch] = append(s.rpmsByArch[p.Arch], p)
	if p.IsSource() {
		s.srpmsByName[p.Name] = p
	}
	return true
}

// Add stores packages in the set. It reports how many were new.
func (s *PackageSet) Add(pkgs ...*rpmmd.Package) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range pkgs {
		if s.add(p) {
			n++
		}
	}
	return n
}

// Contains reports whether a package with the same file (or NEVRA) is in
// the set.
func (s *PackageSet) Contains(p *rpmmd.Package) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKey[key(p)]
}

// RPMArches lists the RPM arches present in the set, sorted.
func (s *PackageSet) RPMArches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rpmsByArch))
	for a := range s.rpmsByArch {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// RPMsByArch returns the packages of one RPM arch, sorted.
func (s *PackageSet) RPMsByArch(arch string) rpmmd.PackageList {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append(rpmmd.PackageList(nil), s.rpmsByArch[arch]...)
	out.Sort()
	return out
}

// ByArch returns a copy of every arch list.
func (s *PackageSet) ByArch() map[string]rpmmd.PackageList {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]rpmmd.PackageList, len(s.rpmsByArch))
	for a, l := range s.rpmsByArch {
		c := append(rpmmd.PackageList(nil), l...)
		c.Sort()
		out[a] = c
	}
	return out
}

// All returns every package in the set.
func (s *PackageSet) All() rpmmd.PackageList {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out rpmmd.PackageList
	for _, l := range s.rpmsByArch {
		out = append(out, l...)
	}
	out.Sort()
	return out
}

// SRPM returns the source package with the given name.
func (s *PackageSet) SRPM(name string) *rpmmd.Package {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srpmsByName[name]
}

func (s *PackageSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

func (s *PackageSet) String() string {
	return fmt.Sprintf("pkgset %s (%d packages)", s.Name, s.Len())
}

// excluded reports whether a noarch package cannot be used in a tree of
// destArch built from archList.
func excluded(p *rpmmd.Package, destArch string, archList []string) bool {
	if p.Arch != "noarch" {
		return false
	}
	if len(p.ExclusiveArch) > 0 {
		found := false
		for _, a := range p.ExclusiveArch {
			if common.StringInSlice(archList, a) {
				found = true
				break
			}
		}
		if !found {
			return true
		}
	}
	for _, a := range p.ExcludeArch {
		if a == destArch || a == common.TreeArchToYumArch(destArch) {
			return true
		}
	}
	return false
}

// Merge adds the packages of other for every arch in archList. Packages
// keep their RPM arch key; destArch is the tree arch the result serves.
// Skipped are packages already present, noarch packages excluded from
// destArch and source packages with no binary in the set.
func (s *PackageSet) Merge(other *PackageSet, destArch string, archList []string) {
	src := other.ByArch()

	s.mu.Lock()
	defer s.mu.Unlock()

	var sourceArches []string
	for _, arch := range archList {
		if arch == "src" || arch == "nosrc" {
			sourceArches = append(sourceArches, arch)
			continue
		}
		for _, p := range src[arch] {
			if s.byKey[key(p)] {
				continue
			}
			if excluded(p, destArch, archList) {
				s.Log.Debugf("Skipping %s, excluded from %s", p, destArch)
				continue
			}
			s.add(p)
		}
	}
	if len(sourceArches) == 0 {
		return
	}

	// binaries first, sources only when one of their builds made it
	built := map[string]bool{}
	for arch, l := range s.rpmsByArch {
		if arch == "src" || arch == "nosrc" {
			continue
		}
		for _, p := range l {
			built[p.SourceNVRA()] = true
		}
	}
	for _, arch := range sourceArches {
		for _, p := range src[arch] {
			if s.byKey[key(p)] || !built[p.NVRA()] {
				continue
			}
			s.add(p)
		}
	}
}

// Subset returns a new package set with the packages usable in a tree of
// treeArch, multilib arches included.
func (s *PackageSet) Subset(treeArch string) *PackageSet {
	out := New(s.Name+"."+treeArch, []string{treeArch}, s.Sigkeys, s.Cache, s.Log)
	arches := common.ValidArches(treeArch, true, true, true)
	if treeArch == "src" {
		arches = []string{"src", "nosrc"}
		out.mu.Lock()
		for _, a := range arches {
			for _, p := range s.RPMsByArch(a) {
				out.add(p)
			}
		}
		out.mu.Unlock()
		return out
	}
	out.Merge(s, treeArch, arches)
	return out
}

// Latest keeps only the newest package per (name, arch).
func (s *PackageSet) Latest() *PackageSet {
	out := New(s.Name, s.Arches, s.Sigkeys, s.Cache, s.Log)
	for _, l := range s.ByArch() {
		out.Add(l.Latest()...)
	}
	return out
}

// FileList renders the relative paths used as a createrepo package list.
func (s *PackageSet) FileList(arch, root string) []string {
	var out []string
	for _, a := range common.ValidArches(arch, true, true, true) {
		for _, p := range s.RPMsByArch(a) {
			if p.Path == "" {
				continue
			}
			out = append(out, common.RelativePath(p.Path, root))
		}
	}
	sort.Strings(out)
	return common.UniqueStrings(out)
}
