package gather

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/rpmmd"
)

const (
	GreedyNone  = "none"
	GreedyAll   = "all"
	GreedyBuild = "build"
)

// Options tune the closure computed by a Solver.
type Options struct {
	Arch   string
	Method Method
	// source package names whose siblings are never pulled
	FulltreeExcludes  []string
	Fulltree          bool
	Selfhosting       bool
	Greedy            string
	MultilibMethods   []string
	MultilibWhitelist []string
	MultilibBlacklist []string
	Filter            []string
	CheckDeps         bool
	// NEVRAs of the modular packages the hybrid method may see
	EnabledModular map[string]bool
}

// MissingDepsError lists requires nothing in the result or lookaside
// satisfies.
type MissingDepsError struct {
	Package string
	Missing []string
}

func (e *MissingDepsError) Error() string {
	return fmt.Sprintf("%s has unsatisfied dependencies: %s", e.Package, strings.Join(e.Missing, ", "))
}

// IncompatibleArchError is returned for an input naming an arch that
// cannot be part of the tree.
type IncompatibleArchError struct {
	Input Input
	Arch  string
}

func (e *IncompatibleArchError) Error() string {
	return fmt.Sprintf("package %s is not compatible with arch %s", e.Input, e.Arch)
}

// index makes a package list searchable by name, NVRA, source and
// capability.
type index struct {
	byName   map[string]rpmmd.PackageList
	byNVRA   map[string]*rpmmd.Package
	bySource map[string]rpmmd.PackageList
	provides map[string]rpmmd.PackageList
	files    map[string]rpmmd.PackageList
}

func newIndex(pkgs rpmmd.PackageList) *index {
	ix := &index{
		byName:   map[string]rpmmd.PackageList{},
		byNVRA:   map[string]*rpmmd.Package{},
		bySource: map[string]rpmmd.PackageList{},
		provides: map[string]rpmmd.PackageList{},
		files:    map[string]rpmmd.PackageList{},
	}
	for _, p := range pkgs {
		ix.byName[p.Name] = append(ix.byName[p.Name], p)
		ix.byNVRA[p.NVRA()] = p
		if p.IsSource() {
			continue
		}
		ix.bySource[p.SourceNVRA()] = append(ix.bySource[p.SourceNVRA()], p)
		if p.IsDebug() {
			continue
		}
		seen := map[string]bool{p.Name: true}
		ix.provides[p.Name] = append(ix.provides[p.Name], p)
		for _, prov := range p.Provides {
			if !seen[prov.Name] {
				seen[prov.Name] = true
				ix.provides[prov.Name] = append(ix.provides[prov.Name], p)
			}
		}
		for _, f := range p.Files {
			ix.files[f] = append(ix.files[f], p)
		}
	}
	return ix
}

func (ix *index) whatProvides(req rpmmd.Reldep) rpmmd.PackageList {
	var out rpmmd.PackageList
	seen := map[*rpmmd.Package]bool{}
	candidates := ix.provides[req.Name]
	if req.IsFile() {
		candidates = append(append(rpmmd.PackageList{}, candidates...), ix.files[req.Name]...)
	}
	for _, p := range candidates {
		if !seen[p] && p.Satisfies(req) {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Solver computes the closure of a set of inputs over the packages of one
// tree arch.
type Solver struct {
	opts Options
	log  logrus.FieldLogger

	primary  []string
	multilib []string

	pool      *index
	lookaside *index

	filter    []glob.Glob
	whitelist []glob.Glob
	blacklist []glob.Glob
	langpacks map[string]glob.Glob

	flags map[*rpmmd.Package][]Flag
	order []*rpmmd.Package
	queue []*rpmmd.Package
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid package pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(globs []glob.Glob, names ...string) bool {
	for _, g := range globs {
		for _, n := range names {
			if g.Match(n) {
				return true
			}
		}
	}
	return false
}

// NewSolver prepares a solver. pool holds the packages of the tree arch;
// lookaside holds packages that may satisfy dependencies but are never
// part of the result.
func NewSolver(pool, lookaside rpmmd.PackageList, opts Options, log logrus.FieldLogger) (*Solver, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Greedy == "" {
		opts.Greedy = GreedyNone
	}
	switch opts.Greedy {
	case GreedyNone, GreedyAll, GreedyBuild:
	default:
		return nil, fmt.Errorf("unknown greedy method %q", opts.Greedy)
	}
	s := &Solver{
		opts:      opts,
		log:       log,
		primary:   common.ValidArches(opts.Arch, false, true, false),
		multilib:  common.ValidMultilibArches(opts.Arch),
		langpacks: map[string]glob.Glob{},
		flags:     map[*rpmmd.Package][]Flag{},
	}
	var err error
	if s.filter, err = compileGlobs(opts.Filter); err != nil {
		return nil, err
	}
	if s.whitelist, err = compileGlobs(opts.MultilibWhitelist); err != nil {
		return nil, err
	}
	if s.blacklist, err = compileGlobs(opts.MultilibBlacklist); err != nil {
		return nil, err
	}

	valid := common.ValidArches(opts.Arch, true, true, true)
	var visible rpmmd.PackageList
	for _, p := range pool {
		if !common.StringInSlice(valid, p.Arch) || s.filtered(p) {
			continue
		}
		if opts.Method == MethodHybrid && p.IsModular && !opts.EnabledModular[p.NEVRA()] {
			continue
		}
		visible = append(visible, p)
	}
	s.pool = newIndex(visible.Latest())
	// modular inputs name exact builds that Latest may have dropped
	for _, p := range visible {
		if p.IsModular {
			s.pool.byNVRA[p.NVRA()] = p
		}
	}
	s.lookaside = newIndex(lookaside)
	return s, nil
}

func (s *Solver) filtered(p *rpmmd.Package) bool {
	return matchAny(s.filter, p.Name, p.Name+"."+p.Arch)
}

func (s *Solver) resolveDeps() bool {
	return s.opts.Method != MethodNodeps
}

func (s *Solver) isPrimary(arch string) bool {
	return common.StringInSlice(s.primary, arch)
}

// sameClass reports whether candidate may be installed next to a package
// of arch: multilib packages pull multilib or noarch packages, everything
// else pulls primary ones.
func (s *Solver) sameClass(arch string, candidate *rpmmd.Package) bool {
	if candidate.Arch == "noarch" {
		return true
	}
	if common.StringInSlice(s.multilib, arch) {
		return candidate.Arch == arch
	}
	return s.isPrimary(candidate.Arch)
}

func (s *Solver) isExcludedFromFulltree(p *rpmmd.Package) bool {
	return common.StringInSlice(s.opts.FulltreeExcludes, p.SourceName())
}

// add selects p. It returns false when p was already selected; the flags
// are merged in either case.
func (s *Solver) add(p *rpmmd.Package, flags ...Flag) bool {
	cur, ok := s.flags[p]
	for _, f := range flags {
		if !flagIn(cur, f) {
			cur = append(cur, f)
		}
	}
	if !ok && !p.IsSource() && s.isExcludedFromFulltree(p) {
		cur = append(cur, FlagFulltreeExclude)
	}
	if cur == nil {
		cur = []Flag{}
	}
	s.flags[p] = cur
	if ok {
		return false
	}
	s.order = append(s.order, p)
	s.queue = append(s.queue, p)
	return true
}

func flagIn(flags []Flag, f Flag) bool {
	for _, flag := range flags {
		if flag == f {
			return true
		}
	}
	return false
}

func (s *Solver) selected(p *rpmmd.Package) bool {
	_, ok := s.flags[p]
	return ok
}

func (s *Solver) selectedName(name string) bool {
	for _, p := range s.pool.byName[name] {
		if s.selected(p) {
			return true
		}
	}
	return false
}

// best picks the preferred package: shortest name, then alphabetical,
// then arch preference, then the highest version.
func (s *Solver) best(candidates rpmmd.PackageList) *rpmmd.Package {
	sorted := append(rpmmd.PackageList{}, candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if len(a.Name) != len(b.Name) {
			return len(a.Name) < len(b.Name)
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		pa, pb := common.ArchPreference(s.opts.Arch, a.Arch), common.ArchPreference(s.opts.Arch, b.Arch)
		if pa != pb {
			return pa < pb
		}
		return rpmmd.Compare(a, b) > 0
	})
	return sorted[0]
}

// lookup finds the packages an input refers to. Inputs provided by the
// lookaside give nothing.
func (s *Solver) lookup(in Input) (rpmmd.PackageList, error) {
	if in.Arch != "" && !common.StringInSlice(common.ValidArches(s.opts.Arch, true, true, true), in.Arch) {
		return nil, &IncompatibleArchError{Input: in, Arch: s.opts.Arch}
	}
	for _, p := range s.lookaside.byName[in.Name] {
		if in.Arch == "" || p.Arch == in.Arch {
			s.log.Debugf("%s is provided by a lookaside repo", in)
			return nil, nil
		}
	}
	var candidates rpmmd.PackageList
	for _, p := range s.pool.byName[in.Name] {
		if p.IsSource() {
			continue
		}
		if in.Arch != "" && p.Arch == in.Arch {
			candidates = append(candidates, p)
		} else if in.Arch == "" && s.isPrimary(p.Arch) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		s.log.Warnf("No package matches %s on %s", in, s.opts.Arch)
		return nil, nil
	}
	if in.Arch != "" {
		return candidates, nil
	}
	return rpmmd.PackageList{s.best(candidates)}, nil
}

func skipRequire(p *rpmmd.Package, req rpmmd.Reldep) bool {
	return req.IsRich() || strings.HasPrefix(req.Name, "rpmlib(") || p.Satisfies(req)
}

// resolve pulls providers for the requires of p that nothing selected
// satisfies yet.
func (s *Solver) resolve(p *rpmmd.Package, flags ...Flag) {
	requirerArch := p.Arch
	if p.IsSource() {
		requirerArch = s.opts.Arch
	}
	for _, req := range p.Requires {
		if skipRequire(p, req) {
			continue
		}
		providers := s.pool.whatProvides(req)
		satisfied := false
		for _, prov := range providers {
			if s.selected(prov) {
				satisfied = true
				break
			}
		}
		if satisfied || len(s.lookaside.whatProvides(req)) > 0 {
			continue
		}
		var usable rpmmd.PackageList
		for _, prov := range providers {
			if s.sameClass(requirerArch, prov) {
				usable = append(usable, prov)
			}
		}
		if len(usable) == 0 {
			usable = providers
		}
		if len(usable) == 0 {
			s.log.Warnf("Unresolvable dependency %s in %s", req, p)
			continue
		}
		switch s.opts.Greedy {
		case GreedyAll:
			for _, prov := range usable {
				s.add(prov, flags...)
			}
		case GreedyBuild:
			chosen := s.best(usable)
			s.add(chosen, flags...)
			for _, prov := range usable {
				if prov != chosen && prov.SourceNVRA() == chosen.SourceNVRA() {
					s.add(prov, append([]Flag{FlagGreedyBuild}, flags...)...)
				}
			}
		default:
			s.add(s.best(usable), flags...)
		}
	}
}

// multilibAllowed decides whether the multilib build p is shipped next to
// its primary arch build.
func (s *Solver) multilibAllowed(p *rpmmd.Package) bool {
	if matchAny(s.blacklist, p.Name) {
		return false
	}
	if matchAny(s.whitelist, p.Name) {
		return true
	}
	devel := strings.HasSuffix(p.Name, "-devel") || strings.HasSuffix(p.Name, "-static")
	for _, method := range s.opts.MultilibMethods {
		switch method {
		case "all":
			return true
		case "devel":
			if devel {
				return true
			}
		case "runtime":
			if !devel && providesLibrary(p) {
				return true
			}
		case "kernel":
			if p.Name == "kernel" || strings.HasPrefix(p.Name, "kernel-") {
				return true
			}
		case "yaboot":
			if p.Name == "yaboot" {
				return true
			}
		}
	}
	return false
}

func providesLibrary(p *rpmmd.Package) bool {
	for _, prov := range p.Provides {
		if strings.Contains(prov.Name, ".so") {
			return true
		}
	}
	return false
}

func (s *Solver) addMultilib(p *rpmmd.Package) {
	if p.Arch == "noarch" || !s.isPrimary(p.Arch) {
		return
	}
	for _, arch := range s.multilib {
		for _, cand := range s.pool.byName[p.Name] {
			if cand.Arch != arch {
				continue
			}
			if s.multilibAllowed(cand) {
				s.add(cand, FlagMultilib)
			}
			return
		}
	}
}

func (s *Solver) addLangpacks(p *rpmmd.Package, patterns map[string]string) {
	pattern, ok := patterns[p.Name]
	if !ok {
		return
	}
	g, ok := s.langpacks[pattern]
	if !ok {
		var err error
		g, err = glob.Compile(strings.ReplaceAll(pattern, "%s", "*"))
		if err != nil {
			s.log.Warnf("Invalid langpack pattern %q: %v", pattern, err)
			return
		}
		s.langpacks[pattern] = g
	}
	names := make([]string, 0)
	for name := range s.pool.byName {
		if name != p.Name && g.Match(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		for _, cand := range s.pool.byName[name] {
			if !cand.IsSource() && !cand.IsDebug() && s.sameClass(p.Arch, cand) {
				s.add(cand, FlagLangpack)
			}
		}
	}
}

// expand applies every expansion to a newly selected package.
func (s *Solver) expand(p *rpmmd.Package, langpacks map[string]string) {
	if p.IsSource() {
		if s.opts.Selfhosting && s.resolveDeps() {
			s.resolve(p, FlagSelfHosting)
		}
		return
	}
	if s.resolveDeps() {
		s.resolve(p)
	}
	source := p.SourceNVRA()
	if srpm, ok := s.pool.byNVRA[source]; ok {
		s.add(srpm)
	} else {
		s.log.Debugf("No source package %s for %s", source, p)
	}
	if p.IsDebug() {
		return
	}
	siblings := s.pool.bySource[source]
	for _, d := range siblings {
		if d.IsDebug() && d.Arch == p.Arch {
			s.add(d)
		}
	}
	if s.opts.Fulltree && !s.isExcludedFromFulltree(p) {
		for _, sib := range siblings {
			if !sib.IsDebug() && !s.selected(sib) && s.sameClass(p.Arch, sib) {
				s.add(sib, FlagFulltree)
			}
		}
	}
	s.addLangpacks(p, langpacks)
	s.addMultilib(p)
}

// Solve computes the closure of in. Incompatible arches in the inputs and,
// for the nodeps method, unsatisfied requires are returned as errors.
func (s *Solver) Solve(in *Inputs) (*Result, error) {
	var errs *multierror.Error
	for _, nevra := range in.Modular {
		n, err := rpmmd.ParseNEVRA(nevra)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !common.StringInSlice(common.ValidArches(s.opts.Arch, true, true, true), n.Arch) {
			continue
		}
		p, ok := s.pool.byNVRA[fmt.Sprintf("%s-%s-%s.%s", n.Name, n.Version, n.Release, n.Arch)]
		if !ok {
			s.log.Warnf("Modular package %s is not in the package set", nevra)
			continue
		}
		s.add(p, FlagInput)
	}

	var conditional []Input
	for _, i := range in.Packages {
		if i.Requires != "" {
			conditional = append(conditional, i)
			continue
		}
		pkgs, err := s.lookup(i)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		for _, p := range pkgs {
			s.add(p, i.Flags...)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	for {
		for len(s.queue) > 0 {
			p := s.queue[0]
			s.queue = s.queue[1:]
			s.expand(p, in.Langpacks)
		}
		for _, c := range conditional {
			if !s.selectedName(c.Requires) {
				continue
			}
			pkgs, err := s.lookup(Input{Name: c.Name, Arch: c.Arch})
			if err != nil {
				s.log.Warnf("Conditional package %s: %v", c.Name, err)
				continue
			}
			for _, p := range pkgs {
				s.add(p, FlagConditional)
			}
		}
		if len(s.queue) == 0 {
			break
		}
	}

	if s.opts.Method == MethodNodeps {
		if err := s.checkDeps(); err != nil {
			if s.opts.CheckDeps {
				return nil, err
			}
			s.log.Warn(err)
		}
	}
	return s.result(), nil
}

// checkDeps asserts that the selection is closed under requires.
func (s *Solver) checkDeps() error {
	sel := newIndex(s.order)
	var errs *multierror.Error
	for _, p := range s.order {
		if p.IsSource() {
			continue
		}
		var missing []string
		for _, req := range p.Requires {
			if skipRequire(p, req) {
				continue
			}
			if len(sel.whatProvides(req)) == 0 && len(s.lookaside.whatProvides(req)) == 0 {
				missing = append(missing, req.String())
			}
		}
		if len(missing) > 0 {
			errs = multierror.Append(errs, &MissingDepsError{Package: p.NVRA(), Missing: missing})
		}
	}
	return errs.ErrorOrNil()
}

func (s *Solver) result() *Result {
	res := NewResult()
	for _, p := range s.order {
		if _, ok := s.lookaside.byNVRA[p.NVRA()]; ok {
			continue
		}
		if p.Path == "" {
			s.log.Warnf("Package %s has no file, skipping", p)
			continue
		}
		res.Add(kindOf(p), Entry{Path: p.Path, Flags: append([]Flag{}, s.flags[p]...), Package: p})
	}
	res.Sort()
	return res
}
