package gather

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/linker"
	"github.com/osbuild/pungi/internal/pkgset"
	"github.com/osbuild/pungi/internal/rpmmd"
	"github.com/osbuild/pungi/internal/threadpool"
)

// Results holds the trimmed gather result of every arch and variant.
type Results map[string]map[string]*Result

// Get returns the result for arch and variant uid, or an empty one.
func (r Results) Get(arch, uid string) *Result {
	if res, ok := r[arch][uid]; ok {
		return res
	}
	return NewResult()
}

// Phase runs gather for every variant and arch and links the result into
// the compose.
type Phase struct {
	Compose *compose.Compose
	Pkgsets *pkgset.Result
	Loader  *rpmmd.Loader
	Linker  *linker.Linker
	Log     logrus.FieldLogger

	mu    sync.Mutex
	pools map[string]rpmmd.PackageList
}

func NewPhase(c *compose.Compose, pkgsets *pkgset.Result) *Phase {
	log := c.PhaseLog("gather")
	return &Phase{
		Compose: c,
		Pkgsets: pkgsets,
		Linker:  linker.New(c.Conf.LinkType, log),
		Log:     log,
		pools:   map[string]rpmmd.PackageList{},
	}
}

// pool returns the packages visible to a variant on a tree arch: the
// union of the variant's package sets, or the global set.
func (p *Phase) pool(arch string, v *compose.Variant) rpmmd.PackageList {
	names := v.Pkgsets()
	if len(names) == 0 {
		names = []string{""}
	}
	var out rpmmd.PackageList
	for _, name := range names {
		out = append(out, p.subset(name, arch)...)
	}
	out.Sort()
	return out
}

func (p *Phase) subset(name, arch string) rpmmd.PackageList {
	key := name + "/" + arch
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.pools[key]; ok {
		return l
	}
	set := p.Pkgsets.Global
	if name != "" {
		if s := p.Pkgsets.Set(name); s != nil {
			set = s
		}
	}
	var l rpmmd.PackageList
	if set != nil {
		l = set.Subset(arch).All()
	}
	p.pools[key] = l
	return l
}

// order lists the variants of arch so that parents come before their
// children and lookaside providers before the variants using them.
func (p *Phase) order(arch string) ([]*compose.Variant, error) {
	variants := p.Compose.GetVariants(arch)
	deps := map[string][]string{}
	for _, v := range variants {
		if v.Parent != "" {
			deps[v.UID] = append(deps[v.UID], v.Parent)
		}
		if v.Type == compose.VariantTypeOptional {
			if parent := p.Compose.ParentOf(v); parent != nil {
				for _, sib := range p.Compose.ChildrenOf(parent, compose.VariantTypeAddon, compose.VariantTypeLayeredProduct) {
					deps[v.UID] = append(deps[v.UID], sib.UID)
				}
			}
		}
	}
	for _, pair := range p.Compose.Conf.VariantAsLookaside {
		deps[pair[0]] = append(deps[pair[0]], pair[1])
	}

	var out []*compose.Variant
	state := map[string]int{}
	var visit func(v *compose.Variant) error
	visit = func(v *compose.Variant) error {
		switch state[v.UID] {
		case 1:
			return fmt.Errorf("variant %s depends on itself through parents or variant_as_lookaside", v.UID)
		case 2:
			return nil
		}
		state[v.UID] = 1
		for _, d := range deps[v.UID] {
			dep := p.Compose.Variant(d)
			if dep == nil || !dep.HasArch(arch) {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[v.UID] = 2
		out = append(out, v)
		return nil
	}
	for _, v := range variants {
		if err := visit(v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func patternsFor(m map[string][]string, arch string) []string {
	return append(append([]string{}, m["*"]...), m[arch]...)
}

func (p *Phase) options(arch string, v *compose.Variant, method Method, parent *Result) Options {
	conf := p.Compose.Conf
	opts := Options{
		Arch:              arch,
		Method:            method,
		Fulltree:          conf.GatherFulltree,
		FulltreeExcludes:  append([]string{}, conf.FulltreeExcludes...),
		Selfhosting:       conf.GatherSelfhosting,
		Greedy:            conf.GreedyMethod,
		MultilibMethods:   config.GetArchVariantData(conf.Multilib, arch, v.UID),
		MultilibWhitelist: patternsFor(conf.MultilibWhitelist, arch),
		MultilibBlacklist: patternsFor(conf.MultilibBlacklist, arch),
		Filter:            config.GetArchVariantData(conf.FilterPackages, arch, v.UID),
		CheckDeps:         conf.CheckDeps,
	}
	if parent != nil && (v.Type == compose.VariantTypeAddon || v.Type == compose.VariantTypeLayeredProduct) {
		for _, e := range parent.SRPM {
			if e.Package != nil {
				opts.FulltreeExcludes = append(opts.FulltreeExcludes, e.Package.Name)
			}
		}
	}
	sort.Strings(opts.FulltreeExcludes)
	opts.FulltreeExcludes = common.UniqueStrings(opts.FulltreeExcludes)
	if method == MethodHybrid {
		opts.EnabledModular = map[string]bool{}
		for _, s := range v.ArchModules(arch) {
			for _, a := range s.Artifacts {
				if n, err := rpmmd.ParseNEVRA(a); err == nil {
					opts.EnabledModular[fmt.Sprintf("%s-%d:%s-%s.%s", n.Name, n.Epoch, n.Version, n.Release, n.Arch)] = true
				}
			}
		}
	}
	return opts
}

// inputs collects the inputs of every enabled source grouped by the
// method configured for it. Configured packages, prepopulate and the
// system-release choice go with the first source.
func (p *Phase) inputs(arch string, v *compose.Variant, pool rpmmd.PackageList) (map[Method]*Inputs, []string, error) {
	conf := p.Compose.Conf
	out := map[Method]*Inputs{}
	var first Method
	for i, name := range conf.GatherSources(v.UID) {
		src, err := ParseSource(name)
		if err != nil {
			return nil, nil, err
		}
		method, err := ParseMethod(conf.GatherMethodFor(v.UID, name))
		if err != nil {
			return nil, nil, err
		}
		if i == 0 {
			first = method
		}
		if out[method] == nil {
			out[method] = &Inputs{}
		}
		reader := NewSourceReader(src, p.Compose)
		for _, sv := range p.inputVariants(arch, v) {
			in, err := reader.Inputs(arch, sv)
			if err != nil {
				return nil, nil, err
			}
			out[method].Merge(in)
		}
	}
	if first == "" {
		first = MethodDeps
	}
	if out[first] == nil {
		out[first] = &Inputs{}
	}

	var extra []Input
	for _, sv := range p.inputVariants(arch, v) {
		extra = append(extra, configInputs(p.Compose, arch, sv)...)
	}
	prepopulate, err := ReadPrepopulate(conf.GatherPrepopulate, arch, v)
	if err != nil {
		return nil, nil, err
	}
	extra = append(extra, prepopulate...)

	var filter []string
	if conf.FilterSystemReleasePackages {
		chosen, others := SystemRelease(pool, releaseVariant(p.Compose, v).ID)
		if chosen != "" {
			extra = append(extra, Input{Name: chosen})
		}
		filter = others
	}
	out[first].Packages = append(out[first].Packages, extra...)
	return out, filter, nil
}

// inputVariants lists the variants whose inputs v is gathered from. An
// optional variant takes everything its parent and the parent's addons and
// layered products ask for; trimming removes what they ship later.
func (p *Phase) inputVariants(arch string, v *compose.Variant) []*compose.Variant {
	if v.Type != compose.VariantTypeOptional {
		return []*compose.Variant{v}
	}
	parent := p.Compose.ParentOf(v)
	if parent == nil {
		return []*compose.Variant{v}
	}
	out := []*compose.Variant{parent}
	for _, child := range p.Compose.ChildrenOf(parent, compose.VariantTypeAddon, compose.VariantTypeLayeredProduct) {
		if child.HasArch(arch) {
			out = append(out, child)
		}
	}
	return append(out, v)
}

// lookaside loads the configured lookaside repos and the results of the
// variants this one uses as lookaside.
func (p *Phase) lookaside(ctx context.Context, arch string, v *compose.Variant, done map[string]*Result) (rpmmd.PackageList, error) {
	var out rpmmd.PackageList
	repos := config.GetArchVariantData(p.Compose.Conf.GatherLookasideRepos, arch, v.UID)
	if len(repos) > 0 {
		loader := p.Loader
		if loader == nil {
			loader = rpmmd.NewLoader(nil)
		}
		for _, repo := range repos {
			pkgs, err := loader.Load(ctx, repo)
			if err != nil {
				return nil, fmt.Errorf("cannot load lookaside repo %s: %w", repo, err)
			}
			out = append(out, pkgs...)
		}
	}
	for _, pair := range p.Compose.Conf.VariantAsLookaside {
		if pair[0] != v.UID {
			continue
		}
		res, ok := done[pair[1]]
		if !ok {
			continue
		}
		for _, kind := range Kinds {
			for _, e := range res.Entries(kind) {
				if e.Package != nil {
					out = append(out, e.Package)
				}
			}
		}
	}
	return out, nil
}

// reuse returns the result of the old compose if the package set was
// reused and nothing the result depends on changed.
func (p *Phase) reuse(arch string, v *compose.Variant, digest string, pool rpmmd.PackageList, log logrus.FieldLogger) *Result {
	if !p.Compose.Conf.GatherAllowReuse || !p.Pkgsets.Reused {
		return nil
	}
	paths := p.Compose.Paths
	oldRecord := paths.OldComposePath(paths.GatherReuseFile(arch, v.UID))
	oldResult := paths.OldComposePath(paths.GatherResult(arch, v.UID))
	if oldRecord == "" || oldResult == "" {
		log.Debug("No old gather result to reuse")
		return nil
	}
	record, err := readReuseRecord(oldRecord)
	if err != nil {
		log.Warnf("Cannot reuse gather result: %v", err)
		return nil
	}
	if record.Digest != digest {
		log.Info("Gather inputs changed, not reusing")
		return nil
	}
	res, err := ReadResultFile(oldResult)
	if err != nil {
		log.Warnf("Cannot reuse gather result: %v", err)
		return nil
	}
	if err := bindResult(res, pool); err != nil {
		log.Infof("Not reusing gather result: %v", err)
		return nil
	}
	return res
}

// gather computes the untrimmed result of one variant.
func (p *Phase) gather(ctx context.Context, arch string, v *compose.Variant, done map[string]*Result) (*Result, bool, error) {
	log := p.Log.WithFields(logrus.Fields{"variant": v.UID, "arch": arch})
	if v.IsEmpty {
		return NewResult(), false, nil
	}
	pool := p.pool(arch, v)
	inputs, sysFilter, err := p.inputs(arch, v, pool)
	if err != nil {
		return nil, false, err
	}
	lookaside, err := p.lookaside(ctx, arch, v, done)
	if err != nil {
		return nil, false, err
	}
	var parent *Result
	if v.Parent != "" {
		parent = done[v.Parent]
	}

	methods := make([]Method, 0, len(inputs))
	for m := range inputs {
		methods = append(methods, m)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })

	allOpts := map[Method]Options{}
	for _, m := range methods {
		opts := p.options(arch, v, m, parent)
		opts.Filter = append(opts.Filter, sysFilter...)
		allOpts[m] = opts
	}
	digest, err := reuseDigest(inputs, allOpts, lookaside)
	if err != nil {
		return nil, false, err
	}
	res, reused := p.reuse(arch, v, digest, pool, log), true
	if res != nil {
		log.Info("Reusing gather result from old compose")
	} else {
		res, reused = NewResult(), false
	}
	for _, m := range methods {
		if reused {
			break
		}
		solver, err := NewSolver(pool, lookaside, allOpts[m], log)
		if err != nil {
			return nil, false, err
		}
		r, err := solver.Solve(inputs[m])
		if err != nil {
			return nil, false, fmt.Errorf("gather %s.%s (%s): %w", v.UID, arch, m, err)
		}
		res.Merge(r)
	}
	res.Sort()

	if err := res.WriteFile(p.Compose.Paths.GatherResult(arch, v.UID)); err != nil {
		return nil, false, err
	}
	if err := writeReuseRecord(p.Compose.Paths.GatherReuseFile(arch, v.UID), digest); err != nil {
		return nil, false, err
	}
	return res, reused, nil
}

func (p *Phase) runArch(ctx context.Context, arch string) (map[string]*Result, error) {
	variants, err := p.order(arch)
	if err != nil {
		return nil, err
	}
	done := map[string]*Result{}
	for _, v := range variants {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, _, err := p.gather(ctx, arch, v, done)
		if err != nil {
			return nil, err
		}
		done[v.UID] = res
	}

	trimmed := make(map[string]*Result, len(done))
	for uid, res := range done {
		trimmed[uid] = res.Copy()
	}
	Trim(p.Compose, arch, trimmed, p.Log.WithField("arch", arch))
	return trimmed, nil
}

// Run gathers every arch in parallel, trims the results and links them
// into the compose tree.
func (p *Phase) Run(ctx context.Context) (Results, error) {
	conf := p.Compose.Conf
	results := Results{}
	var mu sync.Mutex

	archPool := threadpool.New("gather", threadpool.DefaultWorkers(conf.MaxWorkers), p.Log,
		func(ctx context.Context, arch string, num int) error {
			p.Log.Infof("[BEGIN] Gathering packages for %s", arch)
			res, err := p.runArch(ctx, arch)
			if err != nil {
				return err
			}
			mu.Lock()
			results[arch] = res
			mu.Unlock()
			p.Log.Infof("[DONE ] Gathering packages for %s", arch)
			return nil
		})
	for _, arch := range p.Compose.Arches() {
		archPool.QueuePut(arch)
	}
	if err := archPool.Run(ctx); err != nil {
		return nil, err
	}

	linkPool := threadpool.New("gather-link", threadpool.DefaultWorkers(conf.MaxWorkers), p.Log,
		func(ctx context.Context, v *compose.Variant, num int) error {
			perArch := map[string]*Result{}
			for arch, byVariant := range results {
				if res, ok := byVariant[v.UID]; ok {
					perArch[arch] = res
				}
			}
			return Link(p.Compose, p.Linker, v, perArch)
		})
	for _, v := range p.Compose.GetVariants("") {
		linkPool.QueuePut(v)
	}
	if err := linkPool.Run(ctx); err != nil {
		if rbErr := p.Linker.Rollback(); rbErr != nil {
			p.Log.Warnf("Cannot roll back linked packages: %v", rbErr)
		}
		return nil, err
	}
	return results, nil
}
