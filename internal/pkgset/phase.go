package pkgset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/koji"
	"github.com/osbuild/pungi/internal/linker"
	"github.com/osbuild/pungi/internal/rpmmd"
	"github.com/osbuild/pungi/internal/shell"
	"github.com/osbuild/pungi/internal/threadpool"
	"github.com/osbuild/pungi/internal/wrappers"
)

const (
	SourceKoji  = "koji"
	SourceRepos = "repos"
)

// Result is what later phases consume: the package sets in configuration
// order, their merged view and a repository per set and arch.
type Result struct {
	Event  *koji.Event
	Sets   []*PackageSet
	Global *PackageSet
	// Root is the directory package paths in the repositories are
	// relative to.
	Root    string
	Repos   map[string]map[string]string
	Modules *ModuleSelection
	// Reused is set when every package set came from the old compose.
	Reused bool
}

// Set returns the package set called name or nil.
func (r *Result) Set(name string) *PackageSet {
	for _, s := range r.Sets {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Repo is the repository of set name for the tree arch.
func (r *Result) Repo(name, arch string) string {
	return r.Repos[name][arch]
}

// Phase builds the package sets of a compose.
type Phase struct {
	Compose  *compose.Compose
	Session  koji.Session
	PathInfo koji.PathInfo
	Runner   shell.Runner
	Loader   *rpmmd.Loader
	MBS      *MBSClient
	Headers  HeaderReader
	ReadFile func(path string) ([]byte, error)
	// IsFile and Sleep are passed to the Koji package sets.
	IsFile func(path string) bool
	Sleep  func(time.Duration)
	Log    logrus.FieldLogger
}

func NewPhase(c *compose.Compose, session koji.Session, runner shell.Runner) *Phase {
	return &Phase{
		Compose:  c,
		Session:  session,
		PathInfo: koji.PathInfo{Topdir: c.Conf.KojiTopdir},
		Runner:   runner,
		ReadFile: os.ReadFile,
		Log:      c.PhaseLog("pkgset"),
	}
}

func (p *Phase) Run(ctx context.Context) (*Result, error) {
	var res *Result
	var err error
	switch p.Compose.Conf.PkgsetSource {
	case SourceKoji, "":
		res, err = p.runKoji(ctx)
	case SourceRepos:
		res, err = p.runRepos(ctx)
	default:
		return nil, fmt.Errorf("unknown pkgset_source %q", p.Compose.Conf.PkgsetSource)
	}
	if err != nil {
		return nil, err
	}

	res.Global = New("global", p.Compose.Arches(), p.Compose.Conf.Sigkeys, nil, p.Log)
	for _, s := range res.Sets {
		res.Global.Merge(s, "", s.RPMArches())
	}
	if err := p.createRepos(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// event picks the configured Koji event or the latest one and records it.
func (p *Phase) event() (*koji.Event, error) {
	var ev *koji.Event
	var err error
	if id := p.Compose.Conf.KojiEvent; id > 0 {
		ev, err = p.Session.GetEvent(id)
		if err != nil {
			return nil, fmt.Errorf("cannot get koji event %d: %w", id, err)
		}
	} else {
		ev, err = p.Session.GetLastEvent()
		if err != nil {
			return nil, fmt.Errorf("cannot get last koji event: %w", err)
		}
	}
	p.Log.Infof("Using koji event %d", ev.ID)

	path := p.Compose.Paths.PkgsetEventFile()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	data, err := json.Marshal(map[string]interface{}{"id": ev.ID, "ts": ev.TS})
	if err != nil {
		return nil, err
	}
	return ev, os.WriteFile(path, data, 0644)
}

// populateOnly collects the package names a compose may ask for.
func populateOnly(c *compose.Compose) []string {
	var names []string
	for _, v := range c.GetVariants("") {
		names = append(names, v.Packages...)
	}
	for _, r := range c.Conf.AdditionalPackages {
		names = append(names, r.Values...)
	}
	names = common.UniqueStrings(names)
	sort.Strings(names)
	return names
}

func (p *Phase) newKojiSet(name string, session koji.Session, cache *FileCache) *KojiPackageSet {
	conf := p.Compose.Conf
	set := NewKoji(New(name, p.Compose.Arches(), conf.Sigkeys, cache, p.Log), session, p.PathInfo)
	set.ExtraBuilds = conf.PkgsetKojiBuilds
	set.ExtraTasks = conf.PkgsetKojiScratchTasks
	set.AllowInvalidSigkeys = conf.AllowInvalidSigkeys
	set.Retries = conf.SignedPackagesRetries
	set.Wait = time.Duration(conf.SignedPackagesWait) * time.Second
	if conf.PopulateOnlyPackages {
		set.PopulateOnly = true
		set.Packages = populateOnly(p.Compose)
	}
	if p.IsFile != nil {
		set.IsFile = p.IsFile
	}
	if p.Sleep != nil {
		set.Sleep = p.Sleep
	}
	return set
}

func (p *Phase) runKoji(ctx context.Context) (*Result, error) {
	conf := p.Compose.Conf
	session := NewCachingSession(p.Session)
	ev, err := p.event()
	if err != nil {
		return nil, err
	}
	res := &Result{Event: ev, Root: p.PathInfo.Topdir, Repos: map[string]map[string]string{}}

	resolver := NewModuleResolver(session, p.PathInfo, ev.ID, p.Log)
	resolver.MBS = p.MBS
	if resolver.MBS == nil && conf.MBSAPIURL != "" {
		resolver.MBS = NewMBSClient(conf.MBSAPIURL)
	}
	if p.ReadFile != nil {
		resolver.ReadFile = p.ReadFile
	}
	res.Modules, err = resolver.Resolve(ctx, p.Compose)
	if err != nil {
		return nil, err
	}

	cache := NewFileCache(p.Headers)
	type job struct {
		tag     string
		inherit bool
		include map[string]bool
	}
	var jobs []job
	for _, tag := range conf.PkgsetKojiTag {
		jobs = append(jobs, job{tag: tag, inherit: conf.PkgsetKojiInherit, include: res.Modules.All})
		for _, v := range p.Compose.GetVariants("") {
			v.AddPkgset(tag)
		}
	}
	for _, tag := range res.Modules.ContentTags() {
		if common.StringInSlice(conf.PkgsetKojiTag, tag) {
			continue
		}
		jobs = append(jobs, job{tag: tag, include: res.Modules.Include[tag]})
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no pkgset_koji_tag configured and no modules selected")
	}

	res.Reused = true
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		set := p.newKojiSet(j.tag, session, cache)
		reusePath := p.Compose.Paths.PkgsetReuseFile(j.tag)
		reused := false
		if conf.PkgsetAllowReuse {
			reused, err = set.TryToReuse(ctx, p.Compose.Paths.OldComposePath(reusePath), j.tag, ev.ID, j.inherit, j.include)
			if err != nil {
				return nil, err
			}
		}
		res.Reused = res.Reused && reused
		if reused && p.copyOldRepos(j.tag) {
			res.Repos[j.tag] = p.repoPaths(j.tag)
		} else if !reused {
			if err := set.Populate(ctx, j.tag, ev.ID, j.inherit, j.include); err != nil {
				return nil, err
			}
		}
		if err := set.SaveReuse(reusePath, j.tag, ev.ID, j.inherit, j.include); err != nil {
			return nil, err
		}
		res.Sets = append(res.Sets, set.PackageSet)
	}
	return res, nil
}

func (p *Phase) repoPaths(name string) map[string]string {
	out := map[string]string{}
	for _, arch := range p.Compose.Arches() {
		out[arch] = p.Compose.Paths.PkgsetRepo(name, arch)
	}
	return out
}

// copyOldRepos copies the per-arch repositories of a reused set from the
// old compose. It reports false when any of them is missing.
func (p *Phase) copyOldRepos(name string) bool {
	for arch, dst := range p.repoPaths(name) {
		old := p.Compose.Paths.OldComposePath(dst)
		if old == "" {
			p.Log.Infof("No old repository for %s.%s, running createrepo", name, arch)
			return false
		}
		if err := os.RemoveAll(dst); err != nil {
			p.Log.Warnf("Cannot clean %s: %v", dst, err)
			return false
		}
		if err := linker.CopyAll(old, dst); err != nil {
			p.Log.Warnf("Cannot copy old repository %s: %v", old, err)
			return false
		}
	}
	return true
}

func (p *Phase) runRepos(ctx context.Context) (*Result, error) {
	conf := p.Compose.Conf
	if len(conf.PkgsetRepos) == 0 {
		return nil, fmt.Errorf("pkgset_source is repos but pkgset_repos is empty")
	}
	loader := p.Loader
	if loader == nil {
		loader = rpmmd.NewLoader(nil)
	}
	name := "repos"
	set := NewRepo(New(name, p.Compose.Arches(), conf.Sigkeys, NewFileCache(p.Headers), p.Log), loader)
	if err := set.Populate(ctx, conf.PkgsetRepos); err != nil {
		return nil, err
	}
	for _, v := range p.Compose.GetVariants("") {
		v.AddPkgset(name)
	}
	return &Result{
		Root:  "/",
		Sets:  []*PackageSet{set.PackageSet},
		Repos: map[string]map[string]string{},
	}, nil
}

type repoJob struct {
	set  *PackageSet
	arch string
}

// createRepos runs createrepo for every set and arch that was not copied
// from an old compose.
func (p *Phase) createRepos(ctx context.Context, res *Result) error {
	conf := p.Compose.Conf
	tool := wrappers.Createrepo{UseC: conf.CreaterepoC}
	pool := threadpool.New("pkgset", threadpool.DefaultWorkers(conf.CreaterepoNumWorkers), p.Log,
		func(ctx context.Context, j repoJob, num int) error {
			return p.createRepo(ctx, tool, conf, res.Root, j.set, j.arch)
		})
	for _, s := range res.Sets {
		if _, ok := res.Repos[s.Name]; ok {
			continue
		}
		for _, arch := range p.Compose.Arches() {
			pool.QueuePut(repoJob{set: s, arch: arch})
		}
		res.Repos[s.Name] = p.repoPaths(s.Name)
	}
	return pool.Run(ctx)
}

func (p *Phase) createRepo(ctx context.Context, tool wrappers.Createrepo, conf *config.Config, root string, set *PackageSet, arch string) error {
	listFile := p.Compose.Paths.PkgsetFileList(set.Name, arch)
	if err := os.MkdirAll(filepath.Dir(listFile), 0755); err != nil {
		return err
	}
	files := set.FileList(arch, root)
	content := strings.Join(files, "\n")
	if len(files) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(listFile, []byte(content), 0644); err != nil {
		return err
	}
	repo := p.Compose.Paths.PkgsetRepo(set.Name, arch)
	if err := os.MkdirAll(repo, 0755); err != nil {
		return err
	}
	argv := tool.CreaterepoArgv(wrappers.CreaterepoOptions{
		Directory:  root,
		OutputDir:  repo,
		BaseURL:    "file://" + root,
		Pkglist:    listFile,
		SkipStat:   true,
		Checksum:   conf.CreaterepoChecksum,
		Workers:    conf.CreaterepoNumThreads,
		NoDatabase: false,
	})
	_, err := p.Runner.Run(ctx, shell.Command{
		Argv:    argv,
		LogFile: p.Compose.Paths.LogFile(arch, fmt.Sprintf("arch_repo.%s", set.Name)),
		ShowCmd: true,
	})
	if err != nil {
		return fmt.Errorf("createrepo for package set %s.%s: %w", set.Name, arch, err)
	}
	return nil
}
