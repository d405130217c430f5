// Package createrepo turns the linked package trees of every variant into
// repositories and injects product certificates and module metadata.
package createrepo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/gather"
	"github.com/osbuild/pungi/internal/pkgset"
	"github.com/osbuild/pungi/internal/scm"
	"github.com/osbuild/pungi/internal/shell"
	"github.com/osbuild/pungi/internal/threadpool"
	"github.com/osbuild/pungi/internal/wrappers"
)

// job is one repository: arch is "src" for source repositories.
type job struct {
	Variant *compose.Variant
	Arch    string
	Kind    gather.Kind
}

func (j job) String() string {
	return fmt.Sprintf("%s.%s.%s", j.Variant.UID, j.Arch, j.Kind)
}

type Phase struct {
	Compose *compose.Compose
	Pkgsets *pkgset.Result
	Gather  gather.Results
	Runner  shell.Runner
	Scm     *scm.Exporter
	Log     logrus.FieldLogger

	tool wrappers.Createrepo
	pool *threadpool.Pool[job]
}

func NewPhase(c *compose.Compose, pkgsets *pkgset.Result, results gather.Results, runner shell.Runner) *Phase {
	log := c.PhaseLog("createrepo")
	p := &Phase{
		Compose: c,
		Pkgsets: pkgsets,
		Gather:  results,
		Runner:  runner,
		Scm:     scm.NewExporter(runner, log),
		Log:     log,
		tool:    wrappers.Createrepo{UseC: c.Conf.CreaterepoC},
	}
	p.Scm.LogFile = c.Paths.LogFile("global", "product_id")
	p.Scm.Workdir = c.Paths.TmpDir("global", "")
	p.pool = threadpool.New("createrepo", threadpool.DefaultWorkers(c.Conf.CreaterepoNumWorkers), log, p.createRepo)
	return p
}

// Reused lists the repositories copied from the old compose.
func (p *Phase) Reused() []string {
	return p.pool.Reused()
}

func (p *Phase) Run(ctx context.Context) error {
	if err := p.exportProductIDs(ctx); err != nil {
		return err
	}
	for _, v := range p.Compose.GetVariants("") {
		if v.IsEmpty {
			continue
		}
		for _, arch := range v.Arches {
			p.pool.QueuePut(job{Variant: v, Arch: arch, Kind: gather.KindRPM})
			p.pool.QueuePut(job{Variant: v, Arch: arch, Kind: gather.KindDebuginfo})
		}
		p.pool.QueuePut(job{Variant: v, Arch: "src", Kind: gather.KindSRPM})
	}
	return p.pool.Run(ctx)
}

// updateMDPath is the package set repository whose metadata createrepo
// can take unchanged packages from.
func (p *Phase) updateMDPath(j job) string {
	if p.Pkgsets == nil {
		return ""
	}
	arch := j.Arch
	if arch == "src" {
		arch = j.Variant.Arches[0]
	}
	names := j.Variant.Pkgsets()
	if len(names) == 0 && len(p.Pkgsets.Sets) > 0 {
		names = []string{p.Pkgsets.Sets[0].Name}
	}
	for _, name := range names {
		if repo := p.Pkgsets.Repo(name, arch); repo != "" {
			if _, err := os.Stat(filepath.Join(repo, "repodata")); err == nil {
				return repo
			}
		}
	}
	return ""
}

// oldPackageDirs are the package directories of the old compose deltas
// are computed against.
func (p *Phase) oldPackageDirs(j job) []string {
	old := p.Compose.Paths.OldComposePath(p.Compose.Paths.Packages(j.Arch, j.Variant.UID))
	if old == "" {
		return nil
	}
	if !p.Compose.Conf.HashedDirectories {
		return []string{old}
	}
	entries, err := os.ReadDir(old)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, filepath.Join(old, e.Name()))
		}
	}
	return out
}

func (p *Phase) options(j job) wrappers.CreaterepoOptions {
	conf := p.Compose.Conf
	paths := p.Compose.Paths
	repoDir := paths.TreeForKind(j.Arch, j.Variant.UID, string(j.Kind))
	opts := wrappers.CreaterepoOptions{
		Directory:    repoDir,
		OutputDir:    repoDir,
		Pkglist:      paths.PackageList(j.Arch, j.Variant.UID, string(j.Kind)),
		Update:       true,
		UpdateMDPath: p.updateMDPath(j),
		SkipStat:     true,
		Checksum:     conf.CreaterepoChecksum,
		Workers:      conf.CreaterepoNumThreads,
		UseXZ:        conf.CreaterepoUseXz,
		CompressType: conf.CreaterepoCompressType,
		ExtraArgs:    conf.CreaterepoExtraArgs,
	}
	if j.Kind == gather.KindRPM {
		if comps := paths.Comps(j.Arch, j.Variant.UID); fileExists(comps) {
			opts.Groupfile = comps
		}
		if config.IsSet(conf.CreaterepoDeltas, j.Arch, j.Variant.UID) {
			if dirs := p.oldPackageDirs(j); len(dirs) > 0 {
				opts.Deltas = true
				opts.OldPackageDirs = dirs
				opts.NumDeltas = conf.CreaterepoDeltasNum
			} else {
				p.Log.Warnf("No old packages for %s.%s, not creating delta RPMs", j.Variant.UID, j.Arch)
			}
		}
	}
	if conf.CreaterepoEnableCache {
		opts.Cachedir = paths.CreaterepoCache(j.Variant.UID)
	}
	return opts
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (p *Phase) createRepo(ctx context.Context, j job, num int) error {
	paths := p.Compose.Paths
	msg := fmt.Sprintf("Creating repo (arch: %s, variant: %s, kind: %s)", j.Arch, j.Variant.UID, j.Kind)
	p.Log.Infof("[BEGIN] %s", msg)

	opts := p.options(j)
	var modules []byte
	if j.Kind == gather.KindRPM && len(j.Variant.ArchModules(j.Arch)) > 0 {
		var err error
		if modules, err = p.modulesYAML(j); err != nil {
			return err
		}
	}
	modulesFile := paths.ModulesYAML(j.Arch, j.Variant.UID)
	if modules != nil {
		if err := os.MkdirAll(filepath.Dir(modulesFile), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(modulesFile, modules, 0644); err != nil {
			return err
		}
	}
	productID := ""
	if j.Kind == gather.KindRPM && fileExists(paths.ProductID(j.Arch, j.Variant.UID)) {
		productID = paths.ProductID(j.Arch, j.Variant.UID)
	}

	digest, err := reuseDigest(opts, modules, productID)
	if err != nil {
		return err
	}
	reuseFile := paths.CreaterepoReuseFile(j.Arch, j.Variant.UID, string(j.Kind))
	if p.reuse(j, digest, opts.OutputDir) {
		p.pool.MarkReused(j.String())
		p.Log.Infof("[DONE ] %s (reused)", msg)
		return writeReuseRecord(reuseFile, digest)
	}

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return err
	}
	if opts.Cachedir != "" {
		if err := os.MkdirAll(opts.Cachedir, 0755); err != nil {
			return err
		}
	}
	logName := fmt.Sprintf("createrepo-%s.%s", j.Variant.UID, j.Kind)
	_, err = p.Runner.Run(ctx, shell.Command{
		Argv:    p.tool.CreaterepoArgv(opts),
		LogFile: paths.LogFile(j.Arch, logName),
		ShowCmd: true,
	})
	if err != nil {
		return fmt.Errorf("createrepo for %s: %w", j, err)
	}

	repodata := filepath.Join(opts.OutputDir, "repodata")
	if productID != "" {
		if err := p.modifyrepo(ctx, j, repodata, productID, "productid", "gz"); err != nil {
			return err
		}
	}
	if modules != nil {
		if err := p.modifyrepo(ctx, j, repodata, modulesFile, "modules", ""); err != nil {
			return err
		}
	}
	if err := writeReuseRecord(reuseFile, digest); err != nil {
		return err
	}
	p.pool.MarkFinished(j.String())
	p.Log.Infof("[DONE ] %s", msg)
	return nil
}

func (p *Phase) modifyrepo(ctx context.Context, j job, repodata, file, mdtype, compress string) error {
	_, err := p.Runner.Run(ctx, shell.Command{
		Argv:    p.tool.ModifyrepoArgv(repodata, file, mdtype, compress),
		LogFile: p.Compose.Paths.LogFile(j.Arch, fmt.Sprintf("modifyrepo-%s-%s", mdtype, j.Variant.UID)),
		ShowCmd: true,
	})
	if err != nil {
		return fmt.Errorf("adding %s to %s: %w", mdtype, j, err)
	}
	return nil
}

// exportProductIDs fetches the product certificates and places the one
// of every variant and arch where createrepo picks it up. Certificates are
// named *-{variant}-{arch}-*.pem.
func (p *Phase) exportProductIDs(ctx context.Context) error {
	conf := p.Compose.Conf
	if conf.ProductID.IsZero() {
		return nil
	}
	dir := p.Compose.Paths.TmpDir("global", "product_id")
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if _, err := p.Scm.Export(ctx, conf.ProductID, dir); err != nil {
		return fmt.Errorf("cannot export product certificates: %w", err)
	}
	for _, v := range p.Compose.GetVariants("") {
		if v.IsEmpty {
			continue
		}
		for _, arch := range v.Arches {
			matches, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("*-%s-%s-*.pem", v.UID, arch)))
			if err != nil {
				return err
			}
			switch {
			case len(matches) > 1:
				sort.Strings(matches)
				return fmt.Errorf("multiple product certificates found for %s.%s: %s", v.UID, arch, strings.Join(matches, ", "))
			case len(matches) == 0:
				if conf.ProductIDAllowMissing {
					p.Log.Warnf("No product certificate found for %s.%s", v.UID, arch)
					continue
				}
				return fmt.Errorf("no product certificate found for %s.%s", v.UID, arch)
			}
			dst := p.Compose.Paths.ProductID(arch, v.UID)
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return err
			}
			if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			data, err := os.ReadFile(matches[0])
			if err != nil {
				return err
			}
			if err := os.WriteFile(dst, data, 0644); err != nil {
				return err
			}
		}
	}
	return nil
}
