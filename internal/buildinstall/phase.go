// Package buildinstall runs lorax for every bootable variant, adjusts the
// boot configuration of its output to the final volume id and places the
// installer tree and boot.iso into the compose.
package buildinstall

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/koji"
	"github.com/osbuild/pungi/internal/linker"
	"github.com/osbuild/pungi/internal/metadata"
	"github.com/osbuild/pungi/internal/pkgset"
	"github.com/osbuild/pungi/internal/runroot"
	"github.com/osbuild/pungi/internal/scm"
	"github.com/osbuild/pungi/internal/shell"
	"github.com/osbuild/pungi/internal/threadpool"
	"github.com/osbuild/pungi/internal/wrappers"
)

const (
	MethodLorax = "lorax"
	// the anaconda script lorax replaced; it runs once per arch
	MethodBuildinstall = "buildinstall"
)

type job struct {
	// nil with MethodBuildinstall
	Variant *compose.Variant
	Arch    string
}

func (j job) uid() string {
	if j.Variant == nil {
		return ""
	}
	return j.Variant.UID
}

func (j job) String() string {
	if j.Variant == nil {
		return j.Arch
	}
	return j.Variant.UID + "." + j.Arch
}

type Phase struct {
	Compose *compose.Compose
	Pkgsets *pkgset.Result
	Runroot *runroot.Runroot
	// Session lists buildroot content of runroot tasks. Without it no
	// buildroot packages are recorded.
	Session koji.Session
	Runner  shell.Runner
	Mounter *wrappers.Mounter
	Scm     *scm.Exporter
	Log     logrus.FieldLogger

	pool      *threadpool.Pool[job]
	kickstart string

	mu   sync.Mutex
	done map[string]bool
}

func NewPhase(c *compose.Compose, pkgsets *pkgset.Result, rr *runroot.Runroot, session koji.Session, runner shell.Runner) *Phase {
	log := c.PhaseLog("buildinstall")
	p := &Phase{
		Compose: c,
		Pkgsets: pkgsets,
		Runroot: rr,
		Session: session,
		Runner:  runner,
		Mounter: wrappers.NewMounter(runner, c.Conf.BuildinstallUseGuestmount),
		Scm:     scm.NewExporter(runner, log),
		Log:     log,
		done:    map[string]bool{},
	}
	p.Scm.LogFile = c.Paths.LogFile("global", "buildinstall-kickstart")
	p.Scm.Workdir = c.Paths.TmpDir("global", "")
	p.pool = threadpool.New("buildinstall", threadpool.DefaultWorkers(c.Conf.MaxWorkers), log, p.runJob)
	return p
}

// Skip reports whether the compose has no installer trees at all.
func (p *Phase) Skip() bool {
	conf := p.Compose.Conf
	return !conf.Bootable || conf.BuildinstallMethod == ""
}

func (p *Phase) key(uid, arch string) string {
	if p.Compose.Conf.BuildinstallMethod == MethodBuildinstall {
		return arch
	}
	return uid + "." + arch
}

// Succeeded reports whether the installer tree for the variant and arch
// exists, either built by this compose or reused.
func (p *Phase) Succeeded(uid, arch string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done[p.key(uid, arch)]
}

// Reused reports whether the installer tree was taken from the old
// compose.
func (p *Phase) Reused(uid, arch string) bool {
	return p.pool.IsReused(p.key(uid, arch))
}

func (p *Phase) Run(ctx context.Context) error {
	conf := p.Compose.Conf
	switch conf.BuildinstallMethod {
	case MethodLorax, MethodBuildinstall:
	default:
		return fmt.Errorf("unsupported buildinstall_method %q", conf.BuildinstallMethod)
	}
	if conf.LoraxUseKojiPlugin {
		p.Log.Warn("lorax_use_koji_plugin is not available, lorax runs as a plain runroot command")
	}
	if !conf.BuildinstallKickstart.IsZero() {
		ks, err := p.exportKickstart(ctx)
		if err != nil {
			return err
		}
		p.kickstart = ks
	}

	for _, arch := range p.Compose.Arches() {
		var variants []*compose.Variant
		for _, v := range p.variants(arch) {
			if config.IsSet(conf.BuildinstallSkip, arch, v.UID) {
				p.Log.Infof("[SKIP ] Buildinstall for %s.%s", v.UID, arch)
				continue
			}
			variants = append(variants, v)
		}
		if conf.BuildinstallMethod == MethodBuildinstall {
			if len(variants) > 0 {
				p.pool.QueuePut(job{Arch: arch})
			}
			continue
		}
		for _, v := range variants {
			p.pool.QueuePut(job{Variant: v, Arch: arch})
		}
	}
	return p.pool.Run(ctx)
}

// variants are the top-level variants of arch with content, skipped ones
// included.
func (p *Phase) variants(arch string) []*compose.Variant {
	var out []*compose.Variant
	for _, v := range p.Compose.GetVariants(arch, compose.VariantTypeVariant) {
		if !v.IsEmpty {
			out = append(out, v)
		}
	}
	return out
}

func (p *Phase) exportKickstart(ctx context.Context) (string, error) {
	spec := p.Compose.Conf.BuildinstallKickstart
	dest := p.Compose.Paths.TmpDir("global", "buildinstall-kickstart")
	files, err := p.Scm.Export(ctx, spec, dest)
	if err != nil {
		return "", fmt.Errorf("cannot get buildinstall kickstart: %w", err)
	}
	if len(files) != 1 {
		return "", fmt.Errorf("buildinstall kickstart must be a single file, got %d", len(files))
	}
	return filepath.Join(dest, files[0]), nil
}

func (p *Phase) runJob(ctx context.Context, j job, num int) error {
	var buildErr error
	err := p.Compose.Failable(j.Variant, j.Arch, "buildinstall", "", func() error {
		buildErr = p.build(ctx, j)
		return buildErr
	})
	if buildErr == nil {
		p.mu.Lock()
		p.done[j.String()] = true
		p.mu.Unlock()
	}
	return err
}

func (p *Phase) build(ctx context.Context, j job) error {
	c := p.Compose
	conf := c.Conf
	outputDir := c.Paths.BuildinstallDir(j.Arch, j.uid())
	logName := "buildinstall"
	if j.Variant != nil {
		logName += "-" + j.Variant.UID
	}
	logFile := c.Paths.LogFile(j.Arch, logName)

	volid, err := c.GetVolID(compose.VolIDRequest{Arch: j.Arch, Variant: j.Variant, DiscType: c.DiscType("dvd")})
	if err != nil {
		return err
	}
	opts := p.loraxOptions(j, volid, outputDir)

	msg := fmt.Sprintf("Running buildinstall for %s", j)
	p.Log.Infof("[BEGIN] %s", msg)

	var argv []string
	packages := []string{"lorax"}
	if conf.BuildinstallMethod == MethodBuildinstall {
		argv = wrappers.BuildinstallArgv(opts)
		packages = []string{"anaconda"}
	} else {
		argv = wrappers.LoraxArgv(opts)
	}
	packages = append(packages, config.GetArchVariantData(conf.BuildinstallPackages, j.Arch, j.uid())...)

	if conf.BuildinstallMethod == MethodLorax && p.reuse(j, argv, outputDir) {
		p.pool.MarkReused(j.String())
		p.Log.Infof("[DONE ] %s (reused)", msg)
	} else {
		if err := os.MkdirAll(filepath.Dir(outputDir), 0755); err != nil {
			return err
		}
		chown := []string{outputDir}
		if opts.LogDir != "" {
			chown = append(chown, opts.LogDir)
		}
		cmd := "rm -rf " + shell.Quote(outputDir) + " && " + shell.Join(argv)
		res, err := p.Runroot.Run(ctx, cmd, runroot.Options{
			Phase:      "buildinstall",
			Arch:       j.Arch,
			LogFile:    logFile,
			Packages:   packages,
			Mounts:     []string{c.Paths.Topdir()},
			ChownPaths: chown,
		})
		if err != nil {
			return fmt.Errorf("buildinstall failed for %s: %w", j, err)
		}
		if conf.BuildinstallMethod == MethodLorax {
			if err := p.writeMetadata(j, argv, res.TaskID, opts.LogDir); err != nil {
				return err
			}
		}
		p.pool.MarkFinished(j.String())
		p.Log.Infof("[DONE ] %s", msg)
	}

	variants := []*compose.Variant{j.Variant}
	if j.Variant == nil {
		variants = nil
		for _, v := range p.variants(j.Arch) {
			if !config.IsSet(conf.BuildinstallSkip, j.Arch, v.UID) {
				variants = append(variants, v)
			}
		}
	}
	for _, v := range variants {
		volid, err := c.GetVolID(compose.VolIDRequest{Arch: j.Arch, Variant: v, DiscType: c.DiscType("dvd")})
		if err != nil {
			return err
		}
		if err := p.tweak(ctx, outputDir, c.Paths.OSTree(j.Arch, v.UID), c.Paths.TmpDir(j.Arch, v.UID), volid, logFile); err != nil {
			return fmt.Errorf("cannot copy installer tree into %s.%s: %w", v.UID, j.Arch, err)
		}
		if err := p.linkBootISO(v, j.Arch); err != nil {
			return err
		}
	}
	return nil
}

// loraxOptions merges every matching lorax_options entry over the
// defaults. Later entries win.
func (p *Phase) loraxOptions(j job, volid, outputDir string) wrappers.LoraxOptions {
	c := p.Compose
	conf := c.Conf
	opts := wrappers.LoraxOptions{
		Product:   conf.ReleaseName,
		Version:   conf.ReleaseVersion,
		Release:   conf.ReleaseVersion,
		Sources:   p.sources(j),
		OutputDir: outputDir,
		Variant:   j.uid(),
		NoMacBoot: true,
		NoUpgrade: true,
		IsFinal:   c.Supported,
		BuildArch: buildArch(j.Arch),
		VolID:     volid,
	}
	if j.Variant != nil {
		opts.LogDir = filepath.Join(c.Paths.LogTopdir(j.Arch), "buildinstall-"+j.Variant.UID+"-logs")
	}
	extra := map[string]string{}
	for _, o := range config.GetArchVariantData(conf.LoraxOptions, j.Arch, j.uid()) {
		if o.BugURL != "" {
			opts.BugURL = o.BugURL
		}
		if o.NoMacBoot != nil {
			opts.NoMacBoot = *o.NoMacBoot
		}
		if o.NoUpgrade != nil {
			opts.NoUpgrade = *o.NoUpgrade
		}
		if o.Version != "" {
			opts.Version = o.Version
		}
		if o.AddTemplate != nil {
			opts.AddTemplate = o.AddTemplate
		}
		if o.AddArchTemplate != nil {
			opts.AddArchTemplate = o.AddArchTemplate
		}
		if o.AddTemplateVar != nil {
			opts.AddTemplateVar = o.AddTemplateVar
		}
		if o.AddArchTemplateVar != nil {
			opts.AddArchTemplateVar = o.AddArchTemplateVar
		}
		if o.InstallPackages != nil {
			opts.InstallPackages = o.InstallPackages
		}
		if o.DracutArgs != nil {
			opts.DracutArgs = o.DracutArgs
		}
		if o.RootfsSize > 0 {
			opts.RootfsSize = o.RootfsSize
		}
		if o.ConfigurationFile != "" {
			opts.ConfigurationFile = o.ConfigurationFile
		}
		opts.SkipBranding = opts.SkipBranding || o.SkipBranding
		opts.SquashfsOnly = opts.SquashfsOnly || o.SquashfsOnly
		for k, v := range o.Extra {
			extra[k] = v
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts.ExtraArgs = append(opts.ExtraArgs, fmt.Sprintf("--%s=%s", k, extra[k]))
	}
	return opts
}

// buildArch is the rpm arch lorax builds the tree for.
func buildArch(arch string) string {
	return common.ValidArches(arch, false, false, false)[0]
}

// sources are the repositories lorax installs from: the package set
// repositories, lorax_extra_sources and the comps repository. Remote
// runroots get them through translate_paths.
func (p *Phase) sources(j job) []string {
	c := p.Compose
	var repos []string
	if p.Pkgsets != nil {
		var names []string
		if j.Variant != nil {
			names = j.Variant.Pkgsets()
		}
		if len(names) == 0 {
			for _, s := range p.Pkgsets.Sets {
				names = append(names, s.Name)
			}
		}
		for _, name := range names {
			if repo := p.Pkgsets.Repo(name, j.Arch); repo != "" {
				repos = append(repos, repo)
			}
		}
	}
	repos = append(repos, config.GetArchVariantData(c.Conf.LoraxExtraSources, j.Arch, j.uid())...)
	if j.Variant != nil {
		comps := c.Paths.CompsRepo(j.Arch, j.Variant.UID)
		if _, err := os.Stat(filepath.Join(comps, "repodata")); err == nil {
			repos = append(repos, comps)
		}
	}
	if p.Runroot != nil && p.Runroot.IsRemote() {
		for i, r := range repos {
			if !strings.Contains(r, "://") {
				repos[i] = c.TranslatePath(r)
			}
		}
	}
	return repos
}

// linkBootISO places images/boot.iso of the tree into the iso directory
// and registers it.
func (p *Phase) linkBootISO(v *compose.Variant, arch string) error {
	c := p.Compose
	src := filepath.Join(c.Paths.OSTree(arch, v.UID), "images", "boot.iso")
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	name, err := c.GetImageName(compose.ImageNameRequest{Arch: arch, Variant: v, DiscType: c.DiscType("boot")})
	if err != nil {
		return err
	}
	isoDir, err := c.Paths.EnsureIsoDir(arch, v.UID)
	if err != nil {
		return err
	}
	dst := filepath.Join(isoDir, name)
	if err := linker.New(linker.HardlinkOrCopy, p.Log).Link(src, dst); err != nil {
		return err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return err
	}
	volid, err := wrappers.GetVolumeID(dst)
	if err != nil {
		return err
	}
	md5, err := wrappers.GetImplantedMD5(dst)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(c.Paths.ComposeTopdir(), dst)
	if err != nil {
		return err
	}
	return c.Images.Add(v.UID, arch, metadata.Image{
		Path:        rel,
		Arch:        arch,
		Type:        "boot",
		Format:      "iso",
		DiscNumber:  1,
		DiscCount:   1,
		Size:        info.Size(),
		Mtime:       info.ModTime().Unix(),
		Bootable:    true,
		ImplantMD5:  md5,
		VolumeID:    volid,
		Subvariant:  v.UID,
		CanFail:     c.CanFail(v, arch, "buildinstall"),
		Deliverable: "buildinstall",
	})
}

// Bootable reports whether media of the variant and arch carry the
// installer tree.
func (p *Phase) Bootable(v *compose.Variant, arch string) bool {
	if p.Skip() || arch == "src" || v.Type != compose.VariantTypeVariant {
		return false
	}
	return !config.IsSet(p.Compose.Conf.BuildinstallSkip, arch, v.UID)
}
