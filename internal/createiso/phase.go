// Package createiso builds the DVD images of every variant tree: it splits
// trees over media, stages per-disc metadata, writes and runs the build
// script and registers the images.
package createiso

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/runroot"
	"github.com/osbuild/pungi/internal/shell"
	"github.com/osbuild/pungi/internal/threadpool"
)

const (
	Deliverable = "iso"
	logPrefix   = "createiso-"
)

// Buildinstall tells which installer trees media can boot from.
type Buildinstall interface {
	Bootable(v *compose.Variant, arch string) bool
	Succeeded(uid, arch string) bool
	Reused(uid, arch string) bool
}

// isoCommand is one image to build.
type isoCommand struct {
	Variant   *compose.Variant
	Arch      string
	IsoPath   string
	Bootable  bool
	DiscNum   int
	DiscCount int
	Opts      CreateIsoOpts
	Script    string
}

func (cmd isoCommand) String() string {
	return filepath.Base(cmd.IsoPath)
}

type Phase struct {
	Compose      *compose.Compose
	Buildinstall Buildinstall
	Runroot      *runroot.Runroot
	Runner       shell.Runner
	Log          logrus.FieldLogger

	pool   *threadpool.Pool[isoCommand]
	digest string
}

func NewPhase(c *compose.Compose, bi Buildinstall, rr *runroot.Runroot, runner shell.Runner) *Phase {
	p := &Phase{
		Compose:      c,
		Buildinstall: bi,
		Runroot:      rr,
		Runner:       runner,
		Log:          c.PhaseLog("createiso"),
	}
	p.pool = threadpool.New("createiso", threadpool.DefaultWorkers(c.Conf.MaxWorkers), p.Log, p.runCommand)
	return p
}

// targets are the variant and arch pairs that may get an ISO, createiso_skip
// applied.
func (p *Phase) targets() []isoTarget {
	c := p.Compose
	var out []isoTarget
	for _, v := range c.GetVariants("", compose.VariantTypeVariant, compose.VariantTypeLayeredProduct, compose.VariantTypeOptional) {
		if v.IsEmpty {
			continue
		}
		for _, arch := range append(append([]string(nil), v.Arches...), "src") {
			if config.IsSet(c.Conf.CreateisoSkip, arch, v.UID) {
				p.Log.Infof("[SKIP ] Creating ISO for %s.%s due to createiso_skip", v.UID, arch)
				continue
			}
			out = append(out, isoTarget{v, arch})
		}
	}
	return out
}

type isoTarget struct {
	Variant *compose.Variant
	Arch    string
}

// Skip reports whether createiso_skip excludes every variant and arch.
func (p *Phase) Skip() bool {
	c := p.Compose
	for _, v := range c.GetVariants("", compose.VariantTypeVariant, compose.VariantTypeLayeredProduct, compose.VariantTypeOptional) {
		if v.IsEmpty {
			continue
		}
		for _, arch := range append(append([]string(nil), v.Arches...), "src") {
			if !config.IsSet(c.Conf.CreateisoSkip, arch, v.UID) {
				return false
			}
		}
	}
	return true
}

func (p *Phase) Run(ctx context.Context) error {
	if err := p.queue(ctx); err != nil {
		return err
	}
	return p.pool.Run(ctx)
}

// queue prepares every image and puts the ones that were not reused on the
// pool.
func (p *Phase) queue(ctx context.Context) error {
	c := p.Compose
	digest, err := ConfigDigest(c.Conf)
	if err != nil {
		return err
	}
	p.digest = digest
	discType := c.DiscType("dvd")

	for _, t := range p.targets() {
		v, arch := t.Variant, t.Arch
		volid, err := c.GetVolID(compose.VolIDRequest{Arch: arch, Variant: v, DiscType: discType})
		if err != nil {
			return err
		}
		tree := c.Paths.OSTree(arch, v.UID)
		if found, err := hasRPMs(tree); err != nil {
			return err
		} else if !found {
			p.Log.Warnf("No RPMs found for %s.%s, skipping ISO", v.UID, arch)
			continue
		}
		bootable := p.Buildinstall != nil && p.Buildinstall.Bootable(v, arch)
		if bootable && !p.Buildinstall.Succeeded(v.UID, arch) {
			p.Log.Warnf("ISO should be bootable, but buildinstall failed. Skipping for %s.%s", v.UID, arch)
			continue
		}
		isoDir, err := c.Paths.EnsureIsoDir(arch, v.UID)
		if err != nil {
			return err
		}

		discs, err := splitTree(c, arch, v, bootable, p.Log)
		if err != nil {
			return err
		}
		for i, disc := range discs {
			discNum := i + 1
			filename, err := c.GetImageName(compose.ImageNameRequest{Arch: arch, Variant: v, DiscType: discType, DiscNum: discNum})
			if err != nil {
				return err
			}
			isoPath := filepath.Join(isoDir, filename)
			if _, err := os.Stat(isoPath); err == nil {
				p.Log.Warnf("Skipping mkisofs, image already exists: %s", isoPath)
				continue
			}
			gp, err := p.prepare(ctx, isoDisc{
				Arch:      arch,
				VariantID: v.UID,
				Filename:  filename,
				DiscNum:   discNum,
				DiscCount: len(discs),
				Disc:      disc,
			})
			if err != nil {
				return err
			}
			cmd := isoCommand{
				Variant:   v,
				Arch:      arch,
				IsoPath:   isoPath,
				Bootable:  bootable,
				DiscNum:   discNum,
				DiscCount: len(discs),
				Opts:      p.opts(v, arch, isoDir, filename, volid, gp, bootable),
			}
			if p.tryReuse(cmd) {
				continue
			}
			if err := p.writeScript(&cmd); err != nil {
				return err
			}
			p.pool.QueuePut(cmd)
		}
	}
	return nil
}

func (p *Phase) opts(v *compose.Variant, arch, isoDir, filename, volid, graftPoints string, bootable bool) CreateIsoOpts {
	c := p.Compose
	conf := c.Conf
	opts := CreateIsoOpts{
		Arch:         arch,
		OutputDir:    isoDir,
		IsoName:      filename,
		VolID:        volid,
		GraftPoints:  graftPoints,
		Supported:    c.Supported,
		HfsCompat:    conf.IsoHfsPpc64leCompatible,
		UseXorrisofs: conf.CreateisoUseXorrisofs,
		IsoLevel:     isoLevel(conf, arch, v.UID),
	}
	if bootable {
		opts.BuildinstallMethod = conf.BuildinstallMethod
		opts.BootISO = filepath.Join(c.Paths.OSTree(arch, v.UID), "images", "boot.iso")
	}
	if conf.CreateJigdo {
		opts.JigdoDir = c.Paths.JigdoDir(arch, v.UID)
		opts.OSTree = c.Paths.OSTree(arch, v.UID)
	}
	return opts
}

// isoLevel is the last matching iso_level, 0 for the tool default.
func isoLevel(conf *config.Config, arch, uid string) int {
	levels := config.GetArchVariantData(conf.IsoLevel, arch, uid)
	if len(levels) == 0 {
		return 0
	}
	return levels[len(levels)-1]
}

func (p *Phase) writeScript(cmd *isoCommand) error {
	c := p.Compose
	cmd.Opts.ScriptDir = c.Paths.TmpDir(cmd.Arch, cmd.Variant.UID)
	if err := os.MkdirAll(cmd.Opts.ScriptDir, 0755); err != nil {
		return err
	}
	if cmd.Opts.JigdoDir != "" {
		if err := os.MkdirAll(cmd.Opts.JigdoDir, 0755); err != nil {
			return err
		}
	}
	cmd.Script = filepath.Join(cmd.Opts.ScriptDir, "createiso-"+cmd.Opts.IsoName+".sh")
	f, err := os.Create(cmd.Script)
	if err != nil {
		return err
	}
	if err := WriteScript(cmd.Opts, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (p *Phase) runCommand(ctx context.Context, cmd isoCommand, num int) error {
	return p.Compose.Failable(cmd.Variant, cmd.Arch, Deliverable, "", func() error {
		return p.build(ctx, cmd)
	})
}

func (p *Phase) build(ctx context.Context, cmd isoCommand) error {
	c := p.Compose
	name := filepath.Base(cmd.IsoPath)
	msg := fmt.Sprintf("Creating ISO (arch: %s, variant: %s): %s", cmd.Arch, cmd.Variant.UID, name)
	p.Log.Infof("[BEGIN] %s", msg)

	mounts := []string{c.Topdir}
	if target, err := filepath.EvalSymlinks(cmd.Opts.OutputDir); err == nil && target != cmd.Opts.OutputDir {
		mounts = append(mounts, target)
	}
	_, err := p.Runroot.Run(ctx, "bash "+shell.Quote(cmd.Script), runroot.Options{
		Phase:      "createiso",
		Arch:       runrootArch(cmd.Arch, cmd.Bootable),
		LogFile:    c.Paths.LogFile(cmd.Arch, logPrefix+name),
		Packages:   RunrootPackages(cmd.Opts, c.Conf.CreateJigdo),
		Mounts:     mounts,
		ChownPaths: []string{cmd.Opts.OutputDir},
	})
	if err != nil {
		p.Log.Errorf("CreateISO failed, removing ISO: %s", cmd.IsoPath)
		if rerr := os.Remove(cmd.IsoPath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			p.Log.Warnf("Cannot remove %s: %v", cmd.IsoPath, rerr)
		}
		return fmt.Errorf("creating %s failed: %w", name, err)
	}

	if _, err := Register(c, ImageRequest{
		Variant:     cmd.Variant,
		Arch:        cmd.Arch,
		Path:        cmd.IsoPath,
		Bootable:    cmd.Bootable,
		DiscNum:     cmd.DiscNum,
		DiscCount:   cmd.DiscCount,
		Deliverable: Deliverable,
	}); err != nil {
		return err
	}
	rec := ReuseRecord{ConfigDigest: p.digest, IsoPath: cmd.IsoPath, Opts: cmd.Opts}
	if err := WriteReuseRecord(c.Paths.ReuseMetadata(cmd.Arch, logPrefix+name), "createiso", rec); err != nil {
		return err
	}
	staging := c.Paths.IsoStagingDir(cmd.Arch, cmd.Variant.UID, name)
	if err := os.RemoveAll(staging); err != nil {
		p.Log.Warnf("Cannot remove staging directory %s: %v", staging, err)
	}
	p.pool.MarkFinished(name)
	p.Log.Infof("[DONE ] %s", msg)
	return nil
}

// runrootArch is where the script runs: bootable media need a build root
// of their arch, the rest can run anywhere.
func runrootArch(arch string, bootable bool) string {
	if bootable {
		return arch
	}
	return "x86_64"
}

// tryReuse links the image from the old compose when it was built from the
// same configuration, volume id and packages.
func (p *Phase) tryReuse(cmd isoCommand) bool {
	c := p.Compose
	name := filepath.Base(cmd.IsoPath)
	log := p.Log.WithField("variant", cmd.Variant.UID).WithField("arch", cmd.Arch)
	if !c.Conf.CreateisoAllowReuse {
		return false
	}
	if cmd.Bootable && !p.Buildinstall.Reused(cmd.Variant.UID, cmd.Arch) {
		log.Info("Cannot reuse ISO: buildinstall was not reused")
		return false
	}
	oldPath := c.Paths.OldComposePath(c.Paths.ReuseMetadata(cmd.Arch, logPrefix+name))
	if oldPath == "" {
		log.Debugf("No old metadata for %s", name)
		return false
	}
	old, err := ReadReuseRecord(oldPath, "createiso")
	if err != nil {
		log.Warnf("Cannot read %s: %v", oldPath, err)
		return false
	} else if old == nil {
		return false
	}
	if old.ConfigDigest != p.digest {
		log.Info("Cannot reuse ISO: configuration changed")
		return false
	}
	if old.Opts.VolID != cmd.Opts.VolID {
		log.Info("Cannot reuse ISO: volume ID changed")
		return false
	}
	same, err := SamePackages(old.Opts.GraftPoints, cmd.Opts.GraftPoints)
	if err != nil {
		log.Warnf("Cannot compare packages: %v", err)
		return false
	}
	if !same {
		log.Info("Cannot reuse ISO: packages changed")
		return false
	}
	links, err := LinkOldISO(c, log, cmd.Arch, logPrefix, old.IsoPath, cmd.IsoPath, cmd.Opts.JigdoDir)
	if err != nil {
		log.Warnf("Cannot reuse ISO %s: %v", old.IsoPath, err)
		return false
	}
	if _, err := Register(c, ImageRequest{
		Variant:     cmd.Variant,
		Arch:        cmd.Arch,
		Path:        cmd.IsoPath,
		Bootable:    cmd.Bootable,
		DiscNum:     cmd.DiscNum,
		DiscCount:   cmd.DiscCount,
		Deliverable: Deliverable,
	}); err != nil {
		log.Warnf("Cannot register reused ISO: %v", err)
		RollbackReuse(links, log, old.IsoPath)
		return false
	}
	rec := ReuseRecord{ConfigDigest: p.digest, IsoPath: cmd.IsoPath, Opts: cmd.Opts}
	if err := WriteReuseRecord(c.Paths.ReuseMetadata(cmd.Arch, logPrefix+name), "createiso", rec); err != nil {
		log.Warnf("Cannot write reuse metadata: %v", err)
	}
	p.pool.MarkReused(name)
	log.Infof("[DONE ] Creating ISO %s (reused)", name)
	return true
}

// hasRPMs reports whether tree contains at least one package.
func hasRPMs(tree string) (bool, error) {
	found := false
	err := filepath.WalkDir(tree, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".rpm" {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return found, err
}
