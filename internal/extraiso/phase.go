// Package extraiso builds composite ISOs carrying the trees of several
// variants on a single medium under a primary variant.
package extraiso

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/createiso"
	"github.com/osbuild/pungi/internal/runroot"
	"github.com/osbuild/pungi/internal/scm"
	"github.com/osbuild/pungi/internal/shell"
	"github.com/osbuild/pungi/internal/threadpool"
	"github.com/osbuild/pungi/internal/wrappers"
)

const (
	Deliverable = "extra-iso"
	logPrefix   = "extraiso-"
	recordKind  = "extraiso"
)

// job is one extra ISO of a variant and arch.
type job struct {
	Config   config.ExtraIso
	Variant  *compose.Variant
	Arch     string
	Bootable bool
	IsoPath  string
	Opts     createiso.CreateIsoOpts
	Script   string
	Digest   string
}

func (j job) String() string {
	return filepath.Base(j.IsoPath)
}

func (j job) failable() bool {
	return common.StringInSlice(j.Config.FailableArches, j.Arch) || common.StringInSlice(j.Config.FailableArches, "*")
}

type Phase struct {
	Compose      *compose.Compose
	Buildinstall createiso.Buildinstall
	Runroot      *runroot.Runroot
	Runner       shell.Runner
	Exporter     *scm.Exporter
	Log          logrus.FieldLogger

	pool *threadpool.Pool[job]
}

func NewPhase(c *compose.Compose, bi createiso.Buildinstall, rr *runroot.Runroot, runner shell.Runner, exporter *scm.Exporter) *Phase {
	p := &Phase{
		Compose:      c,
		Buildinstall: bi,
		Runroot:      rr,
		Runner:       runner,
		Exporter:     exporter,
		Log:          c.PhaseLog("extra_isos"),
	}
	p.pool = threadpool.New("extra_isos", threadpool.DefaultWorkers(c.Conf.MaxWorkers), p.Log, p.runJob)
	return p
}

func (p *Phase) Skip() bool {
	return len(p.Compose.Conf.ExtraIsos) == 0
}

// jobs expands every extra_isos entry to the variants its pattern matches
// and their arches.
func (p *Phase) jobs() ([]job, error) {
	c := p.Compose
	var out []job
	for _, cfg := range c.Conf.ExtraIsos {
		re, err := regexp.Compile(cfg.Variant)
		if err != nil {
			return nil, fmt.Errorf("extra_isos: invalid variant pattern %q: %w", cfg.Variant, err)
		}
		for _, v := range c.GetVariants("", compose.VariantTypeVariant, compose.VariantTypeLayeredProduct, compose.VariantTypeOptional) {
			if !re.MatchString(v.UID) {
				continue
			}
			arches := v.Arches
			if len(cfg.Arches) > 0 {
				arches = nil
				for _, arch := range cfg.Arches {
					if v.HasArch(arch) && arch != "src" {
						arches = append(arches, arch)
					}
				}
			}
			if !cfg.SkipSrc {
				arches = append(append([]string(nil), arches...), "src")
			}
			for _, arch := range arches {
				out = append(out, job{Config: cfg, Variant: v, Arch: arch})
			}
		}
	}
	return out, nil
}

func (p *Phase) Run(ctx context.Context) error {
	if err := p.queue(ctx); err != nil {
		return err
	}
	return p.pool.Run(ctx)
}

func (p *Phase) queue(ctx context.Context) error {
	c := p.Compose
	jobs, err := p.jobs()
	if err != nil {
		return err
	}
	confDigest, err := createiso.ConfigDigest(c.Conf)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		j.Bootable = j.Arch != "src" && p.Buildinstall != nil && p.Buildinstall.Bootable(j.Variant, j.Arch)
		if j.Bootable && !p.Buildinstall.Succeeded(j.Variant.UID, j.Arch) {
			p.Log.Warnf("Extra ISO should be bootable, but buildinstall failed. Skipping for %s.%s", j.Variant.UID, j.Arch)
			continue
		}
		if j.Digest, err = common.Digest(struct {
			Config   string          `json:"config"`
			ExtraIso config.ExtraIso `json:"extra_iso"`
		}{confDigest, j.Config}); err != nil {
			return err
		}
		err := p.prepare(ctx, &j)
		if errors.Is(err, errSkip) {
			continue
		} else if err != nil {
			if j.failable() {
				p.fail(j, err)
				continue
			}
			return err
		}
		if p.tryReuse(j) {
			continue
		}
		if err := p.writeScript(&j); err != nil {
			return err
		}
		p.pool.QueuePut(j)
	}
	return nil
}

var errSkip = errors.New("skip")

// filename renders the configured file name. {filename} is the name a
// plain DVD of the variant would get.
func (p *Phase) filename(j job) (string, error) {
	c := p.Compose
	req := compose.ImageNameRequest{Arch: j.Arch, Variant: j.Variant, DiscType: c.DiscType("dvd"), DiscNum: 1}
	base, err := c.GetImageName(req)
	if err != nil {
		return "", err
	}
	if j.Config.Filename == "" {
		req.Suffix = "-extra.iso"
		return c.GetImageName(req)
	}
	req.Format = j.Config.Filename
	req.Extra = map[string]string{"filename": base}
	return c.GetImageName(req)
}

// volID renders the configured volume ids. {volid} is the volume id a
// plain DVD of the variant would get.
func (p *Phase) volID(j job) (string, error) {
	c := p.Compose
	req := compose.VolIDRequest{
		Arch:     j.Arch,
		Variant:  j.Variant,
		DiscType: c.DiscType("dvd"),
	}
	if len(j.Config.VolID) == 0 {
		return c.GetVolID(req)
	}
	for _, f := range j.Config.VolID {
		if !strings.Contains(f, "{volid}") {
			continue
		}
		base, err := c.GetVolID(req)
		if err != nil {
			return "", err
		}
		req.Extra = map[string]string{"volid": base}
		break
	}
	req.Formats = j.Config.VolID
	return c.GetVolID(req)
}

// prepare stages the medium content and fills in the image options.
func (p *Phase) prepare(ctx context.Context, j *job) error {
	c := p.Compose
	filename, err := p.filename(*j)
	if err != nil {
		return err
	}
	volid, err := p.volID(*j)
	if err != nil {
		return err
	}
	outputDir, err := c.Paths.EnsureIsoDir(j.Arch, j.Variant.UID)
	if err != nil {
		return err
	}
	j.IsoPath = filepath.Join(outputDir, filename)
	if _, err := os.Stat(j.IsoPath); err == nil {
		p.Log.Warnf("Skipping extra ISO, image already exists: %s", j.IsoPath)
		return errSkip
	}

	extraDir := c.Paths.ExtraIsoExtraFilesDir(j.Arch, j.Variant.UID)
	if err := p.prepareExtraFiles(ctx, *j, extraDir); err != nil {
		return err
	}
	isoDir := c.Paths.IsoWorkDir(j.Arch, filename)
	if err := os.RemoveAll(isoDir); err != nil {
		return err
	}
	if err := os.MkdirAll(isoDir, 0755); err != nil {
		return err
	}
	files, err := p.graftPoints(*j, isoDir, extraDir)
	if err != nil {
		return err
	}
	gp := isoDir + "-graft-points"
	if err := wrappers.WriteGraftPoints(gp, files, createiso.GraftPointExcludes); err != nil {
		return err
	}

	conf := c.Conf
	j.Opts = createiso.CreateIsoOpts{
		Arch:         j.Arch,
		OutputDir:    outputDir,
		IsoName:      filename,
		VolID:        volid,
		GraftPoints:  gp,
		Supported:    c.Supported,
		HfsCompat:    conf.IsoHfsPpc64leCompatible,
		UseXorrisofs: conf.CreateisoUseXorrisofs,
	}
	if levels := config.GetArchVariantData(conf.IsoLevel, j.Arch, j.Variant.UID); len(levels) > 0 {
		j.Opts.IsoLevel = levels[len(levels)-1]
	}
	if j.Bootable {
		j.Opts.BuildinstallMethod = conf.BuildinstallMethod
		j.Opts.BootISO = filepath.Join(c.Paths.OSTree(j.Arch, j.Variant.UID), "images", "boot.iso")
	}
	if conf.CreateJigdo {
		j.Opts.JigdoDir = c.Paths.JigdoDir(j.Arch, j.Variant.UID)
		j.Opts.OSTree = c.Paths.OSTree(j.Arch, j.Variant.UID)
	}
	return nil
}

func (p *Phase) writeScript(j *job) error {
	j.Opts.ScriptDir = p.Compose.Paths.TmpDir(j.Arch, j.Variant.UID)
	for _, dir := range []string{j.Opts.ScriptDir, j.Opts.JigdoDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	j.Script = filepath.Join(j.Opts.ScriptDir, logPrefix+j.Opts.IsoName+".sh")
	f, err := os.Create(j.Script)
	if err != nil {
		return err
	}
	if err := createiso.WriteScript(j.Opts, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (p *Phase) runJob(ctx context.Context, j job, num int) error {
	if !j.failable() {
		return p.Compose.Failable(j.Variant, j.Arch, Deliverable, "", func() error {
			return p.build(ctx, j)
		})
	}
	if err := p.build(ctx, j); err != nil {
		p.fail(j, err)
	}
	return nil
}

// fail records the failure of an extra ISO on a failable arch.
func (p *Phase) fail(j job, err error) {
	p.Log.Warnf("[FAIL] Extra ISO (variant %s, arch %s) failed, but going on anyway: %v", j.Variant.UID, j.Arch, err)
	p.Compose.FailDeliverable(j.Variant, j.Arch, Deliverable, "", err)
}

func (p *Phase) build(ctx context.Context, j job) error {
	c := p.Compose
	name := filepath.Base(j.IsoPath)
	msg := fmt.Sprintf("Creating extra ISO (arch: %s, variant: %s): %s", j.Arch, j.Variant.UID, name)
	p.Log.Infof("[BEGIN] %s", msg)

	arch := j.Arch
	if !j.Bootable {
		arch = "x86_64"
	}
	_, err := p.Runroot.Run(ctx, "bash "+shell.Quote(j.Script), runroot.Options{
		Phase:      "extra_isos",
		Arch:       arch,
		LogFile:    c.Paths.LogFile(j.Arch, logPrefix+name),
		Packages:   createiso.RunrootPackages(j.Opts, c.Conf.CreateJigdo),
		Mounts:     []string{c.Topdir},
		ChownPaths: []string{j.Opts.OutputDir},
	})
	if err != nil {
		if rerr := os.Remove(j.IsoPath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			p.Log.Warnf("Cannot remove %s: %v", j.IsoPath, rerr)
		}
		return fmt.Errorf("creating extra ISO %s failed: %w", name, err)
	}
	if err := p.register(j); err != nil {
		return err
	}
	rec := createiso.ReuseRecord{ConfigDigest: j.Digest, IsoPath: j.IsoPath, Opts: j.Opts}
	if err := createiso.WriteReuseRecord(c.Paths.ReuseMetadata(j.Arch, logPrefix+name), recordKind, rec); err != nil {
		return err
	}
	p.pool.MarkFinished(name)
	p.Log.Infof("[DONE ] %s", msg)
	return nil
}

// register adds the image to the manifest and checks max_size.
func (p *Phase) register(j job) error {
	img, err := createiso.Register(p.Compose, createiso.ImageRequest{
		Variant:            j.Variant,
		Arch:               j.Arch,
		Path:               j.IsoPath,
		Bootable:           j.Bootable,
		DiscNum:            1,
		DiscCount:          1,
		AdditionalVariants: j.Config.IncludeVariants,
		Deliverable:        Deliverable,
		CanFail:            j.failable(),
	})
	if err != nil {
		return err
	}
	if j.Config.MaxSize > 0 && img.Size > j.Config.MaxSize {
		p.Log.Warnf("ISO %s is too big. Expected max %d bytes, got %d bytes", img.Path, j.Config.MaxSize, img.Size)
	}
	return nil
}

// tryReuse links the extra ISO of the old compose when its configuration,
// volume id and packages are unchanged.
func (p *Phase) tryReuse(j job) bool {
	c := p.Compose
	name := filepath.Base(j.IsoPath)
	log := p.Log.WithField("variant", j.Variant.UID).WithField("arch", j.Arch)
	if !c.Conf.ExtraisoAllowReuse {
		return false
	}
	if j.Bootable && !p.Buildinstall.Reused(j.Variant.UID, j.Arch) {
		log.Info("Cannot reuse extra ISO: buildinstall was not reused")
		return false
	}
	oldPath := c.Paths.OldComposePath(c.Paths.ReuseMetadata(j.Arch, logPrefix+name))
	if oldPath == "" {
		return false
	}
	old, err := createiso.ReadReuseRecord(oldPath, recordKind)
	if err != nil {
		log.Warnf("Cannot read %s: %v", oldPath, err)
		return false
	} else if old == nil {
		return false
	}
	switch {
	case old.ConfigDigest != j.Digest:
		log.Info("Cannot reuse extra ISO: configuration changed")
		return false
	case old.Opts.VolID != j.Opts.VolID:
		log.Info("Cannot reuse extra ISO: volume ID changed")
		return false
	}
	same, err := createiso.SamePackages(old.Opts.GraftPoints, j.Opts.GraftPoints)
	if err != nil || !same {
		log.Info("Cannot reuse extra ISO: packages changed")
		return false
	}
	links, err := createiso.LinkOldISO(c, log, j.Arch, logPrefix, old.IsoPath, j.IsoPath, j.Opts.JigdoDir)
	if err != nil {
		log.Warnf("Cannot reuse extra ISO %s: %v", old.IsoPath, err)
		return false
	}
	if err := p.register(j); err != nil {
		log.Warnf("Cannot register reused extra ISO: %v", err)
		createiso.RollbackReuse(links, log, old.IsoPath)
		return false
	}
	rec := createiso.ReuseRecord{ConfigDigest: j.Digest, IsoPath: j.IsoPath, Opts: j.Opts}
	if err := createiso.WriteReuseRecord(c.Paths.ReuseMetadata(j.Arch, logPrefix+name), recordKind, rec); err != nil {
		log.Warnf("Cannot write reuse metadata: %v", err)
	}
	p.pool.MarkReused(name)
	log.Infof("[DONE ] Creating extra ISO %s (reused)", name)
	return true
}
