package phases

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/buildinstall"
	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/createiso"
	"github.com/osbuild/pungi/internal/createrepo"
	"github.com/osbuild/pungi/internal/extraiso"
	"github.com/osbuild/pungi/internal/gather"
	"github.com/osbuild/pungi/internal/koji"
	"github.com/osbuild/pungi/internal/metadata"
	"github.com/osbuild/pungi/internal/pkgset"
	"github.com/osbuild/pungi/internal/runroot"
	"github.com/osbuild/pungi/internal/scm"
	"github.com/osbuild/pungi/internal/shell"
)

// step adapts a pipeline method to the Phase interface.
type step struct {
	name string
	skip func() bool
	run  func(ctx context.Context) error
}

func (s step) Name() string {
	return s.name
}

func (s step) Skip() bool {
	return s.skip != nil && s.skip()
}

func (s step) Run(ctx context.Context) error {
	return s.run(ctx)
}

// Pipeline holds the phases of one compose and the results they pass on
// to each other.
type Pipeline struct {
	Compose  *compose.Compose
	Session  koji.Session
	Runner   shell.Runner
	Runroot  *runroot.Runroot
	Exporter *scm.Exporter
	Log      logrus.FieldLogger

	Pkgsets    *pkgset.Result
	Gather     gather.Results
	ExtraFiles *metadata.ExtraFilesManifest

	runPkgset func(ctx context.Context) (*pkgset.Result, error)
	runGather func(ctx context.Context, pkgsets *pkgset.Result) (gather.Results, error)

	buildinstall  *buildinstall.Phase
	runCreaterepo func(ctx context.Context) error
	createiso     *createiso.Phase
	extraiso      *extraiso.Phase
}

func NewPipeline(c *compose.Compose, session koji.Session, runner shell.Runner, rr *runroot.Runroot) *Pipeline {
	log := c.Log
	exporter := scm.NewExporter(runner, c.PhaseLog("extra_files"))
	exporter.LogFile = c.Paths.LogFile("global", "extra_files")
	exporter.Workdir = c.Paths.TmpDir("global", "")

	p := &Pipeline{
		Compose:    c,
		Session:    session,
		Runner:     runner,
		Runroot:    rr,
		Exporter:   exporter,
		Log:        log,
		ExtraFiles: metadata.NewExtraFilesManifest(),
	}
	p.runPkgset = func(ctx context.Context) (*pkgset.Result, error) {
		return pkgset.NewPhase(c, p.Session, p.Runner).Run(ctx)
	}
	p.runGather = func(ctx context.Context, pkgsets *pkgset.Result) (gather.Results, error) {
		return gather.NewPhase(c, pkgsets).Run(ctx)
	}
	p.runCreaterepo = func(ctx context.Context) error {
		return createrepo.NewPhase(c, p.Pkgsets, p.Gather, p.Runner).Run(ctx)
	}
	p.buildinstall = buildinstall.NewPhase(c, nil, rr, session, runner)
	p.createiso = createiso.NewPhase(c, p.buildinstall, rr, runner)
	p.extraiso = extraiso.NewPhase(c, p.buildinstall, rr, runner, exporter)
	return p
}

// Scheduler registers every phase with the phases it waits for.
func (p *Pipeline) Scheduler(skip, just []string) (*Scheduler, error) {
	s := NewScheduler(p.Compose, skip, just)
	steps := []struct {
		phase Phase
		after []string
	}{
		{step{name: "init", run: p.initCompose}, nil},
		{step{name: "pkgset", run: p.pkgset}, []string{"init"}},
		{step{name: "gather", run: p.gather}, []string{"pkgset"}},
		{step{name: "extra_files", skip: p.skipExtraFiles, run: p.extraFiles}, []string{"gather"}},
		{step{name: "createrepo", run: p.runCreaterepo}, []string{"gather"}},
		{step{name: "buildinstall", skip: p.buildinstall.Skip, run: p.runBuildinstall}, []string{"pkgset"}},
		{step{name: "tree_metadata", run: p.treeMetadata}, []string{"createrepo", "buildinstall", "extra_files"}},
		{step{name: "createiso", skip: p.createiso.Skip, run: p.createiso.Run}, []string{"tree_metadata"}},
		{step{name: "extra_isos", skip: p.extraiso.Skip, run: p.extraiso.Run}, []string{"createiso"}},
		{step{name: "image_checksum", run: p.imageChecksums}, []string{"buildinstall", "createiso", "extra_isos"}},
	}
	for _, st := range steps {
		if err := s.Add(st.phase, st.after...); err != nil {
			return nil, err
		}
	}
	return s, s.Validate()
}

func (p *Pipeline) pkgset(ctx context.Context) error {
	res, err := p.runPkgset(ctx)
	if err != nil {
		return err
	}
	p.Pkgsets = res
	return nil
}

func (p *Pipeline) gather(ctx context.Context) error {
	res, err := p.runGather(ctx, p.Pkgsets)
	if err != nil {
		return err
	}
	p.Gather = res
	if err := p.writeRPMs(); err != nil {
		return err
	}
	return p.writeModules()
}

func (p *Pipeline) runBuildinstall(ctx context.Context) error {
	p.buildinstall.Pkgsets = p.Pkgsets
	return p.buildinstall.Run(ctx)
}

// Run drives the compose to its final status. A failure of a phase or of
// the final metadata writes STATUS=DOOMED.
func (p *Pipeline) Run(ctx context.Context, skip, just []string) (common.ComposeStatus, error) {
	c := p.Compose
	s, err := p.Scheduler(skip, just)
	if err != nil {
		return p.doom(ctx, err)
	}
	if err := s.Run(ctx); err != nil {
		return p.doom(ctx, err)
	}
	if err := p.writeComposeInfo(); err != nil {
		return p.doom(ctx, err)
	}
	if err := c.Images.WriteImages(metadataFile(c, "images.json"), c.MetadataHeader()); err != nil {
		return p.doom(ctx, err)
	}

	status, err := c.WriteStatus(common.StatusFinished)
	if err != nil {
		return status, err
	}
	if err := c.UpdateLatestSymlink(); err != nil {
		p.Log.Warnf("Cannot update the latest symlink: %v", err)
	}
	return status, nil
}

func (p *Pipeline) doom(ctx context.Context, cause error) (common.ComposeStatus, error) {
	status := common.StatusDoomed
	if ctx.Err() != nil && errors.Is(cause, context.Canceled) {
		status = common.StatusTerminated
	}
	p.Log.Errorf("Compose run failed: %v", cause)
	written, err := p.Compose.WriteStatus(status)
	if err != nil {
		return written, fmt.Errorf("%w (writing STATUS failed: %v)", cause, err)
	}
	return written, cause
}
