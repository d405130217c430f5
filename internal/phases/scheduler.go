// Package phases wires the compose phases together and runs them in
// dependency order.
package phases

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/prometheus"
	"github.com/osbuild/pungi/internal/threadpool"
)

// Phase is one step of the compose.
type Phase interface {
	Name() string
	// Skip reports whether the configuration leaves nothing to do.
	Skip() bool
	Run(ctx context.Context) error
}

// phases every later phase builds on
var mandatory = map[string]bool{
	"init":   true,
	"pkgset": true,
	"gather": true,
}

// CrashError is returned for a phase that panicked. The stack is stored
// in Traceback.
type CrashError struct {
	Phase     string
	Value     interface{}
	Traceback string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("phase %s crashed: %v (traceback in %s)", e.Phase, e.Value, e.Traceback)
}

type node struct {
	phase Phase
	deps  []*node
	done  chan struct{}
	err   error
}

// Scheduler starts every phase as soon as the phases it depends on have
// finished. The first failure cancels the phases still running.
type Scheduler struct {
	Compose    *compose.Compose
	SkipPhases []string
	JustPhases []string
	Log        logrus.FieldLogger

	nodes  []*node
	byName map[string]*node
}

func NewScheduler(c *compose.Compose, skip, just []string) *Scheduler {
	return &Scheduler{
		Compose:    c,
		SkipPhases: skip,
		JustPhases: just,
		Log:        c.Log,
		byName:     map[string]*node{},
	}
}

// Add registers p to run after the named phases, which must have been
// added before.
func (s *Scheduler) Add(p Phase, after ...string) error {
	name := p.Name()
	if _, ok := s.byName[name]; ok {
		return fmt.Errorf("phase %s added twice", name)
	}
	n := &node{phase: p, done: make(chan struct{})}
	for _, dep := range after {
		d, ok := s.byName[dep]
		if !ok {
			return fmt.Errorf("phase %s runs after unknown phase %s", name, dep)
		}
		n.deps = append(n.deps, d)
	}
	s.nodes = append(s.nodes, n)
	s.byName[name] = n
	return nil
}

// Names lists the registered phases in the order they were added.
func (s *Scheduler) Names() []string {
	out := make([]string, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.phase.Name())
	}
	return out
}

// Validate checks the phase names given on the command line.
func (s *Scheduler) Validate() error {
	var errs *multierror.Error
	for _, name := range s.SkipPhases {
		if _, ok := s.byName[name]; !ok {
			errs = multierror.Append(errs, fmt.Errorf("unknown phase %q in --skip-phase", name))
		} else if mandatory[name] {
			errs = multierror.Append(errs, fmt.Errorf("phase %s cannot be skipped", name))
		}
	}
	for _, name := range s.JustPhases {
		if _, ok := s.byName[name]; !ok {
			errs = multierror.Append(errs, fmt.Errorf("unknown phase %q in --just-phase", name))
		}
	}
	return errs.ErrorOrNil()
}

// Skipped reports whether the phase will not run.
func (s *Scheduler) Skipped(p Phase) bool {
	name := p.Name()
	if mandatory[name] {
		return false
	}
	if common.StringInSlice(s.SkipPhases, name) {
		return true
	}
	if len(s.JustPhases) > 0 && !common.StringInSlice(s.JustPhases, name) {
		return true
	}
	return p.Skip()
}

// Run executes every phase and returns the first error.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range s.nodes {
		n := n
		g.Go(func() error {
			defer close(n.done)
			for _, dep := range n.deps {
				select {
				case <-dep.done:
				case <-gctx.Done():
					return nil
				}
				if dep.err != nil {
					// the failed phase reports itself
					n.err = dep.err
					return nil
				}
			}
			n.err = s.runPhase(gctx, n.phase)
			return n.err
		})
	}
	return g.Wait()
}

func (s *Scheduler) runPhase(ctx context.Context, p Phase) (err error) {
	name := p.Name()
	log := s.Compose.PhaseLog(name)
	title := fmt.Sprintf("---------- PHASE: %s ----------", strings.ToUpper(name))
	if s.Skipped(p) {
		log.Infof("[SKIP ] %s", title)
		return nil
	}

	prometheus.StartPhaseMetrics(name)
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = s.crash(name, r, debug.Stack())
		}
		result := "done"
		if err != nil {
			result = "failed"
		}
		prometheus.FinishPhaseMetrics(started, time.Now(), name, result)
	}()

	log.Infof("[BEGIN] %s", title)
	if err := p.Run(ctx); err != nil {
		var pe *threadpool.PanicError
		if errors.As(err, &pe) {
			return s.crash(name, pe.Value, pe.Stack)
		}
		log.Errorf("[FAIL] Phase %s failed: %v", name, err)
		return fmt.Errorf("phase %s failed: %w", name, err)
	}
	if err := s.writeSentinel(name); err != nil {
		return err
	}
	log.Infof("[DONE ] %s", title)
	return nil
}

func (s *Scheduler) writeSentinel(name string) error {
	path := s.Compose.Paths.PhaseSentinel(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0644)
}

// crash stores the stack of a panic in logs/global/traceback-*.log.
func (s *Scheduler) crash(phase string, value interface{}, stack []byte) error {
	dir := s.Compose.Paths.LogTopdir("global")
	path := filepath.Join(dir, fmt.Sprintf("traceback-%s.log", uuid.NewString()))
	content := fmt.Sprintf("phase %s crashed: %v\n\n%s", phase, value, stack)
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.Log.Errorf("Cannot create %s: %v", dir, err)
	} else if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		s.Log.Errorf("Cannot write traceback: %v", err)
	}
	s.Log.WithField("phase", phase).Errorf("[FAIL] %s", content)
	return &CrashError{Phase: phase, Value: value, Traceback: path}
}
