// Package threadpool runs the work items of a phase on a bounded number of
// goroutines.
package threadpool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/osbuild/pungi/internal/prometheus"
)

// Handler processes one queued item. num counts items from 1 in queue
// order.
type Handler[T any] func(ctx context.Context, item T, num int) error

// PanicError carries a panic raised by a handler together with the stack
// at the point of the panic.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Pool collects items with QueuePut and processes them concurrently in Run.
// The first failing item cancels the context of the others and its error
// is returned.
type Pool[T any] struct {
	Name    string
	Workers int
	Log     logrus.FieldLogger

	handler Handler[T]

	mu       sync.Mutex
	queue    []T
	reused   map[string]bool
	finished map[string]bool
}

// DefaultWorkers is the number of CPUs limited to limit. A zero limit
// means no cap.
func DefaultWorkers(limit int) int {
	n := runtime.NumCPU()
	if limit > 0 && limit < n {
		return limit
	}
	return n
}

func New[T any](name string, workers int, log logrus.FieldLogger, handler Handler[T]) *Pool[T] {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pool[T]{
		Name:     name,
		Workers:  workers,
		Log:      log,
		handler:  handler,
		reused:   map[string]bool{},
		finished: map[string]bool{},
	}
}

func (p *Pool[T]) QueuePut(item T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, item)
}

// Queued returns a copy of the items waiting to run.
func (p *Pool[T]) Queued() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]T(nil), p.queue...)
}

// MarkReused records that the deliverable key was taken from an old
// compose.
func (p *Pool[T]) MarkReused(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reused[key] = true
	prometheus.ReusedDeliverables.WithLabelValues(p.Name).Inc()
}

func (p *Pool[T]) MarkFinished(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished[key] = true
}

func (p *Pool[T]) IsReused(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reused[key]
}

func (p *Pool[T]) Reused() []string {
	return p.keys(p.reused)
}

func (p *Pool[T]) Finished() []string {
	return p.keys(p.finished)
}

func (p *Pool[T]) keys(m map[string]bool) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Run drains the queue. It returns once every started item has finished.
func (p *Pool[T]) Run(ctx context.Context) error {
	p.mu.Lock()
	items := p.queue
	p.queue = nil
	p.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	p.Log.Debugf("%s: running %d item(s) on %d worker(s)", p.Name, len(items), p.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Workers)
	for i, item := range items {
		num := i + 1
		item := item
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return p.runOne(gctx, item, num)
		})
	}
	return g.Wait()
}

func (p *Pool[T]) runOne(ctx context.Context, item T, num int) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		result := "done"
		if err != nil {
			result = "failed"
		}
		prometheus.PhaseTasks.WithLabelValues(p.Name, result).Inc()
		p.Log.Debugf("%s: item %d %s after %s", p.Name, num, result, time.Since(start).Round(time.Millisecond))
	}()
	return p.handler(ctx, item, num)
}
