package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andresmejia3/biomatch/internal/media"
	"github.com/andresmejia3/biomatch/internal/types"
)

// Pool shares a fixed set of workers between concurrent callers. It is safe
// for concurrent use, so a session can run batches with as many workers as
// the pool holds.
type Pool struct {
	idle chan *PythonWorker
	all  []*PythonWorker
}

// NewPool starts n workers running script.
func NewPool(n int, script string, timeout time.Duration) (*Pool, error) {
	if n < 1 {
		return nil, fmt.Errorf("pool needs at least one worker, got %d: %w", n, types.ErrConfig)
	}
	workers := make([]*PythonWorker, 0, n)
	for i := 0; i < n; i++ {
		w, err := NewPythonWorker(i, script, timeout)
		if err != nil {
			for _, started := range workers {
				started.Close()
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	return NewPoolFrom(workers...), nil
}

// NewPoolFrom wraps workers that are already running.
func NewPoolFrom(workers ...*PythonWorker) *Pool {
	p := &Pool{idle: make(chan *PythonWorker, len(workers)), all: workers}
	for _, w := range workers {
		p.idle <- w
	}
	return p
}

// Size is the number of workers.
func (p *Pool) Size() int { return len(p.all) }

func (p *Pool) acquire(ctx context.Context) (*PythonWorker, error) {
	select {
	case w := <-p.idle:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) Detect(ctx context.Context, f media.Frame) ([]types.Track, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { p.idle <- w }()
	return w.Detect(ctx, f)
}

func (p *Pool) Extract(ctx context.Context, f media.Frame, track types.Track) ([]float32, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { p.idle <- w }()
	return w.Extract(ctx, f, track)
}

// Close stops every worker.
func (p *Pool) Close() error {
	var errs []error
	for _, w := range p.all {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", w.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Logs gathers the stderr of every worker. Only call it after Close.
func (p *Pool) Logs() string {
	var sb strings.Builder
	for _, w := range p.all {
		if logs := w.Logs(); logs != "" {
			fmt.Fprintf(&sb, "--- worker %d ---\n%s\n", w.ID, logs)
		}
	}
	return sb.String()
}
