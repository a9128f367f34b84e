package media

import (
	"context"
	"errors"
	"sync"
)

// Opener opens a source and returns the function that releases it.
type Opener func(ctx context.Context) (FrameSource, func() error, error)

// LazySource defers opening until the first Next or Seek and releases the
// underlying source once it is exhausted or fails, so a long batch only
// holds the sources its workers are reading.
type LazySource struct {
	ctx    context.Context
	open   Opener
	src    FrameSource
	close  func() error
	done   bool
	err    error
	mu     sync.Mutex
	length int
}

// NewLazySource wraps open. length is reported by Len until the source is
// opened; pass -1 when unknown.
func NewLazySource(ctx context.Context, length int, open Opener) *LazySource {
	return &LazySource{ctx: ctx, open: open, length: length}
}

func (l *LazySource) ensure(ctx context.Context) error {
	if l.src != nil || l.done {
		return l.err
	}
	src, closeFn, err := l.open(ctx)
	if err != nil {
		l.done, l.err = true, err
		return err
	}
	l.src, l.close = src, closeFn
	l.length = src.Len()
	return nil
}

func (l *LazySource) Next(ctx context.Context) (Frame, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensure(ctx); err != nil {
		return Frame{}, false, err
	}
	if l.done {
		return Frame{}, false, nil
	}
	f, ok, err := l.src.Next(ctx)
	if err != nil || !ok {
		if cerr := l.release(); err == nil {
			err = cerr
		}
	}
	return f, ok, err
}

func (l *LazySource) Seek(i int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensure(l.ctx); err != nil {
		return err
	}
	if l.done {
		return errors.New("source already released")
	}
	return l.src.Seek(i)
}

func (l *LazySource) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length
}

// Close releases the source if it is still open.
func (l *LazySource) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.release()
}

func (l *LazySource) release() error {
	if l.done {
		return nil
	}
	l.done = true
	if l.close == nil {
		return nil
	}
	return l.close()
}
