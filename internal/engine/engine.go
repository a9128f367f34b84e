// Package engine ties the collaborators (detector, feature extractor,
// comparator) to the gallery, search and cluster packages. A Session holds
// everything the operations share, so several independent sessions can run
// in one process.
package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/andresmejia3/biomatch/internal/batch"
	"github.com/andresmejia3/biomatch/internal/cluster"
	"github.com/andresmejia3/biomatch/internal/logging"
	"github.com/andresmejia3/biomatch/internal/media"
	"github.com/andresmejia3/biomatch/internal/metrics"
	"github.com/andresmejia3/biomatch/internal/score"
	"github.com/andresmejia3/biomatch/internal/types"
)

// Detector locates objects in one frame. Every returned point belongs to the
// frame that was passed in; the session stamps the frame index.
type Detector interface {
	Detect(ctx context.Context, f media.Frame) ([]types.Track, error)
}

// FeatureExtractor turns the region described by track in frame into a
// feature vector.
type FeatureExtractor interface {
	Extract(ctx context.Context, f media.Frame, track types.Track) ([]float32, error)
}

// Session is the explicit replacement for process-wide backend state.
// With more than one worker the collaborators must be safe for concurrent use.
type Session struct {
	id        string
	detector  Detector
	extractor FeatureExtractor
	cmp       score.Comparator
	log       *logging.Logger
	workers   int
	metrics   bool
	cluster   cluster.Options
}

type Option func(*Session)

// WithComparator replaces the default cosine similarity.
func WithComparator(c score.Comparator) Option {
	return func(s *Session) {
		if c != nil {
			s.cmp = c
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithWorkers sets how many items FlagAndFinish batches run at once.
func WithWorkers(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithMetrics records batch, search and cluster metrics in the default
// Prometheus registry.
func WithMetrics(enabled bool) Option {
	return func(s *Session) { s.metrics = enabled }
}

// WithClusterOptions tunes label propagation.
func WithClusterOptions(o cluster.Options) Option {
	return func(s *Session) { s.cluster = o }
}

// New creates a session. Either collaborator may be nil when the session is
// only used for verify, search and cluster; operations that need a missing
// one fail with types.ErrNotImplemented.
func New(det Detector, ext FeatureExtractor, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		detector:  det,
		extractor: ext,
		cmp:       score.Cosine,
		log:       logging.Noop(),
		workers:   1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("session", s.id)
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Comparator returns the comparator used for verify, search and cluster.
func (s *Session) Comparator() score.Comparator { return s.cmp }

// batchOpts puts the session's worker count first so callers can override it.
func (s *Session) batchOpts(opts []batch.Option) []batch.Option {
	return append([]batch.Option{batch.WithWorkers(s.workers)}, opts...)
}

func (s *Session) observe(ctx context.Context, op string, r batch.Result) {
	s.log.LogBatch(ctx, op, len(r.Items), r.Failed(), r.Status)
	if s.metrics {
		metrics.ObserveBatch(op, r.Items, r.Status)
	}
}
