// Package media turns still images and videos into numbered frames for the
// detector and extractor. Frames stay encoded; decoding is the
// collaborators' job.
package media

import (
	"context"
	"fmt"

	"github.com/andresmejia3/biomatch/internal/types"
)

// Frame is one encoded image and its index within the media item.
type Frame struct {
	Index int
	Data  []byte
}

// Validate rejects frames that cannot hold an image.
func (f Frame) Validate() error {
	if len(f.Data) == 0 {
		return fmt.Errorf("frame %d is empty: %w", f.Index, types.ErrInvalidMedia)
	}
	if f.Index < 0 {
		return fmt.Errorf("frame index %d: %w", f.Index, types.ErrInvalidMedia)
	}
	return nil
}

// FrameSource iterates the frames of one media item.
type FrameSource interface {
	// Next returns the next frame, or ok=false once the source is exhausted.
	Next(ctx context.Context) (f Frame, ok bool, err error)
	// Seek positions the source so the next frame returned has index i.
	Seek(i int) error
	// Len is the total frame count, or -1 when unknown.
	Len() int
}

// SliceSource serves frames held in memory. A single image is a one-frame source.
type SliceSource struct {
	frames [][]byte
	pos    int
}

// NewSliceSource wraps already loaded frames.
func NewSliceSource(frames ...[]byte) *SliceSource {
	return &SliceSource{frames: frames}
}

func (s *SliceSource) Next(ctx context.Context) (Frame, bool, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, false, err
	}
	if s.pos >= len(s.frames) {
		return Frame{}, false, nil
	}
	f := Frame{Index: s.pos, Data: s.frames[s.pos]}
	s.pos++
	return f, true, nil
}

func (s *SliceSource) Seek(i int) error {
	if i < 0 || i > len(s.frames) {
		return fmt.Errorf("seek to frame %d of %d: %w", i, len(s.frames), types.ErrBadArgument)
	}
	s.pos = i
	return nil
}

func (s *SliceSource) Len() int { return len(s.frames) }

// ReadAll drains a source into memory.
func ReadAll(ctx context.Context, src FrameSource) ([]Frame, error) {
	var out []Frame
	if n := src.Len(); n > 0 {
		out = make([]Frame, 0, n)
	}
	for {
		f, ok, err := src.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, f)
	}
}
