package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/andresmejia3/biomatch/internal/types"
)

const megabyte = 1024 * 1024

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// StreamSource reads concatenated JPEG frames (an MJPEG stream) from a
// reader. It can only move forward.
type StreamSource struct {
	scanner *bufio.Scanner
	next    int
	total   int
}

// NewStreamSource splits r into frames. total is the expected frame count,
// -1 if unknown.
func NewStreamSource(r io.Reader, total int) *StreamSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)
	return &StreamSource{scanner: scanner, total: total}
}

func (s *StreamSource) Next(ctx context.Context) (Frame, bool, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, false, err
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return Frame{}, false, fmt.Errorf("frame scanner failed: %v: %w", err, types.ErrInvalidMedia)
		}
		return Frame{}, false, nil
	}
	// The scanner reuses its buffer, so the frame gets its own copy.
	f := Frame{Index: s.next, Data: bytes.Clone(s.scanner.Bytes())}
	s.next++
	return f, true, nil
}

// Seek skips forward to frame i. Seeking backwards is not supported on a stream.
func (s *StreamSource) Seek(i int) error {
	if i < s.next {
		return fmt.Errorf("stream at frame %d cannot seek back to %d: %w", s.next, i, types.ErrNotImplemented)
	}
	for s.next < i {
		if !s.scanner.Scan() {
			return fmt.Errorf("stream ended at frame %d before %d: %w", s.next, i, types.ErrBadArgument)
		}
		s.next++
	}
	return nil
}

func (s *StreamSource) Len() int { return s.total }
