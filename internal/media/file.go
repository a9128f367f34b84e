package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/biomatch/internal/types"
)

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".avi": true, ".webm": true, ".m4v": true,
}

// IsVideo guesses from the file extension whether path needs FFmpeg.
func IsVideo(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// OpenFile returns a source for an image or video file and the function
// that releases it.
func OpenFile(ctx context.Context, path string) (FrameSource, func() error, error) {
	if IsVideo(path) {
		v, err := OpenVideo(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return v, v.Close, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %v: %w", path, err, types.ErrIO)
	}
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%s is empty: %w", path, types.ErrInvalidMedia)
	}
	return NewSliceSource(data), func() error { return nil }, nil
}
