package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/andresmejia3/biomatch/internal/types"
)

// VideoSource decodes a video file with FFmpeg into an MJPEG stream.
type VideoSource struct {
	*StreamSource
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
}

// NewFFmpegCmd creates a standard decoder pipe
// It configures FFmpeg to output raw MJPEG frames to Stdout for ingestion.
func NewFFmpegCmd(ctx context.Context, inputPath string) *exec.Cmd {
	// -hide_banner and -loglevel error keep the stderr buffer small
	return exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-i", inputPath, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// OpenVideo starts FFmpeg on path. The caller must Close the source.
func OpenVideo(ctx context.Context, path string) (*VideoSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %v: %w", err, types.ErrConfig)
	}
	cmd := NewFFmpegCmd(ctx, path)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %v: %w", err, types.ErrIO)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %v: %w", err, types.ErrIO)
	}
	return &VideoSource{
		StreamSource: NewStreamSource(stdout, GetTotalFrames(ctx, path)),
		cmd:          cmd,
		stdout:       stdout,
		stderr:       stderr,
	}, nil
}

// Close stops reading and waits for FFmpeg, surfacing its logs on failure.
func (v *VideoSource) Close() error {
	v.stdout.Close() // Ensure pipe is closed to prevent leaks/zombies
	if err := v.cmd.Wait(); err != nil {
		if v.stderr.Len() > 0 {
			return fmt.Errorf("ffmpeg: %v: %s: %w", err, v.stderr.String(), types.ErrInvalidMedia)
		}
		return fmt.Errorf("ffmpeg: %v: %w", err, types.ErrInvalidMedia)
	}
	return nil
}

// GetTotalFrames asks ffprobe for the frame count of path.
// It returns -1 if the count fails; the frame count is advisory only.
func GetTotalFrames(ctx context.Context, path string) int {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return -1
	}

	// Helper struct for structured JSON parsing
	type ffprobeOutput struct {
		Streams []struct {
			NbFrames      string `json:"nb_frames"`
			NbReadPackets string `json:"nb_read_packets"`
		} `json:"streams"`
	}

	// Fast path: container metadata. Instant but may be "N/A" for VFR.
	fast := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=nb_frames", "-of", "json", path)
	if out, err := fast.Output(); err == nil {
		var res ffprobeOutput
		if json.Unmarshal(out, &res) == nil && len(res.Streams) > 0 {
			if count, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && count > 0 {
				return count
			}
		}
	}

	// Slow path: count packets.
	slow := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := slow.Output()
	if err != nil {
		return -1
	}
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		return -1
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		return -1
	}
	return count
}
