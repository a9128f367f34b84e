package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/andresmejia3/biomatch/internal/media"
	"github.com/andresmejia3/biomatch/internal/types"
)

// Request opcodes, the first byte of every request body.
const (
	opDetect  byte = 'D'
	opExtract byte = 'E'
)

// Reply status, the first byte of every reply body.
const (
	statusOK    byte = 0
	statusError byte = 1
)

// Per-box reply record: x, y, w, h as int32 then a float32 confidence.
const boxRecordSize = 4*4 + 4

// Detect asks the worker for every object in the frame.
//
// Request: ['D'][frame]. Reply: [status][u32 n] n*{i32 x, y, w, h; f32 conf}.
func (w *PythonWorker) Detect(ctx context.Context, f media.Frame) ([]types.Track, error) {
	req := make([]byte, 0, 1+len(f.Data))
	req = append(req, opDetect)
	req = append(req, f.Data...)

	body, err := w.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("detect reply of %d bytes: %w", len(body), types.ErrFailureToDeserialize)
	}
	n := binary.BigEndian.Uint32(body)
	body = body[4:]
	if uint64(len(body)) != uint64(n)*boxRecordSize {
		return nil, fmt.Errorf("detect reply claims %d boxes in %d bytes: %w", n, len(body), types.ErrFailureToDeserialize)
	}

	tracks := make([]types.Track, n)
	for i := range tracks {
		rec := body[i*boxRecordSize:]
		tracks[i] = types.Track{{
			Rect: types.Rect{
				X:      int32(binary.BigEndian.Uint32(rec[0:])),
				Y:      int32(binary.BigEndian.Uint32(rec[4:])),
				Width:  int32(binary.BigEndian.Uint32(rec[8:])),
				Height: int32(binary.BigEndian.Uint32(rec[12:])),
			},
			Frame:      uint32(f.Index),
			Confidence: math.Float32frombits(binary.BigEndian.Uint32(rec[16:])),
		}}
	}
	return tracks, nil
}

// Extract asks the worker for the feature vector of the first sighting in
// track.
//
// Request: ['E'][i32 x, y, w, h][frame]. Reply: [status][u32 dim] dim*f32.
func (w *PythonWorker) Extract(ctx context.Context, f media.Frame, track types.Track) ([]float32, error) {
	if len(track) == 0 {
		return nil, fmt.Errorf("empty track: %w", types.ErrBadArgument)
	}
	r := track[0].Rect

	var req bytes.Buffer
	req.Grow(1 + 16 + len(f.Data))
	req.WriteByte(opExtract)
	binary.Write(&req, binary.BigEndian, [4]int32{r.X, r.Y, r.Width, r.Height})
	req.Write(f.Data)

	body, err := w.call(ctx, req.Bytes())
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("extract reply of %d bytes: %w", len(body), types.ErrFailureToDeserialize)
	}
	dim := binary.BigEndian.Uint32(body)
	body = body[4:]
	if uint64(len(body)) != uint64(dim)*4 {
		return nil, fmt.Errorf("extract reply claims %d features in %d bytes: %w", dim, len(body), types.ErrFailureToDeserialize)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.BigEndian.Uint32(body[i*4:]))
	}
	return vec, nil
}

// call performs one exchange and strips the status byte. A worker-side
// failure becomes "python worker error: <message>".
func (w *PythonWorker) call(ctx context.Context, req []byte) ([]byte, error) {
	resp, err := w.Communicate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("worker %d: %v: %w", w.ID, err, types.ErrIO)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("worker %d sent an empty reply: %w", w.ID, types.ErrFailureToDeserialize)
	}
	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		body := resp[1:]
		if len(body) < 4 {
			return nil, fmt.Errorf("worker %d sent a truncated error reply: %w", w.ID, types.ErrFailureToDeserialize)
		}
		msgLen := binary.BigEndian.Uint32(body)
		msg := body[4:]
		if uint64(msgLen) < uint64(len(msg)) {
			msg = msg[:msgLen]
		}
		return nil, &RemoteError{Message: string(msg)}
	}
	return nil, fmt.Errorf("worker %d sent status %d: %w", w.ID, resp[0], types.ErrFailureToDeserialize)
}

// RemoteError is an exception raised inside the worker process. It counts as
// invalid media: the worker could not make sense of the frame.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "python worker error: " + e.Message }

func (e *RemoteError) Unwrap() error { return types.ErrInvalidMedia }
