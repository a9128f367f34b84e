package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/biomatch/internal/media"
	"github.com/andresmejia3/biomatch/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// mockWorker returns a worker whose reply pipe already holds replies.
func mockWorker(t *testing.T, replies ...[]byte) (*PythonWorker, *MockCloser) {
	t.Helper()
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	pipe := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, r := range replies {
		require.NoError(t, binary.Write(pipe, binary.BigEndian, uint32(len(r))))
		pipe.Write(r)
	}
	return &PythonWorker{ID: 1, Stdin: stdin, DataPipe: pipe}, stdin
}

func okReply(fields ...any) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	for _, f := range fields {
		binary.Write(payload, binary.BigEndian, f)
	}
	return payload.Bytes()
}

func errReply(msg string) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	binary.Write(payload, binary.BigEndian, uint32(len(msg)))
	payload.WriteString(msg)
	return payload.Bytes()
}

func TestDetect(t *testing.T) {
	reply := okReply(uint32(2),
		[4]int32{10, 10, 20, 20}, float32(0.99),
		[4]int32{-5, 0, 8, 9}, float32(0.5),
	)
	w, stdin := mockWorker(t, reply)

	frame := media.Frame{Index: 4, Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	tracks, err := w.Detect(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, types.Rect{X: 10, Y: 10, Width: 20, Height: 20}, tracks[0][0].Rect)
	assert.InDelta(t, 0.99, tracks[0][0].Confidence, 1e-6)
	assert.EqualValues(t, 4, tracks[0][0].Frame)
	assert.EqualValues(t, -5, tracks[1][0].Rect.X)

	// [len][op][frame]
	sent := stdin.Bytes()
	require.Len(t, sent, 4+1+len(frame.Data))
	assert.EqualValues(t, 1+len(frame.Data), binary.BigEndian.Uint32(sent))
	assert.Equal(t, opDetect, sent[4])
	assert.Equal(t, frame.Data, sent[5:])
}

func TestExtract(t *testing.T) {
	w, stdin := mockWorker(t, okReply(uint32(3), [3]float32{0.5, -1, 2}))

	track := types.Track{{Rect: types.Rect{X: 1, Y: 2, Width: 3, Height: 4}}}
	vec, err := w.Extract(context.Background(), media.Frame{Data: []byte("img")}, track)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1, 2}, vec)

	sent := stdin.Bytes()
	require.Len(t, sent, 4+1+16+3)
	assert.Equal(t, opExtract, sent[4])
	var rect [4]int32
	require.NoError(t, binary.Read(bytes.NewReader(sent[5:21]), binary.BigEndian, &rect))
	assert.Equal(t, [4]int32{1, 2, 3, 4}, rect)
	assert.Equal(t, []byte("img"), sent[21:])

	_, err = w.Extract(context.Background(), media.Frame{Data: []byte("img")}, nil)
	assert.ErrorIs(t, err, types.ErrBadArgument)
}

func TestWorkerError(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	w, _ := mockWorker(t, errReply(errMsg))

	_, err := w.Detect(context.Background(), media.Frame{Data: []byte("frame")})
	require.Error(t, err)
	assert.Equal(t, "python worker error: "+errMsg, err.Error())
	assert.ErrorIs(t, err, types.ErrInvalidMedia)

	var remote *RemoteError
	assert.True(t, errors.As(err, &remote))
}

func TestMalformedReplies(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
	}{
		{"empty", []byte{}},
		{"unknown status", []byte{7}},
		{"short count", okReply(uint16(1))},
		{"count too large", okReply(uint32(2), [4]int32{}, float32(1))},
		{"truncated error", []byte{statusError, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := mockWorker(t, tt.reply)
			_, err := w.Detect(context.Background(), media.Frame{Data: []byte("x")})
			assert.ErrorIs(t, err, types.ErrFailureToDeserialize)
		})
	}
}

func TestDeadWorkerIsIOError(t *testing.T) {
	w, _ := mockWorker(t)
	_, err := w.Detect(context.Background(), media.Frame{Data: []byte("x")})
	assert.ErrorIs(t, err, types.ErrIO)
}

func TestCancelledContext(t *testing.T) {
	w, stdin := mockWorker(t, okReply(uint32(0)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Detect(ctx, media.Frame{Data: []byte("x")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stdin.Len(), "nothing sent after cancel")
}

func TestPoolSharesWorkers(t *testing.T) {
	const calls = 8
	var workers []*PythonWorker
	for i := 0; i < 2; i++ {
		var replies [][]byte
		for j := 0; j < calls; j++ {
			replies = append(replies, okReply(uint32(1), [4]int32{0, 0, 4, 4}, float32(1)))
		}
		w, _ := mockWorker(t, replies...)
		w.ID = i
		workers = append(workers, w)
	}
	p := NewPoolFrom(workers...)
	assert.Equal(t, 2, p.Size())

	var wg sync.WaitGroup
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Detect(context.Background(), media.Frame{Index: i, Data: []byte("x")})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.NoError(t, p.Close())
	assert.Empty(t, p.Logs())
}
