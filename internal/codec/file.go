package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/andresmejia3/biomatch/internal/types"
)

// Compression selects the envelope around a persisted gallery.
type Compression int

const (
	None Compression = iota
	Zstd
	LZ4
)

// CompressionFor picks the envelope from the file extension.
func CompressionFor(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return Zstd
	case ".lz4":
		return LZ4
	}
	return None
}

// Compress wraps raw bytes in the chosen envelope.
func Compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case None:
		return data, nil
	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, errors.Wrap(err, "creating zstd encoder")
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrap(err, "lz4 compress")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "lz4 flush")
		}
		return buf.Bytes(), nil
	}
	return nil, errors.Wrapf(types.ErrBadArgument, "unknown compression %d", c)
}

// Decompress undoes Compress. Corrupt envelopes are deserialization failures.
func Decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case None:
		return data, nil
	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errors.Wrap(err, "creating zstd decoder")
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, errors.Wrapf(types.ErrFailureToDeserialize, "zstd: %v", err)
		}
		return out, nil
	case LZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, errors.Wrapf(types.ErrFailureToDeserialize, "lz4: %v", err)
		}
		return out, nil
	}
	return nil, errors.Wrapf(types.ErrBadArgument, "unknown compression %d", c)
}

// WriteGalleryFile persists an encoded gallery, compressing by extension.
// The file is written to a temporary sibling and renamed into place.
func WriteGalleryFile(path string, encoded []byte) error {
	data, err := Compress(encoded, CompressionFor(path))
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(types.ErrIO, "writing %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(types.ErrIO, "renaming %s: %v", tmp, err)
	}
	return nil
}

// ReadGalleryFile loads and decompresses a gallery written by WriteGalleryFile.
func ReadGalleryFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(types.ErrIO, "reading %s: %v", path, err)
	}
	return Decompress(data, CompressionFor(path))
}

// WriteDetection streams one detection to w. Files use the same layout as
// the in-memory form; the record count is always a 64-bit integer.
func WriteDetection(w io.Writer, d types.Detection) error {
	buf, err := EncodeDetection(d)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrapf(types.ErrIO, "writing detection: %v", err)
	}
	return nil
}

// ReadDetection reads exactly one detection written by WriteDetection.
func ReadDetection(r io.Reader) (types.Detection, error) {
	var n uint64
	if err := binary.Read(r, le, &n); err != nil {
		return types.Detection{}, errors.Wrapf(types.ErrFailureToDeserialize, "reading detection count: %v", err)
	}
	if n == 0 || n > maxFileRecords {
		return types.Detection{}, errors.Wrapf(types.ErrFailureToDeserialize, "detection declares %d records", n)
	}
	buf := make([]byte, countSize+int(n)*trackRecordSize)
	le.PutUint64(buf, n)
	if _, err := io.ReadFull(r, buf[countSize:]); err != nil {
		return types.Detection{}, errors.Wrapf(types.ErrFailureToDeserialize, "reading %d detection records: %v", n, err)
	}
	return DecodeDetection(buf)
}

// maxFileRecords bounds allocations driven by an untrusted count.
const maxFileRecords = 1 << 24
