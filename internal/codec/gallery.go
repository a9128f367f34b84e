package codec

import (
	"github.com/pkg/errors"

	"github.com/andresmejia3/biomatch/internal/types"
)

// GalleryEntry keys one stored vector to its external id.
type GalleryEntry struct {
	ID       uint64
	Position uint64
}

// GalleryImage is the flat form of a gallery: vectors in dense position
// order plus the id/position records. Entries are keyed, not positional.
type GalleryImage struct {
	Vectors [][]float32
	Entries []GalleryEntry
}

// EncodeGallery writes item_count, the concatenated vectors, then the id/position records.
// An empty gallery encodes as a lone zero count.
func EncodeGallery(img GalleryImage) ([]byte, error) {
	n := len(img.Vectors)
	if len(img.Entries) != n {
		return nil, errors.Wrapf(types.ErrFailureToSerialize, "%d vectors but %d id records", n, len(img.Entries))
	}
	if n == 0 {
		return make([]byte, countSize), nil
	}
	dim := len(img.Vectors[0])
	if dim == 0 {
		return nil, errors.Wrap(types.ErrFailureToSerialize, "gallery vectors are empty")
	}
	for i, v := range img.Vectors {
		if len(v) != dim {
			return nil, errors.Wrapf(types.ErrFailureToSerialize, "vector %d has dimension %d, expected %d", i, len(v), dim)
		}
	}

	buf := make([]byte, countSize+n*dim*floatSize+n*entryRecordSize)
	le.PutUint64(buf, uint64(n))
	off := countSize
	for _, v := range img.Vectors {
		putFloats(buf[off:], v)
		off += dim * floatSize
	}
	for _, e := range img.Entries {
		le.PutUint64(buf[off:], e.ID)
		le.PutUint64(buf[off+8:], e.Position)
		off += entryRecordSize
	}
	return buf, nil
}

// DecodeGallery validates every count against the buffer length before
// allocating, then checks that ids and positions form a bijection onto [0, count).
func DecodeGallery(buf []byte) (GalleryImage, error) {
	if len(buf) < countSize {
		return GalleryImage{}, errors.Wrapf(types.ErrFailureToDeserialize, "gallery header needs %d bytes, got %d", countSize, len(buf))
	}
	n := le.Uint64(buf)
	body := uint64(len(buf) - countSize)
	if n == 0 {
		if body != 0 {
			return GalleryImage{}, errors.Wrapf(types.ErrFailureToDeserialize, "empty gallery followed by %d bytes", body)
		}
		return GalleryImage{}, nil
	}
	if n > body/entryRecordSize {
		return GalleryImage{}, errors.Wrapf(types.ErrFailureToDeserialize, "gallery declares %d items, buffer holds %d bytes", n, body)
	}
	vecBytes := body - n*entryRecordSize
	if vecBytes == 0 || vecBytes%(n*floatSize) != 0 {
		return GalleryImage{}, errors.Wrapf(types.ErrFailureToDeserialize, "%d vector bytes do not divide into %d vectors", vecBytes, n)
	}
	dim := int(vecBytes / n / floatSize)

	count := int(n)
	img := GalleryImage{
		Vectors: make([][]float32, count),
		Entries: make([]GalleryEntry, count),
	}
	off := countSize
	for i := range img.Vectors {
		img.Vectors[i] = getFloats(buf[off:], dim)
		if j := types.NonFinite(img.Vectors[i]); j >= 0 {
			return GalleryImage{}, errors.Wrapf(types.ErrFailureToDeserialize, "vector %d feature %d is %v", i, j, img.Vectors[i][j])
		}
		off += dim * floatSize
	}

	seenID := make(map[uint64]struct{}, count)
	seenPos := make([]bool, count)
	for i := range img.Entries {
		e := GalleryEntry{ID: le.Uint64(buf[off:]), Position: le.Uint64(buf[off+8:])}
		off += entryRecordSize
		if e.Position >= n {
			return GalleryImage{}, errors.Wrapf(types.ErrFailureToDeserialize, "id %d at position %d, gallery has %d items", e.ID, e.Position, n)
		}
		if seenPos[e.Position] {
			return GalleryImage{}, errors.Wrapf(types.ErrFailureToDeserialize, "position %d assigned twice", e.Position)
		}
		if _, dup := seenID[e.ID]; dup {
			return GalleryImage{}, errors.Wrapf(types.ErrFailureToDeserialize, "id %d appears twice", e.ID)
		}
		seenPos[e.Position] = true
		seenID[e.ID] = struct{}{}
		img.Entries[i] = e
	}
	return img, nil
}
