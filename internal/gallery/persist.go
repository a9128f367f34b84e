package gallery

import (
	"fmt"

	"github.com/andresmejia3/biomatch/internal/codec"
	"github.com/andresmejia3/biomatch/internal/types"
)

// Serialize encodes the gallery in the binary gallery layout.
func (g *Gallery) Serialize() ([]byte, error) {
	img := codec.GalleryImage{
		Vectors: make([][]float32, len(g.templates)),
		Entries: make([]codec.GalleryEntry, len(g.ids)),
	}
	for pos, t := range g.templates {
		img.Vectors[pos] = t.Vector
		img.Entries[pos] = codec.GalleryEntry{ID: g.ids[pos], Position: uint64(pos)}
	}
	return codec.EncodeGallery(img)
}

// Deserialize rebuilds a gallery from Serialize output. Malformed buffers
// fail with ErrFailureToDeserialize and return no gallery.
func Deserialize(buf []byte) (*Gallery, error) {
	img, err := codec.DecodeGallery(buf)
	if err != nil {
		return nil, err
	}
	n := len(img.Vectors)
	g := &Gallery{
		templates: make([]types.Template, n),
		positions: make(map[uint64]int, n),
		ids:       make([]uint64, n),
	}
	for pos, v := range img.Vectors {
		g.templates[pos] = types.Template{Vector: v, Role: types.SearchGallery}
	}
	for _, e := range img.Entries {
		g.positions[e.ID] = int(e.Position)
		g.ids[e.Position] = e.ID
	}
	if n > 0 {
		g.dim = len(img.Vectors[0])
	}
	if err := g.Check(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, types.ErrFailureToDeserialize)
	}
	return g, nil
}

// Save writes the serialized gallery to path. A .zst or .lz4 extension
// compresses the file.
func (g *Gallery) Save(path string) error {
	buf, err := g.Serialize()
	if err != nil {
		return err
	}
	return codec.WriteGalleryFile(path, buf)
}

// Load reads a gallery written by Save.
func Load(path string) (*Gallery, error) {
	buf, err := codec.ReadGalleryFile(path)
	if err != nil {
		return nil, err
	}
	return Deserialize(buf)
}
