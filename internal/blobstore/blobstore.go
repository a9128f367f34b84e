// Package blobstore pushes serialized galleries to a directory or to
// S3-compatible object storage.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/biomatch/internal/codec"
	"github.com/andresmejia3/biomatch/internal/gallery"
	"github.com/andresmejia3/biomatch/internal/types"
)

// ErrNotFound is returned when a blob does not exist.
// It satisfies errors.Is(err, os.ErrNotExist).
var ErrNotFound = os.ErrNotExist

// BlobStore holds whole immutable blobs by name.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
	// List returns blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// PutGallery serializes g under name. A .zst or .lz4 name is compressed.
func PutGallery(ctx context.Context, bs BlobStore, name string, g *gallery.Gallery) error {
	buf, err := g.Serialize()
	if err != nil {
		return err
	}
	buf, err = codec.Compress(buf, codec.CompressionFor(name))
	if err != nil {
		return err
	}
	if err := bs.Put(ctx, name, buf); err != nil {
		return fmt.Errorf("uploading gallery %s: %v: %w", name, err, types.ErrIO)
	}
	return nil
}

// GetGallery loads a gallery written by PutGallery.
func GetGallery(ctx context.Context, bs BlobStore, name string) (*gallery.Gallery, error) {
	buf, err := bs.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("gallery %s: %w", name, types.ErrMissingID)
	}
	if err != nil {
		return nil, fmt.Errorf("downloading gallery %s: %v: %w", name, err, types.ErrIO)
	}
	buf, err = codec.Decompress(buf, codec.CompressionFor(name))
	if err != nil {
		return nil, err
	}
	return gallery.Deserialize(buf)
}
