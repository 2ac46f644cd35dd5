// Package tilestore defines the content-addressed blob store for encoded
// minimap tiles. Implementations exist for the local filesystem, for
// S3-compatible object stores and in memory for tests.
package tilestore

import (
	"context"
	"errors"
	"io"

	"go.minimaps.dev/infra/catalog/go/types"
)

// ContentTypeWebP is the content type of every tile the scanner produces.
const ContentTypeWebP = "image/webp"

// ErrNotFound is returned by Get for a hash the store does not hold.
var ErrNotFound = errors.New("tile not found")

// TileStore stores tile bodies keyed by the MD5 of their bytes. Keys are
// laid out as {xx}/{hex} where xx is the first two hex chars, to keep
// directory fan-out flat.
type TileStore interface {
	// Has returns whether a body is stored under the hash.
	Has(ctx context.Context, hash types.ContentHash) (bool, error)

	// Get returns the body and its content type. Returns ErrNotFound if
	// the hash is not stored.
	Get(ctx context.Context, hash types.ContentHash) (io.ReadCloser, string, error)

	// Save stores the body under the hash. Saving the same hash twice is
	// allowed; the bodies are identical by construction.
	Save(ctx context.Context, hash types.ContentHash, contentType string, r io.Reader) error

	// GetAllHashes enumerates every stored hash. Maintenance only; this
	// walks the entire store.
	GetAllHashes(ctx context.Context) ([]types.ContentHash, error)
}
