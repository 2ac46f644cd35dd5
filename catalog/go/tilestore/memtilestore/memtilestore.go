// Package memtilestore implements tilestore.TileStore in memory for tests.
package memtilestore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"go.minimaps.dev/infra/catalog/go/tilestore"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
)

type blob struct {
	body        []byte
	contentType string
}

// Store implements tilestore.TileStore in memory.
type Store struct {
	mu    sync.Mutex
	blobs map[types.ContentHash]blob
}

// New returns an empty Store.
func New() *Store {
	return &Store{blobs: map[types.ContentHash]blob{}}
}

// Has implements tilestore.TileStore.
func (s *Store) Has(ctx context.Context, hash types.ContentHash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.blobs[hash]
	return ok, nil
}

// Get implements tilestore.TileStore.
func (s *Store) Get(ctx context.Context, hash types.ContentHash) (io.ReadCloser, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[hash]
	if !ok {
		return nil, "", tilestore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b.body)), b.contentType, nil
}

// Save implements tilestore.TileStore.
func (s *Store) Save(ctx context.Context, hash types.ContentHash, contentType string, r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return mmerr.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs[hash] = blob{body: body, contentType: contentType}
	return nil
}

// GetAllHashes implements tilestore.TileStore.
func (s *Store) GetAllHashes(ctx context.Context) ([]types.ContentHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]types.ContentHash, 0, len(s.blobs))
	for h := range s.blobs {
		ret = append(ret, h)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Less(ret[j]) })
	return ret, nil
}

var _ tilestore.TileStore = (*Store)(nil)
