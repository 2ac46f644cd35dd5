// Package fstilestore implements tilestore.TileStore on a local directory.
package fstilestore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.minimaps.dev/infra/catalog/go/tilestore"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/util"
)

// ext is appended to every stored tile so the files open directly in image
// viewers.
const ext = ".webp"

// Store implements tilestore.TileStore under a root directory, one file per
// tile at {root}/{xx}/{hex}.webp.
type Store struct {
	root string
}

// New returns a Store rooted at the given directory, creating it if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, mmerr.Wrapf(err, "creating tile store root %s", root)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(hash types.ContentHash) string {
	hex := hash.String()
	return filepath.Join(s.root, hex[:2], hex+ext)
}

// Has implements tilestore.TileStore.
func (s *Store) Has(ctx context.Context, hash types.ContentHash) (bool, error) {
	_, err := os.Stat(s.path(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, mmerr.Wrap(err)
}

// Get implements tilestore.TileStore.
func (s *Store) Get(ctx context.Context, hash types.ContentHash) (io.ReadCloser, string, error) {
	f, err := os.Open(s.path(hash))
	if os.IsNotExist(err) {
		return nil, "", tilestore.ErrNotFound
	}
	if err != nil {
		return nil, "", mmerr.Wrap(err)
	}
	return f, tilestore.ContentTypeWebP, nil
}

// Save implements tilestore.TileStore. The write goes through a temp file
// and a rename so a crash never leaves a truncated tile at the final path.
func (s *Store) Save(ctx context.Context, hash types.ContentHash, contentType string, r io.Reader) error {
	target := s.path(hash)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return mmerr.Wrap(err)
	}
	return util.WithWriteFile(target, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// GetAllHashes implements tilestore.TileStore.
func (s *Store) GetAllHashes(ctx context.Context) ([]types.ContentHash, error) {
	ret := []types.ContentHash{}
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ext) {
			return nil
		}
		h, err := types.ParseContentHash(strings.TrimSuffix(d.Name(), ext))
		if err != nil {
			// Not a tile; ignore stray files.
			return nil
		}
		ret = append(ret, h)
		return nil
	})
	if err != nil {
		return nil, mmerr.Wrap(err)
	}
	return ret, nil
}

var _ tilestore.TileStore = (*Store)(nil)
