package tactkeys

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/util"
)

const (
	// ListFileName is the on-disk snapshot of the upstream key list.
	ListFileName = "TACTKeys.txt"
	// etagSuffix names the sidecar holding the list's ETag.
	etagSuffix = ".etag"
)

// Store persists the raw upstream key list and its ETag next to each other
// under one directory, so a restarted worker resumes with the keys it had and
// the refresher can send If-None-Match on its first request.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, mmerr.Wrapf(err, "creating key store dir %s", dir)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) listPath() string {
	return filepath.Join(s.dir, ListFileName)
}

func (s *Store) etagPath() string {
	return filepath.Join(s.dir, ListFileName+etagSuffix)
}

// Load parses the stored list into reg. A missing file is not an error; the
// worker may simply never have synced.
func (s *Store) Load(reg *Registry) error {
	err := util.WithReadFile(s.listPath(), func(r io.Reader) error {
		keys, err := ParseList(r)
		if err != nil {
			return err
		}
		reg.SetAll(keys)
		return nil
	})
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ETag returns the stored ETag, or "" if there is none.
func (s *Store) ETag() string {
	b, err := os.ReadFile(s.etagPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Save atomically replaces the stored list and its ETag.
func (s *Store) Save(body []byte, etag string) error {
	if err := util.WithWriteFile(s.listPath(), func(w io.Writer) error {
		_, err := w.Write(body)
		return err
	}); err != nil {
		return mmerr.Wrapf(err, "writing %s", s.listPath())
	}
	if err := util.WithWriteFile(s.etagPath(), func(w io.Writer) error {
		_, err := io.WriteString(w, etag)
		return err
	}); err != nil {
		return mmerr.Wrapf(err, "writing %s", s.etagPath())
	}
	return nil
}
