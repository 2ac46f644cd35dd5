// Package tactkeys maintains the registry of TACT content-encryption keys:
// 64-bit key names mapped to 16-byte keys. The registry is shared by every
// BLTE decode in the process. Keys arrive from three directions: the local
// TACTKeys.txt snapshot, the upstream community key list (refreshed with ETag
// caching) and the catalog's key table.
package tactkeys

import (
	"bufio"
	"encoding/hex"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.minimaps.dev/infra/go/mmerr"
)

// KeySize is the byte length of every TACT key.
const KeySize = 16

// Key is one 16-byte decryption key.
type Key [KeySize]byte

// ParseKey parses the 32-char hex form of a key.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) != 2*KeySize {
		return k, mmerr.Fmt("invalid key %q: expected %d hex chars, got %d", s, 2*KeySize, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, mmerr.Fmt("invalid key %q: not hex", s)
	}
	copy(k[:], b)
	return k, nil
}

// String returns the lowercase hex form.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// FormatName renders a key name as the canonical 16-char uppercase hex used
// in the upstream list and in scan-state records.
func FormatName(name uint64) string {
	return strings.ToUpper(strconv.FormatUint(name, 16))
}

// ParseName parses the 16-char hex form of a key name.
func ParseName(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, mmerr.Fmt("invalid key name %q: expected 16 hex chars, got %d", s, len(s))
	}
	name, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, mmerr.Fmt("invalid key name %q: not hex", s)
	}
	return name, nil
}

// Registry holds the known keys. Lookups are lock-free: the key map is
// immutable once published and writers swap in a copy under a mutex. This
// keeps the BLTE hot path to a single atomic load however many decodes run
// concurrently.
type Registry struct {
	mtx  sync.Mutex
	keys atomic.Value // map[uint64]Key, copy-on-write
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.keys.Store(map[uint64]Key{})
	return r
}

// Shared is the process-wide registry used by default wiring. Tests build
// their own with NewRegistry.
var Shared = NewRegistry()

// Lookup returns the key for a name, if known.
func (r *Registry) Lookup(name uint64) (Key, bool) {
	k, ok := r.keys.Load().(map[uint64]Key)[name]
	return k, ok
}

// Set inserts or replaces a single key.
func (r *Registry) Set(name uint64, key Key) {
	r.SetAll(map[uint64]Key{name: key})
}

// SetAll merges the given keys into the registry and returns the names that
// were not previously present, sorted ascending. Replacing an existing key
// with the same or a different value is not reported as new.
func (r *Registry) SetAll(keys map[uint64]Key) []uint64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	old := r.keys.Load().(map[uint64]Key)
	next := make(map[uint64]Key, len(old)+len(keys))
	for name, k := range old {
		next[name] = k
	}
	var added []uint64
	for name, k := range keys {
		if _, ok := next[name]; !ok {
			added = append(added, name)
		}
		next[name] = k
	}
	r.keys.Store(next)
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	return added
}

// All returns a copy of the registry's contents.
func (r *Registry) All() map[uint64]Key {
	current := r.keys.Load().(map[uint64]Key)
	out := make(map[uint64]Key, len(current))
	for name, k := range current {
		out[name] = k
	}
	return out
}

// Len returns the number of known keys.
func (r *Registry) Len() int {
	return len(r.keys.Load().(map[uint64]Key))
}

// ParseList parses the upstream key list. Each line carries the 16-char hex
// key name at offset 0, a separator byte and the 32-char hex key at offset
// 17; anything after offset 49 (descriptions, dates) is ignored. Blank lines
// and lines starting with '#' are skipped. A line that does not match the
// offsets exactly is an error rather than a skip, so a silently reformatted
// upstream list cannot empty the registry.
func ParseList(r io.Reader) (map[uint64]Key, error) {
	keys := map[uint64]Key{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if len(strings.TrimSpace(line)) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) < 49 {
			return nil, mmerr.Fmt("key list line %d: too short (%d chars)", lineNo, len(line))
		}
		name, err := ParseName(line[0:16])
		if err != nil {
			return nil, mmerr.Wrapf(err, "key list line %d", lineNo)
		}
		key, err := ParseKey(line[17:49])
		if err != nil {
			return nil, mmerr.Wrapf(err, "key list line %d", lineNo)
		}
		keys[name] = key
	}
	if err := scanner.Err(); err != nil {
		return nil, mmerr.Wrap(err)
	}
	return keys, nil
}
