// Package types holds the small value types shared between the catalog
// service and the scanner: build versions, content hashes, tile coordinates
// and scan states. They are deliberately plain comparable values so they can
// be used as map keys and compared on the hot path without allocating.
package types

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.minimaps.dev/infra/go/mmerr"
)

// BuildVersion packs an (expansion, major, minor, build) version 4-tuple into
// a single sortable int64. The packing is expansion:11 | major:10 | minor:10 |
// build:32 from the high bits down, leaving the sign bit clear so encoded
// values are always non-negative and numeric order matches version order.
type BuildVersion int64

const (
	buildShift     = 0
	minorShift     = 32
	majorShift     = 42
	expansionShift = 52

	// MaxExpansion et al are the largest field values that fit the packing.
	MaxExpansion = 1<<11 - 1
	MaxMajor     = 1<<10 - 1
	MaxMinor     = 1<<10 - 1
	MaxBuild     = 1<<32 - 1
)

// BuildVersionFromParts packs the four version fields. Returns an error if
// any field exceeds its bit width.
func BuildVersionFromParts(expansion, major, minor, build uint64) (BuildVersion, error) {
	if expansion > MaxExpansion {
		return 0, mmerr.Fmt("expansion %d out of range (max %d)", expansion, MaxExpansion)
	}
	if major > MaxMajor {
		return 0, mmerr.Fmt("major %d out of range (max %d)", major, MaxMajor)
	}
	if minor > MaxMinor {
		return 0, mmerr.Fmt("minor %d out of range (max %d)", minor, MaxMinor)
	}
	if build > MaxBuild {
		return 0, mmerr.Fmt("build %d out of range (max %d)", build, MaxBuild)
	}
	packed := expansion<<expansionShift | major<<majorShift | minor<<minorShift | build<<buildShift
	return BuildVersion(packed), nil
}

// ParseBuildVersion parses a dotted version name such as "11.0.7.58238".
func ParseBuildVersion(s string) (BuildVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, mmerr.Fmt("invalid version %q: expected 4 dotted fields, got %d", s, len(parts))
	}
	fields := make([]uint64, 4)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return 0, mmerr.Fmt("invalid version %q: field %d is not a number", s, i)
		}
		fields[i] = n
	}
	v, err := BuildVersionFromParts(fields[0], fields[1], fields[2], fields[3])
	if err != nil {
		return 0, mmerr.Wrapf(err, "invalid version %q", s)
	}
	return v, nil
}

// ParseBuildVersionID parses the wire form of a BuildVersion, which is the
// packed int64 rendered in decimal. JSON clients transport it as a string
// because the packed value exceeds the 53-bit precision of a JSON number.
func ParseBuildVersionID(s string) (BuildVersion, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, mmerr.Fmt("invalid version id %q", s)
	}
	if id < 0 {
		return 0, mmerr.Fmt("invalid version id %q: negative", s)
	}
	return BuildVersion(id), nil
}

// Expansion returns the expansion field.
func (v BuildVersion) Expansion() uint64 {
	return uint64(v) >> expansionShift & MaxExpansion
}

// Major returns the major field.
func (v BuildVersion) Major() uint64 {
	return uint64(v) >> majorShift & MaxMajor
}

// Minor returns the minor field.
func (v BuildVersion) Minor() uint64 {
	return uint64(v) >> minorShift & MaxMinor
}

// Build returns the build number field.
func (v BuildVersion) Build() uint64 {
	return uint64(v) >> buildShift & MaxBuild
}

// String returns the dotted version name, e.g. "11.0.7.58238".
func (v BuildVersion) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Expansion(), v.Major(), v.Minor(), v.Build())
}

// ID returns the packed value for storage and wire transport.
func (v BuildVersion) ID() int64 {
	return int64(v)
}

// MarshalJSON renders the packed value as a decimal JSON string.
func (v BuildVersion) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(v), 10))), nil
}

// UnmarshalJSON accepts the decimal string wire form, or a bare number for
// hand-written inputs.
func (v *BuildVersion) UnmarshalJSON(b []byte) error {
	s := string(b)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	parsed, err := ParseBuildVersionID(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ContentHash is an MD5 digest identifying a content body. It is an array,
// not a slice, so that values are comparable with == and usable as map keys.
// The wire and path form is always 32 lowercase hex characters.
type ContentHash [md5.Size]byte

// ContentHashOf returns the hash of the given bytes.
func ContentHashOf(b []byte) ContentHash {
	return md5.Sum(b)
}

// ParseContentHash parses a 32-char hex string. Mixed case is accepted;
// String always renders lowercase.
func ParseContentHash(s string) (ContentHash, error) {
	var h ContentHash
	if len(s) != 2*md5.Size {
		return h, mmerr.Fmt("invalid content hash %q: expected %d hex chars, got %d", s, 2*md5.Size, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, mmerr.Fmt("invalid content hash %q: not hex", s)
	}
	copy(h[:], b)
	return h, nil
}

// ContentHashFromBytes copies a 16-byte slice into a ContentHash.
func ContentHashFromBytes(b []byte) (ContentHash, error) {
	var h ContentHash
	if len(b) != md5.Size {
		return h, mmerr.Fmt("invalid content hash: expected %d bytes, got %d", md5.Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// String returns the 32-char lowercase hex form.
func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the digest as a fresh slice. The pgx driver only accepts
// slices, so rows pass through this rather than the array itself.
func (h ContentHash) Bytes() []byte {
	b := make([]byte, md5.Size)
	copy(b, h[:])
	return b
}

// IsZero returns true for the all-zeroes hash, which is used throughout the
// upstream formats to mean "absent".
func (h ContentHash) IsZero() bool {
	return h == ContentHash{}
}

// Less orders hashes by their raw bytes.
func (h ContentHash) Less(other ContentHash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// MarshalJSON renders the lowercase hex form.
func (h ContentHash) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(h.String())), nil
}

// UnmarshalJSON parses the hex string form.
func (h *ContentHash) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return mmerr.Fmt("invalid content hash %s: not a JSON string", b)
	}
	parsed, err := ParseContentHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// TileCoord addresses one minimap tile within a map's 64x64 grid. Viewer
// queries also use it with signed coordinates relative to the map center, so
// the fields are plain ints.
type TileCoord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Less orders coordinates by (X, Y) ascending, the order the composition
// hash is defined over.
func (c TileCoord) Less(other TileCoord) bool {
	if c.X != other.X {
		return c.X < other.X
	}
	return c.Y < other.Y
}

// CompositionEntry pairs one tile coordinate with the hash of that tile's
// source content.
type CompositionEntry struct {
	Coord TileCoord
	Hash  ContentHash
}

// CompositionHashOf computes the canonical hash identifying a set of placed
// tiles. Entries are sorted by (x, y); for each entry the little-endian
// int32 x and y are written followed by the 32 ASCII bytes of the lowercase
// tile hash hex. The result is the MD5 of that stream. Two builds whose
// minimaps are pixel-identical produce the same composition hash regardless
// of scan order.
func CompositionHashOf(entries []CompositionEntry) ContentHash {
	sorted := make([]CompositionEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Coord.Less(sorted[j].Coord)
	})
	digest := md5.New()
	var word [4]byte
	for _, e := range sorted {
		binary.LittleEndian.PutUint32(word[:], uint32(int32(e.Coord.X)))
		_, _ = digest.Write(word[:])
		binary.LittleEndian.PutUint32(word[:], uint32(int32(e.Coord.Y)))
		_, _ = digest.Write(word[:])
		_, _ = digest.Write([]byte(e.Hash.String()))
	}
	var h ContentHash
	copy(h[:], digest.Sum(nil))
	return h
}

// ScanState tracks how far the scanner has taken one (build, product) pair.
type ScanState int

const (
	// ScanStatePending means the pair is queued and has not been scanned, or
	// has been re-queued after a decryption key it was blocked on appeared.
	ScanStatePending ScanState = 0
	// ScanStateException means the scan aborted on an unexpected error. The
	// error text is recorded alongside.
	ScanStateException ScanState = 1
	// ScanStateEncryptedBuild means the build's configuration itself could
	// not be decrypted; the missing key name is recorded.
	ScanStateEncryptedBuild ScanState = 2
	// ScanStateEncryptedMapDatabase means configs loaded but the map table
	// is encrypted with a missing key.
	ScanStateEncryptedMapDatabase ScanState = 3
	// ScanStatePartialDecrypt means the scan completed but one or more maps
	// were skipped for missing keys, recorded as key name -> map ids.
	ScanStatePartialDecrypt ScanState = 4
	// ScanStateFullDecrypt means every map with a minimap was captured.
	ScanStateFullDecrypt ScanState = 5
)

var scanStateNames = map[ScanState]string{
	ScanStatePending:              "Pending",
	ScanStateException:            "Exception",
	ScanStateEncryptedBuild:       "EncryptedBuild",
	ScanStateEncryptedMapDatabase: "EncryptedMapDatabase",
	ScanStatePartialDecrypt:       "PartialDecrypt",
	ScanStateFullDecrypt:          "FullDecrypt",
}

// String returns the state name used in logs and JSON.
func (s ScanState) String() string {
	if name, ok := scanStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ScanState(%d)", int(s))
}

// Terminal returns true for every state other than Pending. Terminal pairs
// are filtered out of the discovered-builds handshake; the key-discovery
// requeue is the only path back to Pending.
func (s ScanState) Terminal() bool {
	return s != ScanStatePending
}

// MarshalJSON renders the state name.
func (s ScanState) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

// UnmarshalJSON parses a state name.
func (s *ScanState) UnmarshalJSON(b []byte) error {
	str, err := strconv.Unquote(string(b))
	if err != nil {
		return mmerr.Fmt("invalid scan state %s", b)
	}
	for state, name := range scanStateNames {
		if name == str {
			*s = state
			return nil
		}
	}
	return mmerr.Fmt("unknown scan state %q", str)
}
