// Package tact resolves content-addressed CDN resources to files on local
// disk. The Locator fronts an ordered list of CDN endpoints with a
// disk cache, a concurrency limiter, a sliding-window rate limiter and
// constant-delay retries with endpoint failover. Everything above it (the
// filesystem resolver, the scan pipeline) works in terms of
// ResourceDescriptors and never touches HTTP itself.
package tact

import (
	"fmt"
	"path"
	"strings"

	"go.minimaps.dev/infra/catalog/go/types"
)

// Kind says what a descriptor points at, which decides both its cache
// location and whether it can be downloaded at all: Decompressed bodies are
// derived in-process and only ever live in the cache.
type Kind int

const (
	// KindConfig is a plain-text configuration blob under the config stem.
	KindConfig Kind = iota
	// KindData is a BLTE-framed body (or archive segment) under the data stem.
	KindData
	// KindIndice is an archive index, stored next to its archive.
	KindIndice
	// KindDecompressed is a locally derived BLTE-decoded body.
	KindDecompressed
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "Config"
	case KindData:
		return "Data"
	case KindIndice:
		return "Indice"
	case KindDecompressed:
		return "Decompressed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ResourceDescriptor names one remote or derived resource. Descriptors are
// plain values; equality is not meaningful because RemotePath repeats
// information the keys carry.
type ResourceDescriptor struct {
	Product string
	Kind    Kind

	// EKey is the encoding key: the identity of the compressed on-CDN bytes
	// (for segments, the containing archive's key).
	EKey types.ContentHash
	// CKey is the content key: MD5 of the decompressed body. Nonzero only
	// when the body under the cache path is the decompressed content.
	CKey types.ContentHash

	// Offset and Length select a byte range within the remote resource.
	// Length == 0 means the whole resource.
	Offset int64
	Length int64

	// RemotePath is the path below an endpoint's stem, e.g.
	// "data/0a/1b/0a1b...". Empty for derived resources.
	RemotePath string
	// LocalPath overrides the computed cache path when every key is zero.
	LocalPath string
}

// Ranged returns whether the descriptor selects a byte range.
func (d ResourceDescriptor) Ranged() bool {
	return d.Length > 0
}

// CachePath returns the descriptor's cache file path relative to the cache
// root: content/{xx}/{yy}/{hex} when the content key is known,
// segments/{xx}/{yy}/{hex}_{off}_{len} for archive ranges, data/{xx}/{yy}/{hex}
// for whole encoded bodies, and LocalPath verbatim as the last resort.
func (d ResourceDescriptor) CachePath() string {
	switch {
	case !d.CKey.IsZero():
		return path.Join("content", fanOut(d.CKey.String()))
	case !d.EKey.IsZero() && d.Ranged():
		hex := d.EKey.String()
		return path.Join("segments", hex[0:2], hex[2:4], fmt.Sprintf("%s_%x_%x", hex, d.Offset, d.Length))
	case !d.EKey.IsZero():
		return path.Join("data", fanOut(d.EKey.String()))
	default:
		return d.LocalPath
	}
}

// fanOut splits a hex digest into the two-level directory layout the CDN and
// the cache share.
func fanOut(hex string) string {
	return path.Join(hex[0:2], hex[2:4], hex)
}

// ConfigRemotePath returns the remote path of a config blob.
func ConfigRemotePath(hex string) string {
	return path.Join("config", fanOut(hex))
}

// DataRemotePath returns the remote path of a data blob or archive.
func DataRemotePath(hex string) string {
	return path.Join("data", fanOut(hex))
}

// IndexRemotePath returns the remote path of an archive's index.
func IndexRemotePath(hex string) string {
	return DataRemotePath(hex) + ".index"
}

// Endpoint is one CDN host with the path stem the product's files live
// under.
type Endpoint struct {
	// Host includes the scheme, e.g. "http://blzddist1-a.akamaihd.net".
	Host string
	// Stem is the product path prefix, e.g. "tpr/wow".
	Stem string
}

// URL joins the endpoint with a descriptor's remote path.
func (e Endpoint) URL(remotePath string) string {
	return strings.TrimRight(e.Host, "/") + "/" + path.Join(e.Stem, remotePath)
}

// DefaultEndpoints returns the built-in CDN list, tried in order. The hosts
// could be read from the CDN configuration instead; they have been stable
// for years, so they are pinned here and extended via --additional-cdn.
func DefaultEndpoints() []Endpoint {
	return []Endpoint{
		{Host: "http://blzddist1-a.akamaihd.net", Stem: "tpr/wow"},
		{Host: "http://level3.blizzard.com", Stem: "tpr/wow"},
		{Host: "http://us.cdn.blizzard.com", Stem: "tpr/wow"},
	}
}
