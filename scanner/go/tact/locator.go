package tact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/httputils"
	"go.minimaps.dev/infra/go/metrics2"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/mmlog"
	"go.minimaps.dev/infra/go/util"
	"go.minimaps.dev/infra/scanner/go/blte"
	"go.minimaps.dev/infra/scanner/go/tactkeys"
)

// ErrNotFound is returned when no endpoint has the resource. 404s are never
// retried; the locator fails over to the next endpoint immediately.
var ErrNotFound = errors.New("resource not found on any endpoint")

// IntegrityError reports a decompressed body whose MD5 does not match the
// expected content key. The offending cache file is deleted before this is
// returned.
type IntegrityError struct {
	Path string
	Want types.ContentHash
	Got  types.ContentHash
}

// Error implements error.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("content of %s hashes to %s, want %s", e.Path, e.Got, e.Want)
}

const (
	// cacheSubdir is the directory under the cache root all resources land in.
	cacheSubdir = "res"

	defaultMaxConcurrent = 3
	defaultRatePermits   = 10
	defaultRateWindow    = time.Minute
	defaultRateSegments  = 12
	defaultAttempts      = 3
	defaultRetryDelay    = 2 * time.Second
	defaultRequestTime   = 30 * time.Second
)

// Options configures a Locator. The zero value of every field but CacheDir
// and Endpoints picks the documented default.
type Options struct {
	// CacheDir is the cache root; files are stored under CacheDir/res/.
	CacheDir string
	// Endpoints is the ordered CDN list.
	Endpoints []Endpoint
	// Client is the HTTP client; it must surface status codes (no 2xx-only
	// wrapping) because the retry policy is driven off them. Defaults to a
	// 30 second timeout client.
	Client *http.Client
	// Keys decrypts BLTE bodies in OpenCompressedHandle. Defaults to
	// tactkeys.Shared.
	Keys *tactkeys.Registry

	// MaxConcurrent bounds concurrent downloads (default 3).
	MaxConcurrent int
	// RatePermits per RateWindow, in RateSegments buckets (default 10/min/12).
	RatePermits  int
	RateWindow   time.Duration
	RateSegments int
	// Attempts per endpoint for retryable failures (default 3).
	Attempts int
	// RetryDelay between attempts (default 2s, constant).
	RetryDelay time.Duration
}

// Locator resolves ResourceDescriptors to cached local files.
type Locator struct {
	cacheDir   string
	endpoints  []Endpoint
	client     *http.Client
	keys       *tactkeys.Registry
	attempts   int
	retryDelay time.Duration

	sem    chan struct{}
	window *slidingWindow
	locks  *pathLocks
	group  singleflight.Group

	bytesDownloaded metrics2.Counter
}

// NewLocator returns a Locator writing under opts.CacheDir.
func NewLocator(opts Options) (*Locator, error) {
	if opts.CacheDir == "" {
		return nil, mmerr.Fmt("locator needs a cache dir")
	}
	if len(opts.Endpoints) == 0 {
		return nil, mmerr.Fmt("locator needs at least one endpoint")
	}
	if opts.Client == nil {
		opts.Client = httputils.NewConfiguredTimeoutClient(httputils.DIAL_TIMEOUT, defaultRequestTime)
	}
	if opts.Keys == nil {
		opts.Keys = tactkeys.Shared
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.RatePermits <= 0 {
		opts.RatePermits = defaultRatePermits
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = defaultRateWindow
	}
	if opts.RateSegments <= 0 {
		opts.RateSegments = defaultRateSegments
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if err := os.MkdirAll(filepath.Join(opts.CacheDir, cacheSubdir), 0755); err != nil {
		return nil, mmerr.Wrapf(err, "creating cache dir")
	}
	return &Locator{
		cacheDir:        opts.CacheDir,
		endpoints:       opts.Endpoints,
		client:          opts.Client,
		keys:            opts.Keys,
		attempts:        opts.Attempts,
		retryDelay:      opts.RetryDelay,
		sem:             make(chan struct{}, opts.MaxConcurrent),
		window:          newSlidingWindow(opts.RatePermits, opts.RateWindow, opts.RateSegments),
		locks:           newPathLocks(),
		bytesDownloaded: metrics2.GetCounter("scanner_cdn_bytes"),
	}, nil
}

// Handle references an immutable file in the cache.
type Handle struct {
	Path string
	Desc ResourceDescriptor
}

// ReadAll returns the file's contents.
func (h Handle) ReadAll() ([]byte, error) {
	b, err := os.ReadFile(h.Path)
	if err != nil {
		return nil, mmerr.Wrap(err)
	}
	return b, nil
}

// Open opens the file for reading. The caller closes it.
func (h Handle) Open() (*os.File, error) {
	f, err := os.Open(h.Path)
	if err != nil {
		return nil, mmerr.Wrap(err)
	}
	return f, nil
}

// cachePath returns the absolute cache file path for a descriptor.
func (l *Locator) cachePath(desc ResourceDescriptor) string {
	return filepath.Join(l.cacheDir, cacheSubdir, filepath.FromSlash(desc.CachePath()))
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// OpenHandle returns a handle to a local file holding the descriptor's
// bytes, downloading and caching them if needed. Descriptors of
// KindDecompressed are never downloaded: they exist only if a previous
// OpenCompressedHandle or CreateLocalHandle produced them.
func (l *Locator) OpenHandle(ctx context.Context, desc ResourceDescriptor) (Handle, error) {
	path := l.cachePath(desc)
	if fileExists(path) {
		return Handle{Path: path, Desc: desc}, nil
	}
	if desc.Kind == KindDecompressed {
		return Handle{}, mmerr.Wrapf(ErrNotFound, "no cached decompressed body at %s", desc.CachePath())
	}

	// Concurrent opens of the same path share one fetch.
	_, err, _ := l.group.Do(path, func() (interface{}, error) {
		return nil, l.ensureFetched(ctx, desc, path)
	})
	if err != nil {
		return Handle{}, err
	}
	return Handle{Path: path, Desc: desc}, nil
}

// OpenStream downloads the descriptor's bytes without caching them. Used for
// small one-shot bodies only.
func (l *Locator) OpenStream(ctx context.Context, desc ResourceDescriptor) (io.ReadCloser, error) {
	if desc.Kind == KindDecompressed {
		return nil, mmerr.Fmt("cannot stream a derived resource")
	}
	body, err := l.download(ctx, desc)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// OpenCompressedHandle resolves the descriptor, BLTE-decodes its body and
// returns a handle to the decompressed peer, caching both. ckey, when
// nonzero, addresses the peer in the cache; with validate set the decoded
// body must hash to it. A *blte.MissingKeyError passes through untouched so
// callers can route on it.
func (l *Locator) OpenCompressedHandle(ctx context.Context, desc ResourceDescriptor, ckey types.ContentHash, validate bool) (Handle, error) {
	peer := desc
	peer.Kind = KindDecompressed
	peer.CKey = ckey
	if !ckey.IsZero() {
		if path := l.cachePath(peer); fileExists(path) {
			return Handle{Path: path, Desc: peer}, nil
		}
	}

	h, err := l.OpenHandle(ctx, desc)
	if err != nil {
		return Handle{}, err
	}
	compressed, err := h.ReadAll()
	if err != nil {
		return Handle{}, err
	}
	decoded, err := blte.Parse(bytes.NewReader(compressed), l.keys)
	if err != nil {
		return Handle{}, err
	}
	got := types.ContentHashOf(decoded)
	if validate && !ckey.IsZero() && got != ckey {
		util.Remove(h.Path)
		return Handle{}, &IntegrityError{Path: h.Path, Want: ckey, Got: got}
	}
	if peer.CKey.IsZero() {
		peer.CKey = got
	}
	return l.CreateLocalHandle(peer, decoded)
}

// CreateLocalHandle caches bytes derived in-process (BLTE-decoded bodies)
// under the descriptor's cache path and returns a handle to them.
func (l *Locator) CreateLocalHandle(desc ResourceDescriptor, data []byte) (Handle, error) {
	path := l.cachePath(desc)
	lock := l.locks.lock(path)
	defer l.locks.unlock(path, lock)

	if !fileExists(path) {
		if err := l.writeFile(path, data); err != nil {
			return Handle{}, err
		}
	}
	return Handle{Path: path, Desc: desc}, nil
}

// ensureFetched downloads desc to path unless another writer got there
// first. Holds the per-path lock for the check-then-write.
func (l *Locator) ensureFetched(ctx context.Context, desc ResourceDescriptor, path string) error {
	lock := l.locks.lock(path)
	defer l.locks.unlock(path, lock)

	if fileExists(path) {
		return nil
	}
	body, err := l.download(ctx, desc)
	if err != nil {
		return err
	}
	return l.writeFile(path, body)
}

// writeFile writes data atomically: temp file in the target directory,
// rename over the final path. A crash mid-write leaves only the temp file,
// never a truncated cache entry.
func (l *Locator) writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return mmerr.Wrap(err)
	}
	if err := util.WithWriteFile(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return mmerr.Wrapf(err, "caching %s", path)
	}
	return nil
}

// download fetches the descriptor's bytes, trying each endpoint in order.
// Each endpoint gets the full retry budget; any non-success outcome advances
// to the next endpoint. Cancellation aborts the whole acquisition.
func (l *Locator) download(ctx context.Context, desc ResourceDescriptor) ([]byte, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, mmerr.Wrap(ctx.Err())
	}
	defer func() { <-l.sem }()

	var lastErr error
	for _, ep := range l.endpoints {
		body, err := l.downloadFrom(ctx, ep, desc)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, mmerr.Wrap(ctx.Err())
		}
		lastErr = err
		if !errors.Is(err, ErrNotFound) {
			mmlog.Warningf("CDN endpoint %s failed for %s: %s", ep.Host, desc.RemotePath, err)
		}
	}
	return nil, lastErr
}

// retryable statuses per the download policy; everything else fails the
// endpoint immediately.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

// downloadFrom fetches from one endpoint with constant-delay retries.
// Transport errors and retryable statuses are retried up to the attempt
// budget; a 404 is permanent and typed ErrNotFound; any other status is
// permanent so the caller fails over.
func (l *Locator) downloadFrom(ctx context.Context, ep Endpoint, desc ResourceDescriptor) ([]byte, error) {
	url := ep.URL(desc.RemotePath)
	var body []byte
	op := func() error {
		if err := l.window.Wait(ctx); err != nil {
			return backoff.Permanent(mmerr.Wrap(err))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(mmerr.Wrap(err))
		}
		if desc.Ranged() {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", desc.Offset, desc.Offset+desc.Length-1))
		} else if desc.Offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", desc.Offset))
		}
		resp, err := l.client.Do(req)
		if err != nil {
			l.requestCounter(ep.Host, "transport_error").Inc(1)
			return mmerr.Wrapf(err, "GET %s", url)
		}
		defer util.Close(resp.Body)
		l.requestCounter(ep.Host, strconv.Itoa(resp.StatusCode)).Inc(1)

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return mmerr.Wrapf(err, "reading %s", url)
			}
			body = b
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(mmerr.Wrapf(ErrNotFound, "GET %s", url))
		case retryableStatus(resp.StatusCode):
			return mmerr.Fmt("GET %s returned %s", url, resp.Status)
		default:
			return backoff.Permanent(mmerr.Fmt("GET %s returned %s", url, resp.Status))
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(l.retryDelay), uint64(l.attempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	l.bytesDownloaded.Inc(int64(len(body)))
	mmlog.Debugf("Downloaded %s from %s (%s)", desc.RemotePath, ep.Host, humanize.Bytes(uint64(len(body))))
	return body, nil
}

func (l *Locator) requestCounter(host, result string) metrics2.Counter {
	return metrics2.GetCounter("scanner_cdn_requests", map[string]string{"host": host, "result": result})
}
