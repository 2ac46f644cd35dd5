package tactkeys

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.minimaps.dev/infra/go/metrics2"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/mmlog"
	"go.minimaps.dev/infra/go/util"
)

// DefaultListURL is the community-maintained key list.
const DefaultListURL = "https://raw.githubusercontent.com/wowdev/TACTKeys/master/WoW.txt"

// Refresher keeps a Registry in sync with the upstream key list. Fetches are
// conditional on the stored ETag so an unchanged list costs one 304.
type Refresher struct {
	url    string
	client *http.Client
	store  *Store
	reg    *Registry

	// onNew, when set, is called with the names newly learned by a refresh.
	// The scan service uses it to push keys to the catalog, which requeues
	// any scans they unblock.
	onNew func(names []uint64)

	liveness  metrics2.Liveness
	keysKnown metrics2.Int64Metric
}

// NewRefresher returns a Refresher feeding reg from the list at url. onNew
// may be nil.
func NewRefresher(url string, client *http.Client, store *Store, reg *Registry, onNew func(names []uint64)) *Refresher {
	return &Refresher{
		url:       url,
		client:    client,
		store:     store,
		reg:       reg,
		onNew:     onNew,
		liveness:  metrics2.NewLiveness("scanner_tactkeys_refresh"),
		keysKnown: metrics2.GetInt64Metric("scanner_tactkeys_known"),
	}
}

// Refresh fetches the list once. A 304 means the stored snapshot is current
// and is merged as-is had it not been loaded yet; any other non-200 status is
// an error.
func (r *Refresher) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return mmerr.Wrap(err)
	}
	if etag := r.store.ETag(); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return mmerr.Wrapf(err, "fetching key list from %s", r.url)
	}
	defer util.Close(resp.Body)

	switch resp.StatusCode {
	case http.StatusNotModified:
		r.liveness.Reset()
		r.keysKnown.Update(int64(r.reg.Len()))
		return nil
	case http.StatusOK:
		// Fall through to the parse below.
	default:
		return mmerr.Fmt("key list fetch from %s returned %s", r.url, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return mmerr.Wrap(err)
	}
	keys, err := ParseList(bytes.NewReader(body))
	if err != nil {
		return mmerr.Wrapf(err, "parsing key list from %s", r.url)
	}
	if err := r.store.Save(body, resp.Header.Get("ETag")); err != nil {
		return err
	}
	added := r.reg.SetAll(keys)
	if len(added) > 0 {
		mmlog.Infof("Key list refresh added %d keys (%d known)", len(added), r.reg.Len())
		if r.onNew != nil {
			r.onNew(added)
		}
	}
	r.liveness.Reset()
	r.keysKnown.Update(int64(r.reg.Len()))
	return nil
}

// Start runs Refresh on the given interval until ctx is cancelled. Errors
// are logged; the next tick retries.
func (r *Refresher) Start(ctx context.Context, interval time.Duration) {
	go util.RepeatCtx(interval, ctx, func() {
		if err := r.Refresh(ctx); err != nil {
			mmlog.Errorf("Key list refresh failed: %s", err)
		}
	})
}
