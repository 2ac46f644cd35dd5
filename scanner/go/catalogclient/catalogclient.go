// Package catalogclient speaks the catalog's publish protocol on behalf of
// the scanner worker. The worker never touches the catalog database
// directly; everything flows through these endpoints.
package catalogclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.minimaps.dev/infra/catalog/go/rpc"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/catalog/go/web"
	"go.minimaps.dev/infra/go/httputils"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/util"
)

// ErrTileNotFound is returned by GetTile when the catalog holds no tile
// under the hash.
var ErrTileNotFound = errors.New("tile not found in the catalog")

// Client calls one catalog server.
type Client struct {
	baseURL string
	client  *http.Client
}

// New returns a Client for the catalog at baseURL. If client is nil a
// default timeout client is used; it must surface status codes rather than
// mapping non-2xx to errors.
func New(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = httputils.NewTimeoutClient()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Discovered reports the poller's batch of upstream builds and returns the
// sub-batch the catalog still wants scanned.
func (c *Client) Discovered(ctx context.Context, builds []rpc.DiscoveredBuild) ([]rpc.DiscoveredBuild, error) {
	var pending []rpc.DiscoveredBuild
	if err := c.postJSON(ctx, "/publish/discovered", builds, &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// PendingJobs lists all scans the catalog wants run, including ones
// requeued by key discovery.
func (c *Client) PendingJobs(ctx context.Context) ([]rpc.DiscoveredBuild, error) {
	resp, err := httputils.GetWithContext(ctx, c.client, c.baseURL+"/publish/jobs")
	if err != nil {
		return nil, mmerr.Wrap(err)
	}
	defer util.Close(resp.Body)
	if err := responseError("/publish/jobs", resp); err != nil {
		return nil, err
	}
	var jobs []rpc.DiscoveredBuild
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return nil, mmerr.Wrapf(err, "decoding /publish/jobs response")
	}
	return jobs, nil
}

// MissingTiles returns the subset of hashes the catalog has no tile for.
func (c *Client) MissingTiles(ctx context.Context, hashes []types.ContentHash) ([]types.ContentHash, error) {
	var missing []types.ContentHash
	if err := c.postJSON(ctx, "/publish/tiles", hashes, &missing); err != nil {
		return nil, err
	}
	return missing, nil
}

// PutTile uploads one encoded tile under the source content hash that
// addresses it. The body's own MD5 travels in a header so the transfer is
// verified end to end.
func (c *Client) PutTile(ctx context.Context, hash types.ContentHash, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/publish/tile/"+hash.String(), bytes.NewReader(body))
	if err != nil {
		return mmerr.Wrap(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(web.ExpectedHashHeader, types.ContentHashOf(body).String())
	resp, err := c.client.Do(req)
	if err != nil {
		return mmerr.Wrap(err)
	}
	defer util.Close(resp.Body)
	return responseError("/publish/tile", resp)
}

// UpdateScanState moves one product scan to a new state.
func (c *Client) UpdateScanState(ctx context.Context, update rpc.ScanStateUpdate) error {
	return c.postJSON(ctx, "/publish/scan-state", update, nil)
}

// UpsertMap records one map table row as seen in a build.
func (c *Client) UpsertMap(ctx context.Context, m rpc.MapUpsert) error {
	return c.postJSON(ctx, "/publish/map", m, nil)
}

// UpsertBuildMap associates a map with a build.
func (c *Client) UpsertBuildMap(ctx context.Context, bm rpc.BuildMapUpsert) error {
	return c.postJSON(ctx, "/publish/build-map", bm, nil)
}

// UpsertComposition stores one composition.
func (c *Client) UpsertComposition(ctx context.Context, comp rpc.Composition) error {
	return c.postJSON(ctx, "/publish/composition", comp, nil)
}

// SyncKeys pushes newly learned decryption keys and returns the catalog's
// full key list.
func (c *Client) SyncKeys(ctx context.Context, keys []rpc.TACTKey) ([]rpc.TACTKey, error) {
	if keys == nil {
		keys = []rpc.TACTKey{}
	}
	var all []rpc.TACTKey
	if err := c.postJSON(ctx, "/publish/keys", keys, &all); err != nil {
		return nil, err
	}
	return all, nil
}

// GetTile fetches an already published tile's bytes and content type,
// mainly so LOD levels can be built without re-encoding.
func (c *Client) GetTile(ctx context.Context, hash types.ContentHash) ([]byte, string, error) {
	resp, err := httputils.GetWithContext(ctx, c.client, c.baseURL+"/tile/"+hash.String())
	if err != nil {
		return nil, "", mmerr.Wrap(err)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, "", ErrTileNotFound
	}
	if err := responseError("/tile", resp); err != nil {
		return nil, "", err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", mmerr.Wrap(err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return mmerr.Wrap(err)
	}
	resp, err := httputils.PostWithContext(ctx, c.client, c.baseURL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return mmerr.Wrap(err)
	}
	defer util.Close(resp.Body)
	if err := responseError(path, resp); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return mmerr.Wrapf(err, "decoding %s response", path)
		}
	}
	return nil
}

func responseError(path string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return mmerr.Fmt("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
}
