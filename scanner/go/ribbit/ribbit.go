// Package ribbit is a client for the upstream version service: the HTTP
// rendering of the Ribbit protocol that lists products and per-product
// version rows. Responses are BPSV: a pipe-delimited table whose first line
// is a schema header and whose "## seqn = N" comment carries the sequence
// id. The schema lines are pinned byte for byte; any drift upstream is a
// parse error here rather than silently shifted columns.
package ribbit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"go.minimaps.dev/infra/go/httputils"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/util"
)

const (
	// SummarySchema is the exact header of /v2/summary.
	SummarySchema = "Product!STRING:0|Seqn!DEC:4|Flags!STRING:0"
	// VersionsSchema is the exact header of /v2/products/{p}/versions. The
	// mixed-case "String" on VersionsName is upstream's, not a typo.
	VersionsSchema = "Region!STRING:0|BuildConfig!HEX:16|CDNConfig!HEX:16|KeyRing!HEX:16|BuildId!DEC:4|VersionsName!String:0|ProductConfig!HEX:16"

	// Requests are smoothed to roughly one every half second; the poller only
	// needs a handful per tick.
	requestInterval = 500 * time.Millisecond
)

// ErrProductNotFound is returned by Versions for a product the service does
// not know, so the poller can skip a misconfigured product and carry on.
var ErrProductNotFound = errors.New("product not known to the version service")

// SchemaError reports a BPSV response whose header or row shape does not
// match the pinned schema.
type SchemaError struct {
	Want string
	Got  string
}

// Error implements error.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("version service schema mismatch: got %q, want %q", e.Got, e.Want)
}

// SummaryRow is one product in the summary listing.
type SummaryRow struct {
	Product string
	Seqn    int64
	Flags   string
}

// VersionsRow is one region's view of a product's current version.
type VersionsRow struct {
	Region        string
	BuildConfig   string
	CDNConfig     string
	KeyRing       string
	BuildID       int64
	VersionsName  string
	ProductConfig string
}

// HostForRegion returns the version service base URL for a region code such
// as "us" or "eu".
func HostForRegion(region string) string {
	return fmt.Sprintf("https://%s.version.battle.net", region)
}

// Client fetches and parses version service responses.
type Client struct {
	host    string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient returns a Client for the given base URL, e.g.
// "https://us.version.battle.net". If client is nil a default timeout client
// is used. The client must surface status codes rather than mapping non-2xx
// to errors, since a 404 is meaningful here.
func NewClient(host string, client *http.Client) *Client {
	if client == nil {
		client = httputils.NewTimeoutClient()
	}
	return &Client{
		host:    strings.TrimRight(host, "/"),
		client:  client,
		limiter: rate.NewLimiter(rate.Every(requestInterval), 1),
	}
}

// Summary fetches /v2/summary: the sequence id and one row per product.
func (c *Client) Summary(ctx context.Context) (int64, []SummaryRow, error) {
	doc, err := c.fetch(ctx, c.host+"/v2/summary", SummarySchema)
	if err != nil {
		return 0, nil, err
	}
	rows := make([]SummaryRow, 0, len(doc.rows))
	for _, r := range doc.rows {
		seqn, err := strconv.ParseInt(r[1], 10, 64)
		if err != nil {
			return 0, nil, mmerr.Fmt("summary row for %q: bad seqn %q", r[0], r[1])
		}
		rows = append(rows, SummaryRow{Product: r[0], Seqn: seqn, Flags: r[2]})
	}
	return doc.seqn, rows, nil
}

// Versions fetches /v2/products/{product}/versions: the sequence id and one
// row per region. Returns ErrProductNotFound on a 404.
func (c *Client) Versions(ctx context.Context, product string) (int64, []VersionsRow, error) {
	doc, err := c.fetch(ctx, fmt.Sprintf("%s/v2/products/%s/versions", c.host, product), VersionsSchema)
	if err != nil {
		return 0, nil, err
	}
	rows := make([]VersionsRow, 0, len(doc.rows))
	for _, r := range doc.rows {
		buildID, err := strconv.ParseInt(r[4], 10, 64)
		if err != nil {
			return 0, nil, mmerr.Fmt("versions row for %q region %q: bad build id %q", product, r[0], r[4])
		}
		rows = append(rows, VersionsRow{
			Region:        r[0],
			BuildConfig:   r[1],
			CDNConfig:     r[2],
			KeyRing:       r[3],
			BuildID:       buildID,
			VersionsName:  r[5],
			ProductConfig: r[6],
		})
	}
	return doc.seqn, rows, nil
}

// document is a parsed BPSV body.
type document struct {
	seqn int64
	rows [][]string
}

func (c *Client) fetch(ctx context.Context, url, schema string) (*document, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, mmerr.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, mmerr.Wrap(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, mmerr.Wrapf(err, "fetching %s", url)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrProductNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mmerr.Fmt("%s returned %s", url, resp.Status)
	}
	doc, err := parseBPSV(resp.Body, schema)
	if err != nil {
		return nil, mmerr.Wrapf(err, "parsing %s", url)
	}
	return doc, nil
}

// parseBPSV parses a pipe-delimited body, verifying the header line equals
// schema exactly and that every row has the header's column count.
func parseBPSV(r io.Reader, schema string) (*document, error) {
	columns := len(strings.Split(schema, "|"))
	doc := &document{}
	scanner := bufio.NewScanner(r)
	sawHeader := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !sawHeader {
			if line != schema {
				return nil, &SchemaError{Want: schema, Got: line}
			}
			sawHeader = true
			continue
		}
		if seqnText, ok := strings.CutPrefix(line, "## seqn = "); ok {
			seqn, err := strconv.ParseInt(strings.TrimSpace(seqnText), 10, 64)
			if err != nil {
				return nil, mmerr.Fmt("bad seqn line %q", line)
			}
			doc.seqn = seqn
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != columns {
			return nil, &SchemaError{Want: schema, Got: line}
		}
		doc.rows = append(doc.rows, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, mmerr.Wrap(err)
	}
	if !sawHeader {
		return nil, &SchemaError{Want: schema, Got: ""}
	}
	return doc, nil
}
