package tactfs

import (
	"bufio"
	"bytes"
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/scanner/go/tact"
)

// configCache holds parsed configuration blobs keyed by hash. Config hashes
// are content addresses, so entries never go stale; the cache is process-wide
// because consecutive builds of one product share most of their configs.
var configCache *lru.Cache

func init() {
	// lru.New only fails for sizes < 1.
	configCache, _ = lru.New(128)
}

// Config is one parsed key-value configuration blob. The format is text
// lines of the form "key = value1 value2 ...", with # comments.
type Config struct {
	// Hash is the blob's content address (32-char hex).
	Hash string

	values map[string][]string
}

func parseConfig(hash string, data []byte) (*Config, error) {
	c := &Config{Hash: hash, values: map[string][]string{}}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, mmerr.Fmt("config %s: line %q has no separator", hash, line)
		}
		c.values[strings.TrimSpace(key)] = strings.Fields(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, mmerr.Wrap(err)
	}
	return c, nil
}

// Values returns every token of a key, nil when the key is absent.
func (c *Config) Values(key string) []string {
	return c.values[key]
}

// Value returns the first token of a key, "" when absent.
func (c *Config) Value(key string) string {
	if v := c.values[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Hashes parses a key's tokens as content hashes.
func (c *Config) Hashes(key string) ([]types.ContentHash, error) {
	tokens := c.values[key]
	out := make([]types.ContentHash, 0, len(tokens))
	for _, tok := range tokens {
		h, err := types.ParseContentHash(tok)
		if err != nil {
			return nil, mmerr.Wrapf(err, "config %s: key %q", c.Hash, key)
		}
		out = append(out, h)
	}
	return out, nil
}

// loadConfig fetches and parses the config blob named by hex, via the
// process-wide cache. Config blobs are plain text addressed by the MD5 of
// their contents.
func loadConfig(ctx context.Context, loc *tact.Locator, product, hex string) (*Config, error) {
	if v, ok := configCache.Get(hex); ok {
		return v.(*Config), nil
	}
	ckey, err := types.ParseContentHash(hex)
	if err != nil {
		return nil, mmerr.Wrapf(err, "config name")
	}
	h, err := loc.OpenHandle(ctx, tact.ResourceDescriptor{
		Product:    product,
		Kind:       tact.KindConfig,
		CKey:       ckey,
		RemotePath: tact.ConfigRemotePath(hex),
	})
	if err != nil {
		return nil, err
	}
	body, err := h.ReadAll()
	if err != nil {
		return nil, err
	}
	cfg, err := parseConfig(hex, body)
	if err != nil {
		return nil, err
	}
	configCache.Add(hex, cfg)
	return cfg, nil
}
