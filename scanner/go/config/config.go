// Package config loads the scanner worker's instance configuration: a JSON5
// file naming the products to watch and where to publish, overridable by
// environment variables for the deploy-varying values.
package config

import (
	"io"
	"reflect"
	"runtime"
	"time"

	"github.com/flynn/json5"

	"go.minimaps.dev/infra/go/env"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/util"
)

// Duration allows durations to be written as strings ("90s", "15m") in the
// config file.
type Duration struct {
	time.Duration
}

// UnmarshalJSON parses a JSON string with time.ParseDuration.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json5.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// InstanceConfig is one worker's configuration.
type InstanceConfig struct {
	// Products are the release channels to poll, e.g. ["wow", "wowt", "wow_beta"].
	Products []string `json:"products"`

	// Region selects the version service and defaults the CDN host list.
	Region string `json:"region"`

	// BackendURL is the catalog server the worker publishes to.
	// Environment override: BackendUrl.
	BackendURL string `json:"backend_url"`

	// CachePath is the root of the on-disk CDN resource cache.
	// Environment override: Blizztrack:CachePath.
	CachePath string `json:"cache_path"`

	// EventWebhook, when set, receives a JSON POST on every terminal scan.
	// Environment override: Services:EventWebhook.
	EventWebhook string `json:"event_webhook" optional:"true"`

	// AdditionalCDNs are extra CDN hosts tried before the defaults.
	AdditionalCDNs []string `json:"additional_cdns" optional:"true"`

	// KeyListURL overrides the upstream decryption key list.
	KeyListURL string `json:"key_list_url" optional:"true"`

	// PollInterval is how often the version service is polled.
	PollInterval Duration `json:"poll_interval"`

	// Workers bounds the per-map and per-tile fan-out inside one scan.
	// Zero means one worker per CPU.
	Workers int `json:"workers" optional:"true"`

	// TileQuality is the lossless WebP effort knob (0-100).
	TileQuality int `json:"tile_quality" optional:"true"`

	// GenerateLOD builds the downsampled pyramid levels alongside the
	// full-resolution tiles.
	GenerateLOD bool `json:"generate_lod"`

	// AllowMippedMaps lists map ids whose minimap textures are allowed to
	// carry mip levels. Mipped textures anywhere else fail the map.
	AllowMippedMaps []int32 `json:"allow_mipped_maps" optional:"true"`
}

// Environment variable names honored by ApplyEnv. Colons may be written as
// double underscores in the environment, see the env package.
const (
	EnvCachePath    = "Blizztrack:CachePath"
	EnvBackendURL   = "BackendUrl"
	EnvEventWebhook = "Services:EventWebhook"
)

// Load reads a JSON5 instance config from path, applies environment
// overrides and validates that no required field is missing.
func Load(path string) (*InstanceConfig, error) {
	cfg := &InstanceConfig{}
	err := util.WithReadFile(path, func(r io.Reader) error {
		return json5.NewDecoder(r).Decode(cfg)
	})
	if err != nil {
		return nil, mmerr.Wrapf(err, "reading config at %s", path)
	}
	cfg.ApplyEnv()
	cfg.applyDefaults()
	if err := checkRequired(reflect.Indirect(reflect.ValueOf(cfg))); err != nil {
		return nil, mmerr.Wrapf(err, "validating config at %s", path)
	}
	return cfg, nil
}

// ApplyEnv overwrites the deploy-varying fields from the environment.
func (c *InstanceConfig) ApplyEnv() {
	if v := env.Get(EnvCachePath); v != "" {
		c.CachePath = v
	}
	if v := env.Get(EnvBackendURL); v != "" {
		c.BackendURL = v
	}
	if v := env.Get(EnvEventWebhook); v != "" {
		c.EventWebhook = v
	}
}

func (c *InstanceConfig) applyDefaults() {
	if c.Region == "" {
		c.Region = "us"
	}
	if c.PollInterval.Duration <= 0 {
		c.PollInterval.Duration = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
}

// checkRequired returns an error if any non-struct, non-bool, non-numeric
// field of the given value is its zero value, unless tagged optional:"true".
func checkRequired(rValue reflect.Value) error {
	rType := rValue.Type()
	for i := 0; i < rType.NumField(); i++ {
		field := rType.Field(i)
		if field.Type.Kind() == reflect.Struct {
			continue
		}
		if field.Tag.Get("optional") == "true" {
			continue
		}
		switch field.Type.Kind() {
		case reflect.Bool, reflect.Int, reflect.Int32, reflect.Int64:
			// Zero is meaningful for these.
			continue
		}
		if rValue.Field(i).IsZero() {
			return mmerr.Fmt("field %q (%s) is required", field.Name, field.Tag.Get("json"))
		}
	}
	return nil
}
