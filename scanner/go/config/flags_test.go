package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestScanFlags_RegisterAndApply(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := ScanFlags{}
	flags.Register(fs)
	require.NoError(t, fs.Parse([]string{
		"--config=instance.json5",
		"--product=wow", "--product=wowt",
		"--casc-region=eu",
		"--backend-url=http://catalog:8000",
		"--additional-cdn=http://mirror.example.org",
		"--filter-id=2*",
	}))
	require.Equal(t, "instance.json5", flags.ConfigFile)
	require.Equal(t, []string{"wow", "wowt"}, flags.Products)
	require.Equal(t, []string{"2*"}, flags.FilterIDs)
	require.Equal(t, ":20000", flags.PromPort)

	cfg := &InstanceConfig{
		Products:   []string{"wow_beta"},
		Region:     "us",
		BackendURL: "http://localhost:8000",
	}
	flags.Apply(cfg)
	require.Equal(t, []string{"wow", "wowt"}, cfg.Products)
	require.Equal(t, "eu", cfg.Region)
	require.Equal(t, "http://catalog:8000", cfg.BackendURL)
	require.Equal(t, []string{"http://mirror.example.org"}, cfg.AdditionalCDNs)
}

func TestScanFlags_UnsetFlagsKeepConfigValues(t *testing.T) {
	cfg := &InstanceConfig{
		Products:       []string{"wow"},
		Region:         "us",
		BackendURL:     "http://localhost:8000",
		AdditionalCDNs: []string{"http://mirror.example.org"},
	}
	(&ScanFlags{}).Apply(cfg)
	require.Equal(t, []string{"wow"}, cfg.Products)
	require.Equal(t, "us", cfg.Region)
	require.Equal(t, "http://localhost:8000", cfg.BackendURL)
	require.Equal(t, []string{"http://mirror.example.org"}, cfg.AdditionalCDNs)
}
