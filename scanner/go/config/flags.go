package config

import (
	"github.com/spf13/pflag"
)

// ScanFlags are the command line flags shared by the subcommands that scan
// builds. Values given here win over the instance config file.
type ScanFlags struct {
	// ConfigFile is the path of the JSON5 instance config.
	ConfigFile string

	// Products overrides the config file's product list.
	Products []string

	// Region overrides the config file's version service region.
	Region string

	// BackendURL overrides the config file's catalog server.
	BackendURL string

	// AdditionalCDNs overrides the config file's extra CDN hosts.
	AdditionalCDNs []string

	// FilterIDs restricts scans to maps whose decimal id matches one of
	// these globs. Flag-only; not part of the config file.
	FilterIDs []string

	// PromPort is the address the service subcommand serves metrics on.
	PromPort string
}

// Register the flags in fs.
func (f *ScanFlags) Register(fs *pflag.FlagSet) {
	fs.StringVar(&f.ConfigFile, "config", "", "Instance config file. Required.")
	fs.StringArrayVar(&f.Products, "product", nil, "Release channel to scan, e.g. 'wow'. Repeatable. Overrides the config file.")
	fs.StringVar(&f.Region, "casc-region", "", "Version service region, e.g. 'us'. Overrides the config file.")
	fs.StringVar(&f.BackendURL, "backend-url", "", "Catalog server to publish to. Overrides the config file.")
	fs.StringArrayVar(&f.AdditionalCDNs, "additional-cdn", nil, "CDN host to try before the defaults. Repeatable. Overrides the config file.")
	fs.StringArrayVar(&f.FilterIDs, "filter-id", nil, "Only scan maps whose decimal id matches this glob, e.g. '2*'. Repeatable.")
	fs.StringVar(&f.PromPort, "prom-port", ":20000", "Metrics service address (e.g., ':20000')")
}

// Apply folds the flag overrides into cfg.
func (f *ScanFlags) Apply(cfg *InstanceConfig) {
	if len(f.Products) > 0 {
		cfg.Products = f.Products
	}
	if f.Region != "" {
		cfg.Region = f.Region
	}
	if f.BackendURL != "" {
		cfg.BackendURL = f.BackendURL
	}
	if len(f.AdditionalCDNs) > 0 {
		cfg.AdditionalCDNs = f.AdditionalCDNs
	}
}
