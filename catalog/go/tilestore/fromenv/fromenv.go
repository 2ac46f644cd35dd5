// Package fromenv constructs the deployment's tile store from environment
// variables, so the catalog server and the maintenance subcommands agree on
// which bucket or directory holds the tiles.
package fromenv

import (
	"context"

	"go.minimaps.dev/infra/catalog/go/tilestore"
	"go.minimaps.dev/infra/catalog/go/tilestore/fstilestore"
	"go.minimaps.dev/infra/catalog/go/tilestore/s3tilestore"
	"go.minimaps.dev/infra/go/env"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/mmlog"
)

// Environment variable names. Colons may be written as double underscores,
// see the env package.
const (
	// EnvProvider selects the backend, "Local" or "R2". Defaults to Local.
	EnvProvider = "TileStoreProvider"

	// EnvLocalPath is the root directory of the Local backend.
	EnvLocalPath = "LocalTileStore:Path"

	EnvR2ServiceURL = "R2TileStore:ServiceUrl"
	EnvR2AccessKey  = "R2TileStore:AccessKey"
	EnvR2SecretKey  = "R2TileStore:SecretKey"
	EnvR2Bucket     = "R2TileStore:BucketName"
)

// New returns the tile store the environment names.
func New(ctx context.Context) (tilestore.TileStore, error) {
	provider := env.GetWithDefault(EnvProvider, "Local")
	switch provider {
	case "Local":
		root, err := env.GetRequired(EnvLocalPath)
		if err != nil {
			return nil, err
		}
		mmlog.Infof("Tile store: local directory %s", root)
		return fstilestore.New(root)
	case "R2":
		serviceURL, err := env.GetRequired(EnvR2ServiceURL)
		if err != nil {
			return nil, err
		}
		accessKey, err := env.GetRequired(EnvR2AccessKey)
		if err != nil {
			return nil, err
		}
		secretKey, err := env.GetRequired(EnvR2SecretKey)
		if err != nil {
			return nil, err
		}
		bucket, err := env.GetRequired(EnvR2Bucket)
		if err != nil {
			return nil, err
		}
		mmlog.Infof("Tile store: bucket %s at %s", bucket, serviceURL)
		return s3tilestore.New(ctx, s3tilestore.Options{
			ServiceURL: serviceURL,
			AccessKey:  accessKey,
			SecretKey:  secretKey,
			Bucket:     bucket,
		})
	default:
		return nil, mmerr.Fmt("unknown %s %q, want Local or R2", EnvProvider, provider)
	}
}
