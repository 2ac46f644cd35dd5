package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.minimaps.dev/infra/catalog/go/rpc"
	"go.minimaps.dev/infra/catalog/go/types"
	"go.minimaps.dev/infra/go/testutils"
)

func mustVersion(t *testing.T, s string) types.BuildVersion {
	v, err := types.ParseBuildVersion(s)
	require.NoError(t, err)
	return v
}

func TestMergeJobs_DedupsByProductAndVersion(t *testing.T) {
	v1 := mustVersion(t, "11.0.2.56647")
	v2 := mustVersion(t, "11.0.2.56700")
	a := rpc.DiscoveredBuild{Product: "wow", Version: v1, VersionName: "11.0.2.56647"}
	b := rpc.DiscoveredBuild{Product: "wowt", Version: v1}
	c := rpc.DiscoveredBuild{Product: "wow", Version: v2}

	got := mergeJobs([]rpc.DiscoveredBuild{a, b}, []rpc.DiscoveredBuild{a, c, c})
	testutils.AssertDeepEqual(t, []rpc.DiscoveredBuild{a, b, c}, got)
}

func TestMergeJobs_EmptyInputs(t *testing.T) {
	v1 := mustVersion(t, "11.0.2.56647")
	a := rpc.DiscoveredBuild{Product: "wow", Version: v1}

	testutils.AssertDeepEqual(t, []rpc.DiscoveredBuild{a}, mergeJobs(nil, []rpc.DiscoveredBuild{a}))
	testutils.AssertDeepEqual(t, []rpc.DiscoveredBuild{a}, mergeJobs([]rpc.DiscoveredBuild{a}, nil))
}

func TestOnlyProducts(t *testing.T) {
	v1 := mustVersion(t, "11.0.2.56647")
	a := rpc.DiscoveredBuild{Product: "wow", Version: v1}
	b := rpc.DiscoveredBuild{Product: "wowt", Version: v1}
	c := rpc.DiscoveredBuild{Product: "wow_beta", Version: v1}

	got := onlyProducts([]rpc.DiscoveredBuild{a, b, c}, []string{"wow", "wow_beta"})
	testutils.AssertDeepEqual(t, []rpc.DiscoveredBuild{a, c}, got)
	require.Nil(t, onlyProducts([]rpc.DiscoveredBuild{a}, nil))
}
