package types

import (
	"crypto/md5"
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBuildVersion_RoundTrip_Success(t *testing.T) {
	v, err := ParseBuildVersion("11.0.7.58238")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), v.Expansion())
	assert.Equal(t, uint64(0), v.Major())
	assert.Equal(t, uint64(7), v.Minor())
	assert.Equal(t, uint64(58238), v.Build())
	assert.Equal(t, "11.0.7.58238", v.String())
	assert.Equal(t, int64(49539625965904766), v.ID())
	assert.GreaterOrEqual(t, v.ID(), int64(0))

	again, err := ParseBuildVersion(v.String())
	require.NoError(t, err)
	assert.Equal(t, v, again)
}

func TestParseBuildVersion_FieldLimits_RoundTrip(t *testing.T) {
	v, err := BuildVersionFromParts(MaxExpansion, MaxMajor, MaxMinor, MaxBuild)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v.ID(), int64(0))
	assert.Equal(t, uint64(MaxExpansion), v.Expansion())
	assert.Equal(t, uint64(MaxMajor), v.Major())
	assert.Equal(t, uint64(MaxMinor), v.Minor())
	assert.Equal(t, uint64(MaxBuild), v.Build())

	_, err = BuildVersionFromParts(MaxExpansion+1, 0, 0, 0)
	require.Error(t, err)
	_, err = BuildVersionFromParts(0, MaxMajor+1, 0, 0)
	require.Error(t, err)
	_, err = BuildVersionFromParts(0, 0, MaxMinor+1, 0)
	require.Error(t, err)
	_, err = BuildVersionFromParts(0, 0, 0, MaxBuild+1)
	require.Error(t, err)
}

func TestParseBuildVersion_Malformed_ReturnsError(t *testing.T) {
	for _, bad := range []string{"", "1.2.3", "1.2.3.4.5", "a.b.c.d", "1.2.3.x", "-1.2.3.4"} {
		_, err := ParseBuildVersion(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestBuildVersion_Ordering_MatchesTupleOrder(t *testing.T) {
	ordered := []string{
		"1.0.0.0",
		"1.0.0.99999",
		"1.0.1.0",
		"1.14.4.51146",
		"2.0.0.0",
		"10.2.7.54577",
		"11.0.7.58238",
	}
	var prev BuildVersion
	for i, s := range ordered {
		v, err := ParseBuildVersion(s)
		require.NoError(t, err)
		if i > 0 {
			assert.Greater(t, v.ID(), prev.ID(), "%s should sort after %s", s, ordered[i-1])
		}
		prev = v
	}
}

func TestBuildVersion_JSONRoundTrip_QuotedInt64(t *testing.T) {
	v, err := ParseBuildVersion("10.2.7.54577")
	require.NoError(t, err)
	b, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, byte('"'), b[0])

	var back BuildVersion
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, v, back)

	_, err = ParseBuildVersionID("-5")
	require.Error(t, err)
}

func TestParseContentHash_MixedCase_RendersLowercase(t *testing.T) {
	h, err := ParseContentHash("DEADBEEFDEADBEEFDEADBEEFDEADBEEF")
	require.NoError(t, err)
	assert.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeef", h.String())

	back, err := ContentHashFromBytes(h.Bytes())
	require.NoError(t, err)
	assert.Equal(t, h, back)
}

func TestParseContentHash_WrongLength_ReturnsError(t *testing.T) {
	_, err := ParseContentHash("abcd")
	require.Error(t, err)
	_, err = ParseContentHash("zzzzbeefdeadbeefdeadbeefdeadbeef")
	require.Error(t, err)
	_, err = ContentHashFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestContentHash_IsZero(t *testing.T) {
	var zero ContentHash
	assert.True(t, zero.IsZero())
	assert.False(t, ContentHashOf([]byte("x")).IsZero())
}

func TestContentHash_JSONRoundTrip(t *testing.T) {
	h := ContentHashOf([]byte("tile body"))
	b, err := json.Marshal(h)
	require.NoError(t, err)
	var back ContentHash
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, h, back)
}

func TestCompositionHashOf_SingleEntry_MatchesByteLayout(t *testing.T) {
	h := ContentHashOf([]byte("some tile"))
	got := CompositionHashOf([]CompositionEntry{
		{Coord: TileCoord{X: 10, Y: 5}, Hash: h},
	})

	// x=10 then y=5 as little-endian int32, then the 32 hex chars.
	stream := append([]byte{0x0A, 0, 0, 0, 0x05, 0, 0, 0}, []byte(h.String())...)
	assert.Equal(t, ContentHash(md5.Sum(stream)), got)
}

func TestCompositionHashOf_PermutationInvariant(t *testing.T) {
	entries := []CompositionEntry{
		{Coord: TileCoord{X: 3, Y: 7}, Hash: ContentHashOf([]byte("a"))},
		{Coord: TileCoord{X: 3, Y: 2}, Hash: ContentHashOf([]byte("b"))},
		{Coord: TileCoord{X: 0, Y: 63}, Hash: ContentHashOf([]byte("c"))},
		{Coord: TileCoord{X: 63, Y: 0}, Hash: ContentHashOf([]byte("d"))},
		{Coord: TileCoord{X: 31, Y: 31}, Hash: ContentHashOf([]byte("e"))},
	}
	want := CompositionHashOf(entries)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := make([]CompositionEntry, len(entries))
		copy(shuffled, entries)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		assert.Equal(t, want, CompositionHashOf(shuffled))
	}
}

func TestCompositionHashOf_Empty_IsHashOfNothing(t *testing.T) {
	assert.Equal(t, ContentHash(md5.Sum(nil)), CompositionHashOf(nil))
}

func TestTileCoord_Less_OrdersByXThenY(t *testing.T) {
	assert.True(t, TileCoord{X: 1, Y: 9}.Less(TileCoord{X: 2, Y: 0}))
	assert.True(t, TileCoord{X: 1, Y: 1}.Less(TileCoord{X: 1, Y: 2}))
	assert.False(t, TileCoord{X: 1, Y: 2}.Less(TileCoord{X: 1, Y: 2}))
}

func TestScanState_Terminal_OnlyPendingIsNot(t *testing.T) {
	assert.False(t, ScanStatePending.Terminal())
	for _, s := range []ScanState{ScanStateException, ScanStateEncryptedBuild, ScanStateEncryptedMapDatabase, ScanStatePartialDecrypt, ScanStateFullDecrypt} {
		assert.True(t, s.Terminal(), s.String())
	}
}

func TestScanState_JSONRoundTrip(t *testing.T) {
	for state, name := range map[ScanState]string{
		ScanStatePending:              "Pending",
		ScanStateEncryptedMapDatabase: "EncryptedMapDatabase",
		ScanStateFullDecrypt:          "FullDecrypt",
	} {
		b, err := json.Marshal(state)
		require.NoError(t, err)
		assert.Equal(t, `"`+name+`"`, string(b))
		var back ScanState
		require.NoError(t, json.Unmarshal(b, &back))
		assert.Equal(t, state, back)
	}

	var s ScanState
	require.Error(t, json.Unmarshal([]byte(`"NotAState"`), &s))
}
