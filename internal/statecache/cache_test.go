package statecache

import (
	"testing"
	"time"

	gethcommon "github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"
)

var addr1 = gethcommon.HexToAddress("0x1111111111111111111111111111111111111111")

// TestRoot_S1_MerkleHashStability covers scenario S1.
func TestRoot_S1_MerkleHashStability(t *testing.T) {
	state := StateBytes("sqrt_price_x96=1000;liquidity=2000;tick=100")
	r1 := Root(state, 100)
	r2 := Root(state, 100)
	require.Equal(t, r1, r2)

	r3 := Root(state, 101)
	require.NotEqual(t, r1, r3)
}

func TestRoot_OneByteStateChangeChangesHash(t *testing.T) {
	r1 := Root(StateBytes("abc"), 100)
	r2 := Root(StateBytes("abd"), 100)
	require.NotEqual(t, r1, r2)
}

// TestHybridFuzzy_S2_FuzzyMatchWindow covers scenario S2.
func TestHybridFuzzy_S2_FuzzyMatchWindow(t *testing.T) {
	c, err := New(100, 5, 300*time.Second)
	require.NoError(t, err)

	state := StateBytes("state-at-block-100")
	c.Put(addr1, nil, state, 100)
	hash := Root(state, 100)

	_, hit := c.GetHybridFuzzy(addr1, 100, hash)
	require.True(t, hit, "exact block should hit")

	_, hit = c.GetHybridFuzzy(addr1, 103, hash)
	require.True(t, hit, "within tolerance (delta=3) should hit")

	_, hit = c.GetHybridFuzzy(addr1, 106, hash)
	require.False(t, hit, "beyond tolerance (delta=6) should miss")
}

func TestHybridFuzzy_MissesOnHashMismatch(t *testing.T) {
	c, err := New(100, 5, 300*time.Second)
	require.NoError(t, err)
	c.Put(addr1, nil, StateBytes("state-a"), 100)

	wrongHash := Root(StateBytes("state-b"), 100)
	_, hit := c.GetHybridFuzzy(addr1, 100, wrongHash)
	require.False(t, hit)
}

func TestHybridFuzzy_MissesAfterTimeToleranceExpires(t *testing.T) {
	c, err := New(100, 5, 5*time.Millisecond)
	require.NoError(t, err)
	state := StateBytes("state")
	c.Put(addr1, nil, state, 100)
	hash := Root(state, 100)

	time.Sleep(10 * time.Millisecond)
	_, hit := c.GetHybridFuzzy(addr1, 100, hash)
	require.False(t, hit)
}

func TestGetStrict_OnlyExactBlockHits(t *testing.T) {
	c, err := New(100, 5, 300*time.Second)
	require.NoError(t, err)
	c.Put(addr1, nil, StateBytes("s"), 50)

	_, hit := c.GetStrict(addr1, 50)
	require.True(t, hit)

	_, hit = c.GetStrict(addr1, 51)
	require.False(t, hit)
}

func TestPut_RejectsBlockNumberRegression(t *testing.T) {
	c, err := New(100, 5, 300*time.Second)
	require.NoError(t, err)
	c.Put(addr1, nil, StateBytes("newer"), 200)
	c.Put(addr1, nil, StateBytes("older"), 100)

	e, hit := c.GetStrict(addr1, 200)
	require.True(t, hit)
	require.Equal(t, uint64(200), e.BlockNumber)
}

func TestInvalidate_RemovesEntry(t *testing.T) {
	c, err := New(100, 5, 300*time.Second)
	require.NoError(t, err)
	c.Put(addr1, nil, StateBytes("s"), 100)
	require.Equal(t, 1, c.Len())

	c.Invalidate(addr1)
	require.Equal(t, 0, c.Len())
}
