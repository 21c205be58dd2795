package extcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemCache_SetGetRoundTrip(t *testing.T) {
	c := NewMemCache()
	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Minute))
	v, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestMemCache_GetMissingKeyReturnsNotOK(t *testing.T) {
	c := NewMemCache()
	_, ok, err := c.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemCache_ExpiredEntryIsEvictedOnRead(t *testing.T) {
	c := NewMemCache()
	fakeNow := time.Now()
	c.now = func() time.Time { return fakeNow }
	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Second))

	fakeNow = fakeNow.Add(2 * time.Second)
	_, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemCache_ZeroTTLNeverExpires(t *testing.T) {
	c := NewMemCache()
	fakeNow := time.Now()
	c.now = func() time.Time { return fakeNow }
	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), 0))

	fakeNow = fakeNow.Add(365 * 24 * time.Hour)
	_, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemCache_Delete(t *testing.T) {
	c := NewMemCache()
	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Minute))
	require.NoError(t, c.Delete(context.Background(), "k"))
	_, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, ok)
}
