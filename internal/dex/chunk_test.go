package dex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCreateBlockChunks_S7 covers scenario S7 exactly.
func TestCreateBlockChunks_S7(t *testing.T) {
	got := CreateBlockChunks(100, 250, 64)
	want := []BlockChunk{
		{From: 100, To: 163},
		{From: 164, To: 227},
		{From: 228, To: 250},
	}
	require.Equal(t, want, got)
}

func TestCreateBlockChunks_ExactMultiple(t *testing.T) {
	got := CreateBlockChunks(0, 199, 100)
	want := []BlockChunk{{From: 0, To: 99}, {From: 100, To: 199}}
	require.Equal(t, want, got)
}

func TestCreateBlockChunks_SingleBlock(t *testing.T) {
	got := CreateBlockChunks(42, 42, 10)
	require.Equal(t, []BlockChunk{{From: 42, To: 42}}, got)
}

func TestCreateBlockChunks_InvalidRangeReturnsNil(t *testing.T) {
	require.Nil(t, CreateBlockChunks(10, 5, 10))
}

// TestCreateBlockChunks_ContiguousDisjointCovering is invariant 7: for
// arbitrary valid inputs, chunks are contiguous, disjoint, cover
// [f, t] exactly, and each chunk's width is <= size.
func TestCreateBlockChunks_ContiguousDisjointCovering(t *testing.T) {
	cases := []struct{ from, to, size uint64 }{
		{0, 1000, 37},
		{5, 5, 1},
		{100, 100000, 2000},
	}
	for _, c := range cases {
		chunks := CreateBlockChunks(c.from, c.to, c.size)
		require.NotEmpty(t, chunks)
		require.Equal(t, c.from, chunks[0].From)
		require.Equal(t, c.to, chunks[len(chunks)-1].To)
		for i, ch := range chunks {
			require.LessOrEqual(t, ch.To-ch.From+1, c.size)
			if i > 0 {
				require.Equal(t, chunks[i-1].To+1, ch.From, "chunks must be contiguous and disjoint")
			}
		}
	}
}
