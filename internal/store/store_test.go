package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkGraphWeights_S6_ChunksAtMaxBatchRows(t *testing.T) {
	weights := make([]GraphWeight, 1500)
	for i := range weights {
		weights[i] = GraphWeight{WeightUSD: float64(i)}
	}
	chunks := ChunkGraphWeights(weights)
	require.Len(t, chunks, 2)
	require.Len(t, chunks[0], 1000)
	require.Len(t, chunks[1], 500)
}

func TestChunkGraphWeights_ExactMultipleOfMax(t *testing.T) {
	weights := make([]GraphWeight, 2000)
	chunks := ChunkGraphWeights(weights)
	require.Len(t, chunks, 2)
	require.Len(t, chunks[0], 1000)
	require.Len(t, chunks[1], 1000)
}

func TestChunkGraphWeights_BelowMaxIsOneChunk(t *testing.T) {
	weights := make([]GraphWeight, 50)
	chunks := ChunkGraphWeights(weights)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0], 50)
}

func TestChunkGraphWeights_EmptyReturnsNil(t *testing.T) {
	require.Nil(t, ChunkGraphWeights(nil))
}
