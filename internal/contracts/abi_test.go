package contracts

import (
	"math/big"
	"testing"

	gethcommon "github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"
)

// TestDecodeInt24_NegativeTick covers scenario S3: raw ABI bytes for a
// negative tick must decode to the true negative value, not a large
// positive number from naive unsigned reinterpretation.
func TestDecodeInt24_NegativeTick(t *testing.T) {
	// -100 in 24-bit two's complement, with only the low 24 bits set;
	// DecodeInt24 masks off everything above bit 23 before sign-extending.
	word := new(big.Int).SetInt64(100)
	word.Neg(word)
	word.And(word, new(big.Int).SetUint64(0xFFFFFF)) // two's complement in 24 bits

	got := DecodeInt24(word)
	require.Equal(t, int32(-100), got)
}

func TestDecodeInt24_PositiveTick(t *testing.T) {
	require.Equal(t, int32(887271), DecodeInt24(big.NewInt(887271)))
}

func TestDecodeInt24_MinTickBoundary(t *testing.T) {
	raw := new(big.Int).SetInt64(887272)
	raw.Neg(raw)
	raw.And(raw, new(big.Int).SetUint64(0xFFFFFF))
	require.Equal(t, int32(-887272), DecodeInt24(raw))
}

func TestDecodeAddressFromTopic(t *testing.T) {
	addr := gethcommon.HexToAddress("0x1111111111111111111111111111111111111111")
	topic := gethcommon.BytesToHash(addr.Bytes())
	require.Equal(t, addr, DecodeAddressFromTopic(topic))
}

func TestDecodeUint24FromTopic(t *testing.T) {
	var topic gethcommon.Hash
	topic[29] = 0x00
	topic[30] = 0x0b
	topic[31] = 0xb8 // 3000 = 0x0BB8
	require.Equal(t, uint32(3000), DecodeUint24FromTopic(topic))
}
