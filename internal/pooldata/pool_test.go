package pooldata

import (
	"math/big"
	"testing"

	gethcommon "github.com/luxfi/geth/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestPool_Tokens_V2ReturnsToken0Token1(t *testing.T) {
	p := &Pool{
		Kind: KindUniswapV2,
		Meta: Meta{Token0: gethcommon.HexToAddress("0x01"), Token1: gethcommon.HexToAddress("0x02")},
	}
	require.Equal(t, []gethcommon.Address{gethcommon.HexToAddress("0x01"), gethcommon.HexToAddress("0x02")}, p.Tokens())
}

func TestPool_Tokens_WeightedReturnsVaultTokenList(t *testing.T) {
	tokens := []gethcommon.Address{gethcommon.HexToAddress("0x01"), gethcommon.HexToAddress("0x02"), gethcommon.HexToAddress("0x03")}
	p := &Pool{Kind: KindBalancerWeighted, Weighted: &BalancerWeightedState{Tokens: tokens}}
	require.Equal(t, tokens, p.Tokens())
}

func TestEncodeState_DeterministicForEqualInput(t *testing.T) {
	p := &Pool{
		Kind: KindUniswapV2,
		Meta: Meta{Address: gethcommon.HexToAddress("0x01")},
		V2:   &UniswapV2State{Reserve0: big.NewInt(100), Reserve1: big.NewInt(200)},
	}
	a := EncodeState(p)
	b := EncodeState(p)
	require.Equal(t, a, b)
}

func TestEncodeState_V3EncodesUint256AsDecimalString(t *testing.T) {
	p := &Pool{
		Kind: KindUniswapV3,
		Meta: Meta{Address: gethcommon.HexToAddress("0x02")},
		V3: &UniswapV3State{
			SqrtPriceX96: new(uint256.Int).Lsh(uint256.NewInt(1), 96), // 2^96 = 79228162514264337593543950336
			Liquidity:    uint256.NewInt(1000),
			Tick:         42,
		},
	}
	encoded := EncodeState(p)
	require.Contains(t, string(encoded), `"tick":42`)
	require.Contains(t, string(encoded), `"liquidity":"1000"`)
}

func TestEncodeState_DifferentStateProducesDifferentBytes(t *testing.T) {
	p1 := &Pool{Kind: KindUniswapV2, V2: &UniswapV2State{Reserve0: big.NewInt(100), Reserve1: big.NewInt(200)}}
	p2 := &Pool{Kind: KindUniswapV2, V2: &UniswapV2State{Reserve0: big.NewInt(999), Reserve1: big.NewInt(200)}}
	require.NotEqual(t, EncodeState(p1), EncodeState(p2))
}
