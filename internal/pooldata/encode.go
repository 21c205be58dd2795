package pooldata

import "encoding/json"

// stateJSON is the canonical, tagged-union JSON shape for a Pool's
// family-specific state, one field populated per Kind. Shared by every
// caller that needs a stable byte encoding of a pool's state: the
// Postgres store's pool_state.state column and the State Cache's
// merkle-root input both serialize through EncodeState rather than each
// rolling their own shape.
type stateJSON struct {
	V2       *UniswapV2State       `json:"v2,omitempty"`
	V3       *uniswapV3StateJSON   `json:"v3,omitempty"`
	Weighted *BalancerWeightedState `json:"weighted,omitempty"`
	Stable   *CurveStableSwapState  `json:"stable,omitempty"`
}

// uniswapV3StateJSON re-shapes UniswapV3State's uint256 fields into
// decimal strings; *uint256.Int has no default JSON encoding.
type uniswapV3StateJSON struct {
	SqrtPriceX96 string `json:"sqrt_price_x96"`
	Liquidity    string `json:"liquidity"`
	Tick         int32  `json:"tick"`
}

// EncodeState produces a deterministic byte encoding of p's current
// state, used both for persistence and as the State Cache's merkle
// input (spec.md §4.10 "merkle_root hash of (state || block_number)").
func EncodeState(p *Pool) []byte {
	var out stateJSON
	switch p.Kind {
	case KindUniswapV2:
		out.V2 = p.V2
	case KindUniswapV3:
		if p.V3 != nil {
			out.V3 = &uniswapV3StateJSON{
				SqrtPriceX96: p.V3.SqrtPriceX96.Dec(),
				Liquidity:    p.V3.Liquidity.Dec(),
				Tick:         p.V3.Tick,
			}
		}
	case KindBalancerWeighted:
		out.Weighted = p.Weighted
	case KindCurveStableSwap:
		out.Stable = p.Stable
	}
	b, err := json.Marshal(out)
	if err != nil {
		return []byte("{}")
	}
	return b
}
