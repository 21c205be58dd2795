// Package contracts holds the hand-built ABI fragments and log-topic
// constants the adapters need, the way
// original_source/src/contracts/*.rs hand-declares each protocol's
// interface rather than depending on a full generated binding. Every
// adapter calls through internal/multicall and internal/rpcpool, never
// a generated contract client, so only the ABI surface those calls
// need is declared here.
package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/luxfi/geth/accounts/abi"
	gethcommon "github.com/luxfi/geth/common"
	"github.com/luxfi/geth/crypto"
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("contracts: invalid ABI fragment: %v", err))
	}
	return parsed
}

// Topic0 hashes were the same for every ABI-compatible clone of these
// events (UniswapV2/Sushi, UniswapV3/PancakeSwap V3, etc.) — the
// signature string, not the deployer, determines the hash.
var (
	// PairCreatedTopic0 is keccak256("PairCreated(address,address,address,uint256)").
	PairCreatedTopic0 = crypto.Keccak256Hash([]byte("PairCreated(address,address,address,uint256)"))

	// PoolCreatedTopic0 is keccak256("PoolCreated(address,address,uint24,int24,address)").
	PoolCreatedTopic0 = crypto.Keccak256Hash([]byte("PoolCreated(address,address,uint24,int24,address)"))

	// PoolRegisteredTopic0 is keccak256("PoolRegistered(bytes32,address,uint8)"),
	// Balancer Vault's pool-registration event.
	PoolRegisteredTopic0 = crypto.Keccak256Hash([]byte("PoolRegistered(bytes32,address,uint8)"))
)

// UniswapV2PairABI covers getReserves() on a V2-style pair contract.
var UniswapV2PairABI = mustABI(`[
	{"name":"getReserves","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[
		{"name":"reserve0","type":"uint112"},
		{"name":"reserve1","type":"uint112"},
		{"name":"blockTimestampLast","type":"uint32"}
	 ]}
]`)

// UniswapV3PoolABI covers slot0() and liquidity() on a V3-style pool.
// slot0's tick field is decoded with DecodeInt24 below, never with the
// ABI unpacker's generic int256 path — int24 in the Solidity ABI is
// still right-aligned and sign-extended into a 32-byte slot, and a naive
// reinterpretation as uint256 turns a negative tick into a huge
// positive number (spec.md §4.5 pitfall, invariant 1).
var UniswapV3PoolABI = mustABI(`[
	{"name":"slot0","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[
		{"name":"sqrtPriceX96","type":"uint160"},
		{"name":"tick","type":"int24"},
		{"name":"observationIndex","type":"uint16"},
		{"name":"observationCardinality","type":"uint16"},
		{"name":"observationCardinalityNext","type":"uint16"},
		{"name":"feeProtocol","type":"uint8"},
		{"name":"unlocked","type":"bool"}
	 ]},
	{"name":"liquidity","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint128"}]}
]`)

// BalancerVaultABI covers getPoolTokens(poolId) on the Balancer Vault.
var BalancerVaultABI = mustABI(`[
	{"name":"getPoolTokens","type":"function","stateMutability":"view",
	 "inputs":[{"name":"poolId","type":"bytes32"}],
	 "outputs":[
		{"name":"tokens","type":"address[]"},
		{"name":"balances","type":"uint256[]"},
		{"name":"lastChangeBlock","type":"uint256"}
	 ]}
]`)

// WeightedPoolABI covers getNormalizedWeights() and
// getSwapFeePercentage() on a Balancer weighted-pool contract.
var WeightedPoolABI = mustABI(`[
	{"name":"getNormalizedWeights","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256[]"}]},
	{"name":"getSwapFeePercentage","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]}
]`)

// CurveAddressProviderABI covers get_address(id) on Curve's AddressProvider.
var CurveAddressProviderABI = mustABI(`[
	{"name":"get_address","type":"function","stateMutability":"view",
	 "inputs":[{"name":"id","type":"uint256"}],
	 "outputs":[{"name":"","type":"address"}]}
]`)

// CurveMetaRegistryABI covers the MetaRegistry enumeration surface:
// pool_count(), pool_list(i), get_underlying_coins(pool), get_balances(pool),
// and get_fees(pool) (fee, admin_fee packed as [10]uint256 by convention,
// only index 0 used here).
var CurveMetaRegistryABI = mustABI(`[
	{"name":"pool_count","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"pool_list","type":"function","stateMutability":"view",
	 "inputs":[{"name":"index","type":"uint256"}],
	 "outputs":[{"name":"","type":"address"}]},
	{"name":"get_underlying_coins","type":"function","stateMutability":"view",
	 "inputs":[{"name":"pool","type":"address"}],
	 "outputs":[{"name":"","type":"address[8]"}]},
	{"name":"get_balances","type":"function","stateMutability":"view",
	 "inputs":[{"name":"pool","type":"address"}],
	 "outputs":[{"name":"","type":"uint256[8]"}]},
	{"name":"get_fees","type":"function","stateMutability":"view",
	 "inputs":[{"name":"pool","type":"address"}],
	 "outputs":[{"name":"","type":"uint256[10]"}]},
	{"name":"get_A","type":"function","stateMutability":"view",
	 "inputs":[{"name":"pool","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`)

// ChainlinkAggregatorABI covers latestRoundData() and decimals() on a
// Chainlink-style price feed.
var ChainlinkAggregatorABI = mustABI(`[
	{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}
	 ]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint8"}]}
]`)

// DecodeAddressFromTopic extracts the right-aligned 20-byte address
// from a 32-byte indexed event topic.
func DecodeAddressFromTopic(topic gethcommon.Hash) gethcommon.Address {
	return gethcommon.BytesToAddress(topic.Bytes()[12:])
}

// DecodeInt24 sign-extends a 24-bit tick value that the ABI encoder
// left packed into a full 32-byte word. Solidity's int24 is stored as a
// right-aligned two's-complement value; bit 23 (value 0x800000) is the
// sign bit. See spec.md §4.5: ticks must be sign-extended, never
// reinterpreted as an unsigned 256-bit integer.
func DecodeInt24(word *big.Int) int32 {
	masked := new(big.Int).And(word, big.NewInt(0xFFFFFF))
	v := masked.Int64()
	if v&0x800000 != 0 {
		v -= 0x1000000
	}
	return int32(v)
}

// DecodeUint24FromTopic extracts a 24-bit unsigned fee tier from topic3
// of a PoolCreated event (spec.md §4.5: "fee (24-bit from
// topic3[29:32])").
func DecodeUint24FromTopic(topic gethcommon.Hash) uint32 {
	b := topic.Bytes()
	return uint32(b[29])<<16 | uint32(b[30])<<8 | uint32(b[31])
}
