package models

import "github.com/shopspring/decimal"

// Read projections returned by the repository for the processor stages.
// These never map to a table of their own, they carry joined or aggregated
// columns of the event tables.

// SyncPoint is a sync event joined with its enclosing block.
type SyncPoint struct {
	PairAddress string
	Reserve0    decimal.Decimal
	Reserve1    decimal.Decimal
	BlockHash   string
	BlockNumber uint64
	Timestamp   int64
	LogIndex    uint64
}

// LiquidityChange is a mint or burn row joined with its block timestamp.
type LiquidityChange struct {
	PairAddress  string
	Liquidity    decimal.Decimal
	FeeLiquidity decimal.NullDecimal
	Timestamp    int64
}

// SwapVolume is a swap row joined with its pair tokens and block timestamp.
// Amounts hold the two-sided totals (out + in) per token.
type SwapVolume struct {
	PairAddress   string
	Token0Address string
	Token1Address string
	Amount0Total  decimal.Decimal
	Amount1Total  decimal.Decimal
	Timestamp     int64
}

// LiquidityAggregate summarizes the mint or burn rows of one pair over a
// block range. Sums are zero when the range holds no rows.
type LiquidityAggregate struct {
	Count        int64
	Liquidity    decimal.Decimal
	FeeLiquidity decimal.Decimal
}

// SwapAggregate summarizes the swap rows of one pair over a block range.
// Volumes hold the two-sided totals (out + in) per token.
type SwapAggregate struct {
	Count   int64
	Volume0 decimal.Decimal
	Volume1 decimal.Decimal
}

// TokenSwapAggregate summarizes one pair side of the swap rows that involve
// a token over a block range.
type TokenSwapAggregate struct {
	Count  int64
	Volume decimal.Decimal
}
