package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Chain identifies a supported EVM network.
type Chain string

const (
	ChainUnknown Chain = "UNKNOWN"
	ChainETH     Chain = "ETH"
	ChainAVAX    Chain = "AVAX"
	ChainSYS     Chain = "SYS"
)

// ID returns the canonical numeric network id of the chain.
func (c Chain) ID() uint64 {
	switch c {
	case ChainETH:
		return 1
	case ChainAVAX:
		return 43114
	case ChainSYS:
		return 57
	default:
		return 0
	}
}

// ChainFromName resolves a chain by its symbolic name.
func ChainFromName(name string) (Chain, error) {
	switch Chain(name) {
	case ChainETH, ChainAVAX, ChainSYS:
		return Chain(name), nil
	default:
		return ChainUnknown, fmt.Errorf("unknown chain %q", name)
	}
}

// State represents the 'state' table. Each named cursor tracks how far a
// consumer (the indexer or one processor stage) has advanced.
type State struct {
	Name        string  `json:"name"`
	BlockNumber uint64  `json:"block_number"`
	BlockHash   *string `json:"block_hash,omitempty"`
	Discarded   bool    `json:"discarded"`

	// Unix timestamp high watermark written by the stats stage.
	Finalized *int64 `json:"finalized,omitempty"`
}

// Block represents the 'block' table
type Block struct {
	Hash      string `json:"hash"`
	Number    uint64 `json:"number"`
	Timestamp int64  `json:"timestamp"`
}

// Transaction represents the 'transaction' table
type Transaction struct {
	Hash        string `json:"hash"`
	BlockHash   string `json:"block_hash"`
	FromAddress string `json:"from"`
	Timestamp   int64  `json:"timestamp"`
}

// Factory represents the 'factory' table
type Factory struct {
	Address   string `json:"address"`
	PairCount int64  `json:"pair_count"`

	TotalVolumeUSD     decimal.Decimal `json:"total_volume_usd"`
	TotalVolumeNative  decimal.Decimal `json:"total_volume_native"`
	UntrackedVolumeUSD decimal.Decimal `json:"untracked_volume_usd"`

	TotalLiquidityUSD    decimal.Decimal `json:"total_liquidity_usd"`
	TotalLiquidityNative decimal.Decimal `json:"total_liquidity_native"`

	TxCount int64 `json:"tx_count"`
}

// Token represents the 'token' table
type Token struct {
	Address string `json:"address"`

	// mirrored from the smart contract
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`

	// raw integer supply, unscaled
	TotalSupply decimal.Decimal `json:"total_supply"`

	TradeVolume        decimal.Decimal `json:"trade_volume"`
	TradeVolumeUSD     decimal.Decimal `json:"trade_volume_usd"`
	UntrackedVolumeUSD decimal.Decimal `json:"untracked_volume_usd"`

	// transactions across all pairs
	TxCount int64 `json:"tx_count"`

	TotalLiquidity decimal.Decimal     `json:"total_liquidity"`
	DerivedNative  decimal.NullDecimal `json:"derived_native,omitempty"`
}

// Pair represents the 'pair' table
type Pair struct {
	Address string `json:"address"`

	Token0Address string `json:"token0_address"`
	Token1Address string `json:"token1_address"`

	Reserve0    decimal.Decimal `json:"reserve0"`
	Reserve1    decimal.Decimal `json:"reserve1"`
	TotalSupply decimal.Decimal `json:"total_supply"`

	ReserveNative        decimal.Decimal `json:"reserve_native"`
	ReserveUSD           decimal.Decimal `json:"reserve_usd"`
	TrackedReserveNative decimal.Decimal `json:"tracked_reserve_native"`

	// price in terms of the asset pair
	Token0Price decimal.Decimal `json:"token0_price"`
	Token1Price decimal.Decimal `json:"token1_price"`

	// lifetime volume stats
	VolumeToken0       decimal.Decimal `json:"volume_token0"`
	VolumeToken1       decimal.Decimal `json:"volume_token1"`
	VolumeUSD          decimal.Decimal `json:"volume_usd"`
	UntrackedVolumeUSD decimal.Decimal `json:"untracked_volume_usd"`
	TxCount            int64           `json:"tx_count"`

	// creation stats
	CreatedAtTimestamp   int64  `json:"created_at_timestamp"`
	CreatedAtBlockNumber uint64 `json:"created_at_block_number"`
	BlockHash            string `json:"block_hash"`

	LiquidityProviderCount int64 `json:"liquidity_provider_count"`
}

// User represents the 'user' table
type User struct {
	Address    string          `json:"address"`
	USDSwapped decimal.Decimal `json:"usd_swapped"`
}

// LiquidityPosition represents the 'liquidity_position' table
type LiquidityPosition struct {
	UserAddress           string          `json:"user_address"`
	PairAddress           string          `json:"pair_address"`
	LiquidityTokenBalance decimal.Decimal `json:"liquidity_token_balance"`
}

// LiquidityPositionSnapshot represents the 'liquidity_position_snapshot'
// table. Created over time for return calculations, never updated.
type LiquidityPositionSnapshot struct {
	BlockHash   string `json:"block_hash"`
	Timestamp   int64  `json:"timestamp"`
	BlockHeight uint64 `json:"block_height"`

	UserAddress string `json:"user_address"`
	PairAddress string `json:"pair_address"`

	Token0PriceUSD            decimal.Decimal `json:"token0_price_usd"`
	Token1PriceUSD            decimal.Decimal `json:"token1_price_usd"`
	Reserve0                  decimal.Decimal `json:"reserve0"`
	Reserve1                  decimal.Decimal `json:"reserve1"`
	ReserveUSD                decimal.Decimal `json:"reserve_usd"`
	LiquidityTokenTotalSupply decimal.Decimal `json:"liquidity_token_total_supply"`
	LiquidityTokenBalance     decimal.Decimal `json:"liquidity_token_balance"`
}

// Transfer represents the 'transfer' table. Only kept to carry information
// into post-processing.
type Transfer struct {
	TxHash      string `json:"tx_hash"`
	PairAddress string `json:"pair_address"`

	FromAddress string          `json:"from"`
	ToAddress   string          `json:"to"`
	Value       decimal.Decimal `json:"value"`
	LogIndex    uint64          `json:"log_index"`
}

// Mint represents the 'mint' table
type Mint struct {
	TxHash      string `json:"tx_hash"`
	PairAddress string `json:"pair_address"`
	Timestamp   int64  `json:"timestamp"`

	// populated from the primary Transfer event
	Liquidity decimal.Decimal `json:"liquidity"`
	ToAddress string          `json:"to"`

	// populated from the Mint event
	Sender    *string             `json:"sender,omitempty"`
	Amount0   decimal.NullDecimal `json:"amount0,omitempty"`
	Amount1   decimal.NullDecimal `json:"amount1,omitempty"`
	LogIndex  *uint64             `json:"log_index,omitempty"`
	AmountUSD decimal.NullDecimal `json:"amount_usd,omitempty"`

	// optional fee fields, set when a Transfer event fired in _mintFee
	FeeTo        *string             `json:"fee_to,omitempty"`
	FeeLiquidity decimal.NullDecimal `json:"fee_liquidity,omitempty"`
}

// IsComplete reports whether the matching Mint event has been seen.
func (m *Mint) IsComplete() bool {
	return m.Sender != nil
}

// Burn represents the 'burn' table
type Burn struct {
	TxHash      string `json:"tx_hash"`
	PairAddress string `json:"pair_address"`
	Timestamp   int64  `json:"timestamp"`

	// populated from the primary Transfer event
	Liquidity decimal.Decimal `json:"liquidity"`

	// populated from the Burn event
	Sender    *string             `json:"sender,omitempty"`
	Amount0   decimal.NullDecimal `json:"amount0,omitempty"`
	Amount1   decimal.NullDecimal `json:"amount1,omitempty"`
	ToAddress *string             `json:"to,omitempty"`
	LogIndex  *uint64             `json:"log_index,omitempty"`
	AmountUSD decimal.NullDecimal `json:"amount_usd,omitempty"`

	// marks a burn still waiting for its Burn event
	NeedsComplete bool `json:"needs_complete"`

	// optional fee fields, set when a Transfer event fired in _mintFee
	FeeTo        *string             `json:"fee_to,omitempty"`
	FeeLiquidity decimal.NullDecimal `json:"fee_liquidity,omitempty"`
}

// Swap represents the 'swap' table
type Swap struct {
	TxHash      string `json:"tx_hash"`
	PairAddress string `json:"pair_address"`
	Timestamp   int64  `json:"timestamp"`

	Sender string `json:"sender"`
	// the EOA that initiated the transaction
	FromAddress string `json:"from"`

	Amount0In  decimal.Decimal `json:"amount0_in"`
	Amount1In  decimal.Decimal `json:"amount1_in"`
	Amount0Out decimal.Decimal `json:"amount0_out"`
	Amount1Out decimal.Decimal `json:"amount1_out"`

	ToAddress string `json:"to"`
	LogIndex  uint64 `json:"log_index"`

	AmountUSD decimal.Decimal `json:"amount_usd"`
}

// Sync represents the 'sync' table. Only kept to carry reserve snapshots
// into post-processing.
type Sync struct {
	TxHash      string `json:"tx_hash"`
	PairAddress string `json:"pair_address"`

	Reserve0 decimal.Decimal `json:"reserve0"`
	Reserve1 decimal.Decimal `json:"reserve1"`
	LogIndex uint64          `json:"log_index"`
}

// Bundle represents the 'bundle' table. Tracks the price of the native
// asset at a point in the event stream.
type Bundle struct {
	NativePrice decimal.Decimal `json:"native_price"`

	// nil only on a transition bundle created before any block was indexed
	BlockHash *string `json:"block_hash,omitempty"`
	LogIndex  uint64  `json:"log_index"`
}

// ExchangeDayData represents the 'exchange_day_data' table
type ExchangeDayData struct {
	// timestamp rounded down to the day by dividing by 86400
	Identifier int64 `json:"identifier"`
	Date       int64 `json:"date"`

	DailyVolumeNative    decimal.Decimal `json:"daily_volume_native"`
	DailyVolumeUSD       decimal.Decimal `json:"daily_volume_usd"`
	DailyVolumeUntracked decimal.Decimal `json:"daily_volume_untracked"`

	TotalVolumeNative    decimal.Decimal `json:"total_volume_native"`
	TotalLiquidityNative decimal.Decimal `json:"total_liquidity_native"`
	TotalVolumeUSD       decimal.Decimal `json:"total_volume_usd"`
	TotalLiquidityUSD    decimal.Decimal `json:"total_liquidity_usd"`

	TxCount int64 `json:"tx_count"`
}

// PairHourData represents the 'pair_hour_data' table
type PairHourData struct {
	// unix timestamp for the start of the hour, hourStartUnix == hourIndex * 3600
	HourIndex     int64 `json:"hour_index"`
	HourStartUnix int64 `json:"hour_start_unix"`

	PairAddress string `json:"pair_address"`

	Reserve0   decimal.Decimal `json:"reserve0"`
	Reserve1   decimal.Decimal `json:"reserve1"`
	ReserveUSD decimal.Decimal `json:"reserve_usd"`

	// total supply for LP historical returns, carried forward in post-processing
	TotalSupply       decimal.NullDecimal `json:"total_supply,omitempty"`
	TotalSupplyChange decimal.Decimal     `json:"total_supply_change"`

	HourlyVolumeToken0 decimal.Decimal `json:"hourly_volume_token0"`
	HourlyVolumeToken1 decimal.Decimal `json:"hourly_volume_token1"`
	HourlyVolumeUSD    decimal.Decimal `json:"hourly_volume_usd"`
	HourlyTxns         int64           `json:"hourly_txns"`
}

// PairDayData represents the 'pair_day_data' table
type PairDayData struct {
	// unix timestamp for the start of the day, dayStartUnix == dayIndex * 86400
	DayIndex     int64 `json:"day_index"`
	DayStartUnix int64 `json:"day_start_unix"`

	PairAddress string `json:"pair_address"`

	Reserve0   decimal.Decimal `json:"reserve0"`
	Reserve1   decimal.Decimal `json:"reserve1"`
	ReserveUSD decimal.Decimal `json:"reserve_usd"`

	TotalSupply decimal.Decimal `json:"total_supply"`

	DailyVolumeToken0 decimal.Decimal `json:"daily_volume_token0"`
	DailyVolumeToken1 decimal.Decimal `json:"daily_volume_token1"`
	DailyVolumeUSD    decimal.Decimal `json:"daily_volume_usd"`
	DailyTxns         int64           `json:"daily_txns"`
}

// TokenHourData represents the 'token_hour_data' table
type TokenHourData struct {
	HourIndex     int64 `json:"hour_index"`
	HourStartUnix int64 `json:"hour_start_unix"`

	TokenAddress string `json:"token_address"`

	HourlyVolumeToken  decimal.Decimal `json:"hourly_volume_token"`
	HourlyVolumeNative decimal.Decimal `json:"hourly_volume_native"`
	HourlyVolumeUSD    decimal.Decimal `json:"hourly_volume_usd"`
	HourlyTxns         int64           `json:"hourly_txns"`

	TotalLiquidityToken       decimal.NullDecimal `json:"total_liquidity_token,omitempty"`
	TotalLiquidityTokenChange decimal.Decimal     `json:"total_liquidity_token_change"`
	TotalLiquidityNative      decimal.NullDecimal `json:"total_liquidity_native,omitempty"`
	TotalLiquidityUSD         decimal.NullDecimal `json:"total_liquidity_usd,omitempty"`

	PriceUSD decimal.Decimal `json:"price_usd"`
}

// TokenDayData represents the 'token_day_data' table
type TokenDayData struct {
	DayIndex     int64 `json:"day_index"`
	DayStartUnix int64 `json:"day_start_unix"`

	TokenAddress string `json:"token_address"`

	DailyVolumeToken  decimal.Decimal `json:"daily_volume_token"`
	DailyVolumeNative decimal.Decimal `json:"daily_volume_native"`
	DailyVolumeUSD    decimal.Decimal `json:"daily_volume_usd"`
	DailyTxns         int64           `json:"daily_txns"`

	TotalLiquidityToken  decimal.Decimal `json:"total_liquidity_token"`
	TotalLiquidityNative decimal.Decimal `json:"total_liquidity_native"`
	TotalLiquidityUSD    decimal.Decimal `json:"total_liquidity_usd"`

	PriceUSD decimal.Decimal `json:"price_usd"`
}

// QueryEvent represents the 'xquery' table, one flat row per captured event
// log in router mode.
type QueryEvent struct {
	XHash          string `json:"xhash"`
	Chain          Chain  `json:"chain"`
	BlockHeight    uint64 `json:"block_height"`
	BlockHash      string `json:"block_hash"`
	BlockTimestamp int64  `json:"block_timestamp"`
	TxHash         string `json:"tx_hash"`
	EventName      string `json:"event_name"`

	// function signature of the transaction that emitted the event
	FuncIdentifier *string `json:"func_identifier,omitempty"`

	AddressSender *string `json:"address_sender,omitempty"`
	AddressTo     *string `json:"address_to,omitempty"`

	Token0Name     *string `json:"token0_name,omitempty"`
	Token0Symbol   *string `json:"token0_symbol,omitempty"`
	Token0Decimals *uint8  `json:"token0_decimals,omitempty"`
	Token1Name     *string `json:"token1_name,omitempty"`
	Token1Symbol   *string `json:"token1_symbol,omitempty"`
	Token1Decimals *uint8  `json:"token1_decimals,omitempty"`

	// Approval, Transfer, Deposit, Withdrawal
	Value decimal.NullDecimal `json:"value,omitempty"`

	// Mint, Burn
	Amount0 decimal.NullDecimal `json:"amount0,omitempty"`
	Amount1 decimal.NullDecimal `json:"amount1,omitempty"`

	// Swap
	Amount0In  decimal.NullDecimal `json:"amount0_in,omitempty"`
	Amount1In  decimal.NullDecimal `json:"amount1_in,omitempty"`
	Amount0Out decimal.NullDecimal `json:"amount0_out,omitempty"`
	Amount1Out decimal.NullDecimal `json:"amount1_out,omitempty"`

	// Sync
	Reserve0 decimal.NullDecimal `json:"reserve0,omitempty"`
	Reserve1 decimal.NullDecimal `json:"reserve1,omitempty"`
}
