package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"xquery/internal/models"
)

// dbConn is the subset of pgxpool.Pool the stores run on. Keeping it an
// interface lets store methods run inside a transaction unchanged.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const factoryColumns = `address, pair_count, total_volume_usd, total_volume_native,
	untracked_volume_usd, total_liquidity_usd, total_liquidity_native, tx_count`

const tokenColumns = `address, symbol, name, decimals, total_supply, trade_volume,
	trade_volume_usd, untracked_volume_usd, tx_count, total_liquidity, derived_native`

const pairColumns = `address, token0_address, token1_address, reserve0, reserve1,
	total_supply, reserve_native, reserve_usd, tracked_reserve_native,
	token0_price, token1_price, volume_token0, volume_token1, volume_usd,
	untracked_volume_usd, tx_count, created_at_timestamp, created_at_block_number,
	block_hash, liquidity_provider_count`

func scanFactory(row rowScanner) (*models.Factory, error) {
	factory := &models.Factory{}
	err := row.Scan(&factory.Address, &factory.PairCount,
		&factory.TotalVolumeUSD, &factory.TotalVolumeNative, &factory.UntrackedVolumeUSD,
		&factory.TotalLiquidityUSD, &factory.TotalLiquidityNative, &factory.TxCount)
	if err != nil {
		return nil, err
	}
	return factory, nil
}

func scanToken(row rowScanner) (*models.Token, error) {
	token := &models.Token{}
	err := row.Scan(&token.Address, &token.Symbol, &token.Name, &token.Decimals,
		&token.TotalSupply, &token.TradeVolume, &token.TradeVolumeUSD,
		&token.UntrackedVolumeUSD, &token.TxCount, &token.TotalLiquidity, &token.DerivedNative)
	if err != nil {
		return nil, err
	}
	return token, nil
}

func scanPair(row rowScanner) (*models.Pair, error) {
	pair := &models.Pair{}
	err := row.Scan(&pair.Address, &pair.Token0Address, &pair.Token1Address,
		&pair.Reserve0, &pair.Reserve1, &pair.TotalSupply,
		&pair.ReserveNative, &pair.ReserveUSD, &pair.TrackedReserveNative,
		&pair.Token0Price, &pair.Token1Price,
		&pair.VolumeToken0, &pair.VolumeToken1, &pair.VolumeUSD,
		&pair.UntrackedVolumeUSD, &pair.TxCount,
		&pair.CreatedAtTimestamp, &pair.CreatedAtBlockNumber, &pair.BlockHash,
		&pair.LiquidityProviderCount)
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func scanBlock(row rowScanner) (*models.Block, error) {
	block := &models.Block{}
	if err := row.Scan(&block.Hash, &block.Number, &block.Timestamp); err != nil {
		return nil, err
	}
	return block, nil
}
