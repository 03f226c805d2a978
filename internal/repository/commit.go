package repository

import (
	"context"
	"fmt"

	"xquery/internal/models"
)

// CommitBundle stores the domain objects of one data bundle in a single
// transaction. When cursor is non-nil the named state row advances in the
// same transaction, so a crash never leaves the cursor ahead of the data.
func (r *Repository) CommitBundle(ctx context.Context, objects []any, cursor *models.State) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin bundle commit: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, object := range objects {
		query, args, err := mergeStatement(object)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to merge %T: %w", object, err)
		}
	}

	if cursor != nil {
		if _, err := tx.Exec(ctx, upsertStateSQL,
			cursor.Name, cursor.BlockNumber, cursor.BlockHash, cursor.Discarded, cursor.Finalized); err != nil {
			return fmt.Errorf("failed to advance state '%s': %w", cursor.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit bundle: %w", err)
	}
	if cursor != nil {
		r.cacheState(cursor)
	}
	return nil
}

// mergeStatement renders the upsert for one domain object. Statements are
// keyed by the business unique of each table so a replayed bundle merges
// into the existing rows instead of duplicating them. Immutable rows
// (blocks, transactions, raw event captures) skip the update half entirely.
func mergeStatement(object any) (string, []any, error) {
	switch o := object.(type) {
	case *models.Block:
		return `INSERT INTO block (hash, number, timestamp) VALUES ($1, $2, $3)
			ON CONFLICT (hash) DO NOTHING`,
			[]any{o.Hash, o.Number, o.Timestamp}, nil

	case *models.Transaction:
		return `INSERT INTO transaction (hash, block_hash, from_address, timestamp) VALUES ($1, $2, $3, $4)
			ON CONFLICT (hash) DO NOTHING`,
			[]any{o.Hash, o.BlockHash, o.FromAddress, o.Timestamp}, nil

	case *models.Factory:
		return `INSERT INTO factory (address, pair_count, total_volume_usd, total_volume_native,
				untracked_volume_usd, total_liquidity_usd, total_liquidity_native, tx_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (address) DO UPDATE SET
				pair_count = EXCLUDED.pair_count,
				total_volume_usd = EXCLUDED.total_volume_usd,
				total_volume_native = EXCLUDED.total_volume_native,
				untracked_volume_usd = EXCLUDED.untracked_volume_usd,
				total_liquidity_usd = EXCLUDED.total_liquidity_usd,
				total_liquidity_native = EXCLUDED.total_liquidity_native,
				tx_count = EXCLUDED.tx_count`,
			[]any{o.Address, o.PairCount, o.TotalVolumeUSD, o.TotalVolumeNative,
				o.UntrackedVolumeUSD, o.TotalLiquidityUSD, o.TotalLiquidityNative, o.TxCount}, nil

	case *models.Token:
		// symbol, name and decimals mirror the contract, first write wins
		return `INSERT INTO token (address, symbol, name, decimals, total_supply, trade_volume,
				trade_volume_usd, untracked_volume_usd, tx_count, total_liquidity, derived_native)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (address) DO UPDATE SET
				total_supply = EXCLUDED.total_supply,
				trade_volume = EXCLUDED.trade_volume,
				trade_volume_usd = EXCLUDED.trade_volume_usd,
				untracked_volume_usd = EXCLUDED.untracked_volume_usd,
				tx_count = EXCLUDED.tx_count,
				total_liquidity = EXCLUDED.total_liquidity,
				derived_native = EXCLUDED.derived_native`,
			[]any{o.Address, o.Symbol, o.Name, o.Decimals, o.TotalSupply, o.TradeVolume,
				o.TradeVolumeUSD, o.UntrackedVolumeUSD, o.TxCount, o.TotalLiquidity, o.DerivedNative}, nil

	case *models.Pair:
		// creation stats never change after the PairCreated insert
		return `INSERT INTO pair (address, token0_address, token1_address, reserve0, reserve1,
				total_supply, reserve_native, reserve_usd, tracked_reserve_native,
				token0_price, token1_price, volume_token0, volume_token1, volume_usd,
				untracked_volume_usd, tx_count, created_at_timestamp, created_at_block_number,
				block_hash, liquidity_provider_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
			ON CONFLICT (address) DO UPDATE SET
				reserve0 = EXCLUDED.reserve0,
				reserve1 = EXCLUDED.reserve1,
				total_supply = EXCLUDED.total_supply,
				reserve_native = EXCLUDED.reserve_native,
				reserve_usd = EXCLUDED.reserve_usd,
				tracked_reserve_native = EXCLUDED.tracked_reserve_native,
				token0_price = EXCLUDED.token0_price,
				token1_price = EXCLUDED.token1_price,
				volume_token0 = EXCLUDED.volume_token0,
				volume_token1 = EXCLUDED.volume_token1,
				volume_usd = EXCLUDED.volume_usd,
				untracked_volume_usd = EXCLUDED.untracked_volume_usd,
				tx_count = EXCLUDED.tx_count,
				liquidity_provider_count = EXCLUDED.liquidity_provider_count`,
			[]any{o.Address, o.Token0Address, o.Token1Address, o.Reserve0, o.Reserve1,
				o.TotalSupply, o.ReserveNative, o.ReserveUSD, o.TrackedReserveNative,
				o.Token0Price, o.Token1Price, o.VolumeToken0, o.VolumeToken1, o.VolumeUSD,
				o.UntrackedVolumeUSD, o.TxCount, o.CreatedAtTimestamp, o.CreatedAtBlockNumber,
				o.BlockHash, o.LiquidityProviderCount}, nil

	case *models.User:
		return `INSERT INTO "user" (address, usd_swapped) VALUES ($1, $2)
			ON CONFLICT (address) DO UPDATE SET usd_swapped = EXCLUDED.usd_swapped`,
			[]any{o.Address, o.USDSwapped}, nil

	case *models.LiquidityPosition:
		return `INSERT INTO liquidity_position (user_address, pair_address, liquidity_token_balance)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_address, pair_address) DO UPDATE SET
				liquidity_token_balance = EXCLUDED.liquidity_token_balance`,
			[]any{o.UserAddress, o.PairAddress, o.LiquidityTokenBalance}, nil

	case *models.LiquidityPositionSnapshot:
		return `INSERT INTO liquidity_position_snapshot (block_hash, timestamp, block_height,
				user_address, pair_address, token0_price_usd, token1_price_usd,
				reserve0, reserve1, reserve_usd, liquidity_token_total_supply, liquidity_token_balance)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			[]any{o.BlockHash, o.Timestamp, o.BlockHeight,
				o.UserAddress, o.PairAddress, o.Token0PriceUSD, o.Token1PriceUSD,
				o.Reserve0, o.Reserve1, o.ReserveUSD, o.LiquidityTokenTotalSupply, o.LiquidityTokenBalance}, nil

	case *models.Transfer:
		return `INSERT INTO transfer (tx_hash, pair_address, from_address, to_address, value, log_index)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tx_hash, log_index) DO NOTHING`,
			[]any{o.TxHash, o.PairAddress, o.FromAddress, o.ToAddress, o.Value, o.LogIndex}, nil

	case *models.Mint:
		// the unique index only covers completed mints, a mint still waiting
		// for its Mint event (null log_index) inserts unconditionally
		return `INSERT INTO mint (tx_hash, pair_address, timestamp, liquidity, to_address,
				sender, amount0, amount1, log_index, amount_usd, fee_to, fee_liquidity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (tx_hash, log_index) WHERE log_index IS NOT NULL DO UPDATE SET
				liquidity = EXCLUDED.liquidity,
				to_address = EXCLUDED.to_address,
				sender = EXCLUDED.sender,
				amount0 = EXCLUDED.amount0,
				amount1 = EXCLUDED.amount1,
				amount_usd = EXCLUDED.amount_usd,
				fee_to = EXCLUDED.fee_to,
				fee_liquidity = EXCLUDED.fee_liquidity`,
			[]any{o.TxHash, o.PairAddress, o.Timestamp, o.Liquidity, o.ToAddress,
				o.Sender, o.Amount0, o.Amount1, o.LogIndex, o.AmountUSD, o.FeeTo, o.FeeLiquidity}, nil

	case *models.Burn:
		return `INSERT INTO burn (tx_hash, pair_address, timestamp, liquidity, sender,
				amount0, amount1, to_address, log_index, amount_usd, needs_complete, fee_to, fee_liquidity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (tx_hash, log_index) WHERE log_index IS NOT NULL DO UPDATE SET
				liquidity = EXCLUDED.liquidity,
				sender = EXCLUDED.sender,
				amount0 = EXCLUDED.amount0,
				amount1 = EXCLUDED.amount1,
				to_address = EXCLUDED.to_address,
				amount_usd = EXCLUDED.amount_usd,
				needs_complete = EXCLUDED.needs_complete,
				fee_to = EXCLUDED.fee_to,
				fee_liquidity = EXCLUDED.fee_liquidity`,
			[]any{o.TxHash, o.PairAddress, o.Timestamp, o.Liquidity, o.Sender,
				o.Amount0, o.Amount1, o.ToAddress, o.LogIndex, o.AmountUSD, o.NeedsComplete,
				o.FeeTo, o.FeeLiquidity}, nil

	case *models.Swap:
		return `INSERT INTO swap (tx_hash, pair_address, timestamp, sender, from_address,
				amount0_in, amount1_in, amount0_out, amount1_out, to_address, log_index, amount_usd)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (tx_hash, log_index) DO NOTHING`,
			[]any{o.TxHash, o.PairAddress, o.Timestamp, o.Sender, o.FromAddress,
				o.Amount0In, o.Amount1In, o.Amount0Out, o.Amount1Out, o.ToAddress, o.LogIndex, o.AmountUSD}, nil

	case *models.Sync:
		return `INSERT INTO sync (tx_hash, pair_address, reserve0, reserve1, log_index)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tx_hash, log_index) DO NOTHING`,
			[]any{o.TxHash, o.PairAddress, o.Reserve0, o.Reserve1, o.LogIndex}, nil

	case *models.Bundle:
		return `INSERT INTO bundle (native_price, block_hash, log_index)
			VALUES ($1, $2, $3)
			ON CONFLICT (block_hash, log_index) WHERE block_hash IS NOT NULL DO UPDATE SET
				native_price = EXCLUDED.native_price`,
			[]any{o.NativePrice, o.BlockHash, o.LogIndex}, nil

	case *models.PairHourData:
		return `INSERT INTO pair_hour_data (hour_index, hour_start_unix, pair_address,
				reserve0, reserve1, reserve_usd, total_supply, total_supply_change,
				hourly_volume_token0, hourly_volume_token1, hourly_volume_usd, hourly_txns)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (pair_address, hour_index) DO UPDATE SET
				reserve0 = EXCLUDED.reserve0,
				reserve1 = EXCLUDED.reserve1,
				reserve_usd = EXCLUDED.reserve_usd,
				total_supply = EXCLUDED.total_supply,
				total_supply_change = EXCLUDED.total_supply_change,
				hourly_volume_token0 = EXCLUDED.hourly_volume_token0,
				hourly_volume_token1 = EXCLUDED.hourly_volume_token1,
				hourly_volume_usd = EXCLUDED.hourly_volume_usd,
				hourly_txns = EXCLUDED.hourly_txns`,
			[]any{o.HourIndex, o.HourStartUnix, o.PairAddress,
				o.Reserve0, o.Reserve1, o.ReserveUSD, o.TotalSupply, o.TotalSupplyChange,
				o.HourlyVolumeToken0, o.HourlyVolumeToken1, o.HourlyVolumeUSD, o.HourlyTxns}, nil

	case *models.PairDayData:
		return `INSERT INTO pair_day_data (day_index, day_start_unix, pair_address,
				reserve0, reserve1, reserve_usd, total_supply,
				daily_volume_token0, daily_volume_token1, daily_volume_usd, daily_txns)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (pair_address, day_index) DO UPDATE SET
				reserve0 = EXCLUDED.reserve0,
				reserve1 = EXCLUDED.reserve1,
				reserve_usd = EXCLUDED.reserve_usd,
				total_supply = EXCLUDED.total_supply,
				daily_volume_token0 = EXCLUDED.daily_volume_token0,
				daily_volume_token1 = EXCLUDED.daily_volume_token1,
				daily_volume_usd = EXCLUDED.daily_volume_usd,
				daily_txns = EXCLUDED.daily_txns`,
			[]any{o.DayIndex, o.DayStartUnix, o.PairAddress,
				o.Reserve0, o.Reserve1, o.ReserveUSD, o.TotalSupply,
				o.DailyVolumeToken0, o.DailyVolumeToken1, o.DailyVolumeUSD, o.DailyTxns}, nil

	case *models.TokenHourData:
		return `INSERT INTO token_hour_data (hour_index, hour_start_unix, token_address,
				hourly_volume_token, hourly_volume_native, hourly_volume_usd, hourly_txns,
				total_liquidity_token, total_liquidity_token_change,
				total_liquidity_native, total_liquidity_usd, price_usd)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (token_address, hour_index) DO UPDATE SET
				hourly_volume_token = EXCLUDED.hourly_volume_token,
				hourly_volume_native = EXCLUDED.hourly_volume_native,
				hourly_volume_usd = EXCLUDED.hourly_volume_usd,
				hourly_txns = EXCLUDED.hourly_txns,
				total_liquidity_token = EXCLUDED.total_liquidity_token,
				total_liquidity_token_change = EXCLUDED.total_liquidity_token_change,
				total_liquidity_native = EXCLUDED.total_liquidity_native,
				total_liquidity_usd = EXCLUDED.total_liquidity_usd,
				price_usd = EXCLUDED.price_usd`,
			[]any{o.HourIndex, o.HourStartUnix, o.TokenAddress,
				o.HourlyVolumeToken, o.HourlyVolumeNative, o.HourlyVolumeUSD, o.HourlyTxns,
				o.TotalLiquidityToken, o.TotalLiquidityTokenChange,
				o.TotalLiquidityNative, o.TotalLiquidityUSD, o.PriceUSD}, nil

	case *models.TokenDayData:
		return `INSERT INTO token_day_data (day_index, day_start_unix, token_address,
				daily_volume_token, daily_volume_native, daily_volume_usd, daily_txns,
				total_liquidity_token, total_liquidity_native, total_liquidity_usd, price_usd)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (token_address, day_index) DO UPDATE SET
				daily_volume_token = EXCLUDED.daily_volume_token,
				daily_volume_native = EXCLUDED.daily_volume_native,
				daily_volume_usd = EXCLUDED.daily_volume_usd,
				daily_txns = EXCLUDED.daily_txns,
				total_liquidity_token = EXCLUDED.total_liquidity_token,
				total_liquidity_native = EXCLUDED.total_liquidity_native,
				total_liquidity_usd = EXCLUDED.total_liquidity_usd,
				price_usd = EXCLUDED.price_usd`,
			[]any{o.DayIndex, o.DayStartUnix, o.TokenAddress,
				o.DailyVolumeToken, o.DailyVolumeNative, o.DailyVolumeUSD, o.DailyTxns,
				o.TotalLiquidityToken, o.TotalLiquidityNative, o.TotalLiquidityUSD, o.PriceUSD}, nil

	case *models.ExchangeDayData:
		return `INSERT INTO exchange_day_data (identifier, date, daily_volume_native,
				daily_volume_usd, daily_volume_untracked, total_volume_native,
				total_liquidity_native, total_volume_usd, total_liquidity_usd, tx_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (identifier) DO UPDATE SET
				daily_volume_native = EXCLUDED.daily_volume_native,
				daily_volume_usd = EXCLUDED.daily_volume_usd,
				daily_volume_untracked = EXCLUDED.daily_volume_untracked,
				total_volume_native = EXCLUDED.total_volume_native,
				total_liquidity_native = EXCLUDED.total_liquidity_native,
				total_volume_usd = EXCLUDED.total_volume_usd,
				total_liquidity_usd = EXCLUDED.total_liquidity_usd,
				tx_count = EXCLUDED.tx_count`,
			[]any{o.Identifier, o.Date, o.DailyVolumeNative,
				o.DailyVolumeUSD, o.DailyVolumeUntracked, o.TotalVolumeNative,
				o.TotalLiquidityNative, o.TotalVolumeUSD, o.TotalLiquidityUSD, o.TxCount}, nil

	case *models.QueryEvent:
		return `INSERT INTO xquery (xhash, chain, block_height, block_hash, block_timestamp,
				tx_hash, event_name, func_identifier, address_sender, address_to,
				token0_name, token0_symbol, token0_decimals, token1_name, token1_symbol, token1_decimals,
				value, amount0, amount1, amount0_in, amount1_in, amount0_out, amount1_out,
				reserve0, reserve1)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
				$17, $18, $19, $20, $21, $22, $23, $24, $25)
			ON CONFLICT (xhash) DO NOTHING`,
			[]any{o.XHash, string(o.Chain), o.BlockHeight, o.BlockHash, o.BlockTimestamp,
				o.TxHash, o.EventName, o.FuncIdentifier, o.AddressSender, o.AddressTo,
				o.Token0Name, o.Token0Symbol, o.Token0Decimals, o.Token1Name, o.Token1Symbol, o.Token1Decimals,
				o.Value, o.Amount0, o.Amount1, o.Amount0In, o.Amount1In, o.Amount0Out, o.Amount1Out,
				o.Reserve0, o.Reserve1}, nil

	default:
		return "", nil, fmt.Errorf("no merge statement for %T", object)
	}
}
