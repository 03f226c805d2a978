package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"xquery/internal/models"
)

// FactoryByAddress returns the factory row, or nil when not indexed yet.
func (r *Repository) FactoryByAddress(ctx context.Context, address string) (*models.Factory, error) {
	factory, err := scanFactory(r.db.QueryRow(ctx, `SELECT `+factoryColumns+` FROM factory WHERE address = $1`, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select factory '%s': %w", address, err)
	}
	return factory, nil
}

// Pairs returns every pair row, ordered by creation block.
func (r *Repository) Pairs(ctx context.Context) ([]*models.Pair, error) {
	rows, err := r.db.Query(ctx, `SELECT `+pairColumns+` FROM pair ORDER BY created_at_block_number, address`)
	if err != nil {
		return nil, fmt.Errorf("failed to select pairs: %w", err)
	}
	defer rows.Close()

	var pairs []*models.Pair
	for rows.Next() {
		pair, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

// Tokens returns every token row, ordered by address.
func (r *Repository) Tokens(ctx context.Context) ([]*models.Token, error) {
	rows, err := r.db.Query(ctx, `SELECT `+tokenColumns+` FROM token ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to select tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// PairsCreatedCount counts the pairs created within the inclusive block range.
func (r *Repository) PairsCreatedCount(ctx context.Context, fromBlock, toBlock uint64) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM pair WHERE created_at_block_number BETWEEN $1 AND $2`,
		fromBlock, toBlock).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count created pairs: %w", err)
	}
	return count, nil
}

// EventCounts counts the mint, burn and swap rows within the range.
func (r *Repository) EventCounts(ctx context.Context, fromBlock, toBlock uint64) (mints, burns, swaps int64, err error) {
	err = r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM mint m
				JOIN transaction t ON t.hash = m.tx_hash
				JOIN block b ON b.hash = t.block_hash
				WHERE b.number BETWEEN $1 AND $2),
			(SELECT COUNT(*) FROM burn m
				JOIN transaction t ON t.hash = m.tx_hash
				JOIN block b ON b.hash = t.block_hash
				WHERE b.number BETWEEN $1 AND $2),
			(SELECT COUNT(*) FROM swap m
				JOIN transaction t ON t.hash = m.tx_hash
				JOIN block b ON b.hash = t.block_hash
				WHERE b.number BETWEEN $1 AND $2)`,
		fromBlock, toBlock).Scan(&mints, &burns, &swaps)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count events in [%d, %d]: %w", fromBlock, toBlock, err)
	}
	return mints, burns, swaps, nil
}

// MintAggregate summarizes the mint rows of one pair over a block range.
func (r *Repository) MintAggregate(ctx context.Context, pairAddress string, fromBlock, toBlock uint64) (models.LiquidityAggregate, error) {
	var agg models.LiquidityAggregate
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(m.liquidity), 0), COALESCE(SUM(m.fee_liquidity), 0)
		FROM mint m
		JOIN transaction t ON t.hash = m.tx_hash
		JOIN block b ON b.hash = t.block_hash
		WHERE m.pair_address = $1 AND b.number BETWEEN $2 AND $3`,
		pairAddress, fromBlock, toBlock).Scan(&agg.Count, &agg.Liquidity, &agg.FeeLiquidity)
	if err != nil {
		return agg, fmt.Errorf("failed to aggregate mints of '%s': %w", pairAddress, err)
	}
	return agg, nil
}

// BurnAggregate summarizes the burn rows of one pair over a block range.
func (r *Repository) BurnAggregate(ctx context.Context, pairAddress string, fromBlock, toBlock uint64) (models.LiquidityAggregate, error) {
	var agg models.LiquidityAggregate
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(m.liquidity), 0), COALESCE(SUM(m.fee_liquidity), 0)
		FROM burn m
		JOIN transaction t ON t.hash = m.tx_hash
		JOIN block b ON b.hash = t.block_hash
		WHERE m.pair_address = $1 AND b.number BETWEEN $2 AND $3`,
		pairAddress, fromBlock, toBlock).Scan(&agg.Count, &agg.Liquidity, &agg.FeeLiquidity)
	if err != nil {
		return agg, fmt.Errorf("failed to aggregate burns of '%s': %w", pairAddress, err)
	}
	return agg, nil
}

// SwapAggregate summarizes the swap rows of one pair over a block range.
// Volumes are the two sided totals (in + out) per token.
func (r *Repository) SwapAggregate(ctx context.Context, pairAddress string, fromBlock, toBlock uint64) (models.SwapAggregate, error) {
	var agg models.SwapAggregate
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(s.amount0_in + s.amount0_out), 0),
			COALESCE(SUM(s.amount1_in + s.amount1_out), 0)
		FROM swap s
		JOIN transaction t ON t.hash = s.tx_hash
		JOIN block b ON b.hash = t.block_hash
		WHERE s.pair_address = $1 AND b.number BETWEEN $2 AND $3`,
		pairAddress, fromBlock, toBlock).Scan(&agg.Count, &agg.Volume0, &agg.Volume1)
	if err != nil {
		return agg, fmt.Errorf("failed to aggregate swaps of '%s': %w", pairAddress, err)
	}
	return agg, nil
}

// TokenEventCount counts the mint and burn rows of all pairs that include
// the token within the range.
func (r *Repository) TokenEventCount(ctx context.Context, tokenAddress string, fromBlock, toBlock uint64) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM mint m
				JOIN pair p ON p.address = m.pair_address
				JOIN transaction t ON t.hash = m.tx_hash
				JOIN block b ON b.hash = t.block_hash
				WHERE (p.token0_address = $1 OR p.token1_address = $1)
					AND b.number BETWEEN $2 AND $3)
			+
			(SELECT COUNT(*) FROM burn m
				JOIN pair p ON p.address = m.pair_address
				JOIN transaction t ON t.hash = m.tx_hash
				JOIN block b ON b.hash = t.block_hash
				WHERE (p.token0_address = $1 OR p.token1_address = $1)
					AND b.number BETWEEN $2 AND $3)`,
		tokenAddress, fromBlock, toBlock).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events of token '%s': %w", tokenAddress, err)
	}
	return count, nil
}

// TokenSwapAggregate sums the swap volume of the given pair side for all
// pairs where the token sits on that side.
func (r *Repository) TokenSwapAggregate(ctx context.Context, tokenAddress string, side int, fromBlock, toBlock uint64) (models.TokenSwapAggregate, error) {
	var agg models.TokenSwapAggregate

	pairColumn, volume := "token0_address", "s.amount0_in + s.amount0_out"
	if side == 1 {
		pairColumn, volume = "token1_address", "s.amount1_in + s.amount1_out"
	}

	err := r.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(%s), 0)
		FROM swap s
		JOIN pair p ON p.address = s.pair_address
		JOIN transaction t ON t.hash = s.tx_hash
		JOIN block b ON b.hash = t.block_hash
		WHERE p.%s = $1 AND b.number BETWEEN $2 AND $3`, volume, pairColumn),
		tokenAddress, fromBlock, toBlock).Scan(&agg.Count, &agg.Volume)
	if err != nil {
		return agg, fmt.Errorf("failed to aggregate side %d swaps of token '%s': %w", side, tokenAddress, err)
	}
	return agg, nil
}
