package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"xquery/internal/models"
)

// Overview aggregates the row counts shown by the status endpoint.
type Overview struct {
	Blocks       int64 `json:"blocks"`
	Transactions int64 `json:"transactions"`
	Pairs        int64 `json:"pairs"`
	Tokens       int64 `json:"tokens"`
	Mints        int64 `json:"mints"`
	Burns        int64 `json:"burns"`
	Swaps        int64 `json:"swaps"`
	Bundles      int64 `json:"bundles"`
	QueryEvents  int64 `json:"query_events"`
}

// Overview counts the rows of the main tables in one round trip.
func (r *Repository) Overview(ctx context.Context) (*Overview, error) {
	overview := &Overview{}
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM block),
			(SELECT COUNT(*) FROM transaction),
			(SELECT COUNT(*) FROM pair),
			(SELECT COUNT(*) FROM token),
			(SELECT COUNT(*) FROM mint),
			(SELECT COUNT(*) FROM burn),
			(SELECT COUNT(*) FROM swap),
			(SELECT COUNT(*) FROM bundle),
			(SELECT COUNT(*) FROM xquery)`).
		Scan(&overview.Blocks, &overview.Transactions, &overview.Pairs, &overview.Tokens,
			&overview.Mints, &overview.Burns, &overview.Swaps, &overview.Bundles, &overview.QueryEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to count rows: %w", err)
	}
	return overview, nil
}

// LatestBlock returns the highest indexed block, or nil before the first
// commit.
func (r *Repository) LatestBlock(ctx context.Context) (*models.Block, error) {
	block, err := scanBlock(r.db.QueryRow(ctx,
		`SELECT hash, number, timestamp FROM block ORDER BY number DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select latest block: %w", err)
	}
	return block, nil
}

// PairsByVolume returns the top pairs by lifetime volume.
func (r *Repository) PairsByVolume(ctx context.Context, limit int) ([]*models.Pair, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+pairColumns+` FROM pair ORDER BY volume_usd DESC, tx_count DESC, address LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select pairs by volume: %w", err)
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

// TokensByVolume returns the top tokens by lifetime trade volume.
func (r *Repository) TokensByVolume(ctx context.Context, limit int) ([]*models.Token, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+tokenColumns+` FROM token ORDER BY trade_volume_usd DESC, tx_count DESC, address LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select tokens by volume: %w", err)
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

// LatestBundle returns the most recently committed bundle, or nil. Bundles
// commit in chain order, so insertion order is position order.
func (r *Repository) LatestBundle(ctx context.Context) (*models.Bundle, error) {
	bundle := &models.Bundle{}
	err := r.db.QueryRow(ctx,
		`SELECT native_price, block_hash, log_index FROM bundle ORDER BY id DESC LIMIT 1`).
		Scan(&bundle.NativePrice, &bundle.BlockHash, &bundle.LogIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select latest bundle: %w", err)
	}
	return bundle, nil
}

// DeleteState removes a cursor row and reports whether it existed. Used by
// the cursor reset tooling.
func (r *Repository) DeleteState(ctx context.Context, name string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM state WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete state '%s': %w", name, err)
	}
	r.statesMu.Lock()
	delete(r.states, name)
	r.statesMu.Unlock()
	return tag.RowsAffected() > 0, nil
}
