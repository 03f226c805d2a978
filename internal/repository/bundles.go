package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"xquery/internal/models"
)

// syncPointSelect joins a sync event with its enclosing block.
const syncPointSelect = `
	SELECT s.pair_address, s.reserve0, s.reserve1, b.hash, b.number, b.timestamp, s.log_index
	FROM sync s
	JOIN transaction t ON t.hash = s.tx_hash
	JOIN block b ON b.hash = t.block_hash`

func scanSyncPoint(row rowScanner) (*models.SyncPoint, error) {
	point := &models.SyncPoint{}
	err := row.Scan(&point.PairAddress, &point.Reserve0, &point.Reserve1,
		&point.BlockHash, &point.BlockNumber, &point.Timestamp, &point.LogIndex)
	if err != nil {
		return nil, err
	}
	return point, nil
}

// LastSyncBefore returns the latest sync of a pair strictly before the given
// block, or nil if the pair has never synced.
func (r *Repository) LastSyncBefore(ctx context.Context, pairAddress string, block uint64) (*models.SyncPoint, error) {
	point, err := scanSyncPoint(r.db.QueryRow(ctx, syncPointSelect+`
		WHERE s.pair_address = $1 AND b.number < $2
		ORDER BY b.number DESC, s.log_index DESC
		LIMIT 1`, pairAddress, block))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select last sync of '%s' before %d: %w", pairAddress, block, err)
	}
	return point, nil
}

// LastBlockBefore returns the latest indexed block strictly before the given
// number, or nil.
func (r *Repository) LastBlockBefore(ctx context.Context, block uint64) (*models.Block, error) {
	row, err := scanBlock(r.db.QueryRow(ctx,
		`SELECT hash, number, timestamp FROM block WHERE number < $1 ORDER BY number DESC LIMIT 1`, block))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select last block before %d: %w", block, err)
	}
	return row, nil
}

// BundleAt returns the bundle at the exact position, or nil.
func (r *Repository) BundleAt(ctx context.Context, blockHash string, logIndex uint64) (*models.Bundle, error) {
	bundle := &models.Bundle{}
	err := r.db.QueryRow(ctx,
		`SELECT native_price, block_hash, log_index FROM bundle WHERE block_hash = $1 AND log_index = $2`,
		blockHash, logIndex).
		Scan(&bundle.NativePrice, &bundle.BlockHash, &bundle.LogIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select bundle at (%s, %d): %w", blockHash, logIndex, err)
	}
	return bundle, nil
}

// SyncsInRange returns the syncs of the given pairs within the inclusive
// block range, ordered by block number and log index.
func (r *Repository) SyncsInRange(ctx context.Context, fromBlock, toBlock uint64, pairAddresses []string) ([]models.SyncPoint, error) {
	rows, err := r.db.Query(ctx, syncPointSelect+`
		WHERE b.number BETWEEN $1 AND $2 AND s.pair_address = ANY($3)
		ORDER BY b.number, s.log_index`, fromBlock, toBlock, pairAddresses)
	if err != nil {
		return nil, fmt.Errorf("failed to select syncs in [%d, %d]: %w", fromBlock, toBlock, err)
	}
	defer rows.Close()

	var points []models.SyncPoint
	for rows.Next() {
		point, err := scanSyncPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync: %w", err)
		}
		points = append(points, *point)
	}
	return points, rows.Err()
}
