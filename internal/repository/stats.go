package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"xquery/internal/models"
)

const pairHourColumns = `hour_index, hour_start_unix, pair_address, reserve0, reserve1,
	reserve_usd, total_supply, total_supply_change, hourly_volume_token0,
	hourly_volume_token1, hourly_volume_usd, hourly_txns`

func scanPairHour(row rowScanner) (*models.PairHourData, error) {
	hour := &models.PairHourData{}
	err := row.Scan(&hour.HourIndex, &hour.HourStartUnix, &hour.PairAddress,
		&hour.Reserve0, &hour.Reserve1, &hour.ReserveUSD,
		&hour.TotalSupply, &hour.TotalSupplyChange,
		&hour.HourlyVolumeToken0, &hour.HourlyVolumeToken1, &hour.HourlyVolumeUSD, &hour.HourlyTxns)
	if err != nil {
		return nil, err
	}
	return hour, nil
}

// FirstBlockIn returns the earliest indexed block within the inclusive
// range, or nil.
func (r *Repository) FirstBlockIn(ctx context.Context, fromBlock, toBlock uint64) (*models.Block, error) {
	block, err := scanBlock(r.db.QueryRow(ctx,
		`SELECT hash, number, timestamp FROM block WHERE number BETWEEN $1 AND $2 ORDER BY number LIMIT 1`,
		fromBlock, toBlock))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select first block in [%d, %d]: %w", fromBlock, toBlock, err)
	}
	return block, nil
}

// LastBlockIn returns the latest indexed block within the inclusive range,
// or nil.
func (r *Repository) LastBlockIn(ctx context.Context, fromBlock, toBlock uint64) (*models.Block, error) {
	block, err := scanBlock(r.db.QueryRow(ctx,
		`SELECT hash, number, timestamp FROM block WHERE number BETWEEN $1 AND $2 ORDER BY number DESC LIMIT 1`,
		fromBlock, toBlock))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select last block in [%d, %d]: %w", fromBlock, toBlock, err)
	}
	return block, nil
}

// TimestampsOrdered reports whether block timestamps never decrease within
// the inclusive block range.
func (r *Repository) TimestampsOrdered(ctx context.Context, fromBlock, toBlock uint64) (bool, error) {
	var ordered bool
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(BOOL_AND(in_order), TRUE) FROM (
			SELECT timestamp >= LAG(timestamp) OVER (ORDER BY number) AS in_order
			FROM block WHERE number BETWEEN $1 AND $2
		) pairs WHERE in_order IS NOT NULL`,
		fromBlock, toBlock).Scan(&ordered)
	if err != nil {
		return false, fmt.Errorf("failed to check timestamp order in [%d, %d]: %w", fromBlock, toBlock, err)
	}
	return ordered, nil
}

// MintsByTimestamp returns the mint rows within the inclusive timestamp
// range, in chain order.
func (r *Repository) MintsByTimestamp(ctx context.Context, fromTimestamp, toTimestamp int64) ([]models.LiquidityChange, error) {
	return r.liquidityByTimestamp(ctx, "mint", fromTimestamp, toTimestamp)
}

// BurnsByTimestamp returns the burn rows within the inclusive timestamp
// range, in chain order.
func (r *Repository) BurnsByTimestamp(ctx context.Context, fromTimestamp, toTimestamp int64) ([]models.LiquidityChange, error) {
	return r.liquidityByTimestamp(ctx, "burn", fromTimestamp, toTimestamp)
}

func (r *Repository) liquidityByTimestamp(ctx context.Context, table string, fromTimestamp, toTimestamp int64) ([]models.LiquidityChange, error) {
	query := fmt.Sprintf(`
		SELECT pair_address, liquidity, fee_liquidity, timestamp
		FROM %s WHERE timestamp BETWEEN $1 AND $2 ORDER BY timestamp, id`, table)
	rows, err := r.db.Query(ctx, query, fromTimestamp, toTimestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to select %ss in [%d, %d]: %w", table, fromTimestamp, toTimestamp, err)
	}
	defer rows.Close()

	var changes []models.LiquidityChange
	for rows.Next() {
		var change models.LiquidityChange
		if err := rows.Scan(&change.PairAddress, &change.Liquidity, &change.FeeLiquidity, &change.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

// SwapsByTimestamp returns the swap rows within the inclusive timestamp
// range joined with their pair tokens, in chain order. Amounts hold the two
// sided totals (in + out) per token.
func (r *Repository) SwapsByTimestamp(ctx context.Context, fromTimestamp, toTimestamp int64) ([]models.SwapVolume, error) {
	rows, err := r.db.Query(ctx, `
		SELECT s.pair_address, p.token0_address, p.token1_address,
			s.amount0_in + s.amount0_out, s.amount1_in + s.amount1_out, s.timestamp
		FROM swap s
		JOIN pair p ON p.address = s.pair_address
		WHERE s.timestamp BETWEEN $1 AND $2
		ORDER BY s.timestamp, s.id`,
		fromTimestamp, toTimestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to select swaps in [%d, %d]: %w", fromTimestamp, toTimestamp, err)
	}
	defer rows.Close()

	var volumes []models.SwapVolume
	for rows.Next() {
		var volume models.SwapVolume
		if err := rows.Scan(&volume.PairAddress, &volume.Token0Address, &volume.Token1Address,
			&volume.Amount0Total, &volume.Amount1Total, &volume.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan swap: %w", err)
		}
		volumes = append(volumes, volume)
	}
	return volumes, rows.Err()
}

// LastSyncAtOrBefore returns the latest sync event of the pair whose block
// timestamp does not exceed the given timestamp, or nil.
func (r *Repository) LastSyncAtOrBefore(ctx context.Context, pairAddress string, timestamp int64) (*models.SyncPoint, error) {
	point, err := scanSyncPoint(r.db.QueryRow(ctx, syncPointSelect+`
		WHERE s.pair_address = $1 AND b.timestamp <= $2
		ORDER BY b.number DESC, s.log_index DESC
		LIMIT 1`, pairAddress, timestamp))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select last sync of '%s' at %d: %w", pairAddress, timestamp, err)
	}
	return point, nil
}

// PairHourDataRange returns the hour rows whose start falls into the
// inclusive timestamp range, ordered by hour index.
func (r *Repository) PairHourDataRange(ctx context.Context, fromTimestamp, toTimestamp int64) ([]*models.PairHourData, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+pairHourColumns+` FROM pair_hour_data
		WHERE hour_start_unix BETWEEN $1 AND $2
		ORDER BY hour_index, pair_address`,
		fromTimestamp, toTimestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to select pair hours in [%d, %d]: %w", fromTimestamp, toTimestamp, err)
	}
	defer rows.Close()

	var hours []*models.PairHourData
	for rows.Next() {
		hour, err := scanPairHour(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pair hour: %w", err)
		}
		hours = append(hours, hour)
	}
	return hours, rows.Err()
}

// LastPairHourDataBefore returns the latest hour row of the pair starting
// strictly before the given timestamp, or nil.
func (r *Repository) LastPairHourDataBefore(ctx context.Context, pairAddress string, timestamp int64) (*models.PairHourData, error) {
	hour, err := scanPairHour(r.db.QueryRow(ctx,
		`SELECT `+pairHourColumns+` FROM pair_hour_data
		WHERE pair_address = $1 AND hour_start_unix < $2
		ORDER BY hour_index DESC LIMIT 1`,
		pairAddress, timestamp))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pair hour of '%s' before %d: %w", pairAddress, timestamp, err)
	}
	return hour, nil
}

// CommitStatsChunk stores the day rows and hour updates together with the
// stage state in a single transaction.
func (r *Repository) CommitStatsChunk(ctx context.Context, dayData []*models.PairDayData, hourData []*models.PairHourData, state *models.State) error {
	objects := make([]any, 0, len(dayData)+len(hourData))
	for _, day := range dayData {
		objects = append(objects, day)
	}
	for _, hour := range hourData {
		objects = append(objects, hour)
	}
	return r.CommitBundle(ctx, objects, state)
}
