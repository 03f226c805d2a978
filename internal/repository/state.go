package repository

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"

	"xquery/internal/models"
)

const stateColumns = `name, block_number, block_hash, discarded, finalized`

const upsertStateSQL = `
	INSERT INTO state (name, block_number, block_hash, discarded, finalized)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (name) DO UPDATE SET
		block_number = EXCLUDED.block_number,
		block_hash = EXCLUDED.block_hash,
		discarded = EXCLUDED.discarded,
		finalized = EXCLUDED.finalized`

// State returns the named cursor row, or nil when absent.
func (r *Repository) State(ctx context.Context, name string) (*models.State, error) {
	state := &models.State{}
	err := r.db.QueryRow(ctx, `SELECT `+stateColumns+` FROM state WHERE name = $1`, name).
		Scan(&state.Name, &state.BlockNumber, &state.BlockHash, &state.Discarded, &state.Finalized)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select state '%s': %w", name, err)
	}
	return state, nil
}

// States returns every cursor row, ordered by name.
func (r *Repository) States(ctx context.Context) ([]*models.State, error) {
	rows, err := r.db.Query(ctx, `SELECT `+stateColumns+` FROM state ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to select states: %w", err)
	}
	defer rows.Close()

	var states []*models.State
	for rows.Next() {
		state := &models.State{}
		if err := rows.Scan(&state.Name, &state.BlockNumber, &state.BlockHash, &state.Discarded, &state.Finalized); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// CachedState reads the named cursor through the coordinator side cache.
// The returned row is a copy, callers mutate it freely before committing.
func (r *Repository) CachedState(ctx context.Context, name string) (*models.State, error) {
	r.statesMu.Lock()
	if state, ok := r.states[name]; ok {
		copied := *state
		r.statesMu.Unlock()
		return &copied, nil
	}
	r.statesMu.Unlock()

	state, err := r.State(ctx, name)
	if err != nil || state == nil {
		return state, err
	}
	r.cacheState(state)
	copied := *state
	return &copied, nil
}

func (r *Repository) cacheState(state *models.State) {
	copied := *state
	r.statesMu.Lock()
	r.states[state.Name] = &copied
	r.statesMu.Unlock()
}

// CommitState upserts one cursor row outside of a bundle commit. Stages use
// it for setup rows and finalize watermarks.
func (r *Repository) CommitState(ctx context.Context, state *models.State) error {
	_, err := r.db.Exec(ctx, upsertStateSQL,
		state.Name, state.BlockNumber, state.BlockHash, state.Discarded, state.Finalized)
	if err != nil {
		return fmt.Errorf("failed to upsert state '%s': %w", state.Name, err)
	}
	r.cacheState(state)
	return nil
}

// DiscardRecent rewinds the named cursor by rewind blocks and deletes the
// event rows above the new position. The discarded flag guards the rewind,
// it runs at most once per cursor lifetime and clears only with the cursor
// row itself.
func (r *Repository) DiscardRecent(ctx context.Context, name string, rewind uint64) error {
	state, err := r.State(ctx, name)
	if err != nil {
		return err
	}
	if state == nil || state.Discarded || state.BlockNumber == 0 {
		return nil
	}

	cutoff := uint64(0)
	if state.BlockNumber > rewind {
		cutoff = state.BlockNumber - rewind
	}
	log.Printf("[repository] Discarding events above block %d (cursor '%s' was %d)",
		cutoff, name, state.BlockNumber)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin discard: %w", err)
	}
	defer tx.Rollback(ctx)

	// event rows link to their block through the transaction row
	for _, table := range []string{"transfer", "mint", "burn", "swap", "sync"} {
		query := fmt.Sprintf(`DELETE FROM %s USING transaction t, block b
			WHERE %s.tx_hash = t.hash AND t.block_hash = b.hash AND b.number > $1`, table, table)
		if _, err := tx.Exec(ctx, query, cutoff); err != nil {
			return fmt.Errorf("failed to discard %s rows: %w", table, err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM xquery WHERE block_height > $1`, cutoff); err != nil {
		return fmt.Errorf("failed to discard xquery rows: %w", err)
	}

	state.BlockNumber = cutoff
	state.BlockHash = nil
	state.Discarded = true

	var hash string
	err = tx.QueryRow(ctx, `SELECT hash FROM block WHERE number = $1 LIMIT 1`, cutoff).Scan(&hash)
	if err == nil {
		state.BlockHash = &hash
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to resolve block %d: %w", cutoff, err)
	}

	if _, err := tx.Exec(ctx, upsertStateSQL,
		state.Name, state.BlockNumber, state.BlockHash, state.Discarded, state.Finalized); err != nil {
		return fmt.Errorf("failed to rewind state '%s': %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit discard: %w", err)
	}

	r.cacheState(state)
	return nil
}
