package event

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"xquery/internal/models"
)

// Processor stages post-process previously indexed event data. They run in
// worker goroutines, so implementations keep no state across Process calls;
// anything job-local lives on the stack of Process.

// StateCommitter persists cursor updates made outside the regular result
// commit path, primarily the finalized watermark of a stage.
type StateCommitter interface {
	CommitState(ctx context.Context, state *models.State) error
}

// finalizeToBlock marks a stage as finalized up to and including endBlock.
// The stage cursor must already cover the finalized range.
func finalizeToBlock(ctx context.Context, store StateCommitter, endBlock uint64, state *models.State) error {
	if state.BlockNumber < endBlock {
		return fmt.Errorf("state '%s' cursor %d is behind finalize target %d", state.Name, state.BlockNumber, endBlock)
	}

	finalized := int64(endBlock)
	state.Finalized = &finalized

	if err := store.CommitState(ctx, state); err != nil {
		return fmt.Errorf("failed to commit state '%s': %w", state.Name, err)
	}
	return nil
}

func orZero(v decimal.NullDecimal) decimal.Decimal {
	if v.Valid {
		return v.Decimal
	}
	return decimal.Zero
}
