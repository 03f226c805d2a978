// Package event contains the chain-facing half of the indexer: filters that
// fetch raw event logs, indexers that turn logs into database rows and
// processor stages that derive aggregate data from rows already committed.
package event

import (
	"context"

	"github.com/ethereum/go-ethereum/core/types"

	"xquery/internal/models"
)

// Indexer converts raw event logs into database rows. Implementations keep
// job-local correlation state, so an instance is confined to a single worker
// goroutine.
type Indexer interface {
	// Setup returns the rows committed together with the initial cursor,
	// before the first block is scanned.
	Setup(ctx context.Context, startBlock uint64) ([]any, error)

	// Process indexes a single event log entry.
	Process(ctx context.Context, entry types.Log) ([]any, error)

	// Reset clears job-local state. Called after every job.
	Reset()
}

// Filter fetches the relevant event logs for a block range, deduplicated and
// ordered by (block number, log index). Both bounds are inclusive.
type Filter interface {
	Logs(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error)
}

// Stage derives aggregate data from rows the indexer already committed.
// Process runs concurrently on worker goroutines. The remaining hooks run
// once per compute pass on the controller goroutine.
type Stage interface {
	// Setup returns the rows committed together with the initial stage
	// cursor, before the first interval is processed.
	Setup(ctx context.Context, firstBlock uint64) ([]any, error)

	// PreProcess runs before the intervals of a pass are submitted. It must
	// not write to the database.
	PreProcess(ctx context.Context, startBlock, endBlock uint64) error

	// Process computes rows for one interval of blocks. Everything computed
	// must have no dependencies outside of [startBlock, endBlock].
	Process(ctx context.Context, startBlock, endBlock uint64) ([]any, error)

	// PostProcess runs after all intervals of a pass have been committed.
	// It performs sequential bulk updates directly and advances
	// state.Finalized.
	PostProcess(ctx context.Context, firstBlock, endBlock uint64, state *models.State) error
}

// StageInfo configures one stage of a processing pipeline.
type StageInfo struct {
	// unique within a pipeline, used to derive the state cursor name
	Name string

	Stage Stage

	// blocks per job, 0 packs the whole interval into a single job
	BatchSize uint64
}

// ComputeInterval instructs a processor worker to run a stage over the block
// interval [A, B].
type ComputeInterval struct {
	Stage Stage
	A     uint64
	B     uint64
}
