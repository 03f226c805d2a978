package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"xquery/internal/eth"
	"xquery/internal/models"
	"xquery/internal/util"
)

// Scan indexes the event logs of [startBlock, endBlock] and blocks until the
// results are committed. The range is clamped so the most recent safety
// blocks stay untouched, an endBlock of zero means the chain head. The scan
// resumes after the indexer cursor, so repeated calls are cheap.
func (c *Controller) Scan(ctx context.Context, startBlock, endBlock uint64) error {
	if err := c.drainResults(ctx); err != nil {
		return err
	}

	latest, err := c.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch latest block: %w", err)
	}
	if latest < c.safetyBlocks {
		log.Printf("[controller] Skipping scan, chain is only %d blocks long", latest)
		return nil
	}
	if safeEnd := latest - c.safetyBlocks; endBlock == 0 || endBlock > safeEnd {
		endBlock = safeEnd
	}

	state, err := c.prepareIndexerState(ctx, startBlock)
	if err != nil {
		return err
	}

	start := startBlock
	if next := state.BlockNumber + 1; next > start {
		start = next
	}
	if start > endBlock {
		log.Printf("[controller] Skipping obsolete scan (%d to %d)", start, endBlock)
		return nil
	}

	log.Printf("[controller] Starting scan (%d to %d with %d safety blocks)", start, endBlock, c.safetyBlocks)

	chunk := c.chunkSize
	current := start
	for current <= endBlock && !c.terminating.Load() {
		size := chunk
		if remaining := endBlock - current + 1; size > remaining {
			size = remaining
		}

		logs, used, err := c.filterLogs(ctx, current, size)
		if err != nil {
			if errors.Is(err, errTerminated) {
				break
			}
			return err
		}
		log.Printf("[controller] Fetched %d log entries from %d blocks (%d to %d)", len(logs), used, current, current+used-1)

		if err := c.submitLogs(ctx, logs); err != nil {
			if errors.Is(err, errTerminated) {
				break
			}
			return err
		}

		current += used
		chunk = c.estimateNextChunkSize(used, len(logs))
	}

	// compute passes read the cursor, everything scanned must be committed
	if err := c.drainResults(ctx); err != nil {
		return err
	}
	log.Printf("[controller] Finished scan")
	return nil
}

// prepareIndexerState returns the indexer cursor, creating it through a setup
// pseudo job on first contact and truncating recently indexed blocks once
// per process when resuming an existing database.
func (c *Controller) prepareIndexerState(ctx context.Context, startBlock uint64) (*models.State, error) {
	state, err := c.store.CachedState(ctx, StateIndexer)
	if err != nil {
		return nil, err
	}

	if state == nil {
		log.Printf("[controller] Initializing indexer")

		// the setup result runs on this goroutine, workers never see it
		indexer := c.newIndexer()
		objects, err := indexer.Setup(ctx, startBlock)
		if err != nil {
			return nil, fmt.Errorf("failed to set up indexer: %w", err)
		}
		if err := c.submitResult(ctx, StateIndexer, startBlock, objects); err != nil {
			return nil, err
		}
		if err := c.drainResults(ctx); err != nil {
			return nil, err
		}

		state, err = c.store.CachedState(ctx, StateIndexer)
		if err != nil {
			return nil, err
		}
		if state == nil {
			return nil, errors.New("indexer state missing after setup")
		}
		return state, nil
	}

	if c.truncated {
		return state, nil
	}
	c.truncated = true

	switch {
	case state.Discarded:
		log.Printf("[controller] Skipping discard, cursor was already rewound")
	case c.rewindBlocks == 0 || state.BlockNumber == 0:
	default:
		log.Printf("[controller] Discarding the %d most recently indexed blocks after restart", c.rewindBlocks)
		if err := c.store.DiscardRecent(ctx, StateIndexer, c.rewindBlocks); err != nil {
			return nil, fmt.Errorf("failed to discard recent blocks: %w", err)
		}
		state, err = c.store.CachedState(ctx, StateIndexer)
		if err != nil {
			return nil, err
		}
		if state == nil {
			return nil, errors.New("indexer state missing after discard")
		}
	}
	return state, nil
}

// filterLogs fetches the logs of [from, from+chunk-1], halving the window on
// throttle errors. It returns the window size that finally succeeded, the
// caller advances by exactly that many blocks.
func (c *Controller) filterLogs(ctx context.Context, from, chunk uint64) ([]types.Log, uint64, error) {
	for attempt := 1; ; attempt++ {
		logs, err := c.filter.Logs(ctx, from, from+chunk-1)
		if err == nil {
			return logs, chunk, nil
		}
		if attempt >= filterRetries || !eth.IsThrottleError(err) {
			return nil, 0, fmt.Errorf("failed to fetch logs from block %d: %w", from, err)
		}

		if chunk > 1 {
			chunk /= 2
		}
		log.Printf("[controller] Failed to fetch log entries, reducing window to %d blocks and retrying in %s: %v", chunk, c.retryDelay, err)
		select {
		case <-time.After(c.retryDelay):
		case <-c.quit:
			return nil, 0, errTerminated
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// submitLogs groups logs by block and schedules them as indexing jobs. All
// logs of one block always travel in the same bundle, the commit of a block
// is atomic because of it.
func (c *Controller) submitLogs(ctx context.Context, logs []types.Log) error {
	if len(logs) == 0 {
		return nil
	}

	groups := util.Bundled(logs, func(entry types.Log) uint64 { return entry.BlockNumber })
	bundles := make([]DataBundle, 0, len(groups))
	for _, group := range groups {
		bundles = append(bundles, DataBundle{
			Meta: Meta{
				StateName:   StateIndexer,
				BlockNumber: group[0].BlockNumber,
				BlockHash:   group[0].BlockHash.Hex(),
			},
			Entries: group,
		})
	}

	for _, batch := range util.Batched(bundles, jobBundleSize) {
		if c.terminating.Load() {
			return errTerminated
		}
		if err := c.submitJob(ctx, c.indexJobs, batch); err != nil {
			return err
		}
	}
	return nil
}

// estimateNextChunkSize adapts the scan window to the log density of the
// previous filter call. Sparse chain sections are crossed with fewer RPC
// round trips, dense sections keep responses below provider limits.
func (c *Controller) estimateNextChunkSize(used uint64, logCount int) uint64 {
	next := used
	switch {
	case logCount == 0:
		next = used * 2
	case logCount > denseLogCount:
		next = used / 2
	}

	if next < 1 {
		next = 1
	}
	if next > c.maxChunkSize {
		next = c.maxChunkSize
	}
	return next
}
