package controller

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"xquery/internal/models"
)

// coordinate is the single writer of the pipeline. It restores the global
// job order on the results queue and commits one result at a time, so
// database state only ever advances in block order.
//
// Out of order results wait in a sorted buffer. Whenever the buffered result
// with the smallest id is the next expected one, the contiguous prefix is
// committed. Otherwise the queue is polled with a timeout, bounded to
// drainPolls iterations so termination is observed even on an idle queue.
func (c *Controller) coordinate(ctx context.Context) {
	defer c.coordWG.Done()
	log.Printf("[controller] Starting commit coordinator")

	var buffer []JobResult

	for !c.terminating.Load() || c.committed.Load() < c.submitted.Load() {
		if c.failed() {
			return
		}

		for len(buffer) > 0 && buffer[0].ID == c.committed.Load() {
			if err := c.commitResult(ctx, buffer[0]); err != nil {
				c.fail(err)
				return
			}
			buffer = buffer[1:]
		}

	polling:
		for i := 0; i < drainPolls; i++ {
			select {
			case result := <-c.results:
				next := c.committed.Load()
				if result.ID == next {
					if err := c.commitResult(ctx, result); err != nil {
						c.fail(err)
						return
					}
					// keep polling, more results may be in order
					continue
				}
				if result.ID < next {
					c.fail(fmt.Errorf("job result %d arrived twice", result.ID))
					return
				}
				var err error
				buffer, err = insertResult(buffer, result)
				if err != nil {
					c.fail(err)
					return
				}
				break polling
			case <-c.aborted:
				return
			case <-time.After(c.pollPeriod):
				break polling
			}
		}
	}

	if len(buffer) > 0 {
		c.fail(fmt.Errorf("shutting down with %d job results stranded, a job was lost", len(buffer)))
		return
	}
	log.Printf("[controller] Terminating commit coordinator")
}

// commitResult writes a job result to the database, one transaction per
// bundle. The cursor named in the metadata advances inside the transaction
// of the last bundle, so a crash leaves a prefix of fully committed blocks
// with the cursor pointing at the highest one.
func (c *Controller) commitResult(ctx context.Context, result JobResult) error {
	for i, bundle := range result.Bundles {
		var cursor *models.State
		if i == len(result.Bundles)-1 {
			state, err := c.store.CachedState(ctx, bundle.Meta.StateName)
			if err != nil {
				return err
			}
			if state == nil {
				state = &models.State{Name: bundle.Meta.StateName}
			}
			state.BlockNumber = bundle.Meta.BlockNumber
			state.BlockHash = nil
			if bundle.Meta.BlockHash != "" {
				hash := bundle.Meta.BlockHash
				state.BlockHash = &hash
			}
			// new commits re-arm the restart truncation
			state.Discarded = false
			cursor = state
		}
		if err := c.store.CommitBundle(ctx, bundle.Objects, cursor); err != nil {
			return fmt.Errorf("failed to commit job %d: %w", result.ID, err)
		}
	}

	c.committed.Add(1)
	if n := len(result.Bundles); n > 0 {
		meta := result.Bundles[n-1].Meta
		log.Printf("[controller] Committed job %d for state '%s' up to block %d", result.ID, meta.StateName, meta.BlockNumber)
	}
	return nil
}

// insertResult adds a result to the reorder buffer, keeping it sorted by id.
// The buffer is hard-capped, a larger backlog means a job was dropped.
func insertResult(buffer []JobResult, result JobResult) ([]JobResult, error) {
	at := sort.Search(len(buffer), func(i int) bool { return buffer[i].ID >= result.ID })
	buffer = append(buffer, JobResult{})
	copy(buffer[at+1:], buffer[at:])
	buffer[at] = result

	if len(buffer) >= maxResultStorage {
		return buffer, fmt.Errorf("%w: %d job results buffered", ErrReorderOverflow, len(buffer))
	}
	return buffer, nil
}
