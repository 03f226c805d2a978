package controller

import (
	"context"
	"fmt"
	"log"

	"xquery/internal/event"
)

// indexWorker turns raw event logs into database rows. Every worker owns its
// own indexer instance because indexers keep job-local correlation state.
func (c *Controller) indexWorker(ctx context.Context, id int) {
	defer c.workerWG.Done()

	indexer := c.newIndexer()
	log.Printf("[worker] Starting indexer worker %d", id)

	for {
		select {
		case job := <-c.indexJobs:
			result, err := runIndexJob(ctx, indexer, job)
			if err != nil {
				c.fail(fmt.Errorf("indexer worker %d: %w", id, err))
				return
			}
			if !c.deliver(result) {
				return
			}
		case <-c.stopWorkers:
			return
		case <-c.aborted:
			return
		}
	}
}

// processWorker runs processor stage intervals.
func (c *Controller) processWorker(ctx context.Context, id int) {
	defer c.workerWG.Done()

	log.Printf("[worker] Starting processor worker %d", id)

	for {
		select {
		case job := <-c.processJobs:
			result, err := runProcessJob(ctx, job)
			if err != nil {
				c.fail(fmt.Errorf("processor worker %d: %w", id, err))
				return
			}
			if !c.deliver(result) {
				return
			}
		case <-c.stopWorkers:
			return
		case <-c.aborted:
			return
		}
	}
}

// deliver enqueues a result, giving up when the controller aborts.
func (c *Controller) deliver(result JobResult) bool {
	select {
	case c.results <- result:
		return true
	case <-c.aborted:
		return false
	}
}

func runIndexJob(ctx context.Context, indexer event.Indexer, job Job) (JobResult, error) {
	// correlation state must not leak into the next job
	defer indexer.Reset()

	result := JobResult{ID: job.ID, Bundles: make([]ResultBundle, 0, len(job.Bundles))}
	for _, bundle := range job.Bundles {
		objects := make([]any, 0, len(bundle.Entries))
		for _, entry := range bundle.Entries {
			out, err := indexer.Process(ctx, entry)
			if err != nil {
				return JobResult{}, fmt.Errorf("failed to process log %d of block %d: %w", entry.Index, entry.BlockNumber, err)
			}
			objects = append(objects, out...)
		}
		result.Bundles = append(result.Bundles, ResultBundle{Meta: bundle.Meta, Objects: objects})
	}
	return result, nil
}

func runProcessJob(ctx context.Context, job Job) (JobResult, error) {
	result := JobResult{ID: job.ID, Bundles: make([]ResultBundle, 0, len(job.Bundles))}
	for _, bundle := range job.Bundles {
		interval := bundle.Interval
		if interval == nil {
			return JobResult{}, fmt.Errorf("process job %d carries no interval", job.ID)
		}
		objects, err := interval.Stage.Process(ctx, interval.A, interval.B)
		if err != nil {
			return JobResult{}, fmt.Errorf("failed to process interval [%d, %d]: %w", interval.A, interval.B, err)
		}
		result.Bundles = append(result.Bundles, ResultBundle{Meta: bundle.Meta, Objects: objects})
	}
	return result, nil
}
