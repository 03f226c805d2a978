package controller

import (
	"context"
	"errors"
	"fmt"
	"log"

	"xquery/internal/event"
	"xquery/internal/util"
)

// Compute post-processes indexed event data. Stages run strictly one after
// another, every job of a stage is committed before the next stage starts,
// so later stages can rely on the rows of earlier ones. The range is clamped
// to the indexer cursor, an endBlock of zero means everything indexed.
func (c *Controller) Compute(ctx context.Context, startBlock, endBlock uint64) error {
	if len(c.stages) == 0 {
		return nil
	}
	if err := c.drainResults(ctx); err != nil {
		return err
	}

	indexerState, err := c.store.CachedState(ctx, StateIndexer)
	if err != nil {
		return err
	}
	if indexerState == nil {
		log.Printf("[controller] Skipping compute, nothing indexed yet")
		return nil
	}
	if endBlock == 0 || endBlock > indexerState.BlockNumber {
		endBlock = indexerState.BlockNumber
	}

	log.Printf("[controller] Starting compute")
	for _, info := range c.stages {
		if c.terminating.Load() {
			break
		}
		if err := c.computeStage(ctx, info, startBlock, endBlock); err != nil {
			return err
		}
	}
	log.Printf("[controller] Finished compute")
	return nil
}

func (c *Controller) computeStage(ctx context.Context, info event.StageInfo, startBlock, endBlock uint64) error {
	name := StateStagePrefix + info.Name

	state, err := c.store.CachedState(ctx, name)
	if err != nil {
		return err
	}

	if state == nil {
		log.Printf("[controller] Initializing stage '%s'", info.Name)

		objects, err := info.Stage.Setup(ctx, startBlock)
		if err != nil {
			return fmt.Errorf("failed to set up stage %s: %w", info.Name, err)
		}
		if err := c.submitResult(ctx, name, startBlock, objects); err != nil {
			return err
		}
		if err := c.drainResults(ctx); err != nil {
			return err
		}

		state, err = c.store.CachedState(ctx, name)
		if err != nil {
			return err
		}
		if state == nil {
			return fmt.Errorf("state %s missing after setup", name)
		}
	}

	start := startBlock
	if next := state.BlockNumber + 1; next > start {
		start = next
	}
	if start > endBlock {
		log.Printf("[controller] Skipping up-to-date stage '%s' (%d to %d)", info.Name, start, endBlock)
		return nil
	}

	log.Printf("[controller] Processing stage '%s' (%d to %d)", info.Name, start, endBlock)

	if err := info.Stage.PreProcess(ctx, start, endBlock); err != nil {
		return fmt.Errorf("failed to pre-process stage %s: %w", info.Name, err)
	}

	for _, interval := range util.Intervaled(start, endBlock, info.BatchSize) {
		if c.terminating.Load() {
			break
		}
		bundle := DataBundle{
			Meta:     Meta{StateName: name, BlockNumber: interval.B},
			Interval: &event.ComputeInterval{Stage: info.Stage, A: interval.A, B: interval.B},
		}
		if err := c.submitJob(ctx, c.processJobs, []DataBundle{bundle}); err != nil {
			if errors.Is(err, errTerminated) {
				break
			}
			return err
		}
	}

	if err := c.drainResults(ctx); err != nil {
		return err
	}

	state, err = c.store.CachedState(ctx, name)
	if err != nil {
		return err
	}
	if state == nil || state.BlockNumber < endBlock {
		// interrupted mid-stage, the next pass finishes the range
		return nil
	}

	if err := info.Stage.PostProcess(ctx, start, endBlock, state); err != nil {
		return fmt.Errorf("failed to post-process stage %s: %w", info.Name, err)
	}
	return nil
}
