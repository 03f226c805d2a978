package controller

import (
	"github.com/ethereum/go-ethereum/core/types"

	"xquery/internal/event"
)

const (
	// StateIndexer names the cursor row advanced by scan passes.
	StateIndexer = "indexer"

	// StateStagePrefix prefixes the cursor row name of a processor stage.
	StateStagePrefix = "processor_"
)

// Meta anchors a data bundle to the cursor row its commit advances. The
// coordinator writes (BlockNumber, BlockHash) into the named state row inside
// the same transaction as the bundle's objects.
type Meta struct {
	StateName   string
	BlockNumber uint64
	BlockHash   string
}

// DataBundle is the smallest unit of work: the event logs of a single block
// for index jobs, or one block interval for process jobs.
type DataBundle struct {
	Meta     Meta
	Entries  []types.Log
	Interval *event.ComputeInterval
}

// Job carries one or more bundles to a worker. Ids are dense and ascending,
// the coordinator commits results in exactly this order.
type Job struct {
	ID      uint64
	Bundles []DataBundle
}

// ResultBundle pairs the objects produced for a bundle with the metadata of
// the inbound bundle, so the commit stays anchored to the right cursor.
type ResultBundle struct {
	Meta    Meta
	Objects []any
}

// JobResult mirrors the bundles of the job it answers.
type JobResult struct {
	ID      uint64
	Bundles []ResultBundle
}
