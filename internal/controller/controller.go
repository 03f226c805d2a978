// Package controller drives the indexing pipeline. It cuts chain ranges into
// jobs for a pool of worker goroutines and hands the results to a single
// commit coordinator that writes them to the database in block order.
package controller

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"xquery/internal/event"
	"xquery/internal/models"
)

const (
	// bounded queues keep memory flat when the node outruns the database
	queueCapacity = 100

	// bundles batched into a single indexing job
	jobBundleSize = 16

	// out of order results buffered before a lost job is assumed
	maxResultStorage = 1000

	// attempts for a throttled eth_getLogs call
	filterRetries    = 5
	filterRetryDelay = 3 * time.Second

	// consecutive result polls before the coordinator re-checks termination
	drainPolls  = 20
	drainPeriod = time.Second

	// cadence at which drain waiters re-check the job counters
	drainInterval = 100 * time.Millisecond

	// log count per filter call above which the scan window shrinks
	denseLogCount = 4096
)

// ErrReorderOverflow reports that the coordinator buffered more out of order
// results than a healthy worker pool can produce, meaning a job was lost.
var ErrReorderOverflow = errors.New("reorder buffer overflow")

// errTerminated aborts a blocking submission during a graceful shutdown.
var errTerminated = errors.New("controller terminating")

// ChainClient is the slice of the RPC client the controller itself needs.
// Workers talk to the chain through their indexer instead.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Store is the slice of the repository the controller commits through.
type Store interface {
	CachedState(ctx context.Context, name string) (*models.State, error)
	CommitBundle(ctx context.Context, objects []any, cursor *models.State) error
	DiscardRecent(ctx context.Context, name string, rewind uint64) error
}

// Config bundles the dependencies and tuning knobs of a controller.
type Config struct {
	Client ChainClient
	Store  Store
	Filter event.Filter

	// NewIndexer builds the event indexer of one worker. Indexers keep
	// job-local state, so every worker needs its own instance.
	NewIndexer func() event.Indexer

	// Stages run in order during compute passes. May be empty.
	Stages []event.StageInfo

	// Workers is the number of indexer and of processor goroutines.
	// Zero means one per CPU.
	Workers int

	// ChunkSize is the initial number of blocks per eth_getLogs call,
	// MaxChunkSize bounds the adaptive window.
	ChunkSize    uint64
	MaxChunkSize uint64

	// SafetyBlocks is the number of most recent blocks never scanned, so
	// only finalized blocks are indexed.
	SafetyBlocks uint64

	// RewindBlocks is the number of blocks discarded below the cursor
	// when resuming after a shutdown.
	RewindBlocks uint64

	// TargetSleep is the minimum duration of one run loop iteration.
	TargetSleep time.Duration
}

// Controller owns the job queues, the worker pool and the commit coordinator.
// Scan and Compute run on the caller's goroutine and block until their work
// has been committed.
type Controller struct {
	client     ChainClient
	store      Store
	filter     event.Filter
	newIndexer func() event.Indexer
	stages     []event.StageInfo

	workers      int
	chunkSize    uint64
	maxChunkSize uint64
	safetyBlocks uint64
	rewindBlocks uint64
	targetSleep  time.Duration

	// poll cadences, fixed except in tests
	pollPeriod time.Duration
	retryDelay time.Duration

	indexJobs   chan Job
	processJobs chan Job
	results     chan JobResult

	// submitted is also the id of the next job, ids are dense from 0
	submitted atomic.Uint64
	committed atomic.Uint64

	terminating atomic.Bool
	quit        chan struct{}
	quitOnce    sync.Once

	// aborted is closed on the first fatal error, unblocking every wait
	aborted chan struct{}
	failMu  sync.Mutex
	failErr error

	// restart truncation runs at most once per process
	truncated bool

	stopWorkers chan struct{}
	workerWG    sync.WaitGroup
	coordWG     sync.WaitGroup
}

// New validates the configuration and builds a stopped controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Client == nil {
		return nil, errors.New("controller requires a chain client")
	}
	if cfg.Store == nil {
		return nil, errors.New("controller requires a store")
	}
	if cfg.Filter == nil {
		return nil, errors.New("controller requires an event filter")
	}
	if cfg.NewIndexer == nil {
		return nil, errors.New("controller requires an indexer factory")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	chunk := cfg.ChunkSize
	if chunk == 0 {
		chunk = 1
	}
	maxChunk := cfg.MaxChunkSize
	if maxChunk == 0 {
		maxChunk = chunk
	}

	return &Controller{
		client:       cfg.Client,
		store:        cfg.Store,
		filter:       cfg.Filter,
		newIndexer:   cfg.NewIndexer,
		stages:       cfg.Stages,
		workers:      workers,
		chunkSize:    chunk,
		maxChunkSize: maxChunk,
		safetyBlocks: cfg.SafetyBlocks,
		rewindBlocks: cfg.RewindBlocks,
		targetSleep:  cfg.TargetSleep,
		pollPeriod:   drainPeriod,
		retryDelay:   filterRetryDelay,
		indexJobs:    make(chan Job, queueCapacity),
		processJobs:  make(chan Job, queueCapacity),
		results:      make(chan JobResult, queueCapacity),
		quit:         make(chan struct{}),
		aborted:      make(chan struct{}),
		stopWorkers:  make(chan struct{}),
	}, nil
}

// Start launches the coordinator and the worker pool.
func (c *Controller) Start(ctx context.Context) {
	log.Printf("[controller] Starting %d indexer and %d processor workers", c.workers, c.workers)

	c.coordWG.Add(1)
	go c.coordinate(ctx)

	for i := 0; i < c.workers; i++ {
		c.workerWG.Add(2)
		go c.indexWorker(ctx, i)
		go c.processWorker(ctx, i)
	}
}

// Stop drains in-flight work and shuts the pool down. It returns the first
// fatal error encountered since Start.
func (c *Controller) Stop() error {
	log.Printf("[controller] Terminating controller")
	c.Terminate()

	// let the coordinator commit everything already submitted
	c.waitDrained()

	close(c.stopWorkers)
	c.workerWG.Wait()
	c.coordWG.Wait()

	if submitted, committed := c.submitted.Load(), c.committed.Load(); submitted != committed {
		log.Printf("[controller] Number of jobs does not match results (%d != %d)", submitted, committed)
	}
	return c.err()
}

// Terminate requests a graceful shutdown. Already submitted jobs still run
// and commit, no new jobs are scheduled.
func (c *Controller) Terminate() {
	c.terminating.Store(true)
	c.quitOnce.Do(func() { close(c.quit) })
}

// Run repeats scan and compute passes until terminated, waking early from the
// pause between iterations on shutdown. SIGINT, SIGTERM and SIGHUP trigger a
// graceful termination while Run is active.
func (c *Controller) Run(ctx context.Context, startBlock, endBlock uint64) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	go func() {
		select {
		case sig := <-sigs:
			log.Printf("[controller] Received signal '%v', terminating", sig)
			c.Terminate()
		case <-c.quit:
		}
	}()

	for !c.terminating.Load() {
		started := time.Now()

		if err := c.Scan(ctx, startBlock, endBlock); err != nil {
			return err
		}
		if err := c.Compute(ctx, startBlock, endBlock); err != nil {
			return err
		}

		elapsed := time.Since(started)
		log.Printf("[controller] Executed main loop in %.2fs", elapsed.Seconds())

		if delay := c.targetSleep - elapsed; delay > 0 && !c.terminating.Load() {
			log.Printf("[controller] Resuming main loop in %.2fs", delay.Seconds())
			select {
			case <-time.After(delay):
			case <-c.quit:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return c.err()
}

// fail records the first fatal error and aborts all blocking operations.
func (c *Controller) fail(err error) {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	if c.failErr != nil {
		return
	}
	c.failErr = err
	log.Printf("[controller] Fatal: %v", err)
	c.terminating.Store(true)
	c.quitOnce.Do(func() { close(c.quit) })
	close(c.aborted)
}

func (c *Controller) err() error {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	return c.failErr
}

func (c *Controller) failed() bool {
	select {
	case <-c.aborted:
		return true
	default:
		return false
	}
}

// submitJob assigns the next job id and enqueues, blocking until the queue
// has room or the controller shuts down.
func (c *Controller) submitJob(ctx context.Context, queue chan<- Job, bundles []DataBundle) error {
	job := Job{ID: c.submitted.Load(), Bundles: bundles}
	select {
	case queue <- job:
		c.submitted.Add(1)
		return nil
	case <-c.aborted:
		return c.err()
	case <-c.quit:
		return errTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitResult enqueues a result produced outside the worker pool, used for
// the setup pseudo jobs that anchor a fresh cursor.
func (c *Controller) submitResult(ctx context.Context, name string, blockNumber uint64, objects []any) error {
	result := JobResult{
		ID: c.submitted.Load(),
		Bundles: []ResultBundle{{
			Meta:    Meta{StateName: name, BlockNumber: blockNumber},
			Objects: objects,
		}},
	}
	select {
	case c.results <- result:
		c.submitted.Add(1)
		return nil
	case <-c.aborted:
		return c.err()
	case <-c.quit:
		return errTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainResults blocks until every submitted job has been committed.
func (c *Controller) drainResults(ctx context.Context) error {
	for c.committed.Load() < c.submitted.Load() {
		select {
		case <-c.aborted:
			return c.err()
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainInterval):
		}
	}
	return nil
}

func (c *Controller) waitDrained() {
	for c.committed.Load() < c.submitted.Load() {
		select {
		case <-c.aborted:
			return
		case <-time.After(drainInterval):
		}
	}
}
