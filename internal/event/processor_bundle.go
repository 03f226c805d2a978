package event

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"xquery/internal/models"
	"xquery/internal/util"
)

// transitionLogIndex marks bundles created at an interval boundary rather
// than at a sync event. It sorts after any real log index in its block, so
// price lookups at or before a position yield the same result.
const transitionLogIndex = 0x7FFFFFFF

// PairInfo configures a tracked pair. Order is the position of the
// denominator token in the pair, either 0 or 1.
type PairInfo struct {
	Address string
	Order   int
}

// PriceInfo holds the exchange rate of a tracked pair together with the
// absolute liquidity of the denominator token, used for weighting.
type PriceInfo struct {
	Price  decimal.Decimal
	Weight decimal.Decimal
}

// BundleEra scopes a set of tracked pairs to the blocks strictly after its
// cutover. The first era of a config must use cutover 0.
type BundleEra struct {
	Cutover uint64
	Pairs   []PairInfo
}

// BundleConfig describes the tracked pairs of a deployment. DefaultPrice is
// used while no tracked pair has any liquidity.
type BundleConfig struct {
	DefaultPrice decimal.Decimal
	Eras         []BundleEra
}

// BundleStore is the database surface of the bundle stage.
type BundleStore interface {
	StateCommitter

	// LastSyncBefore returns the latest sync of a pair strictly before the
	// given block, or nil if the pair has never synced.
	LastSyncBefore(ctx context.Context, pairAddress string, block uint64) (*models.SyncPoint, error)
	// LastBlockBefore returns the latest indexed block strictly before the
	// given number, or nil.
	LastBlockBefore(ctx context.Context, block uint64) (*models.Block, error)
	// BundleAt returns the bundle at the exact position, or nil.
	BundleAt(ctx context.Context, blockHash string, logIndex uint64) (*models.Bundle, error)
	// SyncsInRange returns the syncs of the given pairs within the inclusive
	// block range, ordered by block number and log index.
	SyncsInRange(ctx context.Context, fromBlock, toBlock uint64, pairAddresses []string) ([]models.SyncPoint, error)
}

// BundleStage computes the USD price of the native asset for a range of
// blocks. The price at an arbitrary (block, logIndex) position can be
// determined by loading the first bundle at or before that position.
//
// A new bundle entry is only added when the price actually changes, not at
// every block height.
type BundleStage struct {
	store        BundleStore
	orders       map[string]int
	defaultPrice decimal.Decimal
	eras         []BundleEra
}

func NewBundleStage(store BundleStore, cfg BundleConfig) *BundleStage {
	orders := make(map[string]int)
	for _, era := range cfg.Eras {
		for _, info := range era.Pairs {
			orders[info.Address] = info.Order
		}
	}

	return &BundleStage{
		store:        store,
		orders:       orders,
		defaultPrice: cfg.DefaultPrice,
		eras:         cfg.Eras,
	}
}

// calcPrice computes the exchange rate of a pair from its reserves. Reserves
// are assumed to be strictly greater than zero. The weight is always the
// reserve of the denominator token.
func calcPrice(a, b decimal.Decimal, order int) PriceInfo {
	if order != 0 {
		return PriceInfo{Price: b.DivRound(a, util.PriceScale), Weight: a}
	}
	return PriceInfo{Price: a.DivRound(b, util.PriceScale), Weight: b}
}

// calcWeightedAverage reduces a set of prices to sum(price * weight) divided
// by the total weight.
func calcWeightedAverage(prices map[string]PriceInfo) decimal.Decimal {
	totalValue := decimal.Zero
	totalWeight := decimal.Zero
	for _, info := range prices {
		totalValue = totalValue.Add(info.Price.Mul(info.Weight))
		totalWeight = totalWeight.Add(info.Weight)
	}

	if totalWeight.IsZero() {
		return decimal.Zero
	}
	return totalValue.DivRound(totalWeight, util.PriceScale)
}

// findInitialPrice looks for the last sync event strictly before startBlock
// to deduce an initial price for a pair. Defaults to price 0 and weight 0
// when no sync exists yet.
func (s *BundleStage) findInitialPrice(ctx context.Context, startBlock uint64, pairAddress string, order int) (PriceInfo, error) {
	sync, err := s.store.LastSyncBefore(ctx, pairAddress, startBlock)
	if err != nil {
		return PriceInfo{}, fmt.Errorf("failed to load last sync of pair '%s': %w", pairAddress, err)
	}
	if sync == nil {
		return PriceInfo{Price: decimal.Zero, Weight: decimal.Zero}, nil
	}
	return calcPrice(sync.Reserve0, sync.Reserve1, order), nil
}

// initPrices builds the initial price per tracked pair and emits a
// transition bundle carrying the weighted average, so lookups resolve before
// the first sync of the interval.
func (s *BundleStage) initPrices(ctx context.Context, startBlock uint64, pairAddresses []string) (map[string]PriceInfo, []any, error) {
	prices := make(map[string]PriceInfo, len(pairAddresses))
	for _, addr := range pairAddresses {
		info, err := s.findInitialPrice(ctx, startBlock, addr, s.orders[addr])
		if err != nil {
			return nil, nil, err
		}
		prices[addr] = info
	}

	totalWeight := decimal.Zero
	for _, info := range prices {
		totalWeight = totalWeight.Add(info.Weight)
	}

	price := s.defaultPrice
	if totalWeight.IsPositive() {
		price = calcWeightedAverage(prices)
	}

	// The block at startBlock might not be indexed. Settle for the last
	// block before it combined with the max log index, which yields the
	// same result when looking up price values.
	block, err := s.store.LastBlockBefore(ctx, startBlock)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load block before %d: %w", startBlock, err)
	}

	var blockHash *string
	if block != nil {
		// ensure the transition bundle is only created once on subsequent runs
		bundle, err := s.store.BundleAt(ctx, block.Hash, transitionLogIndex)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load bundle at block '%s': %w", block.Hash, err)
		}
		if bundle != nil {
			if !bundle.NativePrice.Equal(price) {
				return nil, nil, fmt.Errorf("bundle at block '%s' holds price %s, expected %s", block.Hash, bundle.NativePrice, price)
			}
			return prices, nil, nil
		}
		blockHash = &block.Hash
	}

	bundle := &models.Bundle{
		NativePrice: price,
		BlockHash:   blockHash,
		LogIndex:    transitionLogIndex,
	}
	return prices, []any{bundle}, nil
}

// processRange recomputes the weighted average at every sync event of a
// tracked pair and emits one bundle per price point.
func (s *BundleStage) processRange(ctx context.Context, startBlock, endBlock uint64, pairAddresses []string, prices map[string]PriceInfo) ([]any, error) {
	syncs, err := s.store.SyncsInRange(ctx, startBlock, endBlock, pairAddresses)
	if err != nil {
		return nil, fmt.Errorf("failed to load syncs in [%d, %d]: %w", startBlock, endBlock, err)
	}

	objects := make([]any, 0, len(syncs))
	for i := range syncs {
		sync := &syncs[i]

		prices[sync.PairAddress] = calcPrice(sync.Reserve0, sync.Reserve1, s.orders[sync.PairAddress])
		price := calcWeightedAverage(prices)

		blockHash := sync.BlockHash
		objects = append(objects, &models.Bundle{
			NativePrice: price,
			BlockHash:   &blockHash,
			LogIndex:    sync.LogIndex,
		})
	}

	return objects, nil
}

// pairsAt returns the tracked pair addresses of the era covering a block.
func (s *BundleStage) pairsAt(block uint64) []string {
	var pairs []PairInfo
	for _, era := range s.eras {
		if era.Cutover == 0 || block > era.Cutover {
			pairs = era.Pairs
		}
	}

	addrs := make([]string, 0, len(pairs))
	for _, info := range pairs {
		addrs = append(addrs, info.Address)
	}
	return addrs
}

// cutovers returns the era boundaries used to split compute intervals.
func (s *BundleStage) cutovers() []uint64 {
	values := make([]uint64, 0, len(s.eras))
	for _, era := range s.eras {
		if era.Cutover > 0 {
			values = append(values, era.Cutover)
		}
	}
	return values
}

// Setup returns no rows, only the initial stage cursor is committed.
func (s *BundleStage) Setup(ctx context.Context, firstBlock uint64) ([]any, error) {
	return nil, nil
}

func (s *BundleStage) PreProcess(ctx context.Context, startBlock, endBlock uint64) error {
	return nil
}

// Process splits the interval at era boundaries, since tracked pairs can
// change with block height, and computes price bundles per sub-interval.
func (s *BundleStage) Process(ctx context.Context, startBlock, endBlock uint64) ([]any, error) {
	if startBlock > endBlock {
		return nil, fmt.Errorf("invalid interval [%d, %d]", startBlock, endBlock)
	}

	var objects []any
	for _, iv := range util.SplitInterval(startBlock, endBlock, s.cutovers()) {
		pairAddresses := s.pairsAt(iv.A)

		prices, result, err := s.initPrices(ctx, iv.A, pairAddresses)
		if err != nil {
			return nil, err
		}
		objects = append(objects, result...)

		result, err = s.processRange(ctx, iv.A, iv.B, pairAddresses, prices)
		if err != nil {
			return nil, err
		}
		objects = append(objects, result...)
	}

	return objects, nil
}

func (s *BundleStage) PostProcess(ctx context.Context, firstBlock, endBlock uint64, state *models.State) error {
	return finalizeToBlock(ctx, s.store, endBlock, state)
}

// Tracked stable pairs on Pangolin. The exchange launched on AEB bridged
// tokens and later migrated liquidity to their AB successors.
const (
	pangolinPairAEBUSDT = "0x9EE0a4E21bd333a6bb2ab298194320b8DaA26516" // AEB USDT/WAVAX, created block 60337
	pangolinPairAEBDAI  = "0x17a2E8275792b4616bEFb02EB9AE699aa0DCb94b" // AEB DAI/WAVAX, created block 60355
	pangolinPairABDAI   = "0xbA09679Ab223C6bdaf44D45Ba2d7279959289AB0" // AB DAI/WAVAX, created block 2781964
	pangolinPairABUSDT  = "0xe28984e1EE8D431346D32BeC9Ec800Efb643eef4" // AB USDT/WAVAX, created block 2781997
)

// Block heights at which the tracked pair set of Pangolin changes.
const (
	pangolinBlockAEBUSDT   = 60337
	pangolinBlockAEBDAI    = 60355
	pangolinBlockABCutover = 3117207
)

// PangolinBundleConfig tracks the stable pairs of the Pangolin exchange on
// AVAX. The pair set changes with block height as liquidity migrated
// between token generations.
func PangolinBundleConfig() BundleConfig {
	return BundleConfig{
		DefaultPrice: decimal.RequireFromString("30.0"),
		Eras: []BundleEra{
			{Cutover: 0, Pairs: nil},
			{Cutover: pangolinBlockAEBUSDT, Pairs: []PairInfo{
				{Address: pangolinPairAEBUSDT, Order: 1},
			}},
			{Cutover: pangolinBlockAEBDAI, Pairs: []PairInfo{
				{Address: pangolinPairAEBUSDT, Order: 1},
				{Address: pangolinPairAEBDAI, Order: 1},
			}},
			{Cutover: pangolinBlockABCutover, Pairs: []PairInfo{
				{Address: pangolinPairABDAI, Order: 1},
				{Address: pangolinPairABUSDT, Order: 1},
			}},
		},
	}
}

// PegasysBundleConfig tracks the stable pairs of the Pegasys exchange on SYS.
func PegasysBundleConfig() BundleConfig {
	return BundleConfig{
		DefaultPrice: decimal.RequireFromString("0.0"),
		Eras: []BundleEra{
			{Cutover: 0, Pairs: []PairInfo{
				{Address: "0x3DE7BEE2cA971f3D3D7dD04bE028161912513d55", Order: 1}, // DAI/WSYS, created block 40971
				{Address: "0x2CDF912CbeaF76d67feaDC994D889c2F4442b300", Order: 0}, // USDC/WSYS, created block 40154
				{Address: "0x0Df7d92a4DB09d3828a725D039B89FDC8dfC96A6", Order: 0}, // USDT/WSYS, created block 40928
			}},
		},
	}
}
