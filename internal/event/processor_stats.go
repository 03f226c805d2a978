package event

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"xquery/internal/cache"
	"xquery/internal/models"
)

const (
	hourSeconds int64 = 3600
	daySeconds  int64 = 86400
)

// StatsStore is the database surface of the stats stage.
type StatsStore interface {
	StateCommitter

	FirstBlockIn(ctx context.Context, fromBlock, toBlock uint64) (*models.Block, error)
	LastBlockIn(ctx context.Context, fromBlock, toBlock uint64) (*models.Block, error)
	LastBlockBefore(ctx context.Context, block uint64) (*models.Block, error)
	// TimestampsOrdered reports whether block timestamps never decrease
	// within the inclusive block range.
	TimestampsOrdered(ctx context.Context, fromBlock, toBlock uint64) (bool, error)

	MintsByTimestamp(ctx context.Context, fromTimestamp, toTimestamp int64) ([]models.LiquidityChange, error)
	BurnsByTimestamp(ctx context.Context, fromTimestamp, toTimestamp int64) ([]models.LiquidityChange, error)
	SwapsByTimestamp(ctx context.Context, fromTimestamp, toTimestamp int64) ([]models.SwapVolume, error)
	// LastSyncAtOrBefore returns the latest sync event of the pair whose
	// block timestamp does not exceed the given timestamp, or nil.
	LastSyncAtOrBefore(ctx context.Context, pairAddress string, timestamp int64) (*models.SyncPoint, error)

	// PairHourDataRange returns the hour rows whose start falls into the
	// inclusive timestamp range, ordered by hour index.
	PairHourDataRange(ctx context.Context, fromTimestamp, toTimestamp int64) ([]*models.PairHourData, error)
	LastPairHourDataBefore(ctx context.Context, pairAddress string, timestamp int64) (*models.PairHourData, error)

	// CommitStatsChunk stores the day rows and hour updates together with
	// the stage state in a single transaction.
	CommitStatsChunk(ctx context.Context, dayData []*models.PairDayData, hourData []*models.PairHourData, state *models.State) error
}

// bucketKey addresses one aggregation bucket of a pair or token.
type bucketKey struct {
	index   int64
	address string
}

func orderedKeys[T any](entries map[bucketKey]T) []bucketKey {
	keys := make([]bucketKey, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].index != keys[j].index {
			return keys[i].index < keys[j].index
		}
		return strings.ToLower(keys[i].address) < strings.ToLower(keys[j].address)
	})
	return keys
}

// StatsStage aggregates pair and token activity into hour rows and rolls
// finished hours up into day rows. Hour rows are written by Process, the
// total supply carry and the day rollup happen in PostProcess once the
// whole range is stored.
type StatsStage struct {
	store StatsStore
	cache cache.Cache
}

func NewStatsStage(store StatsStore, cacheSvc cache.Cache) *StatsStage {
	return &StatsStage{
		store: store,
		cache: cacheSvc,
	}
}

// findTimestampWindow maps a block range onto aligned bucket timestamps.
// The window starts at the bucket of the last block before the range and
// ends one second before the bucket of the last block within the range, so
// it only ever covers finished buckets.
func (s *StatsStage) findTimestampWindow(ctx context.Context, startBlock, endBlock uint64, size int64) (int64, int64, bool, error) {
	blockLast, err := s.store.LastBlockIn(ctx, startBlock, endBlock)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to find last block in [%d, %d]: %w", startBlock, endBlock, err)
	}
	if blockLast == nil {
		return 0, 0, false, nil
	}
	blockFirst, err := s.store.FirstBlockIn(ctx, startBlock, endBlock)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to find first block in [%d, %d]: %w", startBlock, endBlock, err)
	}
	blockBefore, err := s.store.LastBlockBefore(ctx, startBlock)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to find last block before %d: %w", startBlock, err)
	}

	var indexFirst int64
	if blockBefore != nil {
		if blockFirst.Timestamp == blockBefore.Timestamp {
			log.Printf("[stage] Detected identical timestamp (%d -> %d)", blockBefore.Timestamp, blockFirst.Timestamp)
		}
		indexFirst = blockBefore.Timestamp / size
	}
	indexLast := blockLast.Timestamp / size
	if indexFirst == indexLast {
		return 0, 0, false, nil
	}
	return indexFirst * size, indexLast*size - 1, true, nil
}

// Setup returns no rows, hour and day rows only exist for finished buckets.
func (s *StatsStage) Setup(ctx context.Context, firstBlock uint64) ([]any, error) {
	return nil, nil
}

// PreProcess verifies that block timestamps never decrease across the
// range, the bucketing relies on it.
func (s *StatsStage) PreProcess(ctx context.Context, startBlock, endBlock uint64) error {
	block, err := s.store.LastBlockBefore(ctx, startBlock)
	if err != nil {
		return fmt.Errorf("failed to find last block before %d: %w", startBlock, err)
	}
	var fromBlock uint64
	if block != nil {
		fromBlock = block.Number
	}
	ordered, err := s.store.TimestampsOrdered(ctx, fromBlock, endBlock)
	if err != nil {
		return fmt.Errorf("failed to check block timestamps: %w", err)
	}
	if !ordered {
		return fmt.Errorf("block timestamps are not ordered in [%d, %d]", fromBlock, endBlock)
	}
	return nil
}

func (s *StatsStage) Process(ctx context.Context, startBlock, endBlock uint64) ([]any, error) {
	tsStart, tsEnd, ok, err := s.findTimestampWindow(ctx, startBlock, endBlock, hourSeconds)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if tsStart >= tsEnd {
		return nil, fmt.Errorf("invalid timestamp window [%d, %d]", tsStart, tsEnd)
	}

	pairHours := make(map[bucketKey]*models.PairHourData)
	tokenHours := make(map[bucketKey]*models.TokenHourData)

	pairHourAt := func(index int64, address string) *models.PairHourData {
		key := bucketKey{index: index, address: address}
		hour, ok := pairHours[key]
		if !ok {
			hour = &models.PairHourData{
				HourIndex:     index,
				HourStartUnix: index * hourSeconds,
				PairAddress:   address,
			}
			pairHours[key] = hour
		}
		return hour
	}
	tokenHourAt := func(index int64, address string) *models.TokenHourData {
		key := bucketKey{index: index, address: address}
		hour, ok := tokenHours[key]
		if !ok {
			hour = &models.TokenHourData{
				HourIndex:     index,
				HourStartUnix: index * hourSeconds,
				TokenAddress:  address,
			}
			tokenHours[key] = hour
		}
		return hour
	}

	mints, err := s.store.MintsByTimestamp(ctx, tsStart, tsEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load mints: %w", err)
	}
	for _, mint := range mints {
		hour := pairHourAt(mint.Timestamp/hourSeconds, mint.PairAddress)
		hour.TotalSupplyChange = hour.TotalSupplyChange.Add(mint.Liquidity).Add(orZero(mint.FeeLiquidity))
		hour.HourlyTxns++
	}

	burns, err := s.store.BurnsByTimestamp(ctx, tsStart, tsEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load burns: %w", err)
	}
	for _, burn := range burns {
		hour := pairHourAt(burn.Timestamp/hourSeconds, burn.PairAddress)
		hour.TotalSupplyChange = hour.TotalSupplyChange.Sub(burn.Liquidity).Add(orZero(burn.FeeLiquidity))
		hour.HourlyTxns++
	}

	swaps, err := s.store.SwapsByTimestamp(ctx, tsStart, tsEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load swaps: %w", err)
	}
	for _, swap := range swaps {
		index := swap.Timestamp / hourSeconds

		hour := pairHourAt(index, swap.PairAddress)
		hour.HourlyVolumeToken0 = hour.HourlyVolumeToken0.Add(swap.Amount0Total)
		hour.HourlyVolumeToken1 = hour.HourlyVolumeToken1.Add(swap.Amount1Total)
		hour.HourlyTxns++

		token0 := tokenHourAt(index, swap.Token0Address)
		token0.HourlyVolumeToken = token0.HourlyVolumeToken.Add(swap.Amount0Total)
		token0.HourlyTxns++
		token1 := tokenHourAt(index, swap.Token1Address)
		token1.HourlyVolumeToken = token1.HourlyVolumeToken.Add(swap.Amount1Total)
		token1.HourlyTxns++
	}

	// snapshot the pair reserves at the end of each hour
	pairKeys := orderedKeys(pairHours)
	for _, key := range pairKeys {
		timestamp := (key.index+1)*hourSeconds - 1
		sync, err := s.store.LastSyncAtOrBefore(ctx, key.address, timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to find reserves of pair '%s': %w", key.address, err)
		}
		if sync == nil {
			return nil, fmt.Errorf("no sync event for pair '%s' at or before %d", key.address, timestamp)
		}
		hour := pairHours[key]
		hour.Reserve0 = sync.Reserve0
		hour.Reserve1 = sync.Reserve1
	}

	objects := make([]any, 0, len(pairHours)+len(tokenHours))
	for _, key := range pairKeys {
		objects = append(objects, pairHours[key])
	}
	for _, key := range orderedKeys(tokenHours) {
		objects = append(objects, tokenHours[key])
	}
	return objects, nil
}

// PostProcess carries the pair total supply across finished hours and rolls
// them up into day rows. Finished days are committed in chunks, each chunk
// advances the finalized marker so a restart resumes behind it.
func (s *StatsStage) PostProcess(ctx context.Context, firstBlock, endBlock uint64, state *models.State) error {
	startHour, endHour, ok, err := s.findTimestampWindow(ctx, firstBlock, endBlock, hourSeconds)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if state.Finalized != nil {
		startHour = max(startHour, *state.Finalized+1)
	}
	if startHour >= endHour {
		return nil
	}

	// widen to day bounds so partially finished days pick up their earlier hours
	startDay := startHour / daySeconds * daySeconds
	endDay := (endHour+1)/daySeconds*daySeconds - 1
	tsStart := min(startHour, startDay)
	tsEnd := max(endHour, endDay)

	supplies := make(map[string]decimal.Decimal)
	supplyKey := fmt.Sprintf("_stage_stats_cache_%d", startHour-1)
	if _, err := s.cache.Get(ctx, supplyKey, &supplies); err != nil {
		return fmt.Errorf("failed to load supply cache '%s': %w", supplyKey, err)
	}

	hours, err := s.store.PairHourDataRange(ctx, tsStart, tsEnd)
	if err != nil {
		return fmt.Errorf("failed to load pair hour data: %w", err)
	}

	dayData := make(map[bucketKey]*models.PairDayData)
	var hourUpdates []*models.PairHourData

	commitChunk := func(finalized int64) error {
		days := make([]*models.PairDayData, 0, len(dayData))
		for _, key := range orderedKeys(dayData) {
			days = append(days, dayData[key])
		}
		state.Finalized = &finalized
		if err := s.store.CommitStatsChunk(ctx, days, hourUpdates, state); err != nil {
			return fmt.Errorf("failed to commit stats for state '%s': %w", state.Name, err)
		}
		dayData = make(map[bucketKey]*models.PairDayData)
		hourUpdates = nil
		return nil
	}

	var dayIndexPrevious int64
	for i, hour := range hours {
		dayIndex := hour.HourStartUnix / daySeconds
		if dayIndex > dayIndexPrevious && i > 0 {
			if err := commitChunk(hour.HourStartUnix - 1); err != nil {
				return err
			}
		}
		dayIndexPrevious = dayIndex

		if hour.HourStartUnix >= startHour {
			if hour.TotalSupply.Valid {
				return fmt.Errorf("total supply of pair '%s' at hour %d is already set", hour.PairAddress, hour.HourIndex)
			}
			supply, ok := supplies[hour.PairAddress]
			if !ok {
				previous, err := s.store.LastPairHourDataBefore(ctx, hour.PairAddress, startHour)
				if err != nil {
					return fmt.Errorf("failed to find previous hour of pair '%s': %w", hour.PairAddress, err)
				}
				if previous != nil {
					if !previous.TotalSupply.Valid {
						return fmt.Errorf("total supply of pair '%s' at hour %d is not set", previous.PairAddress, previous.HourIndex)
					}
					supply = previous.TotalSupply.Decimal
				} else {
					supply = decimal.Zero
				}
			}
			supply = supply.Add(hour.TotalSupplyChange)
			hour.TotalSupply = decimal.NewNullDecimal(supply)
			supplies[hour.PairAddress] = supply
			hourUpdates = append(hourUpdates, hour)
		}

		if hour.HourStartUnix <= endDay {
			if !hour.TotalSupply.Valid {
				return fmt.Errorf("total supply of pair '%s' at hour %d is not set", hour.PairAddress, hour.HourIndex)
			}
			key := bucketKey{index: dayIndex, address: hour.PairAddress}
			day, ok := dayData[key]
			if !ok {
				day = &models.PairDayData{
					DayIndex:     dayIndex,
					DayStartUnix: dayIndex * daySeconds,
					PairAddress:  hour.PairAddress,
				}
				dayData[key] = day
			}
			day.Reserve0 = hour.Reserve0
			day.Reserve1 = hour.Reserve1
			day.ReserveUSD = hour.ReserveUSD
			day.TotalSupply = hour.TotalSupply.Decimal
			day.DailyVolumeToken0 = day.DailyVolumeToken0.Add(hour.HourlyVolumeToken0)
			day.DailyVolumeToken1 = day.DailyVolumeToken1.Add(hour.HourlyVolumeToken1)
			day.DailyVolumeUSD = day.DailyVolumeUSD.Add(hour.HourlyVolumeUSD)
			day.DailyTxns += hour.HourlyTxns
		}
	}

	if err := commitChunk(tsEnd); err != nil {
		return err
	}

	supplyKey = fmt.Sprintf("_stage_stats_cache_%d", tsEnd)
	if err := s.cache.Set(ctx, supplyKey, supplies, 0); err != nil {
		return fmt.Errorf("failed to cache supplies '%s': %w", supplyKey, err)
	}
	return nil
}
