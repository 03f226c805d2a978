package event

import (
	"context"
	"fmt"

	"xquery/internal/models"
)

// CountStore is the database surface of the count stage.
type CountStore interface {
	StateCommitter

	// FactoryByAddress returns the factory row, or nil when not indexed yet.
	FactoryByAddress(ctx context.Context, address string) (*models.Factory, error)
	Pairs(ctx context.Context) ([]*models.Pair, error)
	Tokens(ctx context.Context) ([]*models.Token, error)

	// PairsCreatedCount counts the pairs created within the inclusive block range.
	PairsCreatedCount(ctx context.Context, fromBlock, toBlock uint64) (int64, error)
	// EventCounts counts the mint, burn and swap rows within the range.
	EventCounts(ctx context.Context, fromBlock, toBlock uint64) (mints, burns, swaps int64, err error)

	MintAggregate(ctx context.Context, pairAddress string, fromBlock, toBlock uint64) (models.LiquidityAggregate, error)
	BurnAggregate(ctx context.Context, pairAddress string, fromBlock, toBlock uint64) (models.LiquidityAggregate, error)
	SwapAggregate(ctx context.Context, pairAddress string, fromBlock, toBlock uint64) (models.SwapAggregate, error)

	// TokenEventCount counts the mint and burn rows of all pairs that
	// include the token within the range.
	TokenEventCount(ctx context.Context, tokenAddress string, fromBlock, toBlock uint64) (int64, error)
	// TokenSwapAggregate sums the swap volume of the given pair side for all
	// pairs where the token sits on that side.
	TokenSwapAggregate(ctx context.Context, tokenAddress string, side int, fromBlock, toBlock uint64) (models.TokenSwapAggregate, error)
}

// CountStage aggregates transaction and pair counters over a block range.
// The counters are cumulative, so the stage must cover the whole compute
// interval in a single job.
type CountStage struct {
	store          CountStore
	factoryAddress string
}

func NewCountStage(store CountStore, factoryAddress string) *CountStage {
	return &CountStage{
		store:          store,
		factoryAddress: factoryAddress,
	}
}

func (s *CountStage) aggregateFactory(ctx context.Context, startBlock, endBlock uint64) ([]any, error) {
	factory, err := s.store.FactoryByAddress(ctx, s.factoryAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to load factory '%s': %w", s.factoryAddress, err)
	}
	if factory == nil {
		return nil, fmt.Errorf("factory '%s' is not indexed", s.factoryAddress)
	}

	created, err := s.store.PairsCreatedCount(ctx, startBlock, endBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to count created pairs: %w", err)
	}
	factory.PairCount += created

	// the tx count is really an event counter
	mints, burns, swaps, err := s.store.EventCounts(ctx, startBlock, endBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	factory.TxCount += mints + burns + swaps

	return []any{factory}, nil
}

func (s *CountStage) aggregatePairs(ctx context.Context, startBlock, endBlock uint64) ([]any, error) {
	pairs, err := s.store.Pairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pairs: %w", err)
	}

	objects := make([]any, 0, len(pairs))
	for _, pair := range pairs {
		mint, err := s.store.MintAggregate(ctx, pair.Address, startBlock, endBlock)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate mints of pair '%s': %w", pair.Address, err)
		}
		pair.TxCount += mint.Count
		pair.TotalSupply = pair.TotalSupply.Add(mint.Liquidity).Add(mint.FeeLiquidity)

		burn, err := s.store.BurnAggregate(ctx, pair.Address, startBlock, endBlock)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate burns of pair '%s': %w", pair.Address, err)
		}
		pair.TxCount += burn.Count
		pair.TotalSupply = pair.TotalSupply.Sub(burn.Liquidity).Add(burn.FeeLiquidity)
		if pair.TotalSupply.IsNegative() {
			return nil, fmt.Errorf("total supply of pair '%s' dropped below zero", pair.Address)
		}

		swap, err := s.store.SwapAggregate(ctx, pair.Address, startBlock, endBlock)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate swaps of pair '%s': %w", pair.Address, err)
		}
		pair.TxCount += swap.Count
		pair.VolumeToken0 = pair.VolumeToken0.Add(swap.Volume0)
		pair.VolumeToken1 = pair.VolumeToken1.Add(swap.Volume1)

		objects = append(objects, pair)
	}

	return objects, nil
}

func (s *CountStage) aggregateTokens(ctx context.Context, startBlock, endBlock uint64) ([]any, error) {
	tokens, err := s.store.Tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}

	objects := make([]any, 0, len(tokens))
	for _, token := range tokens {
		count, err := s.store.TokenEventCount(ctx, token.Address, startBlock, endBlock)
		if err != nil {
			return nil, fmt.Errorf("failed to count events of token '%s': %w", token.Address, err)
		}
		token.TxCount += count

		for side := 0; side < 2; side++ {
			swap, err := s.store.TokenSwapAggregate(ctx, token.Address, side, startBlock, endBlock)
			if err != nil {
				return nil, fmt.Errorf("failed to aggregate swaps of token '%s': %w", token.Address, err)
			}
			token.TxCount += swap.Count
			token.TradeVolume = token.TradeVolume.Add(swap.Volume)
		}

		objects = append(objects, token)
	}

	return objects, nil
}

// Setup returns no rows, only the initial stage cursor is committed.
func (s *CountStage) Setup(ctx context.Context, firstBlock uint64) ([]any, error) {
	return nil, nil
}

func (s *CountStage) PreProcess(ctx context.Context, startBlock, endBlock uint64) error {
	return nil
}

func (s *CountStage) Process(ctx context.Context, startBlock, endBlock uint64) ([]any, error) {
	var objects []any

	result, err := s.aggregateFactory(ctx, startBlock, endBlock)
	if err != nil {
		return nil, err
	}
	objects = append(objects, result...)

	result, err = s.aggregatePairs(ctx, startBlock, endBlock)
	if err != nil {
		return nil, err
	}
	objects = append(objects, result...)

	result, err = s.aggregateTokens(ctx, startBlock, endBlock)
	if err != nil {
		return nil, err
	}
	objects = append(objects, result...)

	return objects, nil
}

func (s *CountStage) PostProcess(ctx context.Context, firstBlock, endBlock uint64, state *models.State) error {
	return finalizeToBlock(ctx, s.store, endBlock, state)
}
