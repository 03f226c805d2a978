package event

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"xquery/internal/eth"
)

// LogSource is the part of the RPC client the filters consume.
type LogSource interface {
	FilterLogs(ctx context.Context, q eth.FilterQuery) ([]types.Log, error)
}

// pair contract events the exchange filter subscribes to
var exchangePairTopics = []common.Hash{
	TopicTransfer,
	TopicBurn,
	TopicMint,
	TopicSwap,
	TopicSync,
}

// ExchangeFilter collects factory and pair contract logs of a Uniswap like
// exchange. Pairs created within a queried range are tracked from then on.
// Not safe for concurrent use, the scan loop is its only caller.
type ExchangeFilter struct {
	client  LogSource
	factory common.Address
	pairs   map[common.Address]struct{}
}

func NewExchangeFilter(client LogSource, factory common.Address, pairs []common.Address) *ExchangeFilter {
	tracked := make(map[common.Address]struct{}, len(pairs))
	for _, p := range pairs {
		tracked[p] = struct{}{}
	}
	return &ExchangeFilter{
		client:  client,
		factory: factory,
		pairs:   tracked,
	}
}

// Logs fetches the PairCreated logs of the factory plus all pair contract
// logs in [fromBlock, toBlock].
func (f *ExchangeFilter) Logs(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	entries, err := f.client.FilterLogs(ctx, eth.FilterQuery{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Addresses: []common.Address{f.factory},
		Topics:    [][]common.Hash{{TopicPairCreated}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch factory logs: %w", err)
	}

	// Start tracking newly created pairs. The PairCreated event itself is
	// handled by the indexer, which adds a pair entry to the database that
	// can be loaded on the next start up.
	for _, entry := range entries {
		args, err := DecodePairCreated(entry)
		if err != nil {
			return nil, err
		}
		log.Printf("[filter] Found new pair contract address '%s'", args.Pair)
		f.pairs[args.Pair] = struct{}{}
	}

	logs := entries
	if len(f.pairs) > 0 {
		addresses := make([]common.Address, 0, len(f.pairs))
		for addr := range f.pairs {
			addresses = append(addresses, addr)
		}

		entries, err := f.client.FilterLogs(ctx, eth.FilterQuery{
			FromBlock: fromBlock,
			ToBlock:   toBlock,
			Addresses: addresses,
			Topics:    [][]common.Hash{exchangePairTopics},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch pair logs: %w", err)
		}
		logs = append(logs, entries...)
	}

	return dedupeLogs(logs), nil
}

// events captured in router mode
var routerTopics = []common.Hash{
	TopicApproval,
	TopicTransfer,
	TopicBurn,
	TopicMint,
	TopicSwap,
	TopicSync,
	TopicDeposit,
	TopicWithdrawal,
}

// RouterFilter collects logs of any contract that carries the router address
// in its first or second indexed argument.
type RouterFilter struct {
	client LogSource
	router common.Hash
}

func NewRouterFilter(client LogSource, router common.Address) *RouterFilter {
	return &RouterFilter{
		client: client,
		router: common.BytesToHash(router.Bytes()),
	}
}

func (f *RouterFilter) Logs(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	var logs []types.Log
	for _, topics := range [][][]common.Hash{
		{routerTopics, {f.router}},
		{routerTopics, nil, {f.router}},
	} {
		entries, err := f.client.FilterLogs(ctx, eth.FilterQuery{
			FromBlock: fromBlock,
			ToBlock:   toBlock,
			Topics:    topics,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch router logs: %w", err)
		}
		logs = append(logs, entries...)
	}

	return dedupeLogs(logs), nil
}

// dedupeLogs trims duplicated log entries and orders the result by
// (block number, log index).
func dedupeLogs(logs []types.Log) []types.Log {
	type logKey struct {
		block common.Hash
		index uint
	}

	seen := make(map[logKey]struct{}, len(logs))
	deduped := make([]types.Log, 0, len(logs))
	for _, entry := range logs {
		k := logKey{entry.BlockHash, entry.Index}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		deduped = append(deduped, entry)
	}

	sort.Slice(deduped, func(i, j int) bool {
		if deduped[i].BlockNumber != deduped[j].BlockNumber {
			return deduped[i].BlockNumber < deduped[j].BlockNumber
		}
		return deduped[i].Index < deduped[j].Index
	})

	return deduped
}
