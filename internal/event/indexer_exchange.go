package event

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"xquery/internal/eth"
	"xquery/internal/models"
	"xquery/internal/util"
)

// EntityStore provides get-or-create access to the reference entities shared
// by all workers. Implementations commit these rows out of band, outside the
// ordered result path.
type EntityStore interface {
	// Block returns the block row for hash, fetching and inserting it when
	// missing.
	Block(ctx context.Context, hash common.Hash) (*models.Block, error)

	// Transaction returns the transaction row for hash, fetching and
	// inserting it (and its block) when missing.
	Transaction(ctx context.Context, hash common.Hash) (*models.Transaction, error)

	// Factory returns the factory row, inserting a zeroed one when missing.
	Factory(ctx context.Context, address common.Address) (*models.Factory, error)

	// Token returns the token row, mirroring contract metadata into a new
	// row when missing.
	Token(ctx context.Context, address common.Address) (*models.Token, error)

	// EnsureUser inserts a user row when missing.
	EnsureUser(ctx context.Context, address common.Address) error

	// PairByAddress returns the pair row, or nil when not yet committed.
	PairByAddress(ctx context.Context, address common.Address) (*models.Pair, error)
}

// BlockSource is the part of the RPC client the exchange indexer itself uses.
type BlockSource interface {
	BlockByNumber(ctx context.Context, number uint64) (*eth.BlockInfo, error)
}

var zeroAddress common.Address

const (
	// liquidity tokens permanently locked by the pair contract on first adds
	minimumLiquidity = 1000

	pairPollInterval = 200 * time.Millisecond
)

// ExchangeIndexer turns the event stream of a Uniswap like exchange into
// relational rows. Mint and Burn events carry only part of the row data, the
// rest arrives in preceding Transfer events of the same transaction; the
// indexer correlates them through per transaction lists that live for the
// duration of one job.
type ExchangeIndexer struct {
	client BlockSource
	store  EntityStore

	factory common.Address
	router  common.Address

	// how long to wait for a pair committed by a sibling worker
	pairWait time.Duration

	// job-local state
	pairs map[common.Address]*models.Pair
	mints map[string][]*models.Mint
	burns map[string][]*models.Burn
}

func NewExchangeIndexer(client BlockSource, store EntityStore, factory, router common.Address, pairWait time.Duration) *ExchangeIndexer {
	return &ExchangeIndexer{
		client:   client,
		store:    store,
		factory:  factory,
		router:   router,
		pairWait: pairWait,
		pairs:    make(map[common.Address]*models.Pair),
		mints:    make(map[string][]*models.Mint),
		burns:    make(map[string][]*models.Burn),
	}
}

// Setup returns the block row anchoring the initial cursor. Scanning starts
// at the block after it.
func (ix *ExchangeIndexer) Setup(ctx context.Context, startBlock uint64) ([]any, error) {
	info, err := ix.client.BlockByNumber(ctx, startBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %d: %w", startBlock, err)
	}

	block := &models.Block{
		Hash:      info.Hash.Hex(),
		Number:    uint64(info.Number),
		Timestamp: int64(info.Timestamp),
	}
	return []any{block}, nil
}

// Process indexes a single event log entry.
func (ix *ExchangeIndexer) Process(ctx context.Context, entry types.Log) ([]any, error) {
	// a removed log means the filtered range was not final
	if entry.Removed {
		return nil, fmt.Errorf("found removed log in block %s", entry.BlockHash)
	}

	if len(entry.Topics) == 0 {
		log.Printf("[indexer] Encountered event without topics in tx '%s'", entry.TxHash)
		return nil, nil
	}

	switch entry.Topics[0] {
	case TopicPairCreated:
		return ix.handlePairCreated(ctx, entry)
	case TopicTransfer:
		return ix.handleTransfer(ctx, entry)
	case TopicBurn:
		return ix.handleBurn(ctx, entry)
	case TopicMint:
		return ix.handleMint(ctx, entry)
	case TopicSwap:
		return ix.handleSwap(ctx, entry)
	case TopicSync:
		return ix.handleSync(ctx, entry)
	default:
		log.Printf("[indexer] Encountered unknown event '%s'", entry.Topics[0])
		return nil, nil
	}
}

// Reset drops job-local state. A leftover correlation entry means the event
// stream was cut in the middle of a transaction.
func (ix *ExchangeIndexer) Reset() {
	for txHash, mints := range ix.mints {
		for _, mint := range mints {
			if !mint.IsComplete() {
				log.Printf("[indexer] Encountered incomplete mint event in tx '%s'", txHash)
			}
		}
	}
	for txHash, burns := range ix.burns {
		for _, burn := range burns {
			if burn.NeedsComplete {
				log.Printf("[indexer] Encountered incomplete burn event in tx '%s'", txHash)
			}
		}
	}

	ix.pairs = make(map[common.Address]*models.Pair)
	ix.mints = make(map[string][]*models.Mint)
	ix.burns = make(map[string][]*models.Burn)
}

// loadPair resolves a pair row. A pair created earlier in the same job is
// served from the job-local map; otherwise the database is polled until a
// sibling worker commits it.
//
// Two workers each holding a pair the other needs can deadlock here, the
// deadline guards against that.
func (ix *ExchangeIndexer) loadPair(ctx context.Context, address common.Address) (*models.Pair, error) {
	if pair, ok := ix.pairs[address]; ok {
		return pair, nil
	}

	start := time.Now()
	for {
		pair, err := ix.store.PairByAddress(ctx, address)
		if err != nil {
			return nil, err
		}
		if pair != nil {
			if elapsed := time.Since(start); elapsed > pairPollInterval {
				log.Printf("[indexer] Waited %.4fs for pair '%s'", elapsed.Seconds(), address)
			}
			return pair, nil
		}

		if time.Since(start) >= ix.pairWait {
			return nil, fmt.Errorf("timed out waiting for pair '%s'", address)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pairPollInterval):
		}
	}
}

// handlePairCreated processes a PairCreated event of the factory contract.
func (ix *ExchangeIndexer) handlePairCreated(ctx context.Context, entry types.Log) ([]any, error) {
	args, err := DecodePairCreated(entry)
	if err != nil {
		return nil, err
	}

	if _, err := ix.store.Factory(ctx, ix.factory); err != nil {
		return nil, err
	}

	block, err := ix.store.Block(ctx, entry.BlockHash)
	if err != nil {
		return nil, err
	}
	token0, err := ix.store.Token(ctx, args.Token0)
	if err != nil {
		return nil, err
	}
	token1, err := ix.store.Token(ctx, args.Token1)
	if err != nil {
		return nil, err
	}

	pair := &models.Pair{
		Address:              args.Pair.Hex(),
		Token0Address:        token0.Address,
		Token1Address:        token1.Address,
		CreatedAtTimestamp:   block.Timestamp,
		CreatedAtBlockNumber: block.Number,
		BlockHash:            block.Hash,
	}

	// share the transient pair with later events of the same job
	ix.pairs[args.Pair] = pair

	return []any{pair}, nil
}

// handleTransfer processes a Transfer event of a pair contract. Transfer rows
// are only created for transfers unrelated to a mint or burn; the rest feeds
// the correlation lists.
func (ix *ExchangeIndexer) handleTransfer(ctx context.Context, entry types.Log) ([]any, error) {
	args, err := DecodeTransfer(entry)
	if err != nil {
		return nil, err
	}

	pairAddress := entry.Address

	// ignore the liquidity lock transfer on first adds
	if args.To == zeroAddress && args.Value.Cmp(big.NewInt(minimumLiquidity)) == 0 {
		log.Printf("[indexer] Skipping minimum liquidity transfer")
		return nil, nil
	}

	if err := ix.store.EnsureUser(ctx, args.From); err != nil {
		return nil, err
	}
	if err := ix.store.EnsureUser(ctx, args.To); err != nil {
		return nil, err
	}

	tx, err := ix.store.Transaction(ctx, entry.TxHash)
	if err != nil {
		return nil, err
	}

	// liquidity token amount being transferred
	value := util.TokenToDecimal(args.Value, 18)

	// mints
	if args.From == zeroAddress {
		mints := ix.mints[tx.Hash]

		if len(mints) == 0 || mints[len(mints)-1].IsComplete() {
			ix.mints[tx.Hash] = append(mints, &models.Mint{
				TxHash:      tx.Hash,
				PairAddress: pairAddress.Hex(),
				Timestamp:   tx.Timestamp,
				Liquidity:   value,
				ToAddress:   args.To.Hex(),
			})
		} else {
			// the fee mint of this logical mint fired first, fold it in
			mint := mints[len(mints)-1]
			feeTo := mint.ToAddress
			mint.FeeTo = &feeTo
			mint.ToAddress = args.To.Hex()
			mint.FeeLiquidity = decimal.NewNullDecimal(mint.Liquidity)
			mint.Liquidity = value
		}
	}

	// burns
	// case where liquidity is sent to the pair first on native asset withdrawals
	if args.To == pairAddress {
		sender := args.From.Hex()
		to := args.To.Hex()
		ix.burns[tx.Hash] = append(ix.burns[tx.Hash], &models.Burn{
			TxHash:        tx.Hash,
			PairAddress:   pairAddress.Hex(),
			Timestamp:     tx.Timestamp,
			Liquidity:     value,
			Sender:        &sender,
			ToAddress:     &to,
			NeedsComplete: true,
		})
	}

	if args.From == pairAddress && args.To == zeroAddress {
		burns := ix.burns[tx.Hash]

		var burn *models.Burn
		if len(burns) > 0 && burns[len(burns)-1].NeedsComplete {
			burn = burns[len(burns)-1]
		}
		if burn == nil {
			burn = &models.Burn{
				TxHash:      tx.Hash,
				PairAddress: pairAddress.Hex(),
				Timestamp:   tx.Timestamp,
				Liquidity:   value,
			}
		}

		// if this logical burn included a fee mint, account for it
		mints := ix.mints[tx.Hash]
		if len(mints) > 0 && !mints[len(mints)-1].IsComplete() {
			mint := mints[len(mints)-1]
			feeTo := mint.ToAddress
			burn.FeeTo = &feeTo
			burn.FeeLiquidity = decimal.NewNullDecimal(mint.Liquidity)

			// remove the logical mint
			ix.mints[tx.Hash] = mints[:len(mints)-1]
		}

		if burn.NeedsComplete {
			burn.NeedsComplete = false
		} else {
			ix.burns[tx.Hash] = append(burns, burn)
		}
	}

	var objects []any
	if (args.From != zeroAddress && args.From != pairAddress) ||
		(args.To != zeroAddress && args.To != pairAddress) {
		objects = append(objects, &models.Transfer{
			TxHash:      tx.Hash,
			PairAddress: pairAddress.Hex(),
			FromAddress: args.From.Hex(),
			ToAddress:   args.To.Hex(),
			Value:       value,
			LogIndex:    uint64(entry.Index),
		})
	}

	return objects, nil
}

// handleBurn processes a Burn event of a pair contract, completing the burn
// assembled from the preceding Transfer events of the same transaction.
func (ix *ExchangeIndexer) handleBurn(ctx context.Context, entry types.Log) ([]any, error) {
	args, err := DecodeBurn(entry)
	if err != nil {
		return nil, err
	}

	pair, err := ix.loadPair(ctx, entry.Address)
	if err != nil {
		return nil, err
	}
	tx, err := ix.store.Transaction(ctx, entry.TxHash)
	if err != nil {
		return nil, err
	}
	token0, err := ix.store.Token(ctx, common.HexToAddress(pair.Token0Address))
	if err != nil {
		return nil, err
	}
	token1, err := ix.store.Token(ctx, common.HexToAddress(pair.Token1Address))
	if err != nil {
		return nil, err
	}

	burns := ix.burns[tx.Hash]
	if len(burns) == 0 {
		return nil, fmt.Errorf("no pending burn for tx '%s'", tx.Hash)
	}
	burn := burns[len(burns)-1]
	ix.burns[tx.Hash] = burns[:len(burns)-1]

	sender := args.Sender.Hex()
	to := args.To.Hex()
	logIndex := uint64(entry.Index)

	burn.Sender = &sender
	burn.ToAddress = &to
	burn.Amount0 = decimal.NewNullDecimal(util.TokenToDecimal(args.Amount0, token0.Decimals))
	burn.Amount1 = decimal.NewNullDecimal(util.TokenToDecimal(args.Amount1, token1.Decimals))
	burn.LogIndex = &logIndex
	burn.AmountUSD = decimal.NewNullDecimal(decimal.Zero)

	return []any{burn}, nil
}

// handleMint processes a Mint event of a pair contract, completing the mint
// assembled from the preceding Transfer events of the same transaction.
func (ix *ExchangeIndexer) handleMint(ctx context.Context, entry types.Log) ([]any, error) {
	args, err := DecodeMint(entry)
	if err != nil {
		return nil, err
	}

	pair, err := ix.loadPair(ctx, entry.Address)
	if err != nil {
		return nil, err
	}
	tx, err := ix.store.Transaction(ctx, entry.TxHash)
	if err != nil {
		return nil, err
	}
	token0, err := ix.store.Token(ctx, common.HexToAddress(pair.Token0Address))
	if err != nil {
		return nil, err
	}
	token1, err := ix.store.Token(ctx, common.HexToAddress(pair.Token1Address))
	if err != nil {
		return nil, err
	}

	mints := ix.mints[tx.Hash]
	if len(mints) == 0 {
		return nil, fmt.Errorf("no pending mint for tx '%s'", tx.Hash)
	}
	mint := mints[len(mints)-1]
	ix.mints[tx.Hash] = mints[:len(mints)-1]

	sender := args.Sender.Hex()
	logIndex := uint64(entry.Index)

	mint.Sender = &sender
	mint.Amount0 = decimal.NewNullDecimal(util.TokenToDecimal(args.Amount0, token0.Decimals))
	mint.Amount1 = decimal.NewNullDecimal(util.TokenToDecimal(args.Amount1, token1.Decimals))
	mint.LogIndex = &logIndex
	mint.AmountUSD = decimal.NewNullDecimal(decimal.Zero)

	return []any{mint}, nil
}

// handleSwap processes a Swap event of a pair contract.
func (ix *ExchangeIndexer) handleSwap(ctx context.Context, entry types.Log) ([]any, error) {
	args, err := DecodeSwap(entry)
	if err != nil {
		return nil, err
	}

	pair, err := ix.loadPair(ctx, entry.Address)
	if err != nil {
		return nil, err
	}
	tx, err := ix.store.Transaction(ctx, entry.TxHash)
	if err != nil {
		return nil, err
	}
	token0, err := ix.store.Token(ctx, common.HexToAddress(pair.Token0Address))
	if err != nil {
		return nil, err
	}
	token1, err := ix.store.Token(ctx, common.HexToAddress(pair.Token1Address))
	if err != nil {
		return nil, err
	}

	// a swap sent from and to the router pays out to the tx issuer
	dest := args.To.Hex()
	if args.Sender == ix.router && args.To == ix.router {
		dest = tx.FromAddress
	}

	swap := &models.Swap{
		TxHash:      tx.Hash,
		PairAddress: entry.Address.Hex(),
		Timestamp:   tx.Timestamp,
		Sender:      args.Sender.Hex(),
		FromAddress: tx.FromAddress,
		Amount0In:   util.TokenToDecimal(args.Amount0In, token0.Decimals),
		Amount1In:   util.TokenToDecimal(args.Amount1In, token1.Decimals),
		Amount0Out:  util.TokenToDecimal(args.Amount0Out, token0.Decimals),
		Amount1Out:  util.TokenToDecimal(args.Amount1Out, token1.Decimals),
		ToAddress:   dest,
		LogIndex:    uint64(entry.Index),
	}

	return []any{swap}, nil
}

// handleSync processes a Sync event of a pair contract.
func (ix *ExchangeIndexer) handleSync(ctx context.Context, entry types.Log) ([]any, error) {
	args, err := DecodeSync(entry)
	if err != nil {
		return nil, err
	}

	pair, err := ix.loadPair(ctx, entry.Address)
	if err != nil {
		return nil, err
	}
	tx, err := ix.store.Transaction(ctx, entry.TxHash)
	if err != nil {
		return nil, err
	}
	token0, err := ix.store.Token(ctx, common.HexToAddress(pair.Token0Address))
	if err != nil {
		return nil, err
	}
	token1, err := ix.store.Token(ctx, common.HexToAddress(pair.Token1Address))
	if err != nil {
		return nil, err
	}

	sync := &models.Sync{
		TxHash:      tx.Hash,
		PairAddress: entry.Address.Hex(),
		Reserve0:    util.TokenToDecimal(args.Reserve0, token0.Decimals),
		Reserve1:    util.TokenToDecimal(args.Reserve1, token1.Decimals),
		LogIndex:    uint64(entry.Index),
	}

	return []any{sync}, nil
}
