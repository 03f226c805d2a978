package event

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"xquery/internal/cache"
	"xquery/internal/eth"
	"xquery/internal/models"
	"xquery/internal/util"
)

// memoryCache is a map backed cache for tests, JSON-encoding values like the
// real implementation.
type memoryCache struct {
	entries map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (m *memoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.entries[key] = data
	return nil
}

func (m *memoryCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (m *memoryCache) Remove(ctx context.Context, key string) error {
	delete(m.entries, key)
	return nil
}

func (m *memoryCache) Ping(ctx context.Context) error { return nil }

func (m *memoryCache) Flush(ctx context.Context) error {
	m.entries = make(map[string][]byte)
	return nil
}

type fakeChainReader struct {
	blocks map[common.Hash]*eth.BlockInfo
	txs    map[common.Hash]*eth.TransactionInfo
	tokens map[common.Address]*eth.TokenInfo
	pairs  map[common.Address][2]common.Address

	txCalls int
}

func (f *fakeChainReader) BlockByHash(ctx context.Context, hash common.Hash) (*eth.BlockInfo, error) {
	info, ok := f.blocks[hash]
	if !ok {
		return nil, eth.ErrNotFound
	}
	return info, nil
}

func (f *fakeChainReader) TransactionByHash(ctx context.Context, hash common.Hash) (*eth.TransactionInfo, error) {
	f.txCalls++
	info, ok := f.txs[hash]
	if !ok {
		return nil, eth.ErrNotFound
	}
	return info, nil
}

func (f *fakeChainReader) TokenInfo(ctx context.Context, address common.Address) (*eth.TokenInfo, error) {
	info, ok := f.tokens[address]
	if !ok {
		return nil, errors.New("contract call reverted")
	}
	return info, nil
}

func (f *fakeChainReader) PairTokens(ctx context.Context, pair common.Address) (common.Address, common.Address, error) {
	tokens, ok := f.pairs[pair]
	if !ok {
		return common.Address{}, common.Address{}, errors.New("contract call reverted")
	}
	return tokens[0], tokens[1], nil
}

func routerFixture() *fakeChainReader {
	return &fakeChainReader{
		blocks: map[common.Hash]*eth.BlockInfo{
			common.HexToHash("0x42"): {Hash: common.HexToHash("0x42"), Number: 42, Timestamp: 1700000100},
		},
		txs: map[common.Hash]*eth.TransactionInfo{
			exTxHash: {
				Hash:      exTxHash,
				BlockHash: common.HexToHash("0x42"),
				From:      exUser,
				Input:     hexutil.Bytes(abiRouterMethods.Methods["swapExactTokensForTokens"].ID),
			},
		},
		tokens: map[common.Address]*eth.TokenInfo{
			exToken0: {Symbol: "USDT", Name: "Tether USD", Decimals: 6},
			exToken1: {Symbol: "WAVAX", Name: "Wrapped AVAX", Decimals: 18},
		},
		pairs: map[common.Address][2]common.Address{
			exPair: {exToken0, exToken1},
		},
	}
}

func TestRouterIndexerSwap(t *testing.T) {
	t.Parallel()

	client := routerFixture()
	ix := NewRouterIndexer(client, cache.NewNoop(), models.ChainAVAX)

	entry := pairLog(
		[]common.Hash{TopicSwap, addressTopic(exUser), addressTopic(exRouter)},
		abiWords(
			big.NewInt(1_500_000).Bytes(),
			big.NewInt(0).Bytes(),
			big.NewInt(0).Bytes(),
			tokens18(2).Bytes(),
		),
		3,
	)

	objects, err := ix.Process(context.Background(), entry)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("Process = %d objects, want 1", len(objects))
	}

	row, ok := objects[0].(*models.QueryEvent)
	if !ok {
		t.Fatalf("Process = %T, want *models.QueryEvent", objects[0])
	}
	if row.EventName != "Swap" || row.Chain != models.ChainAVAX {
		t.Fatalf("row event/chain = %s/%s", row.EventName, row.Chain)
	}
	if row.BlockHeight != 42 || row.BlockTimestamp != 1700000100 {
		t.Fatalf("row block = %d@%d, want 42@1700000100", row.BlockHeight, row.BlockTimestamp)
	}
	if want := util.XHash(entry.Address.Hex(), entry.BlockHash.Hex(), entry.Index, entry.TxHash.Hex()); row.XHash != want {
		t.Fatalf("row xhash = %s, want %s", row.XHash, want)
	}
	if row.FuncIdentifier == nil || *row.FuncIdentifier != "swapExactTokensForTokens" {
		t.Fatalf("row func = %v, want swapExactTokensForTokens", row.FuncIdentifier)
	}
	if row.Token0Symbol == nil || *row.Token0Symbol != "USDT" {
		t.Fatalf("row token0 symbol = %v, want USDT", row.Token0Symbol)
	}
	if row.Token1Symbol == nil || *row.Token1Symbol != "WAVAX" {
		t.Fatalf("row token1 symbol = %v, want WAVAX", row.Token1Symbol)
	}
	if row.Token0Decimals == nil || *row.Token0Decimals != 6 {
		t.Fatalf("row token0 decimals = %v, want 6", row.Token0Decimals)
	}
	if row.AddressSender == nil || *row.AddressSender != exUser.Hex() {
		t.Fatalf("row sender = %v, want %s", row.AddressSender, exUser.Hex())
	}
	if row.AddressTo == nil || *row.AddressTo != exRouter.Hex() {
		t.Fatalf("row to = %v, want %s", row.AddressTo, exRouter.Hex())
	}

	// amounts stay unscaled
	if !row.Amount0In.Decimal.Equal(decimal.RequireFromString("1500000")) {
		t.Fatalf("row amount0In = %s, want 1500000", row.Amount0In.Decimal)
	}
	if !row.Amount1Out.Decimal.Equal(decimal.RequireFromString("2000000000000000000")) {
		t.Fatalf("row amount1Out = %s, want raw 2e18", row.Amount1Out.Decimal)
	}
}

func TestRouterIndexerTransferCachesTx(t *testing.T) {
	t.Parallel()

	client := routerFixture()
	client.txs[exTxHash].Input = hexutil.Bytes(abiRC20Methods.Methods["transfer"].ID)
	ix := NewRouterIndexer(client, newMemoryCache(), models.ChainAVAX)

	for index := uint(1); index <= 2; index++ {
		entry := types.Log{
			Address:     exToken0,
			Topics:      []common.Hash{TopicTransfer, addressTopic(exUser), addressTopic(exRouter)},
			Data:        abiWords(big.NewInt(777).Bytes()),
			BlockNumber: 42,
			BlockHash:   common.HexToHash("0x42"),
			TxHash:      exTxHash,
			Index:       index,
		}

		objects, err := ix.Process(context.Background(), entry)
		if err != nil {
			t.Fatalf("Process(#%d): %v", index, err)
		}
		row := objects[0].(*models.QueryEvent)
		if row.FuncIdentifier == nil || *row.FuncIdentifier != "transfer" {
			t.Fatalf("row func = %v, want transfer", row.FuncIdentifier)
		}
		if row.Token0Symbol == nil || *row.Token0Symbol != "USDT" {
			t.Fatalf("row token0 symbol = %v, want USDT", row.Token0Symbol)
		}
		if !row.Value.Decimal.Equal(decimal.RequireFromString("777")) {
			t.Fatalf("row value = %s, want 777", row.Value.Decimal)
		}
	}

	// the second event of the same transaction is served from the cache
	if client.txCalls != 1 {
		t.Fatalf("tx fetched %d times, want 1", client.txCalls)
	}
}

func TestRouterIndexerMissingTokenInfo(t *testing.T) {
	t.Parallel()

	client := routerFixture()
	client.tokens = nil
	ix := NewRouterIndexer(client, cache.NewNoop(), models.ChainAVAX)

	entry := pairLog(
		[]common.Hash{TopicSync},
		abiWords(big.NewInt(100).Bytes(), big.NewInt(200).Bytes()),
		1,
	)
	objects, err := ix.Process(context.Background(), entry)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	// the row is kept, only the token metadata is missing
	row := objects[0].(*models.QueryEvent)
	if row.Token0Name != nil || row.Token1Name != nil {
		t.Fatalf("row token names = %v/%v, want unset", row.Token0Name, row.Token1Name)
	}
	if !row.Reserve0.Decimal.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("row reserve0 = %s, want 100", row.Reserve0.Decimal)
	}
}

func TestRouterIndexerUnknownEvent(t *testing.T) {
	t.Parallel()

	ix := NewRouterIndexer(routerFixture(), cache.NewNoop(), models.ChainAVAX)

	entry := pairLog([]common.Hash{common.HexToHash("0x01")}, nil, 1)
	objects, err := ix.Process(context.Background(), entry)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(objects) != 0 {
		t.Fatalf("Process = %d objects, want 0", len(objects))
	}
}

func TestRouterIndexerBlockFetchError(t *testing.T) {
	t.Parallel()

	ix := NewRouterIndexer(routerFixture(), cache.NewNoop(), models.ChainAVAX)

	entry := types.Log{
		Address:     exPair,
		Topics:      []common.Hash{TopicSync},
		Data:        abiWords(big.NewInt(1).Bytes(), big.NewInt(2).Bytes()),
		BlockNumber: 43,
		BlockHash:   common.HexToHash("0x43"),
		TxHash:      exTxHash,
		Index:       0,
	}
	if _, err := ix.Process(context.Background(), entry); err == nil {
		t.Fatal("Process with unknown block expected error")
	}

	removed := pairLog([]common.Hash{TopicSync}, nil, 0)
	removed.Removed = true
	if _, err := ix.Process(context.Background(), removed); err == nil {
		t.Fatal("Process(removed log) expected error")
	}
}
