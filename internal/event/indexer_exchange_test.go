package event

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"xquery/internal/eth"
	"xquery/internal/models"
)

var (
	exFactory = common.HexToAddress("0xefa94DE7a4656D787667C749f7E1223D71E9FD1C")
	exRouter  = common.HexToAddress("0xE54Ca86531e17Ef3616d22Ca28b0D458b6C89106")
	exPair    = common.HexToAddress("0x7000000000000000000000000000000000000007")
	exToken0  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	exToken1  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	exUser    = common.HexToAddress("0xaa00000000000000000000000000000000000001")
	exFeeTo   = common.HexToAddress("0xbb00000000000000000000000000000000000002")
	exTxHash  = common.HexToHash("0xabcdef")
)

// fakeEntityStore serves reference entities from maps and fabricates anything
// missing, mirroring the get-or-create contract of the real store.
type fakeEntityStore struct {
	pairs  map[common.Address]*models.Pair
	tokens map[common.Address]*models.Token
	users  map[common.Address]int
	txFrom string
}

func (f *fakeEntityStore) Block(ctx context.Context, hash common.Hash) (*models.Block, error) {
	return &models.Block{Hash: hash.Hex(), Number: 42, Timestamp: 1700000000}, nil
}

func (f *fakeEntityStore) Transaction(ctx context.Context, hash common.Hash) (*models.Transaction, error) {
	return &models.Transaction{
		Hash:        hash.Hex(),
		BlockHash:   common.HexToHash("0x42").Hex(),
		FromAddress: f.txFrom,
		Timestamp:   1700000000,
	}, nil
}

func (f *fakeEntityStore) Factory(ctx context.Context, address common.Address) (*models.Factory, error) {
	return &models.Factory{Address: address.Hex()}, nil
}

func (f *fakeEntityStore) Token(ctx context.Context, address common.Address) (*models.Token, error) {
	if token, ok := f.tokens[address]; ok {
		return token, nil
	}
	return &models.Token{Address: address.Hex(), Decimals: 18}, nil
}

func (f *fakeEntityStore) EnsureUser(ctx context.Context, address common.Address) error {
	if f.users == nil {
		f.users = make(map[common.Address]int)
	}
	f.users[address]++
	return nil
}

func (f *fakeEntityStore) PairByAddress(ctx context.Context, address common.Address) (*models.Pair, error) {
	return f.pairs[address], nil
}

func exchangeFixture() (*ExchangeIndexer, *fakeEntityStore) {
	store := &fakeEntityStore{
		pairs: map[common.Address]*models.Pair{
			exPair: {
				Address:       exPair.Hex(),
				Token0Address: exToken0.Hex(),
				Token1Address: exToken1.Hex(),
			},
		},
		tokens: map[common.Address]*models.Token{
			exToken0: {Address: exToken0.Hex(), Decimals: 6},
			exToken1: {Address: exToken1.Hex(), Decimals: 18},
		},
		txFrom: exUser.Hex(),
	}
	return NewExchangeIndexer(nil, store, exFactory, exRouter, time.Second), store
}

func pairLog(topics []common.Hash, data []byte, index uint) types.Log {
	return types.Log{
		Address:     exPair,
		Topics:      topics,
		Data:        data,
		BlockNumber: 42,
		BlockHash:   common.HexToHash("0x42"),
		TxHash:      exTxHash,
		Index:       index,
	}
}

func tokens18(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestExchangeIndexerMintFlow(t *testing.T) {
	t.Parallel()

	ix, store := exchangeFixture()
	ctx := context.Background()

	// liquidity token transfer minted to the provider
	transfer := pairLog(
		[]common.Hash{TopicTransfer, addressTopic(zeroAddress), addressTopic(exUser)},
		abiWords(tokens18(5).Bytes()),
		1,
	)
	objects, err := ix.Process(ctx, transfer)
	if err != nil {
		t.Fatalf("Process(transfer): %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("Process(transfer) = %d objects, want 1", len(objects))
	}
	if _, ok := objects[0].(*models.Transfer); !ok {
		t.Fatalf("Process(transfer) = %T, want *models.Transfer", objects[0])
	}
	if store.users[exUser] == 0 {
		t.Fatal("transfer participants not ensured as users")
	}

	// the matching Mint event completes the row
	mintLog := pairLog(
		[]common.Hash{TopicMint, addressTopic(exRouter)},
		abiWords(big.NewInt(3_000_000).Bytes(), tokens18(2).Bytes()),
		2,
	)
	objects, err = ix.Process(ctx, mintLog)
	if err != nil {
		t.Fatalf("Process(mint): %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("Process(mint) = %d objects, want 1", len(objects))
	}

	mint, ok := objects[0].(*models.Mint)
	if !ok {
		t.Fatalf("Process(mint) = %T, want *models.Mint", objects[0])
	}
	if !mint.IsComplete() {
		t.Fatal("mint still incomplete after Mint event")
	}
	if !mint.Liquidity.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("mint liquidity = %s, want 5", mint.Liquidity)
	}
	if mint.ToAddress != exUser.Hex() {
		t.Fatalf("mint to = %s, want %s", mint.ToAddress, exUser.Hex())
	}
	if *mint.Sender != exRouter.Hex() {
		t.Fatalf("mint sender = %s, want %s", *mint.Sender, exRouter.Hex())
	}
	// amounts are scaled by the token decimals (6 and 18)
	if !mint.Amount0.Decimal.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("mint amount0 = %s, want 3", mint.Amount0.Decimal)
	}
	if !mint.Amount1.Decimal.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("mint amount1 = %s, want 2", mint.Amount1.Decimal)
	}
	if mint.LogIndex == nil || *mint.LogIndex != 2 {
		t.Fatalf("mint log index = %v, want 2", mint.LogIndex)
	}
}

func TestExchangeIndexerFeeMintFold(t *testing.T) {
	t.Parallel()

	ix, _ := exchangeFixture()
	ctx := context.Background()

	// protocol fee mint fires first within the same transaction
	feeTransfer := pairLog(
		[]common.Hash{TopicTransfer, addressTopic(zeroAddress), addressTopic(exFeeTo)},
		abiWords(tokens18(1).Bytes()),
		1,
	)
	if _, err := ix.Process(ctx, feeTransfer); err != nil {
		t.Fatalf("Process(fee transfer): %v", err)
	}

	transfer := pairLog(
		[]common.Hash{TopicTransfer, addressTopic(zeroAddress), addressTopic(exUser)},
		abiWords(tokens18(4).Bytes()),
		2,
	)
	if _, err := ix.Process(ctx, transfer); err != nil {
		t.Fatalf("Process(transfer): %v", err)
	}

	mintLog := pairLog(
		[]common.Hash{TopicMint, addressTopic(exRouter)},
		abiWords(big.NewInt(1_000_000).Bytes(), tokens18(1).Bytes()),
		3,
	)
	objects, err := ix.Process(ctx, mintLog)
	if err != nil {
		t.Fatalf("Process(mint): %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("Process(mint) = %d objects, want 1", len(objects))
	}

	mint := objects[0].(*models.Mint)
	if mint.FeeTo == nil || *mint.FeeTo != exFeeTo.Hex() {
		t.Fatalf("mint fee to = %v, want %s", mint.FeeTo, exFeeTo.Hex())
	}
	if !mint.FeeLiquidity.Valid || !mint.FeeLiquidity.Decimal.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("mint fee liquidity = %v, want 1", mint.FeeLiquidity)
	}
	if !mint.Liquidity.Equal(decimal.RequireFromString("4")) {
		t.Fatalf("mint liquidity = %s, want 4", mint.Liquidity)
	}
	if mint.ToAddress != exUser.Hex() {
		t.Fatalf("mint to = %s, want %s", mint.ToAddress, exUser.Hex())
	}
}

func TestExchangeIndexerBurnFlow(t *testing.T) {
	t.Parallel()

	ix, _ := exchangeFixture()
	ctx := context.Background()

	// liquidity is sent to the pair contract first
	toPair := pairLog(
		[]common.Hash{TopicTransfer, addressTopic(exUser), addressTopic(exPair)},
		abiWords(tokens18(3).Bytes()),
		1,
	)
	objects, err := ix.Process(ctx, toPair)
	if err != nil {
		t.Fatalf("Process(to pair): %v", err)
	}
	// the sending wallet is a real address, a transfer row is kept
	if len(objects) != 1 {
		t.Fatalf("Process(to pair) = %d objects, want 1", len(objects))
	}

	// the pair burns the received liquidity
	toZero := pairLog(
		[]common.Hash{TopicTransfer, addressTopic(exPair), addressTopic(zeroAddress)},
		abiWords(tokens18(3).Bytes()),
		2,
	)
	objects, err = ix.Process(ctx, toZero)
	if err != nil {
		t.Fatalf("Process(to zero): %v", err)
	}
	if len(objects) != 0 {
		t.Fatalf("Process(to zero) = %d objects, want 0", len(objects))
	}

	burnLog := pairLog(
		[]common.Hash{TopicBurn, addressTopic(exRouter), addressTopic(exUser)},
		abiWords(big.NewInt(2_500_000).Bytes(), tokens18(1).Bytes()),
		3,
	)
	objects, err = ix.Process(ctx, burnLog)
	if err != nil {
		t.Fatalf("Process(burn): %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("Process(burn) = %d objects, want 1", len(objects))
	}

	burn, ok := objects[0].(*models.Burn)
	if !ok {
		t.Fatalf("Process(burn) = %T, want *models.Burn", objects[0])
	}
	if burn.NeedsComplete {
		t.Fatal("burn still marked incomplete after Burn event")
	}
	if !burn.Liquidity.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("burn liquidity = %s, want 3", burn.Liquidity)
	}
	if burn.Sender == nil || *burn.Sender != exRouter.Hex() {
		t.Fatalf("burn sender = %v, want %s", burn.Sender, exRouter.Hex())
	}
	if burn.ToAddress == nil || *burn.ToAddress != exUser.Hex() {
		t.Fatalf("burn to = %v, want %s", burn.ToAddress, exUser.Hex())
	}
	if !burn.Amount0.Decimal.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("burn amount0 = %s, want 2.5", burn.Amount0.Decimal)
	}
	if burn.LogIndex == nil || *burn.LogIndex != 3 {
		t.Fatalf("burn log index = %v, want 3", burn.LogIndex)
	}
}

func TestExchangeIndexerMinimumLiquiditySkip(t *testing.T) {
	t.Parallel()

	ix, store := exchangeFixture()
	ctx := context.Background()

	// the liquidity lock mint of the very first add
	entry := pairLog(
		[]common.Hash{TopicTransfer, addressTopic(zeroAddress), addressTopic(zeroAddress)},
		abiWords(big.NewInt(minimumLiquidity).Bytes()),
		1,
	)
	objects, err := ix.Process(ctx, entry)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(objects) != 0 {
		t.Fatalf("Process = %d objects, want 0", len(objects))
	}
	if len(store.users) != 0 {
		t.Fatalf("users ensured for a skipped transfer: %v", store.users)
	}
	if len(ix.mints[exTxHash.Hex()]) != 0 {
		t.Fatal("skipped transfer left a pending mint")
	}
}

func TestExchangeIndexerSwap(t *testing.T) {
	t.Parallel()

	ix, _ := exchangeFixture()
	ctx := context.Background()

	// a swap routed from and to the router pays out to the tx issuer
	entry := pairLog(
		[]common.Hash{TopicSwap, addressTopic(exRouter), addressTopic(exRouter)},
		abiWords(
			big.NewInt(1_500_000).Bytes(),
			big.NewInt(0).Bytes(),
			big.NewInt(0).Bytes(),
			tokens18(2).Bytes(),
		),
		4,
	)
	objects, err := ix.Process(ctx, entry)
	if err != nil {
		t.Fatalf("Process(swap): %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("Process(swap) = %d objects, want 1", len(objects))
	}

	swap, ok := objects[0].(*models.Swap)
	if !ok {
		t.Fatalf("Process(swap) = %T, want *models.Swap", objects[0])
	}
	if swap.ToAddress != exUser.Hex() {
		t.Fatalf("swap to = %s, want tx issuer %s", swap.ToAddress, exUser.Hex())
	}
	if swap.Sender != exRouter.Hex() {
		t.Fatalf("swap sender = %s, want %s", swap.Sender, exRouter.Hex())
	}
	if !swap.Amount0In.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("swap amount0In = %s, want 1.5", swap.Amount0In)
	}
	if !swap.Amount1Out.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("swap amount1Out = %s, want 2", swap.Amount1Out)
	}
}

func TestExchangeIndexerSync(t *testing.T) {
	t.Parallel()

	ix, _ := exchangeFixture()
	ctx := context.Background()

	entry := pairLog(
		[]common.Hash{TopicSync},
		abiWords(big.NewInt(4_000_000).Bytes(), tokens18(8).Bytes()),
		5,
	)
	objects, err := ix.Process(ctx, entry)
	if err != nil {
		t.Fatalf("Process(sync): %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("Process(sync) = %d objects, want 1", len(objects))
	}

	sync, ok := objects[0].(*models.Sync)
	if !ok {
		t.Fatalf("Process(sync) = %T, want *models.Sync", objects[0])
	}
	if !sync.Reserve0.Equal(decimal.RequireFromString("4")) {
		t.Fatalf("sync reserve0 = %s, want 4", sync.Reserve0)
	}
	if !sync.Reserve1.Equal(decimal.RequireFromString("8")) {
		t.Fatalf("sync reserve1 = %s, want 8", sync.Reserve1)
	}
}

func TestExchangeIndexerPairCreated(t *testing.T) {
	t.Parallel()

	ix, store := exchangeFixture()
	ctx := context.Background()

	// fresh pair unknown to the store
	created := common.HexToAddress("0x9000000000000000000000000000000000000009")

	entry := types.Log{
		Address:     exFactory,
		Topics:      []common.Hash{TopicPairCreated, addressTopic(exToken0), addressTopic(exToken1)},
		Data:        abiWords(created.Bytes(), big.NewInt(1).Bytes()),
		BlockNumber: 42,
		BlockHash:   common.HexToHash("0x42"),
		TxHash:      exTxHash,
		Index:       0,
	}
	objects, err := ix.Process(ctx, entry)
	if err != nil {
		t.Fatalf("Process(pair created): %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("Process(pair created) = %d objects, want 1", len(objects))
	}

	pair, ok := objects[0].(*models.Pair)
	if !ok {
		t.Fatalf("Process(pair created) = %T, want *models.Pair", objects[0])
	}
	if pair.Address != created.Hex() {
		t.Fatalf("pair address = %s, want %s", pair.Address, created.Hex())
	}
	if pair.Token0Address != exToken0.Hex() || pair.Token1Address != exToken1.Hex() {
		t.Fatalf("pair tokens = %s/%s", pair.Token0Address, pair.Token1Address)
	}
	if pair.CreatedAtBlockNumber != 42 {
		t.Fatalf("pair created at block %d, want 42", pair.CreatedAtBlockNumber)
	}

	// later events of the same job resolve the pair without a store lookup
	delete(store.pairs, created)
	syncEntry := types.Log{
		Address:     created,
		Topics:      []common.Hash{TopicSync},
		Data:        abiWords(big.NewInt(1).Bytes(), big.NewInt(2).Bytes()),
		BlockNumber: 42,
		BlockHash:   common.HexToHash("0x42"),
		TxHash:      exTxHash,
		Index:       1,
	}
	if _, err := ix.Process(ctx, syncEntry); err != nil {
		t.Fatalf("Process(sync on new pair): %v", err)
	}
}

func TestExchangeIndexerPairTimeout(t *testing.T) {
	t.Parallel()

	store := &fakeEntityStore{txFrom: exUser.Hex()}
	ix := NewExchangeIndexer(nil, store, exFactory, exRouter, 0)

	entry := pairLog(
		[]common.Hash{TopicSync},
		abiWords(big.NewInt(1).Bytes(), big.NewInt(2).Bytes()),
		0,
	)
	if _, err := ix.Process(context.Background(), entry); err == nil {
		t.Fatal("Process on unknown pair expected timeout error")
	}
}

func TestExchangeIndexerRemovedLog(t *testing.T) {
	t.Parallel()

	ix, _ := exchangeFixture()

	entry := pairLog([]common.Hash{TopicSync}, nil, 0)
	entry.Removed = true

	if _, err := ix.Process(context.Background(), entry); err == nil {
		t.Fatal("Process(removed log) expected error")
	}
}

func TestExchangeIndexerSetup(t *testing.T) {
	t.Parallel()

	client := &fakeBlockSource{blocks: map[uint64]*eth.BlockInfo{
		100: {Hash: common.HexToHash("0x64"), Number: 100, Timestamp: 1700000000},
	}}
	ix := NewExchangeIndexer(client, &fakeEntityStore{}, exFactory, exRouter, time.Second)

	objects, err := ix.Setup(context.Background(), 100)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("Setup = %d objects, want 1", len(objects))
	}
	block, ok := objects[0].(*models.Block)
	if !ok {
		t.Fatalf("Setup = %T, want *models.Block", objects[0])
	}
	if block.Number != 100 || block.Timestamp != 1700000000 {
		t.Fatalf("Setup block = %+v", block)
	}

	if _, err := ix.Setup(context.Background(), 999); err == nil {
		t.Fatal("Setup on missing block expected error")
	}
}

type fakeBlockSource struct {
	blocks map[uint64]*eth.BlockInfo
}

func (f *fakeBlockSource) BlockByNumber(ctx context.Context, number uint64) (*eth.BlockInfo, error) {
	info, ok := f.blocks[number]
	if !ok {
		return nil, eth.ErrNotFound
	}
	return info, nil
}
