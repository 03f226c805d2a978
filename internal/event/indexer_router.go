package event

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"xquery/internal/cache"
	"xquery/internal/eth"
	"xquery/internal/models"
	"xquery/internal/util"
)

// Function fragments searched when resolving the caller of a transaction.
// Selectors are derived from the exact signatures, so argument types must
// match the deployed contracts.
const (
	routerMethodsABI = `[
		{"inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},{"name":"amountADesired","type":"uint256"},{"name":"amountBDesired","type":"uint256"},{"name":"amountAMin","type":"uint256"},{"name":"amountBMin","type":"uint256"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"addLiquidity","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"token","type":"address"},{"name":"amountTokenDesired","type":"uint256"},{"name":"amountTokenMin","type":"uint256"},{"name":"amountAVAXMin","type":"uint256"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"addLiquidityAVAX","outputs":[],"stateMutability":"payable","type":"function"},
		{"inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},{"name":"liquidity","type":"uint256"},{"name":"amountAMin","type":"uint256"},{"name":"amountBMin","type":"uint256"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"removeLiquidity","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"token","type":"address"},{"name":"liquidity","type":"uint256"},{"name":"amountTokenMin","type":"uint256"},{"name":"amountAVAXMin","type":"uint256"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"removeLiquidityAVAX","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},{"name":"liquidity","type":"uint256"},{"name":"amountAMin","type":"uint256"},{"name":"amountBMin","type":"uint256"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"},{"name":"approveMax","type":"bool"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"name":"removeLiquidityWithPermit","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"token","type":"address"},{"name":"liquidity","type":"uint256"},{"name":"amountTokenMin","type":"uint256"},{"name":"amountAVAXMin","type":"uint256"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"},{"name":"approveMax","type":"bool"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"name":"removeLiquidityAVAXWithPermit","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"token","type":"address"},{"name":"liquidity","type":"uint256"},{"name":"amountTokenMin","type":"uint256"},{"name":"amountAVAXMin","type":"uint256"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"removeLiquidityAVAXSupportingFeeOnTransferTokens","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"token","type":"address"},{"name":"liquidity","type":"uint256"},{"name":"amountTokenMin","type":"uint256"},{"name":"amountAVAXMin","type":"uint256"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"},{"name":"approveMax","type":"bool"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"name":"removeLiquidityAVAXWithPermitSupportingFeeOnTransferTokens","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForTokens","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"amountOut","type":"uint256"},{"name":"amountInMax","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapTokensForExactTokens","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactAVAXForTokens","outputs":[],"stateMutability":"payable","type":"function"},
		{"inputs":[{"name":"amountOut","type":"uint256"},{"name":"amountInMax","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapTokensForExactAVAX","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForAVAX","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"amountOut","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapAVAXForExactTokens","outputs":[],"stateMutability":"payable","type":"function"},
		{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForTokensSupportingFeeOnTransferTokens","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactAVAXForTokensSupportingFeeOnTransferTokens","outputs":[],"stateMutability":"payable","type":"function"},
		{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForAVAXSupportingFeeOnTransferTokens","outputs":[],"stateMutability":"nonpayable","type":"function"}
	]`

	pairMethodsABI = `[
		{"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"},{"name":"value","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"name":"permit","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"to","type":"address"}],"name":"mint","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"to","type":"address"}],"name":"burn","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"amount0Out","type":"uint256"},{"name":"amount1Out","type":"uint256"},{"name":"to","type":"address"},{"name":"data","type":"bytes"}],"name":"swap","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"to","type":"address"}],"name":"skim","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[],"name":"sync","outputs":[],"stateMutability":"nonpayable","type":"function"}
	]`

	rc20MethodsABI = `[
		{"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[],"stateMutability":"nonpayable","type":"function"}
	]`

	wrappedMethodsABI = `[
		{"inputs":[],"name":"deposit","outputs":[],"stateMutability":"payable","type":"function"},
		{"inputs":[{"name":"wad","type":"uint256"}],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"}
	]`
)

var (
	abiRouterMethods  = mustParseABI(routerMethodsABI)
	abiPairMethods    = mustParseABI(pairMethodsABI)
	abiRC20Methods    = mustParseABI(rc20MethodsABI)
	abiWrappedMethods = mustParseABI(wrappedMethodsABI)
)

// ChainReader is the part of the RPC client the router indexer consumes.
type ChainReader interface {
	BlockByHash(ctx context.Context, hash common.Hash) (*eth.BlockInfo, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*eth.TransactionInfo, error)
	TokenInfo(ctx context.Context, address common.Address) (*eth.TokenInfo, error)
	PairTokens(ctx context.Context, pair common.Address) (common.Address, common.Address, error)
}

// token metadata as stored in the shared cache
type tokenMeta struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// RouterIndexer captures one flat row per event log referencing the router
// contract. Complementary data is pulled over RPC and kept in the shared
// cache; unlike the exchange indexer it never reads the database.
type RouterIndexer struct {
	client ChainReader
	cache  cache.Cache
	chain  models.Chain

	// searched in order when resolving the calling function
	methodABIs []abi.ABI
}

func NewRouterIndexer(client ChainReader, cacheSvc cache.Cache, chain models.Chain) *RouterIndexer {
	return &RouterIndexer{
		client: client,
		cache:  cacheSvc,
		chain:  chain,
		methodABIs: []abi.ABI{
			abiRouterMethods,
			abiPairMethods,
			abiRC20Methods,
			abiWrappedMethods,
		},
	}
}

// Setup returns no rows, the initial cursor alone is committed.
func (ix *RouterIndexer) Setup(ctx context.Context, startBlock uint64) ([]any, error) {
	return nil, nil
}

// Reset is a no-op, the router indexer keeps no job-local state.
func (ix *RouterIndexer) Reset() {}

// Process indexes a single event log entry into a query event row.
func (ix *RouterIndexer) Process(ctx context.Context, entry types.Log) ([]any, error) {
	// a removed log means the filtered range was not final
	if entry.Removed {
		return nil, fmt.Errorf("found removed log in block %s", entry.BlockHash)
	}

	name := EventName(entry)
	if name == "" {
		log.Printf("[indexer] Encountered unknown event in tx '%s'", entry.TxHash)
		return nil, nil
	}

	timestamp, err := ix.blockTimestamp(ctx, entry.BlockHash)
	if err != nil {
		return nil, err
	}

	row := &models.QueryEvent{
		XHash:          util.XHash(entry.Address.Hex(), entry.BlockHash.Hex(), entry.Index, entry.TxHash.Hex()),
		Chain:          ix.chain,
		BlockHeight:    entry.BlockNumber,
		BlockHash:      entry.BlockHash.Hex(),
		BlockTimestamp: timestamp,
		TxHash:         entry.TxHash.Hex(),
		EventName:      name,
		FuncIdentifier: ix.funcIdentifier(ctx, entry.TxHash),
	}

	if err := ix.decodeArgs(ctx, entry, name, row); err != nil {
		return nil, err
	}

	return []any{row}, nil
}

// blockTimestamp mirrors the timestamp of a block through the shared cache.
func (ix *RouterIndexer) blockTimestamp(ctx context.Context, hash common.Hash) (int64, error) {
	key := "block_" + hash.Hex()

	var timestamp int64
	if ok, err := ix.cache.Get(ctx, key, &timestamp); err == nil && ok {
		return timestamp, nil
	}

	info, err := ix.client.BlockByHash(ctx, hash)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch block '%s': %w", hash, err)
	}

	timestamp = int64(info.Timestamp)
	if err := ix.cache.Set(ctx, key, timestamp, 5*time.Minute); err != nil {
		log.Printf("[indexer] Failed to cache block '%s': %v", hash, err)
	}

	return timestamp, nil
}

// funcIdentifier resolves the name of the contract function whose call
// emitted the event. Only the known contract ABIs are searched, so a match is
// not guaranteed.
func (ix *RouterIndexer) funcIdentifier(ctx context.Context, txHash common.Hash) *string {
	key := "_tx_" + txHash.Hex()

	var identifier string
	if ok, err := ix.cache.Get(ctx, key, &identifier); err == nil && ok {
		return &identifier
	}

	tx, err := ix.client.TransactionByHash(ctx, txHash)
	if err != nil {
		log.Printf("[indexer] Failed to fetch tx '%s'", txHash)
		return nil
	}
	if len(tx.Input) < 4 {
		return nil
	}

	for _, contractABI := range ix.methodABIs {
		method, err := contractABI.MethodById(tx.Input[:4])
		if err != nil {
			continue
		}

		identifier = method.Name
		if err := ix.cache.Set(ctx, key, identifier, 5*time.Minute); err != nil {
			log.Printf("[indexer] Failed to cache tx '%s': %v", txHash, err)
		}
		return &identifier
	}

	return nil
}

// tokenInfo mirrors RC20 metadata through the shared cache. Returns nil when
// the contract does not answer; the row is then stored without token fields.
func (ix *RouterIndexer) tokenInfo(ctx context.Context, address common.Address) *tokenMeta {
	key := "_token_" + strings.ToLower(address.Hex())

	var meta tokenMeta
	if ok, err := ix.cache.Get(ctx, key, &meta); err == nil && ok {
		return &meta
	}

	info, err := ix.client.TokenInfo(ctx, address)
	if err != nil {
		log.Printf("[indexer] Failed to fetch token info from rc20 contract '%s'", address)
		return nil
	}

	meta = tokenMeta{Name: info.Name, Symbol: info.Symbol, Decimals: info.Decimals}
	if err := ix.cache.Set(ctx, key, meta, 0); err != nil {
		log.Printf("[indexer] Failed to cache token '%s': %v", address, err)
	}

	return &meta
}

// pairTokens mirrors the token addresses of a pair contract through the
// shared cache. Token addresses are immutable once the contract is deployed.
func (ix *RouterIndexer) pairTokens(ctx context.Context, address common.Address) ([2]common.Address, bool) {
	key := "_pair_" + strings.ToLower(address.Hex())

	var cached [2]string
	if ok, err := ix.cache.Get(ctx, key, &cached); err == nil && ok {
		return [2]common.Address{common.HexToAddress(cached[0]), common.HexToAddress(cached[1])}, true
	}

	token0, token1, err := ix.client.PairTokens(ctx, address)
	if err != nil {
		log.Printf("[indexer] Failed to fetch token addresses from pair contract '%s'", address)
		return [2]common.Address{}, false
	}

	cached = [2]string{token0.Hex(), token1.Hex()}
	if err := ix.cache.Set(ctx, key, cached, 0); err != nil {
		log.Printf("[indexer] Failed to cache pair '%s': %v", address, err)
	}

	return [2]common.Address{token0, token1}, true
}

// decodeArgs fills the event specific fields of a query event row.
func (ix *RouterIndexer) decodeArgs(ctx context.Context, entry types.Log, name string, row *models.QueryEvent) error {
	switch name {
	case "Mint", "Burn", "Swap", "Sync":
		if tokens, ok := ix.pairTokens(ctx, entry.Address); ok {
			token0 := ix.tokenInfo(ctx, tokens[0])
			token1 := ix.tokenInfo(ctx, tokens[1])
			if token0 != nil && token1 != nil {
				row.Token0Name = &token0.Name
				row.Token0Symbol = &token0.Symbol
				row.Token0Decimals = &token0.Decimals
				row.Token1Name = &token1.Name
				row.Token1Symbol = &token1.Symbol
				row.Token1Decimals = &token1.Decimals
			}
		}

		switch name {
		case "Mint":
			args, err := DecodeMint(entry)
			if err != nil {
				return err
			}
			sender := args.Sender.Hex()
			row.AddressSender = &sender
			row.Amount0 = rawDecimal(args.Amount0)
			row.Amount1 = rawDecimal(args.Amount1)

		case "Burn":
			args, err := DecodeBurn(entry)
			if err != nil {
				return err
			}
			sender := args.Sender.Hex()
			to := args.To.Hex()
			row.AddressSender = &sender
			row.AddressTo = &to
			row.Amount0 = rawDecimal(args.Amount0)
			row.Amount1 = rawDecimal(args.Amount1)

		case "Swap":
			args, err := DecodeSwap(entry)
			if err != nil {
				return err
			}
			sender := args.Sender.Hex()
			to := args.To.Hex()
			row.AddressSender = &sender
			row.AddressTo = &to
			row.Amount0In = rawDecimal(args.Amount0In)
			row.Amount1In = rawDecimal(args.Amount1In)
			row.Amount0Out = rawDecimal(args.Amount0Out)
			row.Amount1Out = rawDecimal(args.Amount1Out)

		case "Sync":
			args, err := DecodeSync(entry)
			if err != nil {
				return err
			}
			row.Reserve0 = rawDecimal(args.Reserve0)
			row.Reserve1 = rawDecimal(args.Reserve1)
		}

	case "Approval", "Transfer", "Deposit", "Withdrawal":
		if token0 := ix.tokenInfo(ctx, entry.Address); token0 != nil {
			row.Token0Name = &token0.Name
			row.Token0Symbol = &token0.Symbol
			row.Token0Decimals = &token0.Decimals
		}

		switch name {
		case "Approval":
			args, err := DecodeApproval(entry)
			if err != nil {
				return err
			}
			owner := args.Owner.Hex()
			spender := args.Spender.Hex()
			row.AddressSender = &owner
			row.AddressTo = &spender
			row.Value = rawDecimal(args.Value)

		case "Transfer":
			args, err := DecodeTransfer(entry)
			if err != nil {
				return err
			}
			from := args.From.Hex()
			to := args.To.Hex()
			row.AddressSender = &from
			row.AddressTo = &to
			row.Value = rawDecimal(args.Value)

		case "Deposit":
			args, err := DecodeDeposit(entry)
			if err != nil {
				return err
			}
			dst := args.Dst.Hex()
			row.AddressTo = &dst
			row.Value = rawDecimal(args.Wad)

		case "Withdrawal":
			args, err := DecodeWithdrawal(entry)
			if err != nil {
				return err
			}
			src := args.Src.Hex()
			row.AddressSender = &src
			row.Value = rawDecimal(args.Wad)
		}

	default:
		log.Printf("[indexer] Encountered unknown event %s while processing event data", name)
	}

	return nil
}

// rawDecimal wraps an unscaled integer amount. Router rows keep raw contract
// values, scaling is left to the consumer.
func rawDecimal(v *big.Int) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromBigInt(v, 0))
}
