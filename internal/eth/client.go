package eth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

// ErrNotFound is returned when the node reports no block or transaction for
// a supposedly existing identifier.
var ErrNotFound = errors.New("not found")

// BlockInfo carries the subset of the block header the indexer stores.
type BlockInfo struct {
	Hash      common.Hash    `json:"hash"`
	Number    hexutil.Uint64 `json:"number"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// TransactionInfo carries the subset of a transaction the indexer stores.
type TransactionInfo struct {
	Hash      common.Hash    `json:"hash"`
	BlockHash common.Hash    `json:"blockHash"`
	From      common.Address `json:"from"`
	Input     hexutil.Bytes  `json:"input"`
}

// FilterQuery mirrors the eth_getLogs parameter object. Both block bounds
// are inclusive. A nil entry in Topics matches any value at that position.
type FilterQuery struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []common.Address
	Topics    [][]common.Hash
}

// ClientConfig controls transport level behavior of the RPC client.
type ClientConfig struct {
	// per request timeout, default 30s
	Timeout time.Duration

	Retry RetryConfig

	// requests per second, 0 disables rate limiting
	RateLimit float64
	RateBurst int
}

// Client is a JSON-RPC client for EVM chain nodes. All requests pass through
// the retry transport and an optional client side rate limiter shared by all
// callers, so a single instance can safely serve every worker.
type Client struct {
	rpc     *rpc.Client
	limiter *rate.Limiter
}

// Dial connects to the JSON-RPC endpoint at url.
func Dial(ctx context.Context, url string, cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Transport: NewRetryTransport(nil, cfg.Retry),
		Timeout:   cfg.Timeout,
	}

	rc, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rpc endpoint: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{rpc: rc, limiter: limiter}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// ChainID returns the numeric network id reported by the node.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	var result hexutil.Uint64
	if err := c.rpc.CallContext(ctx, &result, "eth_chainId"); err != nil {
		return 0, fmt.Errorf("failed to get chain id: %w", err)
	}
	return uint64(result), nil
}

// BlockNumber returns the height of the most recent block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	var result hexutil.Uint64
	if err := c.rpc.CallContext(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	return uint64(result), nil
}

// BlockByHash fetches header info for the block with the given hash.
func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*BlockInfo, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	var result *BlockInfo
	if err := c.rpc.CallContext(ctx, &result, "eth_getBlockByHash", hash, false); err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", hash, err)
	}
	if result == nil {
		return nil, fmt.Errorf("block %s: %w", hash, ErrNotFound)
	}
	return result, nil
}

// BlockByNumber fetches header info for the block at the given height.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*BlockInfo, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	var result *BlockInfo
	if err := c.rpc.CallContext(ctx, &result, "eth_getBlockByNumber", hexutil.Uint64(number), false); err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", number, err)
	}
	if result == nil {
		return nil, fmt.Errorf("block %d: %w", number, ErrNotFound)
	}
	return result, nil
}

// TransactionByHash fetches the transaction with the given hash.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*TransactionInfo, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	var result *TransactionInfo
	if err := c.rpc.CallContext(ctx, &result, "eth_getTransactionByHash", hash); err != nil {
		return nil, fmt.Errorf("failed to get tx %s: %w", hash, err)
	}
	if result == nil {
		return nil, fmt.Errorf("tx %s: %w", hash, ErrNotFound)
	}
	return result, nil
}

// FilterLogs runs an eth_getLogs query.
func (c *Client) FilterLogs(ctx context.Context, q FilterQuery) ([]types.Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	arg := map[string]interface{}{
		"fromBlock": hexutil.EncodeUint64(q.FromBlock),
		"toBlock":   hexutil.EncodeUint64(q.ToBlock),
	}
	if len(q.Addresses) > 0 {
		arg["address"] = q.Addresses
	}
	if len(q.Topics) > 0 {
		arg["topics"] = q.Topics
	}

	var result []types.Log
	if err := c.rpc.CallContext(ctx, &result, "eth_getLogs", arg); err != nil {
		return nil, fmt.Errorf("failed to get logs [%d, %d]: %w", q.FromBlock, q.ToBlock, err)
	}
	return result, nil
}

// CallContract executes a read-only eth_call against the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	arg := map[string]interface{}{
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	var result hexutil.Bytes
	if err := c.rpc.CallContext(ctx, &result, "eth_call", arg, "latest"); err != nil {
		return nil, fmt.Errorf("failed to call contract %s: %w", to, err)
	}
	return result, nil
}

// BatchCall sends several requests in a single round-trip. Per element
// errors are reported on the elements, transport errors on the return value.
func (c *Client) BatchCall(ctx context.Context, batch []rpc.BatchElem) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
		return fmt.Errorf("failed to send batch request: %w", err)
	}
	return nil
}

// IsThrottleError reports whether err indicates the node rejected or dropped
// the request because of load. The scan loop reacts by shrinking its chunk
// size, everything else surfaces.
func IsThrottleError(err error) bool {
	if err == nil {
		return false
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		// -32005 is the conventional "limit exceeded" code for eth_getLogs
		if rpcErr.ErrorCode() == -32005 {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
