package eth

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Minimal contract fragments for the read-only calls the indexer issues.
// Two RC20 variants exist in the wild: the standard string-typed metadata
// and older contracts (DAI among them) returning bytes32.
const (
	rc20ABI = `[
		{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
		{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
		{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
		{"constant":true,"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
	]`

	rc20BytesABI = `[
		{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view","type":"function"},
		{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view","type":"function"}
	]`

	pairABI = `[
		{"constant":true,"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
		{"constant":true,"inputs":[],"name":"token1","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
	]`
)

var (
	abiRC20      = mustParseABI(rc20ABI)
	abiRC20Bytes = mustParseABI(rc20BytesABI)
	abiPair      = mustParseABI(pairABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// TokenInfo holds the metadata mirrored from an RC20 contract.
type TokenInfo struct {
	Symbol      string
	Name        string
	Decimals    uint8
	TotalSupply *big.Int
}

// TokenInfo fetches symbol, name, decimals and totalSupply from an RC20
// contract in a single batch request. Uncommon contracts returning bytes32
// metadata are decoded from the same response. Contracts missing a method
// entirely degrade to "unknown" values rather than failing the caller.
func (c *Client) TokenInfo(ctx context.Context, address common.Address) (*TokenInfo, error) {
	methods := []string{"symbol", "name", "decimals", "totalSupply"}

	results := make([]hexutil.Bytes, len(methods))
	batch := make([]rpc.BatchElem, len(methods))
	for i, method := range methods {
		data, err := abiRC20.Pack(method)
		if err != nil {
			return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
		}
		batch[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				map[string]interface{}{"to": address, "data": hexutil.Bytes(data)},
				"latest",
			},
			Result: &results[i],
		}
	}

	if err := c.BatchCall(ctx, batch); err != nil {
		return nil, err
	}

	info := &TokenInfo{
		Symbol:      "unknown",
		Name:        "unknown",
		Decimals:    0,
		TotalSupply: new(big.Int),
	}

	if batch[0].Error == nil {
		if s, ok := unpackTokenString(abiRC20, abiRC20Bytes, "symbol", results[0]); ok {
			info.Symbol = s
		} else {
			log.Printf("[eth] encountered uncommon token contract %s (symbol func)", address)
		}
	}
	if batch[1].Error == nil {
		if s, ok := unpackTokenString(abiRC20, abiRC20Bytes, "name", results[1]); ok {
			info.Name = s
		} else {
			log.Printf("[eth] encountered uncommon token contract %s (name func)", address)
		}
	}
	if batch[2].Error == nil {
		if out, err := abiRC20.Unpack("decimals", results[2]); err == nil && len(out) == 1 {
			if v, ok := out[0].(uint8); ok {
				info.Decimals = v
			}
		} else {
			log.Printf("[eth] encountered uncommon token contract %s (decimals func)", address)
		}
	}
	if batch[3].Error == nil {
		if out, err := abiRC20.Unpack("totalSupply", results[3]); err == nil && len(out) == 1 {
			if v, ok := out[0].(*big.Int); ok {
				info.TotalSupply = v
			}
		} else {
			log.Printf("[eth] encountered uncommon token contract %s (totalSupply func)", address)
		}
	}

	// field length limits of the token table
	if len(info.Symbol) > 16 {
		info.Symbol = info.Symbol[:16]
	}
	if len(info.Name) > 64 {
		info.Name = info.Name[:64]
	}

	return info, nil
}

// unpackTokenString decodes a string-typed call result, falling back to the
// bytes32 layout used by older token contracts.
func unpackTokenString(strABI, bytesABI abi.ABI, method string, data []byte) (string, bool) {
	if out, err := strABI.Unpack(method, data); err == nil && len(out) == 1 {
		if s, ok := out[0].(string); ok {
			return s, true
		}
	}

	if out, err := bytesABI.Unpack(method, data); err == nil && len(out) == 1 {
		if b, ok := out[0].([32]byte); ok {
			return string(bytes.TrimRight(b[:], "\x00")), true
		}
	}

	return "", false
}

// PairTokens fetches the immutable token addresses from a pair contract.
func (c *Client) PairTokens(ctx context.Context, pair common.Address) (common.Address, common.Address, error) {
	methods := []string{"token0", "token1"}

	results := make([]hexutil.Bytes, len(methods))
	batch := make([]rpc.BatchElem, len(methods))
	for i, method := range methods {
		data, err := abiPair.Pack(method)
		if err != nil {
			return common.Address{}, common.Address{}, fmt.Errorf("failed to pack %s call: %w", method, err)
		}
		batch[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				map[string]interface{}{"to": pair, "data": hexutil.Bytes(data)},
				"latest",
			},
			Result: &results[i],
		}
	}

	if err := c.BatchCall(ctx, batch); err != nil {
		return common.Address{}, common.Address{}, err
	}

	addresses := make([]common.Address, len(methods))
	for i, method := range methods {
		if batch[i].Error != nil {
			return common.Address{}, common.Address{}, fmt.Errorf("failed to call %s on pair %s: %w", method, pair, batch[i].Error)
		}
		out, err := abiPair.Unpack(method, results[i])
		if err != nil || len(out) != 1 {
			return common.Address{}, common.Address{}, fmt.Errorf("failed to decode %s result from pair %s: %w", method, pair, err)
		}
		addresses[i] = out[0].(common.Address)
	}

	return addresses[0], addresses[1], nil
}
