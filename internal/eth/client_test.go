package eth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// newRPCServer fakes a JSON-RPC node. The handler receives each decoded call
// and returns the raw JSON of the result field.
func newRPCServer(t *testing.T, handler func(req rpcRequest) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read request: %v", err)
		}

		var reqs []rpcRequest
		batch := len(body) > 0 && body[0] == '['
		if batch {
			if err := json.Unmarshal(body, &reqs); err != nil {
				t.Fatalf("decode batch: %v", err)
			}
		} else {
			var req rpcRequest
			if err := json.Unmarshal(body, &req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			reqs = append(reqs, req)
		}

		var out []string
		for _, req := range reqs {
			out = append(out, fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, handler(req)))
		}

		w.Header().Set("Content-Type", "application/json")
		if batch {
			fmt.Fprintf(w, "[%s]", strings.Join(out, ","))
		} else {
			fmt.Fprint(w, out[0])
		}
	}))
}

func TestClientBlockByNumber(t *testing.T) {
	t.Parallel()

	srv := newRPCServer(t, func(req rpcRequest) string {
		if req.Method != "eth_getBlockByNumber" {
			t.Errorf("method = %q, want eth_getBlockByNumber", req.Method)
		}
		return `{"hash":"0x8ed42786cb8fa0aa8ef0121cfc50b7e23277d513b5f4486078141a9f540d982b","number":"0xe003","timestamp":"0x6021c24f"}`
	})
	defer srv.Close()

	client, err := Dial(context.Background(), srv.URL, ClientConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	block, err := client.BlockByNumber(context.Background(), 57347)
	if err != nil {
		t.Fatalf("BlockByNumber: %v", err)
	}
	if uint64(block.Number) != 57347 {
		t.Errorf("number = %d, want 57347", block.Number)
	}
	if uint64(block.Timestamp) != 1612825167 {
		t.Errorf("timestamp = %d, want 1612825167", block.Timestamp)
	}
	if block.Hash != common.HexToHash("0x8ed42786cb8fa0aa8ef0121cfc50b7e23277d513b5f4486078141a9f540d982b") {
		t.Errorf("hash = %s", block.Hash)
	}
}

func TestClientBlockNotFound(t *testing.T) {
	t.Parallel()

	srv := newRPCServer(t, func(req rpcRequest) string { return "null" })
	defer srv.Close()

	client, err := Dial(context.Background(), srv.URL, ClientConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	_, err = client.BlockByHash(context.Background(), common.HexToHash("0x01"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestClientFilterLogs(t *testing.T) {
	t.Parallel()

	srv := newRPCServer(t, func(req rpcRequest) string {
		var arg struct {
			FromBlock string `json:"fromBlock"`
			ToBlock   string `json:"toBlock"`
		}
		if err := json.Unmarshal(req.Params[0], &arg); err != nil {
			t.Fatalf("decode filter arg: %v", err)
		}
		if arg.FromBlock != "0x64" || arg.ToBlock != "0xc8" {
			t.Errorf("range = [%s, %s], want [0x64, 0xc8]", arg.FromBlock, arg.ToBlock)
		}

		return `[{
			"address":"0xefa94de7a4656d787667c749f7e1223d71e9fd88",
			"topics":["0x0d3648bd0f6ba80134a33ba9275ac585d9d315f0ad8355cddefde31afa28d0e9"],
			"data":"0x",
			"blockNumber":"0x65",
			"transactionHash":"0xd5fae76d06da05c5a7629cd40b8005fe00c83b19b573f218503f93bf866350e4",
			"transactionIndex":"0x0",
			"blockHash":"0x8ed42786cb8fa0aa8ef0121cfc50b7e23277d513b5f4486078141a9f540d982b",
			"logIndex":"0x2",
			"removed":false
		}]`
	})
	defer srv.Close()

	client, err := Dial(context.Background(), srv.URL, ClientConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	logs, err := client.FilterLogs(context.Background(), FilterQuery{FromBlock: 100, ToBlock: 200})
	if err != nil {
		t.Fatalf("FilterLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}
	if logs[0].BlockNumber != 101 || logs[0].Index != 2 {
		t.Errorf("log position = (%d, %d), want (101, 2)", logs[0].BlockNumber, logs[0].Index)
	}
}

func TestClientTokenInfo(t *testing.T) {
	t.Parallel()

	stringType, _ := abi.NewType("string", "", nil)
	uint8Type, _ := abi.NewType("uint8", "", nil)

	encodeString := func(s string) string {
		args := abi.Arguments{{Type: stringType}}
		data, err := args.Pack(s)
		if err != nil {
			t.Fatalf("pack string: %v", err)
		}
		return fmt.Sprintf(`"0x%x"`, data)
	}
	encodeUint8 := func(v uint8) string {
		args := abi.Arguments{{Type: uint8Type}}
		data, err := args.Pack(v)
		if err != nil {
			t.Fatalf("pack uint8: %v", err)
		}
		return fmt.Sprintf(`"0x%x"`, data)
	}

	var call int
	srv := newRPCServer(t, func(req rpcRequest) string {
		if req.Method != "eth_call" {
			t.Errorf("method = %q, want eth_call", req.Method)
		}
		call++
		switch call {
		case 1:
			return encodeString("WAVAX")
		case 2:
			return encodeString("Wrapped AVAX")
		case 3:
			return encodeUint8(18)
		default:
			// totalSupply
			return `"0x0000000000000000000000000000000000000000000000056bc75e2d63100000"`
		}
	})
	defer srv.Close()

	client, err := Dial(context.Background(), srv.URL, ClientConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	info, err := client.TokenInfo(context.Background(), common.HexToAddress("0xB31f66AA3C1e785363F0875A1B74E27b85FD66c7"))
	if err != nil {
		t.Fatalf("TokenInfo: %v", err)
	}
	if info.Symbol != "WAVAX" || info.Name != "Wrapped AVAX" || info.Decimals != 18 {
		t.Errorf("info = %+v", info)
	}
	if info.TotalSupply.String() != "100000000000000000000" {
		t.Errorf("totalSupply = %s, want 100000000000000000000", info.TotalSupply)
	}
}

func TestClientTokenInfoBytes32Fallback(t *testing.T) {
	t.Parallel()

	// bytes32-typed symbol/name (MKR style contracts)
	encodeBytes32 := func(s string) string {
		var b [32]byte
		copy(b[:], s)
		return fmt.Sprintf(`"0x%x"`, b)
	}

	var call int
	srv := newRPCServer(t, func(req rpcRequest) string {
		call++
		switch call {
		case 1:
			return encodeBytes32("MKR")
		case 2:
			return encodeBytes32("Maker")
		case 3:
			return `"0x0000000000000000000000000000000000000000000000000000000000000012"`
		default:
			return `"0x00"`
		}
	})
	defer srv.Close()

	client, err := Dial(context.Background(), srv.URL, ClientConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	info, err := client.TokenInfo(context.Background(), common.HexToAddress("0x01"))
	if err != nil {
		t.Fatalf("TokenInfo: %v", err)
	}
	if info.Symbol != "MKR" || info.Name != "Maker" {
		t.Errorf("info = %+v, want bytes32 decoded MKR/Maker", info)
	}
	if info.Decimals != 18 {
		t.Errorf("decimals = %d, want 18", info.Decimals)
	}
}

func TestClientPairTokens(t *testing.T) {
	t.Parallel()

	var call int
	srv := newRPCServer(t, func(req rpcRequest) string {
		call++
		if call == 1 {
			return `"0x00000000000000000000000097b99b4009041e948337ebca7e6ae52f9f6e633c"`
		}
		return `"0x000000000000000000000000a47a05ed74f80fa31621612887d26df40bcf0ca9"`
	})
	defer srv.Close()

	client, err := Dial(context.Background(), srv.URL, ClientConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	token0, token1, err := client.PairTokens(context.Background(), common.HexToAddress("0x02"))
	if err != nil {
		t.Fatalf("PairTokens: %v", err)
	}
	if token0 != common.HexToAddress("0x97b99B4009041e948337ebCA7e6ae52f9f6e633c") {
		t.Errorf("token0 = %s", token0)
	}
	if token1 != common.HexToAddress("0xa47a05ED74f80fA31621612887d26DF40bcF0cA9") {
		t.Errorf("token1 = %s", token1)
	}
}
