package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"xquery/internal/config"
	"xquery/internal/eth"
	"xquery/internal/event"
)

// Measures node latency for the request patterns the indexer leans on:
// eth_getLogs over growing block windows, single vs batched block fetches
// and batched token metadata calls.
func main() {
	fromBlock := flag.Uint64("from-block", 0, "start block of the benchmark ranges (default: deployment factory block)")
	blocks := flag.Int("blocks", 20, "number of blocks fetched in the single vs batched comparison")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	deployment, err := cfg.ResolveDeployment()
	if err != nil {
		log.Fatalf("Failed to resolve deployment: %v", err)
	}

	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = deployment.DefaultAPIURL
	}

	client, err := eth.Dial(ctx, apiURL, eth.ClientConfig{Timeout: 120 * time.Second})
	if err != nil {
		log.Fatalf("Failed to connect to node: %v", err)
	}
	defer client.Close()

	start := *fromBlock
	if start == 0 {
		start = deployment.FactoryBlock
	}

	fmt.Printf("node: %s\n", apiURL)
	fmt.Printf("deployment: %s (factory %s)\n\n", deployment.Name, deployment.Factory)

	benchGetLogs(ctx, client, common.HexToAddress(deployment.Factory), start)
	benchGetBlocks(ctx, client, start, *blocks)
	benchTokenInfo(ctx, client, start, *blocks)
}

// benchGetLogs runs the exchange filter over doubling chunk sizes, the same
// call pattern the scan loop issues.
func benchGetLogs(ctx context.Context, client *eth.Client, factory common.Address, fromBlock uint64) {
	fmt.Println("========== eth_getLogs ==========")

	filter := event.NewExchangeFilter(client, factory, nil)

	for _, chunk := range []uint64{256, 512, 1024, 2048} {
		t0 := time.Now()
		logs, err := filter.Logs(ctx, fromBlock, fromBlock+chunk-1)
		d := time.Since(t0)
		if err != nil {
			fmt.Printf("  chunk %5d: FAIL (%v) [%v]\n", chunk, err, d)
			continue
		}
		fmt.Printf("  chunk %5d: OK [%v] logs=%d (%.1f logs/block)\n",
			chunk, d, len(logs), float64(len(logs))/float64(chunk))
	}
	fmt.Println()
}

// benchGetBlocks compares n sequential eth_getBlockByNumber requests against
// a single batch carrying all of them.
func benchGetBlocks(ctx context.Context, client *eth.Client, fromBlock uint64, n int) {
	fmt.Println("========== eth_getBlockByNumber ==========")

	t0 := time.Now()
	for i := 0; i < n; i++ {
		if _, err := client.BlockByNumber(ctx, fromBlock+uint64(i)); err != nil {
			fmt.Printf("  single: FAIL at block %d (%v)\n", fromBlock+uint64(i), err)
			return
		}
	}
	dSingle := time.Since(t0)
	fmt.Printf("  single:  OK [%v] %d blocks (%.1f ms/block)\n",
		dSingle, n, float64(dSingle.Milliseconds())/float64(n))

	results := make([]eth.BlockInfo, n)
	batch := make([]rpc.BatchElem, n)
	for i := range batch {
		batch[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeUint64(fromBlock + uint64(i)), false},
			Result: &results[i],
		}
	}

	t0 = time.Now()
	if err := client.BatchCall(ctx, batch); err != nil {
		fmt.Printf("  batched: FAIL (%v)\n", err)
		return
	}
	dBatch := time.Since(t0)
	for i := range batch {
		if batch[i].Error != nil {
			fmt.Printf("  batched: FAIL at block %d (%v)\n", fromBlock+uint64(i), batch[i].Error)
			return
		}
	}
	fmt.Printf("  batched: OK [%v] %d blocks (%.2fx speedup)\n\n",
		dBatch, n, float64(dSingle)/float64(dBatch))
}

// benchTokenInfo times the batched metadata fetch against token contracts
// discovered from recent pair logs.
func benchTokenInfo(ctx context.Context, client *eth.Client, fromBlock uint64, n int) {
	fmt.Println("========== token metadata ==========")

	// harvest token addresses from Transfer logs in the sample range
	logs, err := client.FilterLogs(ctx, eth.FilterQuery{
		FromBlock: fromBlock,
		ToBlock:   fromBlock + 2047,
		Topics:    [][]common.Hash{{event.TopicTransfer}},
	})
	if err != nil {
		fmt.Printf("  FAIL: log harvest: %v\n", err)
		return
	}

	seen := make(map[common.Address]struct{})
	var tokens []common.Address
	for _, entry := range logs {
		if _, ok := seen[entry.Address]; ok {
			continue
		}
		seen[entry.Address] = struct{}{}
		tokens = append(tokens, entry.Address)
		if len(tokens) >= n {
			break
		}
	}
	if len(tokens) == 0 {
		fmt.Println("  no token contracts found in sample range")
		return
	}

	t0 := time.Now()
	for _, token := range tokens {
		info, err := client.TokenInfo(ctx, token)
		if err != nil {
			fmt.Printf("  FAIL: %s: %v\n", token, err)
			return
		}
		_ = info
	}
	d := time.Since(t0)
	fmt.Printf("  batched eth_call: OK [%v] %d tokens (%.1f ms/token)\n",
		d, len(tokens), float64(d.Milliseconds())/float64(len(tokens)))
}
