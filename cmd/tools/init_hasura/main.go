package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// Registers the indexed schema with a Hasura GraphQL engine: tracks every
// table the indexer writes and creates the relationships backed by the
// schema's foreign keys, so the GraphQL layer exposes pairs, events and
// aggregates without manual console work. Relationship names follow the
// Uniswap subgraph field names (pair.token0, pair.pairHourData, ...).
//
// Hasura rejects duplicate registrations, running this against an already
// configured instance fails with "already tracked".
func main() {
	hasuraURL := flag.String("url", "http://localhost:8080", "base url of the hasura graphql engine")
	dbSchema := flag.String("schema", "public", "postgres schema the indexer writes to")
	dryRun := flag.Bool("dry-run", false, "print the metadata payload instead of posting it")
	flag.Parse()

	payload := buildPayload(*dbSchema)
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode metadata payload: %v", err)
	}

	if *dryRun {
		fmt.Println(string(body))
		return
	}

	endpoint := strings.TrimRight(*hasuraURL, "/") + "/v1/metadata"
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hasura-Role", "admin")
	if secret := os.Getenv("HASURA_GRAPHQL_ADMIN_SECRET"); secret != "" {
		req.Header.Set("X-Hasura-Admin-Secret", secret)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("Failed to reach hasura at %s: %v", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Failed to read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("Hasura rejected the metadata (HTTP %d): %s", resp.StatusCode, respBody)
	}

	// A bulk request reports one result per operation.
	var results []struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &results); err != nil {
		log.Fatalf("Failed to decode response: %v", err)
	}
	for i, result := range results {
		if result.Message != "success" {
			log.Fatalf("Metadata operation %d did not succeed: %q", i, result.Message)
		}
	}

	fmt.Printf("Tracked %d tables, created %d relationships.\n",
		len(trackedTables), len(objectRels)+len(arrayRels))
}

// Exchange tables first in dependency order, the router table last. The
// state table stays untracked, cursor metadata is not part of the API.
var trackedTables = []string{
	"factory",
	"token",
	"pair",
	"user",
	"liquidity_position",
	"liquidity_position_snapshot",
	"block",
	"transaction",
	"transfer",
	"mint",
	"burn",
	"swap",
	"sync",
	"bundle",
	"exchange_day_data",
	"pair_hour_data",
	"pair_day_data",
	"token_hour_data",
	"token_day_data",
	"xquery",
}

type objectRelDef struct {
	table  string
	name   string
	column string
}

// Child to parent, one per foreign key column.
var objectRels = []objectRelDef{
	{"transaction", "block", "block_hash"},
	{"pair", "token0", "token0_address"},
	{"pair", "token1", "token1_address"},
	{"liquidity_position", "user", "user_address"},
	{"liquidity_position", "pair", "pair_address"},
	{"liquidity_position_snapshot", "block", "block_hash"},
	{"transfer", "transaction", "tx_hash"},
	{"mint", "transaction", "tx_hash"},
	{"burn", "transaction", "tx_hash"},
	{"swap", "transaction", "tx_hash"},
	{"sync", "transaction", "tx_hash"},
	{"bundle", "block", "block_hash"},
	{"pair_hour_data", "pair", "pair_address"},
	{"pair_day_data", "pair", "pair_address"},
	{"token_hour_data", "token", "token_address"},
	{"token_day_data", "token", "token_address"},
}

type arrayRelDef struct {
	table        string
	name         string
	remoteTable  string
	remoteColumn string
}

// Parent to children, the reverse side of the same foreign keys.
var arrayRels = []arrayRelDef{
	{"block", "transactions", "transaction", "block_hash"},
	{"block", "bundles", "bundle", "block_hash"},
	{"block", "liquidityPositionSnapshots", "liquidity_position_snapshot", "block_hash"},
	{"transaction", "transfers", "transfer", "tx_hash"},
	{"transaction", "mints", "mint", "tx_hash"},
	{"transaction", "burns", "burn", "tx_hash"},
	{"transaction", "swaps", "swap", "tx_hash"},
	{"transaction", "syncs", "sync", "tx_hash"},
	{"token", "pairBase", "pair", "token0_address"},
	{"token", "pairQuote", "pair", "token1_address"},
	{"token", "tokenHourData", "token_hour_data", "token_address"},
	{"token", "tokenDayData", "token_day_data", "token_address"},
	{"pair", "pairHourData", "pair_hour_data", "pair_address"},
	{"pair", "pairDayData", "pair_day_data", "pair_address"},
	{"pair", "liquidityPositions", "liquidity_position", "pair_address"},
	{"user", "liquidityPositions", "liquidity_position", "user_address"},
}

type tableRef struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

type metadataOp struct {
	Type string      `json:"type"`
	Args interface{} `json:"args"`
}

type objectRelArgs struct {
	Table tableRef       `json:"table"`
	Name  string         `json:"name"`
	Using objectRelUsing `json:"using"`
}

type objectRelUsing struct {
	Column string `json:"foreign_key_constraint_on"`
}

type arrayRelArgs struct {
	Table tableRef      `json:"table"`
	Name  string        `json:"name"`
	Using arrayRelUsing `json:"using"`
}

type arrayRelUsing struct {
	ForeignKey arrayRelColumn `json:"foreign_key_constraint_on"`
}

type arrayRelColumn struct {
	Table  tableRef `json:"table"`
	Column string   `json:"column"`
}

// buildPayload assembles the single bulk request that tracks all tables and
// creates all relationships. Hasura applies a bulk atomically, a partially
// configured instance is never left behind.
func buildPayload(schema string) metadataOp {
	args := make([]metadataOp, 0, len(trackedTables)+len(objectRels)+len(arrayRels))

	for _, table := range trackedTables {
		args = append(args, metadataOp{
			Type: "pg_track_table",
			Args: tableRef{Schema: schema, Name: table},
		})
	}

	for _, rel := range objectRels {
		args = append(args, metadataOp{
			Type: "pg_create_object_relationship",
			Args: objectRelArgs{
				Table: tableRef{Schema: schema, Name: rel.table},
				Name:  rel.name,
				Using: objectRelUsing{Column: rel.column},
			},
		})
	}

	for _, rel := range arrayRels {
		args = append(args, metadataOp{
			Type: "pg_create_array_relationship",
			Args: arrayRelArgs{
				Table: tableRef{Schema: schema, Name: rel.table},
				Name:  rel.name,
				Using: arrayRelUsing{
					ForeignKey: arrayRelColumn{
						Table:  tableRef{Schema: schema, Name: rel.remoteTable},
						Column: rel.remoteColumn,
					},
				},
			},
		})
	}

	return metadataOp{Type: "bulk", Args: args}
}
