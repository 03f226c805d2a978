package event

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// addressTopic packs an address into a 32 byte topic value.
func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// abiWords packs values into consecutive 32 byte words.
func abiWords(vals ...[]byte) []byte {
	var data []byte
	for _, v := range vals {
		data = append(data, common.LeftPadBytes(v, 32)...)
	}
	return data
}

func TestTopicIdentifiers(t *testing.T) {
	t.Parallel()

	// pinned against the canonical Uniswap V2 contracts
	tests := []struct {
		name  string
		topic common.Hash
		want  string
	}{
		{"PairCreated", TopicPairCreated, "0x0d3648bd0f6ba80134a33ba9275ac585d9d315f0ad8355cddefde31afa28d0e9"},
		{"Approval", TopicApproval, "0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925"},
		{"Transfer", TopicTransfer, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"},
		{"Mint", TopicMint, "0x4c209b5fc8ad50758f13e2e1088ba56a560dff690a1c6fef26394f4c03821c4f"},
		{"Burn", TopicBurn, "0xdccd412f0b1252819cb1fd330b93224ca42612892bb3f4f789976e6d81936496"},
		{"Swap", TopicSwap, "0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822"},
		{"Sync", TopicSync, "0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1"},
		{"Deposit", TopicDeposit, "0xe1fffcc4923d04b559f4d29a8bfc6cda04eb5b0d3c460751c2402c5c5cc9109c"},
		{"Withdrawal", TopicWithdrawal, "0x7fcf532c15f0a6db0bd6d0e038bea71d30d808c7d98cb3bf7268a95bf5081b65"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.topic.Hex(); got != tc.want {
				t.Fatalf("topic %s = %s, want %s", tc.name, got, tc.want)
			}
		})
	}
}

func TestEventName(t *testing.T) {
	t.Parallel()

	if got := EventName(types.Log{Topics: []common.Hash{TopicSwap}}); got != "Swap" {
		t.Fatalf("EventName(swap log) = %q, want %q", got, "Swap")
	}
	if got := EventName(types.Log{}); got != "" {
		t.Fatalf("EventName(no topics) = %q, want empty", got)
	}
	unknown := types.Log{Topics: []common.Hash{common.HexToHash("0x01")}}
	if got := EventName(unknown); got != "" {
		t.Fatalf("EventName(unknown topic) = %q, want empty", got)
	}
}

func TestDecodePairCreated(t *testing.T) {
	t.Parallel()

	token0 := common.HexToAddress("0x1000000000000000000000000000000000000001")
	token1 := common.HexToAddress("0x2000000000000000000000000000000000000002")
	pair := common.HexToAddress("0x3000000000000000000000000000000000000003")

	entry := types.Log{
		Topics: []common.Hash{TopicPairCreated, addressTopic(token0), addressTopic(token1)},
		Data:   abiWords(pair.Bytes(), big.NewInt(7).Bytes()),
	}

	args, err := DecodePairCreated(entry)
	if err != nil {
		t.Fatalf("DecodePairCreated: %v", err)
	}
	if args.Token0 != token0 || args.Token1 != token1 || args.Pair != pair {
		t.Fatalf("DecodePairCreated = %+v, want tokens %s/%s pair %s", args, token0, token1, pair)
	}
}

func TestDecodeTransfer(t *testing.T) {
	t.Parallel()

	from := common.HexToAddress("0x1000000000000000000000000000000000000001")
	to := common.HexToAddress("0x2000000000000000000000000000000000000002")

	entry := types.Log{
		Topics: []common.Hash{TopicTransfer, addressTopic(from), addressTopic(to)},
		Data:   abiWords(big.NewInt(12345).Bytes()),
	}

	args, err := DecodeTransfer(entry)
	if err != nil {
		t.Fatalf("DecodeTransfer: %v", err)
	}
	if args.From != from || args.To != to || args.Value.Int64() != 12345 {
		t.Fatalf("DecodeTransfer = %+v", args)
	}
}

func TestDecodeSwap(t *testing.T) {
	t.Parallel()

	sender := common.HexToAddress("0x1000000000000000000000000000000000000001")
	to := common.HexToAddress("0x2000000000000000000000000000000000000002")

	entry := types.Log{
		Topics: []common.Hash{TopicSwap, addressTopic(sender), addressTopic(to)},
		Data: abiWords(
			big.NewInt(10).Bytes(),
			big.NewInt(0).Bytes(),
			big.NewInt(0).Bytes(),
			big.NewInt(42).Bytes(),
		),
	}

	args, err := DecodeSwap(entry)
	if err != nil {
		t.Fatalf("DecodeSwap: %v", err)
	}
	if args.Sender != sender || args.To != to {
		t.Fatalf("DecodeSwap addresses = %s/%s, want %s/%s", args.Sender, args.To, sender, to)
	}
	if args.Amount0In.Int64() != 10 || args.Amount1In.Sign() != 0 ||
		args.Amount0Out.Sign() != 0 || args.Amount1Out.Int64() != 42 {
		t.Fatalf("DecodeSwap amounts = %v/%v/%v/%v", args.Amount0In, args.Amount1In, args.Amount0Out, args.Amount1Out)
	}
}

func TestDecodeSync(t *testing.T) {
	t.Parallel()

	entry := types.Log{
		Topics: []common.Hash{TopicSync},
		Data:   abiWords(big.NewInt(1000).Bytes(), big.NewInt(2000).Bytes()),
	}

	args, err := DecodeSync(entry)
	if err != nil {
		t.Fatalf("DecodeSync: %v", err)
	}
	if args.Reserve0.Int64() != 1000 || args.Reserve1.Int64() != 2000 {
		t.Fatalf("DecodeSync = %v/%v, want 1000/2000", args.Reserve0, args.Reserve1)
	}
}

func TestDecodeMalformedTopics(t *testing.T) {
	t.Parallel()

	// a Sync log carries no indexed arguments
	entry := types.Log{
		Topics: []common.Hash{TopicSync, addressTopic(common.Address{})},
		Data:   abiWords(big.NewInt(1).Bytes(), big.NewInt(2).Bytes()),
	}
	if _, err := DecodeSync(entry); err == nil {
		t.Fatal("DecodeSync(extra topic) expected error")
	}

	// topic identifier of a different event
	entry = types.Log{
		Topics: []common.Hash{TopicMint, addressTopic(common.Address{}), addressTopic(common.Address{})},
		Data:   abiWords(big.NewInt(1).Bytes()),
	}
	if _, err := DecodeTransfer(entry); err == nil {
		t.Fatal("DecodeTransfer(mint log) expected error")
	}
}

func TestRouterMethodSelectors(t *testing.T) {
	t.Parallel()

	// pinned against the deployed Pangolin router
	tests := []struct {
		name     string
		selector string
	}{
		{"swapExactTokensForTokens", "0x38ed1739"},
		{"addLiquidity", "0xe8e33700"},
		{"removeLiquidity", "0xbaa2abde"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			method, ok := abiRouterMethods.Methods[tc.name]
			if !ok {
				t.Fatalf("router ABI misses method %s", tc.name)
			}
			if got := "0x" + common.Bytes2Hex(method.ID); got != tc.selector {
				t.Fatalf("selector of %s = %s, want %s", tc.name, got, tc.selector)
			}
		})
	}
}
