package event

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event fragments of the factory, pair and wrapped native asset contracts.
// Only events the filters subscribe to are listed.
const (
	factoryEventsABI = `[
		{"anonymous":false,"inputs":[{"indexed":true,"name":"token0","type":"address"},{"indexed":true,"name":"token1","type":"address"},{"indexed":false,"name":"pair","type":"address"},{"indexed":false,"name":"","type":"uint256"}],"name":"PairCreated","type":"event"}
	]`

	pairEventsABI = `[
		{"anonymous":false,"inputs":[{"indexed":true,"name":"owner","type":"address"},{"indexed":true,"name":"spender","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Approval","type":"event"},
		{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"},
		{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"amount0","type":"uint256"},{"indexed":false,"name":"amount1","type":"uint256"}],"name":"Mint","type":"event"},
		{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"amount0","type":"uint256"},{"indexed":false,"name":"amount1","type":"uint256"},{"indexed":true,"name":"to","type":"address"}],"name":"Burn","type":"event"},
		{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"amount0In","type":"uint256"},{"indexed":false,"name":"amount1In","type":"uint256"},{"indexed":false,"name":"amount0Out","type":"uint256"},{"indexed":false,"name":"amount1Out","type":"uint256"},{"indexed":true,"name":"to","type":"address"}],"name":"Swap","type":"event"},
		{"anonymous":false,"inputs":[{"indexed":false,"name":"reserve0","type":"uint112"},{"indexed":false,"name":"reserve1","type":"uint112"}],"name":"Sync","type":"event"}
	]`

	wrappedEventsABI = `[
		{"anonymous":false,"inputs":[{"indexed":true,"name":"dst","type":"address"},{"indexed":false,"name":"wad","type":"uint256"}],"name":"Deposit","type":"event"},
		{"anonymous":false,"inputs":[{"indexed":true,"name":"src","type":"address"},{"indexed":false,"name":"wad","type":"uint256"}],"name":"Withdrawal","type":"event"}
	]`
)

var (
	abiFactoryEvents = mustParseABI(factoryEventsABI)
	abiPairEvents    = mustParseABI(pairEventsABI)
	abiWrappedEvents = mustParseABI(wrappedEventsABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Topic identifiers (keccak hash of the event signature) of all known events.
var (
	TopicPairCreated = abiFactoryEvents.Events["PairCreated"].ID
	TopicApproval    = abiPairEvents.Events["Approval"].ID
	TopicTransfer    = abiPairEvents.Events["Transfer"].ID
	TopicMint        = abiPairEvents.Events["Mint"].ID
	TopicBurn        = abiPairEvents.Events["Burn"].ID
	TopicSwap        = abiPairEvents.Events["Swap"].ID
	TopicSync        = abiPairEvents.Events["Sync"].ID
	TopicDeposit     = abiWrappedEvents.Events["Deposit"].ID
	TopicWithdrawal  = abiWrappedEvents.Events["Withdrawal"].ID
)

var eventNames = map[common.Hash]string{
	TopicPairCreated: "PairCreated",
	TopicApproval:    "Approval",
	TopicTransfer:    "Transfer",
	TopicMint:        "Mint",
	TopicBurn:        "Burn",
	TopicSwap:        "Swap",
	TopicSync:        "Sync",
	TopicDeposit:     "Deposit",
	TopicWithdrawal:  "Withdrawal",
}

// EventName resolves the name of a log entry from its first topic. Unknown
// events resolve to an empty string.
func EventName(entry types.Log) string {
	if len(entry.Topics) == 0 {
		return ""
	}
	return eventNames[entry.Topics[0]]
}

// unpackEvent validates the topic layout of entry and decodes its data
// section according to the named event.
func unpackEvent(source abi.ABI, name string, entry types.Log, topics int) ([]any, error) {
	if len(entry.Topics) != topics || entry.Topics[0] != source.Events[name].ID {
		return nil, fmt.Errorf("malformed %s log in tx %s", name, entry.TxHash)
	}
	vals, err := source.Unpack(name, entry.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", name, err)
	}
	return vals, nil
}

func topicAddress(t common.Hash) common.Address {
	return common.BytesToAddress(t.Bytes())
}

// PairCreatedArgs holds the decoded arguments of a factory PairCreated event.
type PairCreatedArgs struct {
	Token0 common.Address
	Token1 common.Address
	Pair   common.Address
}

func DecodePairCreated(entry types.Log) (*PairCreatedArgs, error) {
	vals, err := unpackEvent(abiFactoryEvents, "PairCreated", entry, 3)
	if err != nil {
		return nil, err
	}
	return &PairCreatedArgs{
		Token0: topicAddress(entry.Topics[1]),
		Token1: topicAddress(entry.Topics[2]),
		Pair:   vals[0].(common.Address),
	}, nil
}

// TransferArgs holds the decoded arguments of an RC20 Transfer event.
type TransferArgs struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

func DecodeTransfer(entry types.Log) (*TransferArgs, error) {
	vals, err := unpackEvent(abiPairEvents, "Transfer", entry, 3)
	if err != nil {
		return nil, err
	}
	return &TransferArgs{
		From:  topicAddress(entry.Topics[1]),
		To:    topicAddress(entry.Topics[2]),
		Value: vals[0].(*big.Int),
	}, nil
}

// ApprovalArgs holds the decoded arguments of an RC20 Approval event.
type ApprovalArgs struct {
	Owner   common.Address
	Spender common.Address
	Value   *big.Int
}

func DecodeApproval(entry types.Log) (*ApprovalArgs, error) {
	vals, err := unpackEvent(abiPairEvents, "Approval", entry, 3)
	if err != nil {
		return nil, err
	}
	return &ApprovalArgs{
		Owner:   topicAddress(entry.Topics[1]),
		Spender: topicAddress(entry.Topics[2]),
		Value:   vals[0].(*big.Int),
	}, nil
}

// MintArgs holds the decoded arguments of a pair Mint event.
type MintArgs struct {
	Sender  common.Address
	Amount0 *big.Int
	Amount1 *big.Int
}

func DecodeMint(entry types.Log) (*MintArgs, error) {
	vals, err := unpackEvent(abiPairEvents, "Mint", entry, 2)
	if err != nil {
		return nil, err
	}
	return &MintArgs{
		Sender:  topicAddress(entry.Topics[1]),
		Amount0: vals[0].(*big.Int),
		Amount1: vals[1].(*big.Int),
	}, nil
}

// BurnArgs holds the decoded arguments of a pair Burn event.
type BurnArgs struct {
	Sender  common.Address
	Amount0 *big.Int
	Amount1 *big.Int
	To      common.Address
}

func DecodeBurn(entry types.Log) (*BurnArgs, error) {
	vals, err := unpackEvent(abiPairEvents, "Burn", entry, 3)
	if err != nil {
		return nil, err
	}
	return &BurnArgs{
		Sender:  topicAddress(entry.Topics[1]),
		Amount0: vals[0].(*big.Int),
		Amount1: vals[1].(*big.Int),
		To:      topicAddress(entry.Topics[2]),
	}, nil
}

// SwapArgs holds the decoded arguments of a pair Swap event.
type SwapArgs struct {
	Sender     common.Address
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
	To         common.Address
}

func DecodeSwap(entry types.Log) (*SwapArgs, error) {
	vals, err := unpackEvent(abiPairEvents, "Swap", entry, 3)
	if err != nil {
		return nil, err
	}
	return &SwapArgs{
		Sender:     topicAddress(entry.Topics[1]),
		Amount0In:  vals[0].(*big.Int),
		Amount1In:  vals[1].(*big.Int),
		Amount0Out: vals[2].(*big.Int),
		Amount1Out: vals[3].(*big.Int),
		To:         topicAddress(entry.Topics[2]),
	}, nil
}

// SyncArgs holds the decoded arguments of a pair Sync event.
type SyncArgs struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
}

func DecodeSync(entry types.Log) (*SyncArgs, error) {
	vals, err := unpackEvent(abiPairEvents, "Sync", entry, 1)
	if err != nil {
		return nil, err
	}
	return &SyncArgs{
		Reserve0: vals[0].(*big.Int),
		Reserve1: vals[1].(*big.Int),
	}, nil
}

// DepositArgs holds the decoded arguments of a wrapped native Deposit event.
type DepositArgs struct {
	Dst common.Address
	Wad *big.Int
}

func DecodeDeposit(entry types.Log) (*DepositArgs, error) {
	vals, err := unpackEvent(abiWrappedEvents, "Deposit", entry, 2)
	if err != nil {
		return nil, err
	}
	return &DepositArgs{
		Dst: topicAddress(entry.Topics[1]),
		Wad: vals[0].(*big.Int),
	}, nil
}

// WithdrawalArgs holds the decoded arguments of a wrapped native Withdrawal
// event.
type WithdrawalArgs struct {
	Src common.Address
	Wad *big.Int
}

func DecodeWithdrawal(entry types.Log) (*WithdrawalArgs, error) {
	vals, err := unpackEvent(abiWrappedEvents, "Withdrawal", entry, 2)
	if err != nil {
		return nil, err
	}
	return &WithdrawalArgs{
		Src: topicAddress(entry.Topics[1]),
		Wad: vals[0].(*big.Int),
	}, nil
}
