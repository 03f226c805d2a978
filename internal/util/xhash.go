package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// XHash derives a deterministic identity hash for an event log from the
// fields that survive a node switch: emitting address, containing block,
// position within the block and transaction hash. The address keeps its
// original casing; two captures of the same log always hash the same.
func XHash(address, blockHash string, logIndex uint, txHash string) string {
	payload := fmt.Sprintf(
		`{"address": %q, "blockHash": %q, "logIndex": %d, "transactionHash": %q}`,
		address, blockHash, logIndex, txHash,
	)
	sum := sha256.Sum256([]byte(payload))
	return "0x" + hex.EncodeToString(sum[:])
}
