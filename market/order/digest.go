package order

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// PayloadDigest returns a stable hex identifier for a stored order payload.
// Off-chain records use it to deduplicate listings that carry the same
// signed order.
func PayloadDigest(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
