package reconcile

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint computes the content fingerprint of an automation rule
// prompt: lowercase-hex BLAKE3-256 of the UTF-8 bytes. This matches
// the fingerprint the server returns in rule summaries, so a locally
// authored prompt can be cached with a fingerprint that survives the
// next refresh.
func Fingerprint(prompt string) string {
	sum := blake3.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
