package podspec

import (
	"crypto/sha256"
	"encoding/hex"
)

// shortHash returns a short, stable, DNS-label-safe hash of a
// reservation id, used to build a deterministic pod name so retried
// Create messages reuse the same pod.
func shortHash(reservationID string) string {
	sum := sha256.Sum256([]byte(reservationID))
	return hex.EncodeToString(sum[:])[:12]
}
