package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashURI derives the git/<uri-hash>/ directory name for a repo URI.
func hashURI(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return hex.EncodeToString(sum[:])[:40]
}
