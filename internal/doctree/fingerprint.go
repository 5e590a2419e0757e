package doctree

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint identifies a revision of the document's content. It is used
// as an ETag for optimistic save checks.
func Fingerprint(doc *Document) string {
	sum := blake2b.Sum256([]byte(Marshal(doc)))
	return hex.EncodeToString(sum[:16])
}
