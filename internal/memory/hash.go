package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// HashContent returns the dedup hash of content: SHA-256 over the
// normalized form (lowercased, whitespace runs collapsed to a single
// space, trimmed). Two memories that differ only in casing or spacing
// hash identically and become consolidation candidates.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}

// NormalizeContent applies the canonical normalization used for
// hashing.
func NormalizeContent(content string) string {
	var b strings.Builder
	b.Grow(len(content))
	space := false
	for _, r := range strings.TrimSpace(content) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
