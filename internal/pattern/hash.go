package pattern

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MessageHash is the stable identifier logged and stored in place of
// customer text. Surrounding whitespace and letter case do not change it.
func MessageHash(text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	return hex.EncodeToString(sum[:])
}
