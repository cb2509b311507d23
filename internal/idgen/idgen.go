// Package idgen provides ID and order-number generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
)

const orderNoAlphabet = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ"

var orderNoSuffix = mustCustom(orderNoAlphabet, 8)

func mustCustom(alphabet string, size int) func() string {
	gen, err := nanoid.CustomASCII(alphabet, size)
	if err != nil {
		panic("idgen: invalid nanoid alphabet: " + err.Error())
	}
	return gen
}

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "ord_", "wd_", "evt_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// OrderNo returns a human-readable order number: yyyymmdd-XXXXXXXX.
// The suffix avoids ambiguous characters (I, O).
func OrderNo(now time.Time) string {
	var sb strings.Builder
	sb.WriteString(now.UTC().Format("20060102"))
	sb.WriteByte('-')
	sb.WriteString(orderNoSuffix())
	return sb.String()
}
