package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const refDigestLen = 24

// TransferRef derives the idempotency key shared between a Transfer and the
// payment that settles it. Equal inputs always yield the same reference.
func TransferRef(prefix, address, amount string, createdAt time.Time, email string) string {
	h := sha256.New()
	for _, part := range []string{
		strings.ToLower(strings.TrimSpace(address)),
		strings.TrimSpace(amount),
		createdAt.UTC().Format(time.RFC3339Nano),
		strings.ToLower(strings.TrimSpace(email)),
	} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	return prefix + hex.EncodeToString(h.Sum(nil))[:refDigestLen]
}
