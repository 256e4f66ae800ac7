package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes keep input and output hashes from colliding even when the
// canonical bytes happen to match. The version suffix allows migration.
const (
	DomainTaskInput  = "darkfactory/task-input/v1"
	DomainTaskOutput = "darkfactory/task-output/v1"
	DomainSummary    = "darkfactory/summary/v1"
)

// HashWithDomain computes SHA256(domain + 0x00 + data) as lowercase hex.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash canonicalizes v and hashes it under domain.
func Hash(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s: %w", domain, err)
	}
	return HashWithDomain(domain, data), nil
}
