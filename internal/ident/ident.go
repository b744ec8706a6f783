// Package ident provides time, identifier, and hashing primitives.
//
// Run and event identifiers are UUIDv7: time-ordered, so lexical sort
// matches creation order, which the run listings and event scans rely
// on.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a new UUIDv7 identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// Hash returns a 16-hex-char SHA-256 digest of the joined parts,
// suitable for lock keys.
func Hash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])[:16]
}

// PartitionHash derives a stable hash from the named params. Keys are
// sorted so the hash does not depend on map order; missing keys hash as
// empty.
func PartitionHash(params map[string]any, keys []string) string {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	parts := make([]string, 0, len(sorted)*2)
	for _, k := range sorted {
		parts = append(parts, k, canonical(params[k]))
	}
	return Hash(parts...)
}

// canonical renders a param value deterministically.
func canonical(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
