// Package canonical produces stable byte representations of JSON-able values
// so content hashes are reproducible regardless of field order or the
// concrete Go type that carried the data.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Marshal returns the canonical JSON encoding of v: the value is first
// normalized to plain maps, slices, and scalars, then encoded with
// lexicographically sorted object keys at every nesting level.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize value: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	// encoding/json sorts map keys, which covers every nesting level once the
	// value is reduced to map[string]any / []any / scalars.
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("encode canonical value: %w", err)
	}
	return out, nil
}

// HashHex returns the lowercase hex SHA-256 of the canonical encoding of v.
func HashHex(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// SumHex hashes raw bytes; used where the caller already holds canonical
// content such as a rationale string.
func SumHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// IsSHA256Hex reports whether s is a 64-character hex string. Both cases are
// accepted on input; stores normalize to lowercase before persisting.
func IsSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// NormalizeHash lowercases a validated hash for storage.
func NormalizeHash(s string) string {
	return strings.ToLower(s)
}
