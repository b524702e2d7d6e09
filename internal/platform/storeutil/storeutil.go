// Package storeutil carries the one storage primitive every store in this
// service leans on: treat a unique-constraint violation as "already exists"
// and hand back the existing record instead of an error. Its two halves are
// the in-memory map variant and Postgres unique-violation detection.
package storeutil

import (
	"errors"

	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for a unique-constraint breach.
const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, the signal every insert-or-get call path branches on.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

// InsertOrGet inserts value under key unless the key is already present, in
// which case it returns the existing value. The second return reports
// whether the insert happened.
func InsertOrGet[K comparable, V any](m map[K]V, key K, value V) (V, bool) {
	if existing, ok := m[key]; ok {
		return existing, false
	}
	m[key] = value
	return value, true
}
