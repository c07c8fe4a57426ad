// Package id generates identifiers for transactions and requests.
package id

import (
	"github.com/google/uuid"
)

// ID is a UUID.
type ID = uuid.UUID

// New returns a time-ordered UUIDv7, so transaction and request IDs sort by
// start time in logs. Falls back to v4 if the clock source fails.
func New() ID {
	v, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return v
}

// NewString returns New().String().
func NewString() string {
	return New().String()
}

// Parse converts string to ID with validation.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}
