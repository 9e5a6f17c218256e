// Package ids generates time-sortable identifiers for evidence entries.
package ids

import (
	"github.com/google/uuid"
)

// New returns a UUIDv7 string. Values sort by creation time and are
// monotonic within a process; they are not a security boundary.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.NewString()
	}
	return id.String()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
