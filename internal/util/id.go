package util

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a random UUIDv4 string used as the stable identity of an artifact.
func NewID() string {
	return uuid.NewString()
}

// Timestamp returns the current UTC time truncated for storage.
func Timestamp() time.Time {
	return time.Now().UTC()
}
