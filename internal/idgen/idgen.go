package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Instance returns a prefixed instance id like
// "agent-0195f8a2c3d47c2e9f41b0a35d68e217". Multiple concurrent agents may
// serve the same window; the instance id is what keeps their streams apart,
// so the full UUID is kept: a UUIDv7 prefix alone is just the millisecond
// timestamp and collides for ids minted together.
func Instance(prefix string) string {
	id := strings.ReplaceAll(New(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
