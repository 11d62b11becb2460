package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewID generates a new 128-bit unique identifier.
func NewID() string {
	return uuid.New().String()
}

// ShortID returns the first segment of a UUID, used for directory names
// under the media root where the full identifier would be unwieldy.
func ShortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
