package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Order and trade IDs are opaque strings, unique across the lifetime of
// the database and generatable without coordination: a millisecond
// timestamp plus a random suffix.

// NewOrderID generates a sandbox order identifier.
func NewOrderID() string {
	return newID("SB")
}

// NewTradeID generates a sandbox trade identifier.
func NewTradeID() string {
	return newID("TR")
}

func newID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), suffix)
}
