package util

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes make ids self-describing in logs.
const (
	prefixConnection = "conn"
	prefixRequest    = "req"
	prefixSession    = "call"
)

func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewConnectionID names one WebSocket connection in a team room.
func NewConnectionID() string { return NewID(prefixConnection) }

// NewRequestID is used when a caller sends no X-Request-ID.
func NewRequestID() string { return NewID(prefixRequest) }

// NewSessionID names a call session started without an explicit id.
func NewSessionID() string { return NewID(prefixSession) }
