package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSlowConsumer     = errors.New("send buffer full")
)

type Status int

const (
	StatusConnecting Status = iota
	StatusHandshaking
	StatusSynced
	StatusDisconnected
	StatusFailed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusHandshaking:
		return "handshaking"
	case StatusSynced:
		return "synced"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal statuses are never left.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusClosed
}

type StatusEvent struct {
	Status Status
	// Initial is set on the first Synced of the client's lifetime.
	Initial bool
	// Attempt counts consecutive failed connections, starting at 1.
	Attempt int
	// Delay is the wait before the next attempt, for Disconnected.
	Delay time.Duration
	Err   error
}
