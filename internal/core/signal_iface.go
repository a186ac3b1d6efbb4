package core

import "errors"

var (
	ErrBackpressure = errors.New("backpressure")
	ErrSignalClosed = errors.New("connection closed")
)

// Frame is a raw encoded signaling message.
type Frame []byte

// SessionID identifies one signaling connection (client token).
type SessionID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues without blocking; frames from one sender keep their
	// order. A full queue yields ErrBackpressure.
	TrySend(Frame) error
	Close()
}
