package whiz

import (
	"errors"
	"fmt"
)

var (
	// ErrSendRejected is returned by Connection.Send while the socket is not open.
	// Nothing is queued.
	ErrSendRejected = errors.New("send rejected: connection is not open")

	// ErrStaleHistory is returned by Engine.LoadHistory when a newer load was
	// started or the engine was closed before the response arrived.
	ErrStaleHistory = errors.New("history response superseded")

	// ErrClosed is returned by Controller methods after Close.
	ErrClosed = errors.New("controller closed")

	ErrNoActiveRoom = errors.New("no active room")
	ErrRoomNotFound = errors.New("room not found")
	ErrEmptyMessage = errors.New("message content is empty")
)

// HistoryFetchError is returned when a room's history could not be loaded.
type HistoryFetchError struct {
	Room string
	Err  error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("load history for room %q: %v", e.Room, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// ConnectionError describes a dial or read failure on the live connection.
type ConnectionError struct {
	Room string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to room %q: %v", e.Room, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ParseError describes an inbound frame that could not be decoded.
type ParseError struct {
	Raw []byte
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse frame: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
