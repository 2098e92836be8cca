// Package socket keeps one resilient bidirectional channel per logical key.
package socket

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSocketUnavailable is returned when sending on a key with no open channel.
var ErrSocketUnavailable = errors.New("socket unavailable")

// Close codes used when classifying a closed connection.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// CloseError describes how a connection ended. WasClean is false for drops
// and transport failures, which are what trigger a reconnect.
type CloseError struct {
	Code     int
	Reason   string
	WasClean bool
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("socket closed (%d, clean=%t): %s", e.Code, e.WasClean, e.Reason)
	}
	return fmt.Sprintf("socket closed (%d, clean=%t)", e.Code, e.WasClean)
}

// Conn is one physical connection.
type Conn interface {
	// ReadMessage blocks for the next data frame. When the connection ends
	// it returns a *CloseError.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Close ends the connection cleanly.
	Close() error
}

// Factory opens physical connections.
type Factory interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, url string) (Conn, error)

// Dial implements Factory.
func (f FactoryFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// EventType names a channel lifecycle event.
type EventType string

const (
	EventOpen               EventType = "open"
	EventMessage            EventType = "message"
	EventClose              EventType = "close"
	EventError              EventType = "error"
	EventReconnectScheduled EventType = "reconnect_scheduled"
)

// Event is delivered to a key's handler. Data is set for messages, Close
// for closes, Err for errors, Attempt and Delay for scheduled reconnects.
type Event struct {
	Type    EventType
	Key     string
	Data    []byte
	Close   *CloseError
	Err     error
	Attempt int
	Delay   time.Duration
}

// Handler receives events for one key. It runs on the goroutine that
// observed the event and must not block for long.
type Handler func(Event)

// Clock schedules reconnect timers.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// classify turns a read error into a CloseError.
func classify(err error) *CloseError {
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return closeErr
	}
	return &CloseError{Code: CloseAbnormal, Reason: err.Error(), WasClean: false}
}
