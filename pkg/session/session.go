// Copyright 2024-2026 Aiku AI

// Package session defines the contract between the bridge core and the two
// network client libraries, plus the concrete Matrix and Mattermost adapters.
//
// A Session is an event emitter with explicit listener handles: the caller
// holds a handle for everything it attaches and detaches all of it before
// discarding a dead session, so listeners never accumulate across reconnects.
// Adapters never reconnect on their own; the bridge supervisor is the sole
// reconnection authority.
package session

import (
	"context"
	"time"
)

// EventType identifies a session lifecycle or traffic event.
type EventType int

const (
	// EventRegistered signals the session is authenticated and receiving traffic.
	EventRegistered EventType = iota
	// EventError signals a protocol-level failure on the session.
	EventError
	// EventAbort signals the remote side terminated the session.
	EventAbort
	// EventClose signals the underlying transport closed.
	EventClose
	// EventNetError signals a network-level failure (DNS, TLS, resets).
	EventNetError
	// EventMessage is a new channel message from the remote network.
	EventMessage
	// EventNotice is a notice-style message (system or service traffic).
	EventNotice
	// EventPrivateMessage is a direct message to the bridge user.
	EventPrivateMessage
	// EventEdit is an edit of a previously delivered message.
	EventEdit
	// EventDelete is a deletion of a previously delivered message.
	EventDelete
	// EventLookupResult is the terminating response to a directory lookup.
	EventLookupResult
)

// String returns a short name for logging.
func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventError:
		return "error"
	case EventAbort:
		return "abort"
	case EventClose:
		return "close"
	case EventNetError:
		return "netError"
	case EventMessage:
		return "message"
	case EventNotice:
		return "notice"
	case EventPrivateMessage:
		return "privateMessage"
	case EventEdit:
		return "edit"
	case EventDelete:
		return "delete"
	case EventLookupResult:
		return "lookupResult"
	default:
		return "unknown"
	}
}

// Terminal reports whether the event ends the session. A terminal event means
// the session object is dead and must be discarded by its owner.
func (t EventType) Terminal() bool {
	switch t {
	case EventError, EventAbort, EventClose, EventNetError:
		return true
	default:
		return false
	}
}

// Traffic reports whether the event carries inbound user traffic, which
// counts as activity for idle detection.
func (t EventType) Traffic() bool {
	switch t {
	case EventMessage, EventNotice, EventPrivateMessage, EventEdit, EventDelete:
		return true
	default:
		return false
	}
}

// Event is an immutable value delivered to session listeners.
type Event struct {
	Type      EventType
	MessageID string
	Channel   string
	Sender    string
	Content   string
	// Key is the correlation identifier for EventLookupResult.
	Key  string
	Err  error
	Time time.Time
}

// ListenerHandle identifies one attached listener so it can be detached later.
type ListenerHandle uint64

// Session is one live connection to a remote chat network.
//
// Open starts the network pump without blocking; registration success or any
// failure arrives as an Event, so listeners must be attached before Open is
// called. Disconnect is idempotent and stops the pump without emitting
// further events.
type Session interface {
	On(fn func(Event)) ListenerHandle
	Off(h ListenerHandle)
	ListenerCount() int

	Open(ctx context.Context) error
	Disconnect()

	SendMessage(ctx context.Context, channel, content string) (messageID string, err error)
	SendEdit(ctx context.Context, channel, messageID, content string) error
	SendDelete(ctx context.Context, channel, messageID string) error
	// Lookup issues one directory query for key. The terminating response
	// arrives as an EventLookupResult carrying the same key; callers must
	// sequence lookups themselves to avoid remote flood protection. The
	// query outlives ctx: Lookup returns before the query completes, so
	// adapters detach from the caller's cancellation and bound the query
	// with lookupQueryTimeout.
	Lookup(ctx context.Context, key string) error
}

// lookupQueryTimeout bounds one asynchronous directory query after it has
// been detached from the caller's context.
const lookupQueryTimeout = 10 * time.Second

// Factory constructs fresh, unopened sessions. Any auto-reconnect feature of
// the underlying client library must be left disabled by the factory.
type Factory interface {
	Dial(ctx context.Context) (Session, error)
}
