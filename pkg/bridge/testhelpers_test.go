// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/matterlink/pkg/session"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// sentMessage records one outbound call on a fakeSession.
type sentMessage struct {
	Channel   string
	MessageID string
	Content   string
}

// fakeSession is an in-memory session.Session. Tests drive inbound traffic
// by calling Emit directly and inspect the outbound call log.
type fakeSession struct {
	session.Emitter

	// openErr makes Open fail synchronously.
	openErr error
	// silentOpen suppresses the registered event so Connect times out.
	silentOpen bool
	// sendErr makes every outbound call fail.
	sendErr error

	mu           sync.Mutex
	opened       bool
	disconnected bool
	nextID       int
	messages     []sentMessage
	edits        []sentMessage
	deletes      []sentMessage
	lookups      []string
}

var _ session.Session = (*fakeSession)(nil)

func (f *fakeSession) Open(_ context.Context) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.mu.Lock()
	f.opened = true
	f.mu.Unlock()
	if !f.silentOpen {
		f.Emit(session.Event{Type: session.EventRegistered, Time: time.Now()})
	}
	return nil
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func (f *fakeSession) SendMessage(_ context.Context, channel, content string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("sent-%d", f.nextID)
	f.messages = append(f.messages, sentMessage{Channel: channel, MessageID: id, Content: content})
	return id, nil
}

func (f *fakeSession) SendEdit(_ context.Context, channel, messageID, content string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentMessage{Channel: channel, MessageID: messageID, Content: content})
	return nil
}

func (f *fakeSession) SendDelete(_ context.Context, channel, messageID string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, sentMessage{Channel: channel, MessageID: messageID})
	return nil
}

func (f *fakeSession) Lookup(_ context.Context, key string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, key)
	return nil
}

func (f *fakeSession) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

func (f *fakeSession) sentEdits() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.edits...)
}

func (f *fakeSession) sentDeletes() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.deletes...)
}

func (f *fakeSession) sentLookups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lookups...)
}

func (f *fakeSession) wasDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

// fakeFactory hands out sessions from a fixed queue, then keeps returning
// the last one. A nil queue entry makes Dial fail.
type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dialErr  error
	dials    int
}

var _ session.Factory = (*fakeFactory)(nil)

func newFakeFactory(sessions ...*fakeSession) *fakeFactory {
	return &fakeFactory{sessions: sessions}
}

func (f *fakeFactory) Dial(_ context.Context) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	if len(f.sessions) == 0 {
		return nil, fmt.Errorf("fake factory exhausted")
	}
	sess := f.sessions[0]
	if len(f.sessions) > 1 {
		f.sessions = f.sessions[1:]
	}
	return sess, nil
}

func (f *fakeFactory) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
