// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// fakeMM is a minimal Mattermost REST fake covering the endpoints the
// session uses.
type fakeMM struct {
	Server *httptest.Server

	mu      sync.Mutex
	created []*model.Post
	patched map[string]string
	deleted []string

	// Users maps username to user for directory lookups.
	Users map[string]*model.User
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		patched: make(map[string]string),
		Users:   make(map[string]*model.User),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/api/v4")
	switch {
	case r.Method == http.MethodGet && path == "/users/me":
		json.NewEncoder(w).Encode(&model.User{Id: "me", Username: "matterlink"})

	case r.Method == http.MethodPost && path == "/posts":
		var post model.Post
		json.NewDecoder(r.Body).Decode(&post)
		post.Id = "created1"
		f.created = append(f.created, &post)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(&post)

	case r.Method == http.MethodPut && strings.HasSuffix(path, "/patch"):
		postID := strings.TrimSuffix(strings.TrimPrefix(path, "/posts/"), "/patch")
		var patch model.PostPatch
		json.NewDecoder(r.Body).Decode(&patch)
		if patch.Message != nil {
			f.patched[postID] = *patch.Message
		}
		json.NewEncoder(w).Encode(&model.Post{Id: postID})

	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/posts/"):
		f.deleted = append(f.deleted, strings.TrimPrefix(path, "/posts/"))
		json.NewEncoder(w).Encode(map[string]string{"status": "OK"})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/users/username/"):
		username := strings.TrimPrefix(path, "/users/username/")
		user, ok := f.Users[username]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(&model.AppError{Message: "user not found", StatusCode: http.StatusNotFound})
			return
		}
		json.NewEncoder(w).Encode(user)

	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newTestMMSession(serverURL string) *MattermostSession {
	client := model.NewAPIv4Client(serverURL)
	client.SetToken("test-token")
	return &MattermostSession{
		client:    client,
		serverURL: serverURL,
		userID:    "me",
		stopChan:  make(chan struct{}),
		log:       zerolog.Nop(),
	}
}

// collectEvents attaches a recording listener and returns the accessor.
func collectEvents(s Session) func() []Event {
	var mu sync.Mutex
	var events []Event
	s.On(func(evt Event) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	})
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), events...)
	}
}

func newPostedEvent(eventType model.WebsocketEventType, post *model.Post) *model.WebSocketEvent {
	raw, _ := json.Marshal(post)
	evt := model.NewWebSocketEvent(eventType, "", post.ChannelId, "", nil, "")
	return evt.SetData(map[string]any{"post": string(raw)})
}

// TestMattermostSession_SendMessage verifies a post is created and its ID
// returned.
func TestMattermostSession_SendMessage(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	t.Cleanup(fake.Close)
	s := newTestMMSession(fake.Server.URL)

	id, err := s.SendMessage(context.Background(), "ch1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "created1" {
		t.Errorf("message ID: got %q, want created1", id)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.created) != 1 || fake.created[0].ChannelId != "ch1" || fake.created[0].Message != "hello" {
		t.Errorf("created posts: %+v", fake.created)
	}
}

// TestMattermostSession_SendEdit verifies the patch endpoint receives the
// new message text.
func TestMattermostSession_SendEdit(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	t.Cleanup(fake.Close)
	s := newTestMMSession(fake.Server.URL)

	if err := s.SendEdit(context.Background(), "ch1", "post1", "corrected"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if got := fake.patched["post1"]; got != "corrected" {
		t.Errorf("patched message: got %q, want corrected", got)
	}
}

// TestMattermostSession_SendDelete verifies the delete endpoint is hit for
// the right post.
func TestMattermostSession_SendDelete(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	t.Cleanup(fake.Close)
	s := newTestMMSession(fake.Server.URL)

	if err := s.SendDelete(context.Background(), "ch1", "post1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.deleted) != 1 || fake.deleted[0] != "post1" {
		t.Errorf("deleted posts: %v", fake.deleted)
	}
}

// TestMattermostSession_HandleEvent_Posted verifies an inbound post becomes
// an EventMessage with the post fields mapped.
func TestMattermostSession_HandleEvent_Posted(t *testing.T) {
	t.Parallel()
	s := newTestMMSession("http://unused.example.com")
	events := collectEvents(s)

	s.handleEvent(newPostedEvent(model.WebsocketEventPosted, &model.Post{
		Id:        "post1",
		ChannelId: "ch1",
		UserId:    "alice",
		Message:   "hi there",
		CreateAt:  time.Now().UnixMilli(),
	}))

	got := events()
	if len(got) != 1 {
		t.Fatalf("events: got %d, want 1", len(got))
	}
	evt := got[0]
	if evt.Type != EventMessage || evt.MessageID != "post1" || evt.Channel != "ch1" ||
		evt.Sender != "alice" || evt.Content != "hi there" {
		t.Errorf("event: %+v", evt)
	}
}

// TestMattermostSession_HandleEvent_EditAndDelete verifies edit and delete
// websocket events map to their session event types.
func TestMattermostSession_HandleEvent_EditAndDelete(t *testing.T) {
	t.Parallel()
	s := newTestMMSession("http://unused.example.com")
	events := collectEvents(s)

	s.handleEvent(newPostedEvent(model.WebsocketEventPostEdited, &model.Post{
		Id: "post1", ChannelId: "ch1", UserId: "alice", Message: "fixed", EditAt: time.Now().UnixMilli(),
	}))
	s.handleEvent(newPostedEvent(model.WebsocketEventPostDeleted, &model.Post{
		Id: "post1", ChannelId: "ch1", UserId: "alice", DeleteAt: time.Now().UnixMilli(),
	}))

	got := events()
	if len(got) != 2 {
		t.Fatalf("events: got %d, want 2", len(got))
	}
	if got[0].Type != EventEdit || got[0].Content != "fixed" {
		t.Errorf("edit event: %+v", got[0])
	}
	if got[1].Type != EventDelete || got[1].MessageID != "post1" {
		t.Errorf("delete event: %+v", got[1])
	}
}

// TestMattermostSession_EchoPrevention verifies own posts and system posts
// are dropped before emission.
func TestMattermostSession_EchoPrevention(t *testing.T) {
	t.Parallel()
	s := newTestMMSession("http://unused.example.com")
	events := collectEvents(s)

	// Own post.
	s.handleEvent(newPostedEvent(model.WebsocketEventPosted, &model.Post{
		Id: "post1", ChannelId: "ch1", UserId: "me", Message: "echo",
	}))
	// System message.
	s.handleEvent(newPostedEvent(model.WebsocketEventPosted, &model.Post{
		Id: "post2", ChannelId: "ch1", UserId: "alice", Message: "joined", Type: model.PostTypeJoinChannel,
	}))
	// Garbage payload.
	evt := model.NewWebSocketEvent(model.WebsocketEventPosted, "", "ch1", "", nil, "")
	s.handleEvent(evt.SetData(map[string]any{"post": "{not json"}))

	if got := events(); len(got) != 0 {
		t.Errorf("events: %+v, want none", got)
	}
}

// TestMattermostSession_Lookup verifies a directory hit is emitted as an
// EventLookupResult carrying the queried key.
func TestMattermostSession_Lookup(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	t.Cleanup(fake.Close)
	fake.Users["alice"] = &model.User{Id: "user1", Username: "alice"}

	s := newTestMMSession(fake.Server.URL)
	events := collectEvents(s)

	if err := s.Lookup(context.Background(), "alice"); err != nil {
		t.Fatalf("lookup: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got := events()
		if len(got) == 1 {
			if got[0].Type != EventLookupResult || got[0].Key != "alice" || got[0].Sender != "user1" {
				t.Fatalf("event: %+v", got[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no lookup result emitted")
}

// TestMattermostSession_LookupOutlivesCallerContext verifies the query keeps
// running after the caller cancels its context, which is what the queue
// dispatch does the moment Lookup returns.
func TestMattermostSession_LookupOutlivesCallerContext(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	t.Cleanup(fake.Close)
	fake.Users["alice"] = &model.User{Id: "user1", Username: "alice"}

	s := newTestMMSession(fake.Server.URL)
	events := collectEvents(s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.Lookup(ctx, "alice"); err != nil {
		cancel()
		t.Fatalf("lookup: %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got := events()
		if len(got) == 1 {
			if got[0].Type != EventLookupResult || got[0].Key != "alice" {
				t.Fatalf("event: %+v", got[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no lookup result emitted after caller cancel")
}

// TestMattermostSession_LookupMissEmitsNothing verifies a directory miss is
// silent, leaving the caller's timeout to advance the queue.
func TestMattermostSession_LookupMissEmitsNothing(t *testing.T) {
	t.Parallel()
	fake := newFakeMM()
	t.Cleanup(fake.Close)
	s := newTestMMSession(fake.Server.URL)
	events := collectEvents(s)

	if err := s.Lookup(context.Background(), "ghost"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := events(); len(got) != 0 {
		t.Errorf("events: %+v, want none", got)
	}
}

// TestMattermostSession_DisconnectConcurrent verifies Disconnect is safe to
// call repeatedly from multiple goroutines at once, which happens when a
// session failure races the supervisor's connect-timeout teardown.
func TestMattermostSession_DisconnectConcurrent(t *testing.T) {
	t.Parallel()
	s := newTestMMSession("http://unused.example.com")

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Disconnect()
		}()
	}
	wg.Wait()
	s.Disconnect()

	select {
	case <-s.stopChan:
	default:
		t.Error("stop channel should be closed after Disconnect")
	}
}

// TestHTTPToWS verifies URL scheme conversion for the websocket endpoint.
func TestHTTPToWS(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"https://mm.example.com":    "wss://mm.example.com",
		"http://localhost:8065":     "ws://localhost:8065",
		"wss://already.example.com": "wss://already.example.com",
	}
	for in, want := range cases {
		if got := httpToWS(in); got != want {
			t.Errorf("httpToWS(%q): got %q, want %q", in, got, want)
		}
	}
}
