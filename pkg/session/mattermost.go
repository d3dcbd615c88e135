// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
)

// MattermostFactory dials Mattermost sessions over REST plus WebSocket.
// The Mattermost client library has no auto-reconnect of its own here: when
// the WebSocket event channel closes, the session emits a terminal close
// event and goes dead, leaving reconnection to the owner.
type MattermostFactory struct {
	ServerURL string
	Token     string
	Log       zerolog.Logger
}

// Dial constructs an unopened Mattermost session.
func (f *MattermostFactory) Dial(_ context.Context) (Session, error) {
	if f.ServerURL == "" || f.Token == "" {
		return nil, fmt.Errorf("mattermost factory: server_url and token are required")
	}
	client := model.NewAPIv4Client(f.ServerURL)
	client.SetToken(f.Token)
	return &MattermostSession{
		client:    client,
		serverURL: f.ServerURL,
		stopChan:  make(chan struct{}),
		log:       f.Log.With().Str("component", "mm_session").Logger(),
	}, nil
}

// MattermostSession is one authenticated Mattermost connection.
type MattermostSession struct {
	Emitter

	client    *model.Client4
	wsClient  *model.WebSocketClient
	serverURL string
	userID    string

	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var _ Session = (*MattermostSession)(nil)

// Open verifies the token, connects the WebSocket, and starts the event
// pump. Registration is signalled through an EventRegistered emission so it
// reaches listeners attached before the call.
func (s *MattermostSession) Open(ctx context.Context) error {
	me, _, err := s.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify mattermost session: %w", err)
	}
	s.userID = me.Id
	s.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	wsURL := httpToWS(s.serverURL)
	s.wsClient, err = model.NewWebSocketClient4(wsURL, s.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	s.wsClient.Listen()

	go s.pump()

	s.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	s.Emit(Event{Type: EventRegistered, Time: time.Now()})
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (s *MattermostSession) pump() {
	// Capture the channel up front: Disconnect clears wsClient.
	events := s.wsClient.EventChannel
	for {
		select {
		case <-s.stopChan:
			return
		case evt, ok := <-events:
			if !ok {
				s.log.Warn().Msg("WebSocket event channel closed")
				s.Emit(Event{Type: EventClose, Err: fmt.Errorf("websocket event channel closed"), Time: time.Now()})
				return
			}
			if evt == nil {
				continue
			}
			s.handleEvent(evt)
		}
	}
}

// handleEvent translates a Mattermost WebSocket event to a session Event.
func (s *MattermostSession) handleEvent(evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		post := s.parsePost(evt)
		if post == nil {
			return
		}
		s.Emit(Event{
			Type:      EventMessage,
			MessageID: post.Id,
			Channel:   post.ChannelId,
			Sender:    post.UserId,
			Content:   post.Message,
			Time:      time.UnixMilli(post.CreateAt),
		})
	case model.WebsocketEventPostEdited:
		post := s.parsePost(evt)
		if post == nil {
			return
		}
		s.Emit(Event{
			Type:      EventEdit,
			MessageID: post.Id,
			Channel:   post.ChannelId,
			Sender:    post.UserId,
			Content:   post.Message,
			Time:      time.UnixMilli(post.EditAt),
		})
	case model.WebsocketEventPostDeleted:
		post := s.parsePost(evt)
		if post == nil {
			return
		}
		s.Emit(Event{
			Type:      EventDelete,
			MessageID: post.Id,
			Channel:   post.ChannelId,
			Sender:    post.UserId,
			Time:      time.UnixMilli(post.DeleteAt),
		})
	default:
		s.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// parsePost extracts a post from a WebSocket event, applying echo
// prevention. Returns nil to skip silently.
func (s *MattermostSession) parsePost(evt *model.WebSocketEvent) *model.Post {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		s.log.Warn().Err(err).Msg("Failed to unmarshal post")
		return nil
	}

	// Echo prevention: skip own posts and system messages.
	if post.UserId == s.userID {
		return nil
	}
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil
	}

	return &post
}

// SendMessage creates a post and returns its ID.
func (s *MattermostSession) SendMessage(ctx context.Context, channel, content string) (string, error) {
	post := &model.Post{ChannelId: channel, Message: content}
	created, _, err := s.client.CreatePost(ctx, post)
	if err != nil {
		return "", fmt.Errorf("failed to create post: %w", err)
	}
	return created.Id, nil
}

// SendEdit patches an existing post's message.
func (s *MattermostSession) SendEdit(ctx context.Context, _, messageID, content string) error {
	_, _, err := s.client.PatchPost(ctx, messageID, &model.PostPatch{Message: ptr.Ptr(content)})
	if err != nil {
		return fmt.Errorf("failed to patch post: %w", err)
	}
	return nil
}

// SendDelete removes a post.
func (s *MattermostSession) SendDelete(ctx context.Context, _, messageID string) error {
	if _, err := s.client.DeletePost(ctx, messageID); err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}

// Lookup fetches the user profile for key asynchronously. The response is
// emitted as an EventLookupResult; errors are logged and left to the
// caller's timeout.
func (s *MattermostSession) Lookup(ctx context.Context, key string) error {
	go func() {
		// The caller's context usually ends right after Lookup returns, so
		// the query runs detached from it under its own bound.
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupQueryTimeout)
		defer cancel()
		user, _, err := s.client.GetUserByUsername(qctx, key, "")
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Directory lookup failed")
			return
		}
		s.Emit(Event{
			Type:    EventLookupResult,
			Key:     key,
			Sender:  user.Id,
			Content: user.Username,
			Time:    time.Now(),
		})
	}()
	return nil
}

// Disconnect closes the WebSocket and stops the pump. Safe to call more
// than once and from concurrent goroutines.
func (s *MattermostSession) Disconnect() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.wsClient != nil {
			s.wsClient.Close()
			s.wsClient = nil
		}
	})
}
