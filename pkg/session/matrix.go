// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixFactory dials Matrix sessions using a plain mautrix client in
// access-token mode. The client's sync loop is owned by the session; there
// is no retry wrapper around it, failures surface as terminal events.
type MatrixFactory struct {
	HomeserverURL string
	UserID        string
	AccessToken   string
	Log           zerolog.Logger
}

// Dial constructs an unopened Matrix session.
func (f *MatrixFactory) Dial(_ context.Context) (Session, error) {
	client, err := mautrix.NewClient(f.HomeserverURL, id.UserID(f.UserID), f.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	return &MatrixSession{
		client:   client,
		userID:   f.UserID,
		stopChan: make(chan struct{}),
		log:      f.Log.With().Str("component", "matrix_session").Logger(),
	}, nil
}

// MatrixSession is one authenticated Matrix connection.
type MatrixSession struct {
	Emitter

	client   *mautrix.Client
	userID   string
	openedAt time.Time
	cancel   context.CancelFunc

	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var _ Session = (*MatrixSession)(nil)

// Open verifies the access token, registers sync handlers, and starts the
// sync loop. Registration is signalled through an EventRegistered emission.
func (s *MatrixSession) Open(ctx context.Context) error {
	whoami, err := s.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify matrix session: %w", err)
	}
	s.log.Info().Str("user_id", whoami.UserID.String()).Msg("Authenticated")
	s.userID = whoami.UserID.String()
	s.openedAt = time.Now()

	syncer := s.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, s.handleMessage)
	syncer.OnEventType(event.EventRedaction, s.handleRedaction)

	syncCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.syncLoop(syncCtx)

	s.Emit(Event{Type: EventRegistered, Time: time.Now()})
	return nil
}

func (s *MatrixSession) syncLoop(ctx context.Context) {
	err := s.client.SyncWithContext(ctx)
	select {
	case <-s.stopChan:
		// Owner-initiated disconnect, not a failure.
		return
	default:
	}
	if err == nil {
		err = fmt.Errorf("matrix sync loop stopped")
	}
	s.log.Warn().Err(err).Msg("Sync loop exited")
	s.Emit(Event{Type: EventNetError, Err: err, Time: time.Now()})
}

func (s *MatrixSession) handleMessage(_ context.Context, evt *event.Event) {
	// Echo prevention plus backfill suppression: skip own events and
	// anything from before this session opened.
	if evt.Sender.String() == s.userID {
		return
	}
	if time.UnixMilli(evt.Timestamp).Before(s.openedAt) {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil {
		return
	}

	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		body := content.Body
		if content.NewContent != nil {
			body = content.NewContent.Body
		}
		s.Emit(Event{
			Type:      EventEdit,
			MessageID: content.RelatesTo.EventID.String(),
			Channel:   evt.RoomID.String(),
			Sender:    evt.Sender.String(),
			Content:   body,
			Time:      time.UnixMilli(evt.Timestamp),
		})
		return
	}

	typ := EventMessage
	if content.MsgType == event.MsgNotice {
		typ = EventNotice
	}
	s.Emit(Event{
		Type:      typ,
		MessageID: evt.ID.String(),
		Channel:   evt.RoomID.String(),
		Sender:    evt.Sender.String(),
		Content:   HTMLToMarkdown(content.Body, content.FormattedBody),
		Time:      time.UnixMilli(evt.Timestamp),
	})
}

func (s *MatrixSession) handleRedaction(_ context.Context, evt *event.Event) {
	if evt.Sender.String() == s.userID {
		return
	}
	if time.UnixMilli(evt.Timestamp).Before(s.openedAt) {
		return
	}
	s.Emit(Event{
		Type:      EventDelete,
		MessageID: evt.Redacts.String(),
		Channel:   evt.RoomID.String(),
		Sender:    evt.Sender.String(),
		Time:      time.UnixMilli(evt.Timestamp),
	})
}

// SendMessage sends a text message, rendering markdown to Matrix HTML.
func (s *MatrixSession) SendMessage(ctx context.Context, channel, content string) (string, error) {
	body, htmlBody := MarkdownToHTML(content)
	msg := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
	if htmlBody != "" {
		msg.Format = event.FormatHTML
		msg.FormattedBody = htmlBody
	}
	resp, err := s.client.SendMessageEvent(ctx, id.RoomID(channel), event.EventMessage, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send matrix message: %w", err)
	}
	return resp.EventID.String(), nil
}

// SendEdit sends an m.replace edit for a previously sent message.
func (s *MatrixSession) SendEdit(ctx context.Context, channel, messageID, content string) error {
	body, htmlBody := MarkdownToHTML(content)
	newContent := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
	if htmlBody != "" {
		newContent.Format = event.FormatHTML
		newContent.FormattedBody = htmlBody
	}
	msg := &event.MessageEventContent{
		MsgType:    event.MsgText,
		Body:       "* " + body,
		NewContent: newContent,
		RelatesTo: &event.RelatesTo{
			Type:    event.RelReplace,
			EventID: id.EventID(messageID),
		},
	}
	if _, err := s.client.SendMessageEvent(ctx, id.RoomID(channel), event.EventMessage, msg); err != nil {
		return fmt.Errorf("failed to send matrix edit: %w", err)
	}
	return nil
}

// SendDelete redacts a previously sent message.
func (s *MatrixSession) SendDelete(ctx context.Context, channel, messageID string) error {
	if _, err := s.client.RedactEvent(ctx, id.RoomID(channel), id.EventID(messageID)); err != nil {
		return fmt.Errorf("failed to redact matrix event: %w", err)
	}
	return nil
}

// Lookup fetches the profile for key asynchronously, emitting an
// EventLookupResult on success.
func (s *MatrixSession) Lookup(ctx context.Context, key string) error {
	go func() {
		// The caller's context usually ends right after Lookup returns, so
		// the query runs detached from it under its own bound.
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupQueryTimeout)
		defer cancel()
		profile, err := s.client.GetProfile(qctx, id.UserID(key))
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Profile lookup failed")
			return
		}
		s.Emit(Event{
			Type:    EventLookupResult,
			Key:     key,
			Sender:  key,
			Content: profile.DisplayName,
			Time:    time.Now(),
		})
	}()
	return nil
}

// Disconnect stops the sync loop. Safe to call more than once.
func (s *MatrixSession) Disconnect() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.cancel != nil {
			s.cancel()
		}
	})
}
