// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/matterlink/pkg/session"
	"github.com/aiku/matterlink/pkg/store"
)

// Service names used for recovery bookkeeping and the admin API.
const (
	ServiceMatrix     = "matrix"
	ServiceMattermost = "mattermost"
)

// ErrNotConnected is returned for operations that need a registered session
// on the target network.
var ErrNotConnected = errors.New("target network not connected")

// Stats is a point-in-time snapshot for the admin API.
type Stats struct {
	Matrix                 string     `json:"matrix_state"`
	Mattermost             string     `json:"mattermost_state"`
	LookupQueue            QueueStats `json:"lookup_queue"`
	RateLimiterActiveUsers int        `json:"rate_limiter_active_users"`
	LedgerSize             int        `json:"ledger_size"`
	Links                  int        `json:"links"`
	Uptime                 string     `json:"uptime"`
}

// Bridge wires the two supervised sessions to each other: inbound traffic
// from one network is relayed to its linked channel on the other, edits and
// deletes follow their original through the ledger, and directory lookups
// are funneled through the sequential queue. All relay work runs on the
// emitting session's event goroutine; send calls use the relay timeout.
type Bridge struct {
	cfg *Config
	log zerolog.Logger

	bus      *EventBus
	recovery *RecoveryManager
	matrix   *Supervisor
	mmost    *Supervisor
	queue    *CorrelationQueue
	limiter  *RateLimiter
	ledger   *Ledger
	roster   *Roster

	relayTimeout time.Duration
	startedAt    time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// defaultRelayTimeout bounds one outbound send against a slow remote API.
const defaultRelayTimeout = 15 * time.Second

// New assembles a bridge from the two session factories. Nothing connects
// until Start.
func New(cfg *Config, matrixFactory, mattermostFactory session.Factory, st store.RecordStore, log zerolog.Logger) *Bridge {
	b := &Bridge{
		cfg:          cfg,
		log:          log.With().Str("component", "bridge").Logger(),
		bus:          NewEventBus(log),
		relayTimeout: defaultRelayTimeout,
		stopChan:     make(chan struct{}),
	}

	b.recovery = NewRecoveryManager(cfg.RecoveryConfig(), b.bus, log)
	b.matrix = NewSupervisor(ServiceMatrix, matrixFactory, b.recovery, b.bus, log)
	b.mmost = NewSupervisor(ServiceMattermost, mattermostFactory, b.recovery, b.bus, log)
	b.matrix.SetTrafficHandler(b.onMatrixEvent)
	b.mmost.SetTrafficHandler(b.onMattermostEvent)

	b.queue = NewCorrelationQueue(b.sendLookup, cfg.LookupTimeout(), log)
	b.limiter = NewRateLimiter(cfg.RateLimitConfig(), b.mmost.IsConnected, b.bus, log)
	b.ledger = NewLedger(cfg.LedgerConfig(), log)
	b.roster = NewRoster(st, log)
	return b
}

// Start loads the channel roster, connects both networks, and starts the
// background sweepers. A failed initial connect is not fatal: the recovery
// manager keeps retrying while the other side relays.
func (b *Bridge) Start(ctx context.Context) error {
	b.startedAt = time.Now()
	b.roster.Load(ctx, b.cfg.Links)
	if b.roster.Size() == 0 {
		return fmt.Errorf("no channel links configured")
	}

	b.recovery.Start()
	b.limiter.Start()
	b.ledger.Start()

	if err := b.matrix.Connect(ctx); err != nil {
		b.log.Error().Err(err).Msg("Initial Matrix connect failed, recovery scheduled")
	}
	if err := b.mmost.Connect(ctx); err != nil {
		b.log.Error().Err(err).Msg("Initial Mattermost connect failed, recovery scheduled")
	}
	b.log.Info().Int("links", b.roster.Size()).Msg("Bridge started")
	return nil
}

// Stop shuts everything down in dependency order. Idempotent.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.queue.Close()
		b.recovery.Stop()
		b.matrix.Shutdown()
		b.mmost.Shutdown()
		b.limiter.Stop()
		b.ledger.Stop()
		b.log.Info().Msg("Bridge stopped")
	})
}

// Events exposes the internal bus for the admin API and logging taps.
func (b *Bridge) Events() *EventBus {
	return b.bus
}

// IsConnected reports whether both networks are registered.
func (b *Bridge) IsConnected() bool {
	return b.matrix.IsConnected() && b.mmost.IsConnected()
}

// Health returns the recovery snapshot for one service.
func (b *Bridge) Health(service string) (ServiceHealth, bool) {
	return b.recovery.Health(service)
}

// ForceReconnect bypasses backoff and circuit-breaker gating for service.
func (b *Bridge) ForceReconnect(service string) error {
	return b.recovery.ForceReconnect(service)
}

// Stats returns an admin-API snapshot.
func (b *Bridge) Stats() Stats {
	return Stats{
		Matrix:                 b.matrix.State().String(),
		Mattermost:             b.mmost.State().String(),
		LookupQueue:            b.queue.Stats(),
		RateLimiterActiveUsers: b.limiter.ActiveUsers(),
		LedgerSize:             b.ledger.Size(),
		Links:                  b.roster.Size(),
		Uptime:                 time.Since(b.startedAt).Truncate(time.Second).String(),
	}
}

// LookupUser queues one Mattermost directory lookup. Results surface through
// the Mattermost session's lookup events and are logged.
func (b *Bridge) LookupUser(username string) bool {
	return b.queue.Enqueue(username)
}

// sendLookup is the queue's dispatch function.
func (b *Bridge) sendLookup(key string) error {
	sess, ok := b.mmost.Session()
	if !ok {
		return ErrNotConnected
	}
	ctx, cancel := b.relayContext()
	defer cancel()
	return sess.Lookup(ctx, key)
}

func (b *Bridge) relayContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.relayTimeout)
}

// onMatrixEvent relays inbound Matrix traffic toward Mattermost.
func (b *Bridge) onMatrixEvent(evt session.Event) {
	switch evt.Type {
	case session.EventMessage, session.EventNotice:
		b.relayMessage(evt, b.mmost, ServiceMattermost, b.roster.MattermostFor, true)
	case session.EventEdit:
		b.relayEdit(evt, b.mmost)
	case session.EventDelete:
		b.relayDelete(evt, b.mmost)
	case session.EventPrivateMessage:
		b.log.Debug().Str("sender", evt.Sender).Msg("Ignoring direct message")
	}
}

// onMattermostEvent relays inbound Mattermost traffic toward Matrix and
// feeds lookup responses back into the queue.
func (b *Bridge) onMattermostEvent(evt session.Event) {
	switch evt.Type {
	case session.EventMessage, session.EventNotice:
		b.relayMessage(evt, b.matrix, ServiceMatrix, b.roster.MatrixFor, false)
	case session.EventEdit:
		b.relayEdit(evt, b.matrix)
	case session.EventDelete:
		b.relayDelete(evt, b.matrix)
	case session.EventLookupResult:
		b.log.Debug().Str("key", evt.Key).Str("result", evt.Content).Msg("Lookup resolved")
		b.queue.Resolve(evt.Key)
	case session.EventPrivateMessage:
		b.log.Debug().Str("sender", evt.Sender).Msg("Ignoring direct message")
	}
}

// relayMessage sends one inbound message to its linked channel on the other
// network and records the pairing in the ledger. Rate limiting only guards
// the Matrix to Mattermost direction; Mattermost channels are already
// server-moderated.
func (b *Bridge) relayMessage(evt session.Event, target *Supervisor, targetNetwork string, channelFor func(string) (string, bool), limited bool) {
	targetChannel, ok := channelFor(evt.Channel)
	if !ok {
		return
	}

	if limited {
		verdict := b.limiter.CheckMessage(evt.Sender, evt.Content)
		if !verdict.Allowed {
			b.log.Info().
				Str("sender", evt.Sender).
				Str("reason", string(verdict.Reason)).
				Dur("retry_after", verdict.RetryAfter).
				Msg("Message dropped by rate limiter")
			return
		}
	}

	sess, ok := target.Session()
	if !ok {
		b.log.Debug().Str("target", targetNetwork).Msg("Dropping message, target not connected")
		return
	}

	ctx, cancel := b.relayContext()
	defer cancel()
	targetID, err := sess.SendMessage(ctx, targetChannel, relayBody(evt))
	if err != nil {
		b.log.Warn().Err(err).Str("target", targetNetwork).Str("channel", targetChannel).Msg("Relay send failed")
		return
	}

	b.ledger.Record(LedgerRecord{
		OriginID:      evt.MessageID,
		TargetNetwork: targetNetwork,
		TargetChannel: targetChannel,
		TargetID:      targetID,
		Content:       evt.Content,
		Author:        evt.Sender,
		CreatedAt:     time.Now(),
	})
}

// relayEdit follows an origin-side edit to its relayed counterpart. A
// missing or expired ledger entry means the edit is silently dropped; a
// send failure keeps the entry so a later edit can still land.
func (b *Bridge) relayEdit(evt session.Event, target *Supervisor) {
	rec, ok := b.ledger.Lookup(evt.MessageID)
	if !ok {
		b.log.Debug().Str("origin_id", evt.MessageID).Msg("Edit for unknown message")
		return
	}
	if !b.ledger.EditEligible(rec) {
		b.log.Debug().Str("origin_id", evt.MessageID).Msg("Edit window expired")
		return
	}
	sess, ok := target.Session()
	if !ok {
		return
	}

	ctx, cancel := b.relayContext()
	defer cancel()
	body := relayBody(evt)
	if err := sess.SendEdit(ctx, rec.TargetChannel, rec.TargetID, body); err != nil {
		b.log.Warn().Err(err).Str("target_id", rec.TargetID).Msg("Edit relay failed")
	}
}

// relayDelete follows an origin-side deletion to its relayed counterpart.
func (b *Bridge) relayDelete(evt session.Event, target *Supervisor) {
	rec, ok := b.ledger.Lookup(evt.MessageID)
	if !ok {
		b.log.Debug().Str("origin_id", evt.MessageID).Msg("Delete for unknown message")
		return
	}
	sess, ok := target.Session()
	if !ok {
		return
	}

	ctx, cancel := b.relayContext()
	defer cancel()
	if err := sess.SendDelete(ctx, rec.TargetChannel, rec.TargetID); err != nil {
		b.log.Warn().Err(err).Str("target_id", rec.TargetID).Msg("Delete relay failed")
	}
}

// relayBody renders one relayed message with its origin author attached.
func relayBody(evt session.Event) string {
	if evt.Type == session.EventNotice {
		return fmt.Sprintf("_%s: %s_", evt.Sender, evt.Content)
	}
	return fmt.Sprintf("**%s**: %s", evt.Sender, evt.Content)
}
