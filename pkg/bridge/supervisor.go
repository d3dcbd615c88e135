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
)

var (
	// ErrConnectTimeout is returned when a session does not reach the
	// registered state within the connect timeout.
	ErrConnectTimeout = errors.New("timed out waiting for session registration")
	// ErrReconnectInFlight is returned when a reconnection attempt is
	// requested while another one is already running for the same service.
	ErrReconnectInFlight = errors.New("reconnection already in progress")
	// ErrSupervisorStopped is returned after Shutdown.
	ErrSupervisorStopped = errors.New("supervisor stopped")
)

// defaultConnectTimeout bounds the wait for the registered signal.
const defaultConnectTimeout = 30 * time.Second

// Supervisor owns the lifecycle of one network session end to end. It is
// the sole mutator of its ConnectionState, attaches listeners exactly once
// per session and detaches them all before discarding a dead session, and
// delegates every retry timing decision to the RecoveryManager.
type Supervisor struct {
	service        string
	factory        session.Factory
	recovery       *RecoveryManager
	bus            *EventBus
	log            zerolog.Logger
	connectTimeout time.Duration

	// onTraffic receives inbound traffic and lookup-result events. Set
	// once during wiring, before Connect.
	onTraffic func(evt session.Event)

	mu           sync.Mutex
	state        ConnectionState
	sess         session.Session
	handles      []session.ListenerHandle
	reconnecting bool
	lastActivity time.Time
	stopped      bool
}

// NewSupervisor creates a supervisor for the named service and registers
// its reconnection callback and activity probe with the recovery manager.
func NewSupervisor(service string, factory session.Factory, recovery *RecoveryManager, bus *EventBus, log zerolog.Logger) *Supervisor {
	s := &Supervisor{
		service:        service,
		factory:        factory,
		recovery:       recovery,
		bus:            bus,
		log:            log.With().Str("component", "supervisor").Str("service", service).Logger(),
		connectTimeout: defaultConnectTimeout,
		state:          StateDisconnected,
	}
	recovery.Register(service, s.Reconnect, s.LastActivity)
	return s
}

// SetTrafficHandler installs the callback for inbound traffic events. Must
// be called before Connect.
func (s *Supervisor) SetTrafficHandler(fn func(evt session.Event)) {
	s.onTraffic = fn
}

// Connect dials a new session, attaches listeners exactly once, opens it,
// and waits for the registered signal with a bounded timeout. Failures are
// reported to the RecoveryManager; Connect itself never retries.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSupervisorStopped
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	sess, err := s.factory.Dial(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Session dial failed")
		s.mu.Lock()
		s.setStateLocked(StateNetworkError)
		s.mu.Unlock()
		s.recovery.RecordFailure(s.service, err)
		return err
	}

	// Buffered: registration or failure may be emitted synchronously during
	// Open, before this goroutine reaches the select below.
	registered := make(chan struct{}, 1)
	failed := make(chan error, 1)
	handle := sess.On(func(evt session.Event) {
		s.handleSessionEvent(sess, evt, registered, failed)
	})

	s.mu.Lock()
	s.sess = sess
	s.handles = []session.ListenerHandle{handle}
	s.mu.Unlock()

	if err := sess.Open(ctx); err != nil {
		s.log.Error().Err(err).Msg("Session open failed")
		s.discardSession(sess, StateNetworkError)
		s.recovery.RecordFailure(s.service, err)
		return err
	}

	select {
	case <-registered:
		return nil
	case err := <-failed:
		// handleFailure already detached the session and recorded the
		// failure; returning here must not count the incident again.
		return err
	case <-ctx.Done():
		s.discardSession(sess, StateNetworkError)
		s.recovery.RecordFailure(s.service, ctx.Err())
		return ctx.Err()
	case <-time.After(s.connectTimeout):
		s.log.Error().Dur("timeout", s.connectTimeout).Msg("Registration timed out")
		s.discardSession(sess, StateError)
		s.recovery.RecordFailure(s.service, ErrConnectTimeout)
		return ErrConnectTimeout
	}
}

// Reconnect performs one guarded reconnection attempt. It is the callback
// the RecoveryManager invokes; a second concurrent call returns
// ErrReconnectInFlight without touching the session.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSupervisorStopped
	}
	if s.reconnecting {
		s.mu.Unlock()
		return ErrReconnectInFlight
	}
	s.reconnecting = true
	s.setStateLocked(StateReconnecting)
	old := s.detachLocked()
	s.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	err := s.Connect(ctx)

	s.mu.Lock()
	s.reconnecting = false
	s.mu.Unlock()
	return err
}

// handleSessionEvent routes one event from the given session. Events from
// superseded session objects only count toward health, never state.
func (s *Supervisor) handleSessionEvent(sess session.Session, evt session.Event, registered chan<- struct{}, failed chan<- error) {
	switch {
	case evt.Type == session.EventRegistered:
		s.mu.Lock()
		if s.sess != sess || s.stopped {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(StateRegistered)
		s.lastActivity = time.Now()
		s.mu.Unlock()
		s.recovery.RecordSuccess(s.service)
		select {
		case registered <- struct{}{}:
		default:
		}

	case evt.Type.Terminal():
		s.handleFailure(sess, evt, failed)

	default:
		if evt.Type.Traffic() {
			s.mu.Lock()
			s.lastActivity = time.Now()
			s.mu.Unlock()
		}
		if s.onTraffic != nil {
			s.onTraffic(evt)
		}
	}
}

// handleFailure transitions to the matching failure state, detaches and
// discards all listeners on the dead session, and notifies the
// RecoveryManager. The manager decides whether and when to reconnect. The
// failure cause is also pushed to the failed channel so a Connect still
// waiting for registration on this session returns immediately instead of
// running out its timeout and recording the same incident twice.
func (s *Supervisor) handleFailure(sess session.Session, evt session.Event, failed chan<- error) {
	failState := StateError
	switch evt.Type {
	case session.EventAbort:
		failState = StateAborted
	case session.EventClose:
		failState = StateClosed
	case session.EventNetError:
		failState = StateNetworkError
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	current := s.sess == sess
	if current {
		s.setStateLocked(failState)
		s.detachLocked()
	}
	s.mu.Unlock()

	s.log.Warn().
		Str("event", evt.Type.String()).
		AnErr("cause", evt.Err).
		Bool("current_session", current).
		Msg("Session failure")

	err := evt.Err
	if err == nil {
		err = fmt.Errorf("session terminated: %s", evt.Type)
	}
	sess.Disconnect()
	s.recovery.RecordFailure(s.service, err)
	select {
	case failed <- err:
	default:
	}
}

// discardSession detaches listeners, disconnects, and records failState.
func (s *Supervisor) discardSession(sess session.Session, failState ConnectionState) {
	s.mu.Lock()
	if s.sess == sess {
		s.setStateLocked(failState)
		s.detachLocked()
	}
	s.mu.Unlock()
	sess.Disconnect()
}

// detachLocked removes every listener this supervisor attached to the
// current session and drops the session reference. Returns the detached
// session, if any, so the caller can disconnect it outside the lock.
func (s *Supervisor) detachLocked() session.Session {
	sess := s.sess
	if sess != nil {
		for _, h := range s.handles {
			sess.Off(h)
		}
	}
	s.handles = nil
	s.sess = nil
	return sess
}

func (s *Supervisor) setStateLocked(st ConnectionState) {
	if s.state == st {
		return
	}
	s.state = st
	s.bus.Emit(EventStateChanged, s.service, st.String())
}

// State returns the current connection state.
func (s *Supervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session is registered.
func (s *Supervisor) IsConnected() bool {
	return s.State() == StateRegistered
}

// LastActivity returns the time of the last inbound traffic event.
func (s *Supervisor) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Session returns the live session while registered.
func (s *Supervisor) Session() (session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRegistered || s.sess == nil {
		return nil, false
	}
	return s.sess, true
}

// Shutdown cooperatively stops the supervisor: listeners are detached, the
// session is disconnected, and all further events are ignored.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.setStateLocked(StateDisconnected)
	sess := s.detachLocked()
	s.mu.Unlock()

	if sess != nil {
		sess.Disconnect()
	}
}
