// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectFunc performs one reconnection attempt for a service. It is
// registered by the Supervisor that owns the service; the RecoveryManager
// never touches transport objects directly.
type ReconnectFunc func(ctx context.Context) error

// ServiceHealth is a snapshot of one service's failure tracking state.
type ServiceHealth struct {
	ConsecutiveFailures uint
	Healthy             bool
	LastFailureAt       time.Time
	LastSuccessAt       time.Time
	CircuitOpen         bool
	CircuitTrippedAt    time.Time
}

// RecoveryConfig parameterizes failure handling per service.
type RecoveryConfig struct {
	Backoff BackoffConfig
	// MaxRetries caps backoff growth: the attempt counter stops climbing
	// here, so every later retry reuses the largest delay. Attempts
	// themselves are unbounded; sustained failure is bounded by the
	// circuit breaker, not by a retry count.
	MaxRetries              int
	CircuitBreakerThreshold uint
	CircuitBreakerTimeout   time.Duration
	HealthCheckInterval     time.Duration
	SilenceThreshold        time.Duration
	ConnectTimeout          time.Duration
}

// DefaultRecoveryConfig returns the standard recovery parameters.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Backoff:                 DefaultBackoffConfig(),
		MaxRetries:              5,
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   5 * time.Minute,
		HealthCheckInterval:     30 * time.Second,
		SilenceThreshold:        10 * time.Minute,
		ConnectTimeout:          45 * time.Second,
	}
}

// serviceState is the per-service bookkeeping owned by the RecoveryManager.
type serviceState struct {
	health         ServiceHealth
	attempt        int
	timer          *time.Timer
	reconnect      ReconnectFunc
	lastActivity   func() time.Time
	halfOpen       bool
	silentReported bool
}

// RecoveryManager tracks per-service health and orchestrates reconnection:
// backoff-delayed attempts while degraded, none at all while the circuit is
// open, and a single half-open probe once the circuit timeout elapses.
// Health state is fully partitioned by service name.
type RecoveryManager struct {
	cfg RecoveryConfig
	bus *EventBus
	log zerolog.Logger
	now func() time.Time

	mu       sync.Mutex
	services map[string]*serviceState
	started  bool
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRecoveryManager creates a manager. Start must be called to enable the
// periodic health check.
func NewRecoveryManager(cfg RecoveryConfig, bus *EventBus, log zerolog.Logger) *RecoveryManager {
	return &RecoveryManager{
		cfg:      cfg,
		bus:      bus,
		log:      log.With().Str("component", "recovery").Logger(),
		now:      time.Now,
		services: make(map[string]*serviceState),
		stopChan: make(chan struct{}),
	}
}

// Register binds a service name to its reconnection callback and activity
// probe. Health state for the service is created healthy.
func (m *RecoveryManager) Register(service string, reconnect ReconnectFunc, lastActivity func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateLocked(service)
	s.reconnect = reconnect
	s.lastActivity = lastActivity
}

func (m *RecoveryManager) stateLocked(service string) *serviceState {
	s, ok := m.services[service]
	if !ok {
		s = &serviceState{health: ServiceHealth{Healthy: true}}
		m.services[service] = s
	}
	return s
}

// RecordFailure notes one failure for the service. It trips the circuit at
// the configured threshold, otherwise schedules a backoff-delayed
// reconnection attempt. Failures arriving during a half-open probe re-open
// the circuit and reset its timestamp.
func (m *RecoveryManager) RecordFailure(service string, cause error) {
	m.mu.Lock()
	s := m.stateLocked(service)
	now := m.now()
	s.health.ConsecutiveFailures++
	s.health.LastFailureAt = now
	s.health.Healthy = false

	m.log.Warn().
		Str("service", service).
		Uint("consecutive_failures", s.health.ConsecutiveFailures).
		AnErr("cause", cause).
		Msg("Service failure recorded")

	switch {
	case s.health.CircuitOpen:
		if s.halfOpen {
			// The half-open probe failed: re-open with a fresh timestamp.
			s.halfOpen = false
			s.health.CircuitTrippedAt = now
			m.mu.Unlock()
			m.bus.Emit(EventCircuitBreakerTripped, service, "half-open probe failed")
			return
		}
		// Circuit already open: record only, no attempts while open.
		m.mu.Unlock()
	case s.health.ConsecutiveFailures >= m.cfg.CircuitBreakerThreshold:
		s.health.CircuitOpen = true
		s.health.CircuitTrippedAt = now
		m.cancelTimerLocked(s)
		failures := s.health.ConsecutiveFailures
		m.mu.Unlock()
		m.bus.Emit(EventCircuitBreakerTripped, service,
			fmt.Sprintf("consecutive failures: %d", failures))
	default:
		m.scheduleReconnectLocked(service, s)
		m.mu.Unlock()
	}
}

// RecordSuccess resets the service to healthy and closes the circuit.
func (m *RecoveryManager) RecordSuccess(service string) {
	m.mu.Lock()
	s := m.stateLocked(service)
	wasOpen := s.health.CircuitOpen
	s.health.ConsecutiveFailures = 0
	s.health.Healthy = true
	s.health.CircuitOpen = false
	s.health.CircuitTrippedAt = time.Time{}
	s.health.LastSuccessAt = m.now()
	s.attempt = 0
	s.halfOpen = false
	s.silentReported = false
	m.cancelTimerLocked(s)
	m.mu.Unlock()

	if wasOpen {
		m.bus.Emit(EventCircuitBreakerReset, service, "")
	}
}

// Health returns a snapshot of the service's health, reporting ok=false for
// unknown services.
func (m *RecoveryManager) Health(service string) (ServiceHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[service]
	if !ok {
		return ServiceHealth{}, false
	}
	return s.health, true
}

// ForceReconnect bypasses backoff for one immediate manual attempt. The
// Supervisor's single-flight guard still applies.
func (m *RecoveryManager) ForceReconnect(service string) error {
	m.mu.Lock()
	s, ok := m.services[service]
	if !ok || s.reconnect == nil {
		m.mu.Unlock()
		return fmt.Errorf("unknown service %q", service)
	}
	m.cancelTimerLocked(s)
	reconnect := s.reconnect
	m.mu.Unlock()

	m.bus.Emit(EventRecoveryStarted, service, "forced")
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	if err := reconnect(ctx); err != nil {
		m.bus.Emit(EventRecoveryFailed, service, err.Error())
		return err
	}
	m.bus.Emit(EventRecoverySucceeded, service, "forced")
	return nil
}

// scheduleReconnectLocked arms the backoff timer for one reconnection
// attempt, unless one is already pending.
func (m *RecoveryManager) scheduleReconnectLocked(service string, s *serviceState) {
	if s.timer != nil || s.reconnect == nil {
		// Attempt already pending, or nobody owns reconnection yet. The
		// failure is recorded for health either way.
		return
	}
	delay := m.cfg.Backoff.Delay(s.attempt)
	// Growth cap only: retries keep coming at the largest delay.
	if s.attempt < m.cfg.MaxRetries {
		s.attempt++
	}
	m.log.Info().
		Str("service", service).
		Int("attempt", s.attempt).
		Dur("delay", delay).
		Msg("Reconnection scheduled")
	s.timer = time.AfterFunc(delay, func() {
		m.runReconnect(service)
	})
}

func (m *RecoveryManager) cancelTimerLocked(s *serviceState) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// runReconnect executes one scheduled attempt.
func (m *RecoveryManager) runReconnect(service string) {
	m.mu.Lock()
	s, ok := m.services[service]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.timer = nil
	if s.health.CircuitOpen || s.reconnect == nil {
		m.mu.Unlock()
		return
	}
	select {
	case <-m.stopChan:
		m.mu.Unlock()
		return
	default:
	}
	reconnect := s.reconnect
	m.mu.Unlock()

	m.bus.Emit(EventRecoveryStarted, service, "")
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	if err := reconnect(ctx); err != nil {
		m.bus.Emit(EventRecoveryFailed, service, err.Error())
		if !errors.Is(err, ErrReconnectInFlight) {
			m.RecordFailure(service, err)
		}
		return
	}
	m.bus.Emit(EventRecoverySucceeded, service, "")
}

// Start launches the periodic health check. Idempotent: the loop is started
// at most once and survives reconnects.
func (m *RecoveryManager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.healthLoop()
}

// Stop cancels all pending timers and terminates the health loop.
func (m *RecoveryManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.services {
		m.cancelTimerLocked(s)
	}
}

func (m *RecoveryManager) healthLoop() {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.healthCheck()
		}
	}
}

// healthCheck half-opens expired circuits (one probe each) and reports
// registered-but-silent services.
func (m *RecoveryManager) healthCheck() {
	now := m.now()

	type probe struct {
		service   string
		reconnect ReconnectFunc
	}
	var probes []probe

	m.mu.Lock()
	for name, s := range m.services {
		if s.health.CircuitOpen && !s.halfOpen && s.reconnect != nil &&
			now.Sub(s.health.CircuitTrippedAt) > m.cfg.CircuitBreakerTimeout {
			s.halfOpen = true
			probes = append(probes, probe{service: name, reconnect: s.reconnect})
		}

		if s.health.Healthy && s.lastActivity != nil && m.cfg.SilenceThreshold > 0 {
			last := s.lastActivity()
			if !last.IsZero() && now.Sub(last) > m.cfg.SilenceThreshold {
				if !s.silentReported {
					s.silentReported = true
					m.bus.Emit(EventServiceSilent, name,
						fmt.Sprintf("idle for %s", now.Sub(last).Round(time.Second)))
				}
			} else {
				s.silentReported = false
			}
		}
	}
	m.mu.Unlock()

	for _, p := range probes {
		go m.halfOpenProbe(p.service, p.reconnect)
	}
}

// halfOpenProbe allows exactly one reconnection attempt through an open
// circuit. Success closes the circuit via RecordSuccess; failure re-opens
// it with a fresh timestamp.
func (m *RecoveryManager) halfOpenProbe(service string, reconnect ReconnectFunc) {
	m.bus.Emit(EventRecoveryStarted, service, "half-open")
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	if err := reconnect(ctx); err != nil {
		m.bus.Emit(EventRecoveryFailed, service, err.Error())
		m.RecordFailure(service, err)
		return
	}
	m.bus.Emit(EventRecoverySucceeded, service, "half-open")
}
