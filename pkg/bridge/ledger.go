// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LedgerRecord correlates a message sent to the target network with its
// origin. TargetID is the identifier the target network assigned at send
// time; it is what edit and delete propagation operate on.
type LedgerRecord struct {
	OriginID      string    `json:"origin_id"`
	TargetNetwork string    `json:"target_network"`
	TargetChannel string    `json:"target_channel"`
	TargetID      string    `json:"target_id"`
	Content       string    `json:"content"`
	Author        string    `json:"author"`
	CreatedAt     time.Time `json:"created_at"`
}

// LedgerConfig bounds the ledger in size and time.
type LedgerConfig struct {
	Capacity      int
	EditWindow    time.Duration
	SweepInterval time.Duration
}

// DefaultLedgerConfig returns the standard bounds: 1000 entries, 5 minute
// edit window.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Capacity:      1000,
		EditWindow:    5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Ledger is the bounded-lifetime map correlating messages across the two
// networks. Records are advisory for edit/delete propagation, never a
// precondition for delivery: a lookup miss is a documented outcome, not an
// error. The ledger is the sole mutator of its map.
type Ledger struct {
	cfg LedgerConfig
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	records map[string]LedgerRecord
	// order holds origin IDs oldest-first for capacity eviction.
	order []string

	started  bool
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewLedger creates a ledger. Start must be called to enable the periodic
// time-based sweep.
func NewLedger(cfg LedgerConfig, log zerolog.Logger) *Ledger {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.EditWindow <= 0 {
		cfg.EditWindow = 5 * time.Minute
	}
	return &Ledger{
		cfg:      cfg,
		log:      log.With().Str("component", "ledger").Logger(),
		now:      time.Now,
		records:  make(map[string]LedgerRecord),
		stopChan: make(chan struct{}),
	}
}

// Record stores the correlation for originID, evicting oldest entries when
// the capacity cap is exceeded. Called after the originating send has been
// dispatched to the target network.
func (l *Ledger) Record(rec LedgerRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[rec.OriginID]; !exists {
		l.order = append(l.order, rec.OriginID)
	}
	l.records[rec.OriginID] = rec

	// Capacity eviction, oldest first. Expected steady-state behavior.
	for len(l.records) > l.cfg.Capacity && len(l.order) > 0 {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.records, oldest)
	}
}

// Lookup returns the record for originID. A miss is a safe, expected
// outcome (e.g. an edit racing the original send's recording).
func (l *Ledger) Lookup(originID string) (LedgerRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[originID]
	return rec, ok
}

// EditEligible reports whether rec is still within the edit window. Older
// records may still be present but are excluded from edit propagation.
func (l *Ledger) EditEligible(rec LedgerRecord) bool {
	return l.now().Sub(rec.CreatedAt) <= l.cfg.EditWindow
}

// Size returns the number of live records.
func (l *Ledger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Start launches the periodic sweep. Idempotent: the timer is created once
// and left running across reconnects.
func (l *Ledger) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()
	go l.sweepLoop()
}

// Stop terminates the sweep loop.
func (l *Ledger) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
}

func (l *Ledger) sweepLoop() {
	interval := l.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep removes entries older than the edit window regardless of capacity
// pressure.
func (l *Ledger) sweep() {
	cutoff := l.now().Add(-l.cfg.EditWindow)
	l.mu.Lock()
	removed := 0
	kept := l.order[:0]
	for _, id := range l.order {
		rec, ok := l.records[id]
		if !ok {
			continue
		}
		if rec.CreatedAt.Before(cutoff) {
			delete(l.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	l.mu.Unlock()
	if removed > 0 {
		l.log.Debug().Int("removed", removed).Msg("Swept expired ledger records")
	}
}
