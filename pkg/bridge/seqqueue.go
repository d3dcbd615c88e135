// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// defaultLookupTimeout bounds the wait for one lookup response.
const defaultLookupTimeout = 5 * time.Second

// LookupFunc issues the underlying directory request for key. The matching
// response must reach the queue through Resolve.
type LookupFunc func(key string) error

// QueueStats is a snapshot for health and administrative inspection.
type QueueStats struct {
	Length     int  `json:"length"`
	Processing bool `json:"processing"`
}

// CorrelationQueue sequences flood-sensitive request/response traffic: at
// most one request is in flight at any time, strictly FIFO for the rest.
// The remote network kicks clients that issue directory lookups without
// waiting for replies; this queue is what prevents that.
type CorrelationQueue struct {
	lookup  LookupFunc
	timeout time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	pending  []string
	queued   map[string]struct{}
	inflight string
	// gen invalidates the timeout of an already-resolved request.
	gen    uint64
	timer  *time.Timer
	closed bool
}

// NewCorrelationQueue creates a queue dispatching through lookup. A zero
// timeout selects the 5s default.
func NewCorrelationQueue(lookup LookupFunc, timeout time.Duration, log zerolog.Logger) *CorrelationQueue {
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &CorrelationQueue{
		lookup:  lookup,
		timeout: timeout,
		log:     log.With().Str("component", "lookup_queue").Logger(),
		queued:  make(map[string]struct{}),
	}
}

// Enqueue adds key unless it is already queued or in flight. Processing
// starts immediately when nothing is in flight. Returns false for
// duplicates and after Clear-on-shutdown.
func (q *CorrelationQueue) Enqueue(key string) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if _, dup := q.queued[key]; dup || q.inflight == key {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, key)
	q.queued[key] = struct{}{}
	var dispatch string
	if q.inflight == "" {
		dispatch = q.nextLocked()
	}
	q.mu.Unlock()

	if dispatch != "" {
		q.send(dispatch)
	}
	return true
}

// Resolve matches a terminating response event to the in-flight request and
// advances the queue. A late response for an already-abandoned key is a
// no-op: the key is not re-inserted.
func (q *CorrelationQueue) Resolve(key string) {
	q.mu.Lock()
	if q.inflight != key {
		q.mu.Unlock()
		return
	}
	q.gen++
	q.inflight = ""
	q.stopTimerLocked()
	dispatch := q.nextLocked()
	q.mu.Unlock()

	if dispatch != "" {
		q.send(dispatch)
	}
}

// Clear drops all queued-but-not-yet-sent keys. The in-flight request, if
// any, is left to its own timeout.
func (q *CorrelationQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.queued = make(map[string]struct{})
}

// Close clears the queue and rejects further enqueues.
func (q *CorrelationQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = nil
	q.queued = make(map[string]struct{})
	q.stopTimerLocked()
}

// Stats returns the queued length and whether a request is in flight.
func (q *CorrelationQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Length: len(q.pending), Processing: q.inflight != ""}
}

// nextLocked dequeues the head key and marks it in flight, arming its
// timeout. Returns "" when the queue is empty.
func (q *CorrelationQueue) nextLocked() string {
	if len(q.pending) == 0 || q.closed {
		return ""
	}
	key := q.pending[0]
	q.pending = q.pending[1:]
	delete(q.queued, key)
	q.inflight = key
	q.gen++
	gen := q.gen
	q.timer = time.AfterFunc(q.timeout, func() {
		q.expire(key, gen)
	})
	return key
}

// send issues the request outside the lock. A synchronous send error
// abandons the key immediately instead of waiting out the timeout.
func (q *CorrelationQueue) send(key string) {
	if err := q.lookup(key); err != nil {
		q.log.Warn().Err(err).Str("key", key).Msg("Lookup request failed")
		q.Resolve(key)
	}
}

// expire abandons a key whose response never arrived. The key is not
// retried; the next queued request proceeds regardless.
func (q *CorrelationQueue) expire(key string, gen uint64) {
	q.mu.Lock()
	if q.gen != gen || q.inflight != key {
		q.mu.Unlock()
		return
	}
	q.inflight = ""
	q.timer = nil
	dispatch := q.nextLocked()
	q.mu.Unlock()

	q.log.Debug().Str("key", key).Dur("timeout", q.timeout).Msg("Lookup timed out, abandoning key")
	if dispatch != "" {
		q.send(dispatch)
	}
}

func (q *CorrelationQueue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
