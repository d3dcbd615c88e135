// Copyright 2024-2026 Aiku AI

// Package bridge implements the connection-resilience and cross-network
// synchronization core of matterlink, a Matrix-Mattermost relay.
//
// The bridge supervises two independently-failing network sessions through a
// strict state machine, recovers from failures with jittered exponential
// backoff and a per-service circuit breaker, sequences flood-sensitive
// directory lookups one at a time, rate-limits outbound traffic per user
// with connection awareness, and keeps a time-bounded ledger correlating
// messages across the two networks for edit and delete propagation.
//
// # Core Types
//
// [Bridge] wires everything together and exposes the administrative surface
// (connection status, health snapshots, stats, forced reconnects).
//
// [Supervisor] owns the lifecycle of one network session end to end. It is
// the sole mutator of that session's [ConnectionState] and never retries on
// its own; all retry timing comes from the [RecoveryManager].
//
// [RecoveryManager] tracks per-service health, schedules reconnection
// attempts with backoff, and trips a circuit breaker after repeated
// failures. It never touches transport objects: reconnection is executed
// through a callback registered by the owning Supervisor.
//
// [CorrelationQueue] guarantees at most one directory lookup is in flight
// at a time, pairing each request with its terminating response event or a
// timeout.
//
// [RateLimiter] applies sliding minute and hour windows, a short burst
// ceiling, and duplicate-content suppression per user.
//
// [Ledger] maps an origin message ID to its rendering on the other network
// so later edits and deletes can be projected within the edit window.
//
// # Failure Semantics
//
// Session-level failures are absorbed by the Supervisor and converted into
// state transitions plus a RecoveryManager notification; they never
// propagate to callers relaying traffic. Relaying through a network that is
// not Registered yields ErrNotConnected synchronously rather than queuing.
package bridge
