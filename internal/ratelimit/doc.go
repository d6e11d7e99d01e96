// Package ratelimit enforces the per-user, per-server tool call quota.
//
// The quota is a sliding window (by default 100 calls per hour) computed
// directly from the persistent call log, so it survives restarts and is
// shared by every process pointing at the same database. Checks are
// read-only; quota is consumed only when a call outcome is recorded.
//
// Availability is deliberately favored over strict enforcement: when the
// store cannot be consulted the limiter allows the call and reports
// RemainingUnknown rather than failing closed.
package ratelimit
