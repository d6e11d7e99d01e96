// Package executor ties the rate limiter and the server registry together
// behind a single entry point for callers.
//
// Execute produces a uniform envelope for every outcome: success carries
// the raw tool result and the elapsed time, failure carries the error text.
// No error from the underlying layers escapes as a Go error; callers can
// marshal the Result directly without inspecting anything else.
//
// Every attempt that reached a server is recorded in the call log, failed
// attempts included, so the sliding-window quota counts real load on the
// child processes. A call denied by the quota check is returned immediately
// with a human-readable message and is not recorded, so denials do not
// extend the caller's lockout.
package executor
