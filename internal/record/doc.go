// Package record owns recording jobs: their lifecycle state machine and the
// runner loop that drives a job through capture sessions, part rotation,
// reconnects, and publishing until it reaches a terminal state.
package record
