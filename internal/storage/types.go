package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage. SQLite is the only on-disk driver; the memory
// backend exists for tests.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// User is the persisted account record.
// The owner is never stored; owner checks happen before storage is consulted.
type User struct {
	ID           int64
	Username     string
	PremiumUntil time.Time // zero means not premium
	TrialCredits int
	CreatedAt    time.Time
}

// Schedule is a deferred recording request awaiting activation.
//
// Status values: "scheduled" (armed), "submitted" (handed to the queue),
// "cancelled", "failed".
type Schedule struct {
	ID          string
	OwnerID     int64
	ChatID      int64
	SourceURL   string
	Filename    string
	DurationSec int64
	RunAt       time.Time
	Status      string
	CreatedAt   time.Time
}

// PartAudit records one finalized output part. Long-term record keeping for
// operators; the orchestrator drops parts from memory once the job is terminal.
type PartAudit struct {
	At          time.Time
	JobID       string
	OwnerID     int64
	Seq         int
	Path        string
	SizeBytes   int64
	DurationSec float64
	Status      string
	Error       string
}

const (
	ScheduleStatusScheduled = "scheduled"
	ScheduleStatusSubmitted = "submitted"
	ScheduleStatusCancelled = "cancelled"
	ScheduleStatusFailed    = "failed"
)
