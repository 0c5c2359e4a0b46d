package storage

import (
	"context"
	"time"
)

// Store is the persistence API used by limits, the scheduler, and the
// recording pipeline. Implementations must be safe for concurrent use.
type Store interface {
	// Users / tiers.
	GetUser(ctx context.Context, id int64) (User, bool, error)
	PutUser(ctx context.Context, u User) error

	// Daily usage, keyed by (user, day) where day is YYYY-MM-DD in the
	// limits timezone.
	AddUsage(ctx context.Context, userID int64, day string, seconds int64) error
	GetUsage(ctx context.Context, userID int64, day string) (int64, error)
	PruneUsageBefore(ctx context.Context, day string) error

	// Settings (small key/value pairs, e.g. the runtime proxy URL).
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error

	// Deferred recordings.
	PutSchedule(ctx context.Context, s Schedule) error
	SetScheduleStatus(ctx context.Context, id, status string) error
	ListSchedules(ctx context.Context, status string) ([]Schedule, error)
	ListSchedulesForOwner(ctx context.Context, ownerID int64, limit int) ([]Schedule, error)

	// Part audit log.
	AppendPartAudit(ctx context.Context, p PartAudit) error

	Close() error
}

// nowRFC3339 keeps timestamp formatting consistent across backends.
func nowRFC3339(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}
