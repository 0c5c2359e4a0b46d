package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"recbot/internal/storage"
	logx "recbot/pkg/logx"
)

type captureSubmit struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (c *captureSubmit) fn(_ context.Context, e storage.Schedule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.ids = append(c.ids, e.ID)
	return nil
}

func (c *captureSubmit) submitted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func newTestScheduler(t *testing.T, sub *captureSubmit) (*Scheduler, storage.Store, *time.Time) {
	t.Helper()
	store := storage.NewMemory()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	s := New(store, sub.fn, time.Second, time.UTC, logx.Nop())
	s.now = func() time.Time { return now }
	return s, store, &now
}

func entry(id string, owner int64, runAt time.Time) storage.Schedule {
	return storage.Schedule{
		ID: id, OwnerID: owner, ChatID: owner,
		SourceURL: "https://e.com/s", Filename: "f",
		DurationSec: 60, RunAt: runAt,
	}
}

func TestSweepSubmitsDueEntriesExactlyOnce(t *testing.T) {
	t.Parallel()
	sub := &captureSubmit{}
	s, store, now := newTestScheduler(t, sub)
	ctx := context.Background()

	s.Add(ctx, entry("due", 1, now.Add(-time.Minute)))
	s.Add(ctx, entry("future", 1, now.Add(time.Hour)))

	s.Sweep(ctx)
	s.Sweep(ctx) // second sweep must not resubmit
	if got := sub.submitted(); len(got) != 1 || got[0] != "due" {
		t.Fatalf("submitted = %v, want [due]", got)
	}

	pending, _ := store.ListSchedules(ctx, storage.ScheduleStatusScheduled)
	if len(pending) != 1 || pending[0].ID != "future" {
		t.Fatalf("pending = %v, want only the future entry", pending)
	}

	// Advance past the second entry.
	*now = now.Add(2 * time.Hour)
	s.Sweep(ctx)
	if got := sub.submitted(); len(got) != 2 {
		t.Fatalf("submitted = %v, want both entries", got)
	}
}

func TestSweepMarksFailedSubmissions(t *testing.T) {
	t.Parallel()
	sub := &captureSubmit{err: errors.New("queue stopped")}
	s, store, now := newTestScheduler(t, sub)
	ctx := context.Background()

	s.Add(ctx, entry("due", 1, now.Add(-time.Minute)))
	s.Sweep(ctx)

	failed, _ := store.ListSchedules(ctx, storage.ScheduleStatusFailed)
	if len(failed) != 1 {
		t.Fatalf("failed = %v, want the rejected entry", failed)
	}
}

func TestCancelPendingEntry(t *testing.T) {
	t.Parallel()
	sub := &captureSubmit{}
	s, _, now := newTestScheduler(t, sub)
	ctx := context.Background()

	s.Add(ctx, entry("a", 7, now.Add(-time.Minute)))
	if err := s.Cancel(ctx, 7, "a"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	s.Sweep(ctx)
	if len(sub.submitted()) != 0 {
		t.Fatal("cancelled entry must not be submitted")
	}

	// Wrong owner and unknown ids are both not found.
	s.Add(ctx, entry("b", 7, now.Add(time.Hour)))
	if err := s.Cancel(ctx, 8, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-owner cancel = %v, want ErrNotFound", err)
	}
	if err := s.Cancel(ctx, 7, "zzz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown cancel = %v, want ErrNotFound", err)
	}
}

func TestParseRunAt(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, loc)

	got, err := ParseRunAt("13:30", now, loc)
	if err != nil || !got.Equal(time.Date(2024, 5, 10, 13, 30, 0, 0, loc)) {
		t.Errorf("ParseRunAt(13:30) = %v, %v; want today 13:30", got, err)
	}

	// Earlier than now rolls to tomorrow.
	got, err = ParseRunAt("09:00", now, loc)
	if err != nil || !got.Equal(time.Date(2024, 5, 11, 9, 0, 0, 0, loc)) {
		t.Errorf("ParseRunAt(09:00) = %v, %v; want tomorrow 09:00", got, err)
	}

	got, err = ParseRunAt("2024-06-01 08:15", now, loc)
	if err != nil || !got.Equal(time.Date(2024, 6, 1, 8, 15, 0, 0, loc)) {
		t.Errorf("ParseRunAt(date) = %v, %v", got, err)
	}

	if _, err := ParseRunAt("2024-01-01 00:00", now, loc); err == nil {
		t.Error("past date must be rejected")
	}
	if _, err := ParseRunAt("25:99", now, loc); err == nil {
		t.Error("invalid clock must be rejected")
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"90", 90 * time.Second, true},
		{"02:30", 2*time.Minute + 30*time.Second, true},
		{"1:30:00", 90 * time.Minute, true},
		{"45m", 45 * time.Minute, true},
		{"1h30m", 90 * time.Minute, true},
		{"0", 0, false},
		{"-5", 0, false},
		{"abc", 0, false},
		{"1:2:3:4", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("ParseDuration(%q) err = %v, want ok=%v", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
