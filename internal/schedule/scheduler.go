// Package schedule persists deferred recording requests and activates them
// when their time arrives. A periodic sweep drives activation, so entries
// survive restarts without per-entry timers: past-due entries submit on the
// first sweep after startup.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"recbot/internal/storage"
	logx "recbot/pkg/logx"
)

// ErrNotFound is returned when no pending entry matches.
var ErrNotFound = errors.New("schedule not found")

// SubmitFunc hands an activated entry to the admission queue.
type SubmitFunc func(ctx context.Context, entry storage.Schedule) error

// Scheduler sweeps pending entries and submits the due ones exactly once.
type Scheduler struct {
	store  storage.Store
	submit SubmitFunc
	log    logx.Logger
	loc    *time.Location

	// now is replaceable in tests.
	now func() time.Time

	sweepEvery time.Duration
	cron       *cron.Cron

	mu sync.Mutex
}

// New builds a scheduler. Sweeps run every sweepEvery once Start is called.
func New(store storage.Store, submit SubmitFunc, sweepEvery time.Duration, loc *time.Location, log logx.Logger) *Scheduler {
	if sweepEvery <= 0 {
		sweepEvery = 15 * time.Second
	}
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		store:      store,
		submit:     submit,
		log:        log,
		loc:        loc,
		now:        time.Now,
		sweepEvery: sweepEvery,
	}
}

// Location returns the timezone schedules are interpreted in.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Start begins periodic sweeping. An immediate sweep picks up entries that
// came due while the process was down.
func (s *Scheduler) Start(ctx context.Context) {
	s.Sweep(ctx)
	c := cron.New(cron.WithLocation(s.loc))
	c.Schedule(cron.Every(s.sweepEvery), cron.FuncJob(func() {
		s.Sweep(context.Background())
	}))
	c.Start()
	s.cron = c
	s.log.Info("scheduler started",
		logx.Duration("sweep_every", s.sweepEvery),
		logx.String("timezone", s.loc.String()))
}

// Stop halts sweeping and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Add persists a new entry.
func (s *Scheduler) Add(ctx context.Context, entry storage.Schedule) error {
	entry.Status = storage.ScheduleStatusScheduled
	if err := s.store.PutSchedule(ctx, entry); err != nil {
		return err
	}
	s.log.Info("schedule added",
		logx.String("schedule", entry.ID),
		logx.Int64("owner", entry.OwnerID),
		logx.Time("run_at", entry.RunAt))
	return nil
}

// Cancel marks the owner's pending entry cancelled. Entries already
// submitted or cancelled are not found.
func (s *Scheduler) Cancel(ctx context.Context, ownerID int64, id string) error {
	pending, err := s.store.ListSchedules(ctx, storage.ScheduleStatusScheduled)
	if err != nil {
		return err
	}
	for _, e := range pending {
		if e.ID == id && e.OwnerID == ownerID {
			return s.store.SetScheduleStatus(ctx, id, storage.ScheduleStatusCancelled)
		}
	}
	return ErrNotFound
}

// ListOwner returns the owner's entries, soonest first.
func (s *Scheduler) ListOwner(ctx context.Context, ownerID int64, limit int) ([]storage.Schedule, error) {
	return s.store.ListSchedulesForOwner(ctx, ownerID, limit)
}

// Sweep submits every pending entry whose activation time has passed. An
// entry is marked submitted before the handoff, so a crash between the two
// drops the entry rather than double-running it.
func (s *Scheduler) Sweep(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.store.ListSchedules(ctx, storage.ScheduleStatusScheduled)
	if err != nil {
		s.log.Error("schedule sweep failed", logx.Err(err))
		return
	}
	now := s.now()
	for _, e := range pending {
		if e.RunAt.After(now) {
			continue
		}
		if err := s.store.SetScheduleStatus(ctx, e.ID, storage.ScheduleStatusSubmitted); err != nil {
			s.log.Error("schedule claim failed", logx.String("schedule", e.ID), logx.Err(err))
			continue
		}
		if err := s.submit(ctx, e); err != nil {
			s.log.Error("schedule submit failed", logx.String("schedule", e.ID), logx.Err(err))
			_ = s.store.SetScheduleStatus(ctx, e.ID, storage.ScheduleStatusFailed)
			continue
		}
		s.log.Info("schedule activated",
			logx.String("schedule", e.ID),
			logx.Int64("owner", e.OwnerID),
			logx.Time("run_at", e.RunAt))
	}
}
