// Package queue admits recording jobs in FIFO order under a hard
// concurrency ceiling. Jobs beyond the ceiling wait; cancellation of a
// waiting job is immediate, cancellation of a running job is cooperative.
package queue

import (
	"context"
	"errors"
	"sync"

	"recbot/internal/record"
	"recbot/internal/runtime/supervisor"
	logx "recbot/pkg/logx"
)

// ErrNotFound is returned when no job matches the given id.
var ErrNotFound = errors.New("job not found")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("queue stopped")

const historyLimit = 50

// Runner executes a job to a terminal state. Satisfied by *record.Runner.
type Runner interface {
	Run(ctx context.Context, job *record.Job)
}

// Item is a job snapshot plus its queue position. Position is 1-based for
// waiting jobs and 0 for running or terminal jobs.
type Item struct {
	record.Snapshot
	Position int
}

// Queue dispatches jobs through a Runner, at most maxConcurrent at a time.
type Queue struct {
	runner Runner
	sup    *supervisor.Supervisor
	log    logx.Logger

	mu            sync.Mutex
	maxConcurrent int
	pending       []*record.Job
	running       map[string]*record.Job
	history       []*record.Job
	byID          map[string]*record.Job
	stopped       bool
}

// New creates a queue that runs jobs on sup's goroutines.
func New(maxConcurrent int, runner Runner, sup *supervisor.Supervisor, log logx.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		runner:        runner,
		sup:           sup,
		log:           log,
		maxConcurrent: maxConcurrent,
		running:       map[string]*record.Job{},
		byID:          map[string]*record.Job{},
	}
}

// Submit enqueues a job and returns its 1-based wait position; position 0
// means it started immediately.
func (q *Queue) Submit(job *record.Job) (int, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return 0, ErrStopped
	}
	q.byID[job.ID] = job
	q.pending = append(q.pending, job)
	q.dispatchLocked()
	pos := q.positionLocked(job.ID)
	q.mu.Unlock()

	q.log.Info("job submitted",
		logx.String("job", job.ID),
		logx.Int64("owner", job.Req.OwnerID),
		logx.Int("position", pos))
	return pos, nil
}

// Cancel cancels the job with the given id. Waiting jobs become terminal at
// once; running jobs are asked to stop and finish on their own; terminal
// jobs are left untouched.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	job, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	for i, p := range q.pending {
		if p.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.rememberLocked(job)
			q.mu.Unlock()
			job.MarkCancelled()
			q.log.Info("queued job cancelled", logx.String("job", id))
			return nil
		}
	}
	q.mu.Unlock()
	// Running or already terminal; Cancel is a no-op on terminal jobs.
	job.Cancel()
	return nil
}

// Get returns the job with the given id.
func (q *Queue) Get(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[id]
	if !ok {
		return Item{}, false
	}
	return Item{Snapshot: job.Snapshot(), Position: q.positionLocked(id)}, true
}

// List returns all tracked jobs: waiting first in queue order, then
// running, then recent terminal jobs.
func (q *Queue) List() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.pending)+len(q.running)+len(q.history))
	for i, job := range q.pending {
		out = append(out, Item{Snapshot: job.Snapshot(), Position: i + 1})
	}
	for _, job := range q.running {
		out = append(out, Item{Snapshot: job.Snapshot()})
	}
	for i := len(q.history) - 1; i >= 0; i-- {
		out = append(out, Item{Snapshot: q.history[i].Snapshot()})
	}
	return out
}

// ListOwner returns the owner's jobs, in the same order as List.
func (q *Queue) ListOwner(ownerID int64) []Item {
	all := q.List()
	out := all[:0]
	for _, it := range all {
		if it.OwnerID == ownerID {
			out = append(out, it)
		}
	}
	return out
}

// ActiveCount returns the number of running plus waiting jobs.
func (q *Queue) ActiveCount() (running, waiting int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running), len(q.pending)
}

// SetMaxConcurrent adjusts the ceiling. Raising it dispatches waiting jobs
// immediately; lowering it only affects future admissions.
func (q *Queue) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.maxConcurrent = n
	q.dispatchLocked()
	q.mu.Unlock()
}

// Stop rejects further submissions and cancels all tracked work. Running
// jobs wind down through their own stop protocol; the supervisor's Wait
// covers their goroutines.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	pending := append([]*record.Job(nil), q.pending...)
	q.pending = nil
	for _, job := range pending {
		q.rememberLocked(job)
	}
	running := make([]*record.Job, 0, len(q.running))
	for _, job := range q.running {
		running = append(running, job)
	}
	q.mu.Unlock()

	for _, job := range pending {
		job.MarkCancelled()
	}
	for _, job := range running {
		job.Cancel()
	}
}

// dispatchLocked starts waiting jobs while capacity remains.
func (q *Queue) dispatchLocked() {
	for len(q.running) < q.maxConcurrent && len(q.pending) > 0 {
		job := q.pending[0]
		q.pending = q.pending[1:]
		q.running[job.ID] = job
		q.sup.Go("job-"+job.ID, func(ctx context.Context) error {
			// The slot must come back even if Run panics; the supervisor
			// recovers the panic after this defer has run.
			defer q.onDone(job)
			q.runner.Run(ctx, job)
			return nil
		})
	}
}

func (q *Queue) onDone(job *record.Job) {
	q.mu.Lock()
	delete(q.running, job.ID)
	q.rememberLocked(job)
	if !q.stopped {
		q.dispatchLocked()
	}
	q.mu.Unlock()
}

// rememberLocked moves a job into bounded terminal history.
func (q *Queue) rememberLocked(job *record.Job) {
	q.history = append(q.history, job)
	if len(q.history) > historyLimit {
		drop := q.history[0]
		q.history = q.history[1:]
		delete(q.byID, drop.ID)
	}
}

func (q *Queue) positionLocked(id string) int {
	for i, p := range q.pending {
		if p.ID == id {
			return i + 1
		}
	}
	return 0
}
