package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"recbot/internal/record"
	"recbot/internal/runtime/supervisor"
	logx "recbot/pkg/logx"
)

// blockRunner records start order and holds each job until released.
type blockRunner struct {
	mu      sync.Mutex
	started []string
	release map[string]chan struct{}
}

func newBlockRunner() *blockRunner {
	return &blockRunner{release: map[string]chan struct{}{}}
}

func (r *blockRunner) Run(ctx context.Context, job *record.Job) {
	r.mu.Lock()
	r.started = append(r.started, job.ID)
	ch := r.chanLocked(job.ID)
	r.mu.Unlock()
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

// chanLocked returns the job's release channel, creating it if needed, so
// releaseJob works even before the job has been dispatched.
func (r *blockRunner) chanLocked(id string) chan struct{} {
	ch, ok := r.release[id]
	if !ok {
		ch = make(chan struct{})
		r.release[id] = ch
	}
	return ch
}

func (r *blockRunner) startedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func (r *blockRunner) releaseJob(id string) {
	r.mu.Lock()
	ch := r.chanLocked(id)
	r.mu.Unlock()
	close(ch)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newJob(owner int64) *record.Job {
	return record.NewJob(record.Request{OwnerID: owner, SourceURL: "u", Filename: "f", Duration: time.Minute})
}

func TestQueueCeilingAndFIFO(t *testing.T) {
	t.Parallel()
	sup := supervisor.New(context.Background())
	runner := newBlockRunner()
	q := New(2, runner, sup, logx.Nop())

	jobs := []*record.Job{newJob(1), newJob(1), newJob(2), newJob(2)}
	for _, j := range jobs {
		if _, err := q.Submit(j); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	waitFor(t, func() bool { return len(runner.startedIDs()) == 2 })
	running, waiting := q.ActiveCount()
	if running != 2 || waiting != 2 {
		t.Fatalf("running=%d waiting=%d, want 2/2", running, waiting)
	}
	if it, _ := q.Get(jobs[2].ID); it.Position != 1 {
		t.Errorf("third job position = %d, want 1", it.Position)
	}
	if it, _ := q.Get(jobs[3].ID); it.Position != 2 {
		t.Errorf("fourth job position = %d, want 2", it.Position)
	}

	runner.releaseJob(jobs[0].ID)
	waitFor(t, func() bool { return len(runner.startedIDs()) == 3 })
	if got := runner.startedIDs()[2]; got != jobs[2].ID {
		t.Errorf("started[2] = %s, want third submitted job %s", got, jobs[2].ID)
	}

	for _, j := range jobs[1:] {
		runner.releaseJob(j.ID)
	}
	waitFor(t, func() bool {
		r, w := q.ActiveCount()
		return r == 0 && w == 0
	})
	got := runner.startedIDs()
	for i, j := range jobs {
		if got[i] != j.ID {
			t.Fatalf("start order %v does not match submission order", got)
		}
	}
}

func TestQueueCancelWaitingJobImmediate(t *testing.T) {
	t.Parallel()
	sup := supervisor.New(context.Background())
	runner := newBlockRunner()
	q := New(1, runner, sup, logx.Nop())

	first, second, third := newJob(1), newJob(1), newJob(1)
	q.Submit(first)
	q.Submit(second)
	q.Submit(third)
	waitFor(t, func() bool { return len(runner.startedIDs()) == 1 })

	if err := q.Cancel(second.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := second.State(); got != record.StateCancelled {
		t.Fatalf("cancelled waiting job state = %q, want cancelled", got)
	}
	if it, _ := q.Get(third.ID); it.Position != 1 {
		t.Errorf("third job position = %d, want promoted to 1", it.Position)
	}

	// Cancelling again is a no-op, not an error.
	if err := q.Cancel(second.ID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
}

func TestQueueCancelRunningIsCooperative(t *testing.T) {
	t.Parallel()
	sup := supervisor.New(context.Background())
	runner := newBlockRunner()
	q := New(1, runner, sup, logx.Nop())

	job := newJob(1)
	q.Submit(job)
	waitFor(t, func() bool { return len(runner.startedIDs()) == 1 })

	if err := q.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !job.CancelRequested() {
		t.Fatal("running job should have cancellation requested")
	}
	runner.releaseJob(job.ID)
}

func TestQueueCancelUnknown(t *testing.T) {
	t.Parallel()
	q := New(1, newBlockRunner(), supervisor.New(context.Background()), logx.Nop())
	if err := q.Cancel("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// crashRunner panics on the first job and parks the rest like blockRunner.
type crashRunner struct {
	*blockRunner
	crashID string
}

func (r *crashRunner) Run(ctx context.Context, job *record.Job) {
	if job.ID == r.crashID {
		panic("runner blew up")
	}
	r.blockRunner.Run(ctx, job)
}

func TestQueuePanickingJobFreesSlot(t *testing.T) {
	t.Parallel()
	sup := supervisor.New(context.Background())
	first, second := newJob(1), newJob(1)
	runner := &crashRunner{blockRunner: newBlockRunner(), crashID: first.ID}
	q := New(1, runner, sup, logx.Nop())

	q.Submit(first)
	q.Submit(second)

	// The panic is recovered by the supervisor; the slot must still free up
	// so the waiting job gets dispatched.
	waitFor(t, func() bool { return len(runner.startedIDs()) == 1 })
	if got := runner.startedIDs()[0]; got != second.ID {
		t.Fatalf("started = %s, want the job queued behind the panicking one", got)
	}
	runner.releaseJob(second.ID)
}

func TestQueueRaisingCeilingDispatches(t *testing.T) {
	t.Parallel()
	sup := supervisor.New(context.Background())
	runner := newBlockRunner()
	q := New(1, runner, sup, logx.Nop())

	q.Submit(newJob(1))
	q.Submit(newJob(1))
	waitFor(t, func() bool { return len(runner.startedIDs()) == 1 })

	q.SetMaxConcurrent(2)
	waitFor(t, func() bool { return len(runner.startedIDs()) == 2 })
}

func TestQueueStopRejectsSubmit(t *testing.T) {
	t.Parallel()
	q := New(1, newBlockRunner(), supervisor.New(context.Background()), logx.Nop())
	q.Stop()
	if _, err := q.Submit(newJob(1)); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
