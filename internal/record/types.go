package record

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a recording job.
type JobState string

const (
	StateQueued  JobState = "queued"
	StateRunning JobState = "running"
	// StateReconnecting and StateSplitting are transient sub-states of an
	// admitted job; they still occupy a concurrency slot.
	StateReconnecting JobState = "reconnecting"
	StateSplitting    JobState = "splitting"
	StateCompleted    JobState = "completed"
	StateCancelled    JobState = "cancelled"
	StateFailed       JobState = "failed"
)

// Terminal reports whether a state is final. Terminal states are sticky;
// setState refuses to leave them.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// FailReason distinguishes why a job failed.
type FailReason string

const (
	FailLaunch FailReason = "launch_error"
	FailStream FailReason = "stream_error"
)

// PartStatus tracks a part through publishing.
type PartStatus string

const (
	PartPending       PartStatus = "pending"
	PartPublishing    PartStatus = "publishing"
	PartPublished     PartStatus = "published"
	PartPublishFailed PartStatus = "publish_failed"
)

// Part is one finalized output file of a job. Seq is 1-based and
// contiguous; a number is only consumed when a part is actually emitted.
type Part struct {
	Seq         int
	Path        string
	SizeBytes   int64
	DurationSec float64
	Status      PartStatus
	Error       string
}

// Request is the immutable description of a recording job.
type Request struct {
	OwnerID   int64
	ChatID    int64
	SourceURL string
	Filename  string
	Duration  time.Duration
	Headers   map[string]string
	Proxy     string
}

// Job is a recording job with its mutable runtime state. All mutation goes
// through methods; Snapshot gives callers a consistent copy.
type Job struct {
	ID        string
	Req       Request
	CreatedAt time.Time

	mu         sync.Mutex
	state      JobState
	failReason FailReason
	errMsg     string
	parts      []Part
	recorded   time.Duration
	totalBytes int64
	liveBytes  int64
	startedAt  time.Time
	finishedAt time.Time

	cancelReq   atomic.Bool
	stopSession atomic.Pointer[func()]
}

// NewJob creates a queued job for the request.
func NewJob(req Request) *Job {
	req.Filename = sanitizeFilename(req.Filename)
	return &Job{
		ID:        uuid.NewString(),
		Req:       req,
		CreatedAt: time.Now(),
		state:     StateQueued,
	}
}

// State returns the current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// setState transitions the job. Once terminal, the state never changes.
func (j *Job) setState(s JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = s
	switch {
	case s == StateRunning && j.startedAt.IsZero():
		j.startedAt = time.Now()
	case s.Terminal():
		j.finishedAt = time.Now()
	}
	return true
}

func (j *Job) fail(reason FailReason, msg string) {
	j.mu.Lock()
	if !j.state.Terminal() {
		j.failReason = reason
		j.errMsg = msg
	}
	j.mu.Unlock()
	j.setState(StateFailed)
}

// Cancel requests cooperative cancellation. Already-terminal jobs ignore it.
// The active capture session, if any, is asked to stop; the runner observes
// the flag at the next session boundary.
func (j *Job) Cancel() {
	if j.State().Terminal() {
		return
	}
	j.cancelReq.Store(true)
	if stop := j.stopSession.Load(); stop != nil {
		(*stop)()
	}
}

// MarkCancelled moves a job that never started running straight to the
// cancelled state. Reports whether the transition happened.
func (j *Job) MarkCancelled() bool {
	j.cancelReq.Store(true)
	return j.setState(StateCancelled)
}

// CancelRequested reports whether Cancel has been called.
func (j *Job) CancelRequested() bool { return j.cancelReq.Load() }

func (j *Job) setActiveStop(stop func()) {
	j.stopSession.Store(&stop)
	// Cancel may have raced the session start; honor it immediately.
	if j.cancelReq.Load() && stop != nil {
		stop()
	}
}

func (j *Job) clearActiveStop() {
	var noop func() = func() {}
	j.stopSession.Store(&noop)
}

// addPart appends an emitted part and accounts its bytes.
func (j *Job) addPart(p Part) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.parts = append(j.parts, p)
	j.totalBytes += p.SizeBytes
}

// addRecorded adds one session's wall-clock time to the recorded total. The
// deadline check compares this sum, not probe metadata, so a misreporting
// probe cannot shorten or extend the job.
func (j *Job) addRecorded(d time.Duration) {
	if d <= 0 {
		return
	}
	j.mu.Lock()
	j.recorded += d.Round(time.Second)
	j.mu.Unlock()
}

// setPartStatus updates the publish status of part seq.
func (j *Job) setPartStatus(seq int, status PartStatus, errMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.parts {
		if j.parts[i].Seq == seq {
			j.parts[i].Status = status
			j.parts[i].Error = errMsg
			return
		}
	}
}

// Recorded is the duration captured across all emitted parts.
func (j *Job) Recorded() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.recorded
}

func (j *Job) setLiveBytes(n int64) {
	j.mu.Lock()
	j.liveBytes = n
	j.mu.Unlock()
}

// Snapshot is a point-in-time copy of a job's externally visible state.
type Snapshot struct {
	ID         string
	OwnerID    int64
	ChatID     int64
	SourceURL  string
	Filename   string
	State      JobState
	FailReason FailReason
	Error      string
	Parts      []Part
	Recorded   time.Duration
	Requested  time.Duration
	TotalBytes int64
	LiveBytes  int64
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Snapshot returns a consistent copy of the job.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	parts := make([]Part, len(j.parts))
	copy(parts, j.parts)
	return Snapshot{
		ID:         j.ID,
		OwnerID:    j.Req.OwnerID,
		ChatID:     j.Req.ChatID,
		SourceURL:  j.Req.SourceURL,
		Filename:   j.Req.Filename,
		State:      j.state,
		FailReason: j.failReason,
		Error:      j.errMsg,
		Parts:      parts,
		Recorded:   j.recorded,
		Requested:  j.Req.Duration,
		TotalBytes: j.totalBytes,
		LiveBytes:  j.liveBytes,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
}

// sanitizeFilename strips path separators and whitespace so user-supplied
// names cannot escape the download directory.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	repl := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	name = repl.Replace(name)
	if name == "" {
		name = "recording"
	}
	return name
}
