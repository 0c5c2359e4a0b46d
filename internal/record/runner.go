package record

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"recbot/internal/capture"
	"recbot/internal/eventbus"
	logx "recbot/pkg/logx"
)

// Publisher delivers a finalized part to its destination. Implementations
// handle their own retries; the runner only records the final outcome.
type Publisher interface {
	PublishPart(ctx context.Context, job Snapshot, part Part) error
}

// Hooks let the embedding layer observe job lifecycle without subscribing
// to the bus. All hooks are optional and called from runner goroutines.
type Hooks struct {
	// OnPart fires when a part is emitted and again on publish status
	// changes.
	OnPart func(job *Job, part Part)
	// OnTerminal fires exactly once, after all publish work has drained.
	OnTerminal func(job *Job)
}

// Config tunes the recording loop.
type Config struct {
	DownloadDir string
	Container   string

	// PartMaxBytes rotates the output once a session's file reaches it.
	PartMaxBytes int64
	// MinPartBytes discards error-truncated files smaller than this
	// instead of emitting them as parts.
	MinPartBytes int64

	StopGrace        time.Duration
	ProgressInterval time.Duration

	// ReconnectMax stream errors within ReconnectWindow fail the job.
	ReconnectMax    int
	ReconnectWindow time.Duration
	ReconnectDelay  time.Duration

	// LaunchRetryMax consecutive start failures fail the job.
	LaunchRetryMax int

	DeleteAfterPublish bool
}

func (c *Config) defaults() {
	if c.Container == "" {
		c.Container = "mp4"
	}
	if c.PartMaxBytes <= 0 {
		c.PartMaxBytes = 2_000_000_000
	}
	if c.MinPartBytes <= 0 {
		c.MinPartBytes = 1 << 20
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 2 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 5
	}
	if c.ReconnectWindow <= 0 {
		c.ReconnectWindow = 10 * time.Minute
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.LaunchRetryMax <= 0 {
		c.LaunchRetryMax = 3
	}
}

// session is what the runner needs from an active capture. Satisfied by
// *capture.Session.
type session interface {
	Stop()
	Wait(ctx context.Context, onProgress func(capture.Progress)) capture.Exit
}

// Runner drives one job at a time from running to a terminal state. It is
// stateless across jobs; the queue decides which jobs run concurrently.
type Runner struct {
	cfg       Config
	start     func(ctx context.Context, spec capture.Spec, opts capture.Options) (session, error)
	prober    capture.Prober
	publisher Publisher
	bus       eventbus.Bus
	log       logx.Logger
	hooks     Hooks
}

// NewRunner wires a runner. prober, publisher, bus, and hooks may be zero.
func NewRunner(cfg Config, launcher capture.Launcher, prober capture.Prober, publisher Publisher, bus eventbus.Bus, log logx.Logger, hooks Hooks) *Runner {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		cfg: cfg,
		start: func(ctx context.Context, spec capture.Spec, opts capture.Options) (session, error) {
			return capture.Start(ctx, launcher, spec, opts)
		},
		prober:    prober,
		publisher: publisher,
		bus:       bus,
		log:       log,
		hooks:     hooks,
	}
}

// Run executes the job until terminal. Cancellation is observed at session
// boundaries: the active capture is stopped gracefully, its output is still
// finalized, then the loop exits.
func (r *Runner) Run(ctx context.Context, job *Job) {
	if !job.setState(StateRunning) {
		return
	}
	log := r.log.With(logx.String("job", job.ID), logx.String("file", job.Req.Filename))
	log.Info("job started",
		logx.Duration("requested", job.Req.Duration),
		logx.Int64("owner", job.Req.OwnerID))
	r.publishEvent(eventbus.TypeJobStarted, job)

	var pubWG sync.WaitGroup
	seq := 1
	launchFails := 0
	var errTimes []time.Time
	sp := newSplitter(r.cfg.PartMaxBytes)

loop:
	for {
		if job.CancelRequested() || ctx.Err() != nil {
			job.setState(StateCancelled)
			break
		}
		remaining := job.Req.Duration - job.Recorded()
		if remaining < time.Second {
			job.setState(StateCompleted)
			break
		}

		path := r.partPath(job, seq)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			job.fail(FailLaunch, err.Error())
			break
		}
		sp.reset()
		sess, err := r.start(ctx, capture.Spec{
			URL:         job.Req.SourceURL,
			OutputPath:  path,
			Headers:     job.Req.Headers,
			Proxy:       job.Req.Proxy,
			MaxDuration: remaining,
			MaxBytes:    r.cfg.PartMaxBytes,
		}, capture.Options{
			PollInterval: r.cfg.ProgressInterval,
			StopGrace:    r.cfg.StopGrace,
			Log:          log,
		})
		if err != nil {
			launchFails++
			log.Warn("launch failed",
				logx.Int("attempt", launchFails),
				logx.Int("max", r.cfg.LaunchRetryMax),
				logx.Err(err))
			if launchFails >= r.cfg.LaunchRetryMax {
				job.fail(FailLaunch, err.Error())
				break
			}
			job.setState(StateReconnecting)
			if !sleepCtx(ctx, r.cfg.ReconnectDelay) {
				job.setState(StateCancelled)
				break
			}
			continue
		}
		launchFails = 0
		job.setState(StateRunning)
		job.setActiveStop(sess.Stop)

		exit := sess.Wait(ctx, func(p capture.Progress) {
			job.setLiveBytes(p.Bytes)
			if sp.trip(p.Bytes) {
				log.Info("part size ceiling reached, rotating",
					logx.Int("seq", seq),
					logx.Int64("bytes", p.Bytes))
				sess.Stop()
			}
			r.publishEvent(eventbus.TypeJobProgress, job)
		})
		job.clearActiveStop()
		job.setLiveBytes(0)
		job.addRecorded(exit.Elapsed)
		log.Debug("session ended",
			logx.String("reason", string(exit.Reason)),
			logx.Int64("bytes", exit.Bytes),
			logx.Duration("elapsed", exit.Elapsed))

		if r.finalizePart(ctx, job, &pubWG, seq, path, exit, log) {
			seq++
		}

		switch exit.Reason {
		case capture.ReasonStopped:
			if job.CancelRequested() || ctx.Err() != nil {
				job.setState(StateCancelled)
				break loop
			}
			// Rotation stop; the next session starts immediately.
			job.setState(StateSplitting)
		case capture.ReasonFinished:
			switch {
			case exit.Bytes == 0:
				// Clean exit with nothing written: likely a dead
				// source. Burn reconnect budget so we do not spin.
				if r.reconnectExceeded(&errTimes) {
					job.fail(FailStream, "stream ended repeatedly with no data")
					break loop
				}
				job.setState(StateReconnecting)
				if !sleepCtx(ctx, r.cfg.ReconnectDelay) {
					job.setState(StateCancelled)
					break loop
				}
			case exit.Bytes >= r.cfg.PartMaxBytes:
				// The encoder's own size ceiling ended the session.
				job.setState(StateSplitting)
			default:
				if job.Req.Duration-job.Recorded() < time.Second {
					break
				}
				// The stream ended early with data. Pace the relaunch
				// so a short-looping source does not spray tiny parts.
				job.setState(StateReconnecting)
				if !sleepCtx(ctx, r.cfg.ReconnectDelay) {
					job.setState(StateCancelled)
					break loop
				}
			}
		case capture.ReasonStreamError:
			if r.reconnectExceeded(&errTimes) {
				msg := "reconnect budget exhausted"
				if exit.Err != nil {
					msg = fmt.Sprintf("%s: %v", msg, exit.Err)
				}
				job.fail(FailStream, msg)
				break loop
			}
			log.Warn("stream error, reconnecting",
				logx.Int("recent_errors", len(errTimes)),
				logx.Err(exit.Err))
			job.setState(StateReconnecting)
			if !sleepCtx(ctx, r.cfg.ReconnectDelay) {
				job.setState(StateCancelled)
				break loop
			}
		}
	}

	pubWG.Wait()
	snap := job.Snapshot()
	log.Info("job terminal",
		logx.String("state", string(snap.State)),
		logx.Int("parts", len(snap.Parts)),
		logx.Duration("recorded", snap.Recorded),
		logx.Int64("bytes", snap.TotalBytes))
	if r.hooks.OnTerminal != nil {
		r.hooks.OnTerminal(job)
	}
	r.publishEvent(eventbus.TypeJobTerminal, job)
}

// finalizePart inspects the session output and either emits it as the next
// part or discards it. Error-truncated files below the minimum size are
// deleted without consuming a sequence number, so retries keep part numbers
// contiguous.
func (r *Runner) finalizePart(ctx context.Context, job *Job, wg *sync.WaitGroup, seq int, path string, exit capture.Exit, log logx.Logger) bool {
	if exit.Reason == capture.ReasonLaunchError || exit.Bytes == 0 {
		removeIfExists(path)
		return false
	}
	if exit.Reason == capture.ReasonStreamError && exit.Bytes < r.cfg.MinPartBytes {
		log.Debug("discarding truncated output",
			logx.Int64("bytes", exit.Bytes),
			logx.Int64("min", r.cfg.MinPartBytes))
		removeIfExists(path)
		return false
	}

	part := Part{
		Seq:         seq,
		Path:        path,
		SizeBytes:   exit.Bytes,
		DurationSec: exit.Elapsed.Seconds(),
		Status:      PartPending,
	}
	if r.prober != nil {
		if meta, err := r.prober.Probe(ctx, path); err == nil {
			if meta.SizeBytes > 0 {
				part.SizeBytes = meta.SizeBytes
			}
			if meta.DurationSec > 0 {
				part.DurationSec = meta.DurationSec
			}
		}
		// Probe failure is soft; wall-clock elapsed stands in for duration.
	}

	job.addPart(part)
	log.Info("part finalized",
		logx.Int("seq", part.Seq),
		logx.Int64("bytes", part.SizeBytes),
		logx.Float64("duration_sec", part.DurationSec))
	r.notifyPart(job, part)
	r.publishEvent(eventbus.TypeJobPart, job)

	if r.publisher != nil {
		wg.Add(1)
		// Publishing outlives job cancellation: a finalized part is
		// delivered even when the job is being torn down.
		go r.publishPart(context.WithoutCancel(ctx), job, part, wg)
	}
	return true
}

func (r *Runner) publishPart(ctx context.Context, job *Job, part Part, wg *sync.WaitGroup) {
	defer wg.Done()
	job.setPartStatus(part.Seq, PartPublishing, "")
	part.Status = PartPublishing
	r.notifyPart(job, part)

	err := r.publisher.PublishPart(ctx, job.Snapshot(), part)
	if err != nil {
		// A failed upload marks the part, never the job; the file stays
		// on disk for manual recovery.
		job.setPartStatus(part.Seq, PartPublishFailed, err.Error())
		part.Status = PartPublishFailed
		part.Error = err.Error()
		r.log.Error("part publish failed",
			logx.String("job", job.ID),
			logx.Int("seq", part.Seq),
			logx.Err(err))
	} else {
		job.setPartStatus(part.Seq, PartPublished, "")
		part.Status = PartPublished
		if r.cfg.DeleteAfterPublish {
			removeIfExists(part.Path)
		}
	}
	r.notifyPart(job, part)
}

func (r *Runner) notifyPart(job *Job, part Part) {
	if r.hooks.OnPart != nil {
		r.hooks.OnPart(job, part)
	}
}

func (r *Runner) publishEvent(typ string, job *Job) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: job.Snapshot()})
}

// reconnectExceeded records a stream error now and reports whether the
// sliding window holds more than the allowed count.
func (r *Runner) reconnectExceeded(times *[]time.Time) bool {
	now := time.Now()
	cutoff := now.Add(-r.cfg.ReconnectWindow)
	kept := (*times)[:0]
	for _, t := range *times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	*times = kept
	return len(kept) > r.cfg.ReconnectMax
}

func (r *Runner) partPath(job *Job, seq int) string {
	name := fmt.Sprintf("%s_part%02d.%s", job.Req.Filename, seq, strings.TrimPrefix(r.cfg.Container, "."))
	return filepath.Join(r.cfg.DownloadDir, job.ID, name)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func removeIfExists(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
