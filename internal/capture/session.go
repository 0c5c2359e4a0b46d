package capture

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	logx "recbot/pkg/logx"
)

// Options tune a session's monitoring and stop behavior.
type Options struct {
	// PollInterval is how often the output file is stat'd for progress.
	PollInterval time.Duration
	// StopGrace is how long a terminated process gets before SIGKILL.
	StopGrace time.Duration
	Log       logx.Logger
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
}

// Session wraps one running capture process plus the monitoring around it.
type Session struct {
	proc    Process
	path    string
	started time.Time
	opts    Options

	stopOnce sync.Once
	stopped  atomic.Bool
	bytes    atomic.Int64
}

// Start launches the process for spec and returns a monitored session.
// A nil error means the process is running and Wait must be called.
func Start(ctx context.Context, l Launcher, spec Spec, opts Options) (*Session, error) {
	opts.defaults()
	proc, err := l.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &Session{
		proc:    proc,
		path:    spec.OutputPath,
		started: time.Now(),
		opts:    opts,
	}, nil
}

// Stop requests a graceful shutdown. The process gets StopGrace to exit on
// its own before being killed. Safe to call from any goroutine, repeatedly.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		go func() {
			if err := s.proc.Terminate(); err != nil {
				s.opts.Log.Debug("capture: terminate failed", logx.Err(err))
			}
			select {
			case <-s.proc.Done():
			case <-time.After(s.opts.StopGrace):
				s.opts.Log.Warn("capture: grace expired, killing process",
					logx.Duration("grace", s.opts.StopGrace))
				_ = s.proc.Kill()
			}
		}()
	})
}

// Bytes returns the most recently observed output size.
func (s *Session) Bytes() int64 { return s.bytes.Load() }

// Path returns the output file path of this session.
func (s *Session) Path() string { return s.path }

// Wait blocks until the process exits and classifies the result. onProgress,
// if non-nil, is invoked on each poll tick with the current output size and
// elapsed time. Context cancellation triggers Stop and keeps waiting; the
// stop protocol bounds how long that takes.
func (s *Session) Wait(ctx context.Context, onProgress func(Progress)) Exit {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	for {
		select {
		case <-s.proc.Done():
			return s.classify()
		case <-ticker.C:
			size := statSize(s.path)
			s.bytes.Store(size)
			if onProgress != nil {
				onProgress(Progress{Bytes: size, Elapsed: time.Since(s.started)})
			}
		case <-ctxDone:
			s.Stop()
			ctxDone = nil
		}
	}
}

func (s *Session) classify() Exit {
	code, err := s.proc.Exit()
	size := statSize(s.path)
	s.bytes.Store(size)
	ex := Exit{
		Code:    code,
		Err:     err,
		Elapsed: time.Since(s.started),
		Bytes:   size,
	}
	switch {
	case s.stopped.Load():
		ex.Reason = ReasonStopped
	case err == nil && code == 0:
		ex.Reason = ReasonFinished
	default:
		ex.Reason = ReasonStreamError
	}
	return ex
}

func statSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
