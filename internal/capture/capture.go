package capture

import (
	"context"
	"time"
)

// Spec describes one capture session: a single external encoder process
// writing exactly one output file. Rotation and reconnects always start a
// fresh session with a fresh path; a session never appends to a prior file.
type Spec struct {
	URL        string
	OutputPath string
	Headers    map[string]string
	Proxy      string

	// MaxDuration bounds the session (-t). 0 means unbounded.
	MaxDuration time.Duration
	// MaxBytes bounds the output size (-fs). This is defense in depth; the
	// splitter still decides rotation from the on-disk size.
	MaxBytes int64
}

// ExitReason classifies how a session ended.
type ExitReason string

const (
	// ReasonLaunchError: the process could not be started at all.
	ReasonLaunchError ExitReason = "launch_error"
	// ReasonStopped: we asked the process to stop (rotation, cancel, deadline).
	ReasonStopped ExitReason = "stopped"
	// ReasonStreamError: the process exited non-zero with no stop pending.
	// Trigger for reconnect, not a fatal job failure.
	ReasonStreamError ExitReason = "stream_error"
	// ReasonFinished: clean exit (duration or size bound reached).
	ReasonFinished ExitReason = "finished"
)

// Exit is the terminal status of a session.
type Exit struct {
	Reason  ExitReason
	Code    int
	Err     error
	Elapsed time.Duration
	Bytes   int64
}

// Progress is a periodic snapshot of the active session's output.
type Progress struct {
	Bytes   int64
	Elapsed time.Duration
}

// Process is a handle to a launched external encoder.
type Process interface {
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Exit reports the exit code and wait error; valid only after Done.
	Exit() (code int, err error)
	// Terminate asks the process to stop gracefully (SIGTERM).
	Terminate() error
	// Kill force-stops the process (SIGKILL).
	Kill() error
}

// Launcher starts capture processes. The ffmpeg implementation is the
// production launcher; tests inject fakes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}
