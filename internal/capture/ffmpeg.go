package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	logx "recbot/pkg/logx"
)

// stderrTailLimit bounds how much encoder stderr we keep for error reports.
const stderrTailLimit = 4 * 1024

// FFmpegLauncher launches ffmpeg processes for capture sessions.
type FFmpegLauncher struct {
	bin string
	log logx.Logger
}

// NewFFmpegLauncher returns a launcher using the given ffmpeg binary.
func NewFFmpegLauncher(bin string, log logx.Logger) *FFmpegLauncher {
	if strings.TrimSpace(bin) == "" {
		bin = "ffmpeg"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FFmpegLauncher{bin: bin, log: log}
}

// Launch starts an ffmpeg process for the spec. A start failure is a launch
// error; anything after a successful start is reported through the Process.
func (l *FFmpegLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	args := BuildArgs(spec)

	// Intentionally not CommandContext: the session owns the stop protocol
	// (terminate, grace, kill) and a context kill would skip the graceful
	// phase that lets the muxer write its trailer.
	cmd := exec.Command(l.bin, args...)
	p := &ffmpegProcess{cmd: cmd, done: make(chan struct{})}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.bin, err)
	}
	l.log.Debug("capture: process started",
		logx.Int("pid", cmd.Process.Pid),
		logx.String("output", spec.OutputPath))

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type ffmpegProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error

	stderrMu sync.Mutex
	stderr   tailBuffer
}

func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }

func (p *ffmpegProcess) Exit() (int, error) {
	select {
	case <-p.done:
	default:
		return 0, errors.New("process still running")
	}
	code := 0
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	err := p.waitErr
	if err != nil {
		if tail := p.stderrTail(); tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
	}
	return code, err
}

func (p *ffmpegProcess) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *ffmpegProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.cmd.Process.Kill()
}

func (p *ffmpegProcess) stderrTail() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	s := strings.TrimSpace(p.stderr.String())
	if i := strings.LastIndexByte(s, '\n'); i >= 0 && i+1 < len(s) {
		s = s[i+1:]
	}
	return s
}

// tailBuffer keeps only the last stderrTailLimit bytes written.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= stderrTailLimit {
		t.buf.Reset()
		t.buf.Write(p[n-stderrTailLimit:])
		return n, nil
	}
	if t.buf.Len()+n > stderrTailLimit {
		trimmed := t.buf.Bytes()[t.buf.Len()+n-stderrTailLimit:]
		rest := make([]byte, len(trimmed))
		copy(rest, trimmed)
		t.buf.Reset()
		t.buf.Write(rest)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }

// BuildArgs assembles the ffmpeg command line for a capture spec. The input
// is copied without re-encoding; reconnect flags let ffmpeg ride out brief
// network hiccups on its own before we escalate to a fresh session.
func BuildArgs(spec Spec) []string {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-reconnect", "1",
		"-reconnect_at_eof", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "10",
	}
	if spec.Proxy != "" {
		args = append(args, "-http_proxy", spec.Proxy)
	}
	if len(spec.Headers) > 0 {
		args = append(args, "-headers", headerBlock(spec.Headers))
	}
	args = append(args, "-i", spec.URL)
	if spec.MaxDuration > 0 {
		args = append(args, "-t", strconv.FormatInt(int64(spec.MaxDuration.Seconds()+0.5), 10))
	}
	if spec.MaxBytes > 0 {
		args = append(args, "-fs", strconv.FormatInt(spec.MaxBytes, 10))
	}
	args = append(args, "-map", "0", "-c", "copy", spec.OutputPath)
	return args
}

// headerBlock renders headers in the CRLF form ffmpeg expects, in a stable
// order so command lines are reproducible.
func headerBlock(h map[string]string) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(h[k])
		b.WriteString("\r\n")
	}
	return b.String()
}
