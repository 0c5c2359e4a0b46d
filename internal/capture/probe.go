package capture

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"time"

	logx "recbot/pkg/logx"
)

// Meta describes a finished media file. Duration comes from the prober;
// size always comes from the filesystem so a probe failure never loses it.
type Meta struct {
	SizeBytes   int64
	DurationSec float64
}

// Prober inspects finished output files.
type Prober interface {
	Probe(ctx context.Context, path string) (Meta, error)
}

// FFProbe probes files with ffprobe. Probe failures are soft: callers get
// the on-disk size and a zero duration alongside the error.
type FFProbe struct {
	bin     string
	timeout time.Duration
	log     logx.Logger
}

// NewFFProbe returns a prober using the given ffprobe binary.
func NewFFProbe(bin string, log logx.Logger) *FFProbe {
	if strings.TrimSpace(bin) == "" {
		bin = "ffprobe"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FFProbe{bin: bin, timeout: 15 * time.Second, log: log}
}

func (p *FFProbe) Probe(ctx context.Context, path string) (Meta, error) {
	meta := Meta{SizeBytes: statSize(path)}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, p.bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	).Output()
	if err != nil {
		p.log.Warn("probe failed", logx.String("path", path), logx.Err(err))
		return meta, err
	}

	var doc struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		p.log.Warn("probe output unreadable", logx.String("path", path), logx.Err(err))
		return meta, err
	}
	if d, err := strconv.ParseFloat(doc.Format.Duration, 64); err == nil && d > 0 {
		meta.DurationSec = d
	}
	return meta, nil
}
