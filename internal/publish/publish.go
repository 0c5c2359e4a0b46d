// Package publish delivers finalized recording parts to a Telegram chat.
package publish

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	tele "gopkg.in/telebot.v4"

	"recbot/internal/record"
	logx "recbot/pkg/logx"
)

// Sender is the slice of the Telegram client the publisher needs.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Config tunes delivery.
type Config struct {
	// RetryMax is the number of attempts per part.
	RetryMax int
	// RetryDelay separates attempts.
	RetryDelay time.Duration
}

func (c *Config) defaults() {
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
}

// Telegram uploads parts as videos to the job's chat.
type Telegram struct {
	cfg    Config
	sender Sender
	log    logx.Logger
}

// NewTelegram builds a publisher on the given sender.
func NewTelegram(cfg Config, sender Sender, log logx.Logger) *Telegram {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{cfg: cfg, sender: sender, log: log}
}

// PublishPart uploads one part, retrying transient failures. The last
// error is returned once attempts are exhausted.
func (t *Telegram) PublishPart(ctx context.Context, job record.Snapshot, part record.Part) error {
	video := &tele.Video{
		File:     tele.FromDisk(part.Path),
		Caption:  caption(job, part),
		FileName: filepath.Base(part.Path),
	}
	to := tele.ChatID(job.ChatID)

	var lastErr error
	for attempt := 1; attempt <= t.cfg.RetryMax; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := t.sender.Send(to, video)
		if err == nil {
			t.log.Info("part published",
				logx.String("job", job.ID),
				logx.Int("seq", part.Seq),
				logx.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		t.log.Warn("part upload failed",
			logx.String("job", job.ID),
			logx.Int("seq", part.Seq),
			logx.Int("attempt", attempt),
			logx.Int("max", t.cfg.RetryMax),
			logx.Err(err))
		if attempt < t.cfg.RetryMax {
			select {
			case <-time.After(t.cfg.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("upload part %d after %d attempts: %w", part.Seq, t.cfg.RetryMax, lastErr)
}

func caption(job record.Snapshot, part record.Part) string {
	return fmt.Sprintf("%s (part %d)\n%s / %s",
		job.Filename, part.Seq,
		HumanSize(part.SizeBytes),
		HumanClock(time.Duration(part.DurationSec*float64(time.Second))))
}

// HumanSize renders a byte count for chat messages.
func HumanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// HumanClock renders a duration as HH:MM:SS.
func HumanClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d.Seconds() + 0.5)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}
