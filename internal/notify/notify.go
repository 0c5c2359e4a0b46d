// Package notify keeps chat members informed about running jobs. It
// consumes job events off the bus and maintains one progress message per
// job, edited in place and throttled so chatty progress ticks do not hit
// Telegram's edit limits.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"recbot/internal/eventbus"
	"recbot/internal/publish"
	"recbot/internal/record"
	logx "recbot/pkg/logx"
)

// Messenger is the slice of the Telegram client the notifier needs.
type Messenger interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Edit(msg tele.Editable, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Notifier tracks one progress message per active job.
type Notifier struct {
	bot       Messenger
	bus       eventbus.Bus
	log       logx.Logger
	editEvery time.Duration

	jobs map[string]*jobMsg
}

type jobMsg struct {
	chatID  int64
	msgID   string
	limiter *rate.Limiter

	// EMA of the byte rate smooths out bursty segment downloads.
	emaRate   float64
	lastBytes int64
	lastAt    time.Time
}

// New builds a notifier; editEvery caps how often one job's message is
// edited.
func New(bot Messenger, bus eventbus.Bus, editEvery time.Duration, log logx.Logger) *Notifier {
	if editEvery <= 0 {
		editEvery = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		bot:       bot,
		bus:       bus,
		log:       log,
		editEvery: editEvery,
		jobs:      map[string]*jobMsg{},
	}
}

// Run consumes job events until ctx is done. All message state is confined
// to this goroutine.
func (n *Notifier) Run(ctx context.Context) error {
	events, unsub := n.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			snap, valid := ev.Data.(record.Snapshot)
			if !valid {
				continue
			}
			n.handle(ev.Type, snap)
		}
	}
}

func (n *Notifier) handle(typ string, snap record.Snapshot) {
	switch typ {
	case eventbus.TypeJobStarted:
		n.onStarted(snap)
	case eventbus.TypeJobProgress:
		n.onProgress(snap, false)
	case eventbus.TypeJobPart:
		n.onProgress(snap, true)
	case eventbus.TypeJobTerminal:
		n.onTerminal(snap)
	}
}

func (n *Notifier) onStarted(snap record.Snapshot) {
	msg, err := n.bot.Send(tele.ChatID(snap.ChatID), renderProgress(snap, 0))
	if err != nil {
		n.log.Warn("progress message send failed", logx.String("job", snap.ID), logx.Err(err))
		return
	}
	n.jobs[snap.ID] = &jobMsg{
		chatID:  snap.ChatID,
		msgID:   strconv.Itoa(msg.ID),
		limiter: rate.NewLimiter(rate.Every(n.editEvery), 1),
		lastAt:  time.Now(),
	}
}

func (n *Notifier) onProgress(snap record.Snapshot, force bool) {
	jm, ok := n.jobs[snap.ID]
	if !ok {
		return
	}
	jm.observe(snap.TotalBytes+snap.LiveBytes, time.Now())
	if !force && !jm.limiter.Allow() {
		return
	}
	n.edit(jm, renderProgress(snap, jm.emaRate))
}

func (n *Notifier) onTerminal(snap record.Snapshot) {
	jm, ok := n.jobs[snap.ID]
	if !ok {
		return
	}
	delete(n.jobs, snap.ID)
	n.edit(jm, renderTerminal(snap))
}

func (n *Notifier) edit(jm *jobMsg, text string) {
	stored := tele.StoredMessage{MessageID: jm.msgID, ChatID: jm.chatID}
	if _, err := n.bot.Edit(stored, text); err != nil {
		n.log.Debug("progress edit failed", logx.Err(err))
	}
}

// observe folds a byte reading into the EMA rate.
func (jm *jobMsg) observe(bytes int64, now time.Time) {
	dt := now.Sub(jm.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	delta := bytes - jm.lastBytes
	jm.lastBytes = bytes
	jm.lastAt = now
	if delta < 0 {
		return
	}
	inst := float64(delta) / dt
	if jm.emaRate == 0 {
		jm.emaRate = inst
		return
	}
	jm.emaRate = 0.7*jm.emaRate + 0.3*inst
}

func renderProgress(snap record.Snapshot, byteRate float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recording %s\n", snap.Filename)
	fmt.Fprintf(&b, "%s / %s\n",
		publish.HumanClock(snap.Recorded),
		publish.HumanClock(snap.Requested))
	fmt.Fprintf(&b, "Size: %s", publish.HumanSize(snap.TotalBytes+snap.LiveBytes))
	if byteRate > 0 {
		fmt.Fprintf(&b, " at %s/s", publish.HumanSize(int64(byteRate)))
	}
	if len(snap.Parts) > 0 {
		fmt.Fprintf(&b, "\nParts: %d", len(snap.Parts))
	}
	return b.String()
}

func renderTerminal(snap record.Snapshot) string {
	var b strings.Builder
	switch snap.State {
	case record.StateCompleted:
		fmt.Fprintf(&b, "Finished %s\n", snap.Filename)
	case record.StateCancelled:
		fmt.Fprintf(&b, "Cancelled %s\n", snap.Filename)
	case record.StateFailed:
		fmt.Fprintf(&b, "Failed %s: %s\n", snap.Filename, snap.Error)
	default:
		fmt.Fprintf(&b, "%s %s\n", snap.State, snap.Filename)
	}
	fmt.Fprintf(&b, "Recorded %s, %s in %d part(s)",
		publish.HumanClock(snap.Recorded),
		publish.HumanSize(snap.TotalBytes),
		len(snap.Parts))
	published, failed := 0, 0
	for _, p := range snap.Parts {
		switch p.Status {
		case record.PartPublished:
			published++
		case record.PartPublishFailed:
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(&b, "\nUploads: %d ok, %d failed", published, failed)
	}
	return b.String()
}
