package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"recbot/internal/limits"
	"recbot/internal/publish"
	"recbot/internal/queue"
	"recbot/internal/record"
	"recbot/internal/schedule"
	"recbot/internal/storage"
	logx "recbot/pkg/logx"
)

// ProxySettingKey is the settings row holding the capture HTTP proxy.
const ProxySettingKey = "capture_proxy"

// Replier sends plain-text replies. Satisfied by *Adapter.
type Replier interface {
	Reply(chatID int64, text string) error
}

// RouterConfig wires the router's policy knobs.
type RouterConfig struct {
	OwnerID int64
	// GroupID, when set, is the only group chat the bot listens in and the
	// chat recordings are published to. Private chats always work.
	GroupID int64
}

// Router dispatches bot commands.
type Router struct {
	cfg   RouterConfig
	reply Replier
	q     *queue.Queue
	sched *schedule.Scheduler
	lim   *limits.Service
	store storage.Store
	log   logx.Logger
}

// NewRouter builds a router over the collaborating services.
func NewRouter(cfg RouterConfig, reply Replier, q *queue.Queue, sched *schedule.Scheduler, lim *limits.Service, store storage.Store, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{cfg: cfg, reply: reply, q: q, sched: sched, lim: lim, store: store, log: log}
}

// Run consumes updates until ctx is done.
func (r *Router) Run(ctx context.Context, in <-chan Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-in:
			if !ok {
				return nil
			}
			r.Handle(ctx, up)
		}
	}
}

// Handle processes a single update.
func (r *Router) Handle(ctx context.Context, up Update) {
	text := strings.TrimSpace(up.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	if !r.allowed(up) {
		return
	}
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	var err error
	switch cmd {
	case "/start", "/help":
		err = r.reply.Reply(up.ChatID, usageText)
	case "/record":
		err = r.cmdRecord(ctx, up, args)
	case "/schedule":
		err = r.cmdSchedule(ctx, up, args)
	case "/cancel":
		err = r.cmdCancel(ctx, up, args)
	case "/tasks":
		err = r.cmdTasks(ctx, up)
	case "/status":
		err = r.ownerOnly(up, func() error { return r.cmdStatus(up) })
	case "/trial":
		err = r.ownerOnly(up, func() error { return r.cmdTrial(ctx, up, args) })
	case "/premium":
		err = r.ownerOnly(up, func() error { return r.cmdPremium(ctx, up, args) })
	case "/proxy":
		err = r.ownerOnly(up, func() error { return r.cmdProxy(ctx, up, args) })
	default:
		return
	}
	if err != nil {
		r.log.Warn("command failed",
			logx.String("command", cmd),
			logx.Int64("from", up.FromID),
			logx.Err(err))
	}
}

const usageText = `Commands:
/record <url> <duration> [name]
/schedule <HH:MM | YYYY-MM-DD HH:MM> <url> <duration> [name]
/cancel <id>
/tasks

Durations: seconds, MM:SS, HH:MM:SS, or 90m / 1h30m.`

func (r *Router) allowed(up Update) bool {
	if up.ChatID == up.FromID {
		return true // private chat
	}
	return r.cfg.GroupID != 0 && up.ChatID == r.cfg.GroupID
}

func (r *Router) ownerOnly(up Update, fn func() error) error {
	if up.FromID != r.cfg.OwnerID {
		return r.reply.Reply(up.ChatID, "Owner only.")
	}
	return fn()
}

// publishChat decides where a job's output and progress go: the configured
// group when present, otherwise the originating chat.
func (r *Router) publishChat(up Update) int64 {
	if r.cfg.GroupID != 0 {
		return r.cfg.GroupID
	}
	return up.ChatID
}

func (r *Router) cmdRecord(ctx context.Context, up Update, args []string) error {
	if len(args) < 2 {
		return r.reply.Reply(up.ChatID, "Usage: /record <url> <duration> [name]")
	}
	url := args[0]
	if !validURL(url) {
		return r.reply.Reply(up.ChatID, "The URL must start with http:// or https://.")
	}
	dur, err := schedule.ParseDuration(args[1])
	if err != nil {
		return r.reply.Reply(up.ChatID, err.Error())
	}
	if err := r.lim.Allow(ctx, up.FromID, dur); err != nil {
		return r.reply.Reply(up.ChatID, err.Error())
	}
	name := defaultName(time.Now())
	if len(args) >= 3 {
		name = args[2]
	}
	r.rememberUser(ctx, up)

	proxy, _, _ := r.store.GetSetting(ctx, ProxySettingKey)
	job := record.NewJob(record.Request{
		OwnerID:   up.FromID,
		ChatID:    r.publishChat(up),
		SourceURL: url,
		Filename:  name,
		Duration:  dur,
		Proxy:     proxy,
	})
	pos, err := r.q.Submit(job)
	if err != nil {
		return r.reply.Reply(up.ChatID, "Cannot accept jobs right now: "+err.Error())
	}
	if pos > 0 {
		return r.reply.Reply(up.ChatID, fmt.Sprintf("Queued %s at position %d.", shortID(job.ID), pos))
	}
	return r.reply.Reply(up.ChatID, fmt.Sprintf("Recording %s started (%s).", name, shortID(job.ID)))
}

func (r *Router) cmdSchedule(ctx context.Context, up Update, args []string) error {
	usage := "Usage: /schedule <HH:MM | YYYY-MM-DD HH:MM> <url> <duration> [name]"
	if len(args) < 3 {
		return r.reply.Reply(up.ChatID, usage)
	}
	timeStr := args[0]
	rest := args[1:]
	// The date form uses two fields for the activation time.
	if len(args[0]) == 10 && strings.Count(args[0], "-") == 2 {
		if len(args) < 4 {
			return r.reply.Reply(up.ChatID, usage)
		}
		timeStr = args[0] + " " + args[1]
		rest = args[2:]
	}
	runAt, err := schedule.ParseRunAt(timeStr, time.Now(), r.sched.Location())
	if err != nil {
		return r.reply.Reply(up.ChatID, err.Error())
	}
	url := rest[0]
	if !validURL(url) {
		return r.reply.Reply(up.ChatID, "The URL must start with http:// or https://.")
	}
	dur, err := schedule.ParseDuration(rest[1])
	if err != nil {
		return r.reply.Reply(up.ChatID, err.Error())
	}
	if err := r.lim.Allow(ctx, up.FromID, dur); err != nil {
		return r.reply.Reply(up.ChatID, err.Error())
	}
	name := defaultName(runAt)
	if len(rest) >= 3 {
		name = rest[2]
	}
	r.rememberUser(ctx, up)

	entry := storage.Schedule{
		ID:          uuid.NewString(),
		OwnerID:     up.FromID,
		ChatID:      r.publishChat(up),
		SourceURL:   url,
		Filename:    name,
		DurationSec: int64(dur.Seconds()),
		RunAt:       runAt,
	}
	if err := r.sched.Add(ctx, entry); err != nil {
		return r.reply.Reply(up.ChatID, "Could not save the schedule: "+err.Error())
	}
	return r.reply.Reply(up.ChatID, fmt.Sprintf("Scheduled %s for %s (%s).",
		name, runAt.Format("2006-01-02 15:04"), shortID(entry.ID)))
}

func (r *Router) cmdCancel(ctx context.Context, up Update, args []string) error {
	if len(args) != 1 {
		return r.reply.Reply(up.ChatID, "Usage: /cancel <id>")
	}
	prefix := strings.ToLower(args[0])

	for _, it := range r.q.List() {
		if !strings.HasPrefix(it.ID, prefix) {
			continue
		}
		if it.OwnerID != up.FromID && up.FromID != r.cfg.OwnerID {
			continue
		}
		if it.State.Terminal() {
			return r.reply.Reply(up.ChatID, fmt.Sprintf("Job %s is already %s.", shortID(it.ID), it.State))
		}
		if err := r.q.Cancel(it.ID); err != nil {
			return r.reply.Reply(up.ChatID, err.Error())
		}
		return r.reply.Reply(up.ChatID, fmt.Sprintf("Cancelling %s.", shortID(it.ID)))
	}

	entries, err := r.sched.ListOwner(ctx, up.FromID, 0)
	if err == nil {
		for _, e := range entries {
			if strings.HasPrefix(e.ID, prefix) && e.Status == storage.ScheduleStatusScheduled {
				if err := r.sched.Cancel(ctx, e.OwnerID, e.ID); err != nil {
					return r.reply.Reply(up.ChatID, err.Error())
				}
				return r.reply.Reply(up.ChatID, fmt.Sprintf("Schedule %s cancelled.", shortID(e.ID)))
			}
		}
	}
	return r.reply.Reply(up.ChatID, "Nothing matches that id.")
}

func (r *Router) cmdTasks(ctx context.Context, up Update) error {
	var b strings.Builder
	items := r.q.ListOwner(up.FromID)
	for _, it := range items {
		switch {
		case it.Position > 0:
			fmt.Fprintf(&b, "%s %s waiting #%d\n", shortID(it.ID), it.Filename, it.Position)
		case !it.State.Terminal():
			fmt.Fprintf(&b, "%s %s running, %s / %s\n", shortID(it.ID), it.Filename,
				publish.HumanClock(it.Recorded), publish.HumanClock(it.Requested))
		default:
			fmt.Fprintf(&b, "%s %s %s\n", shortID(it.ID), it.Filename, it.State)
		}
	}
	entries, err := r.sched.ListOwner(ctx, up.FromID, 10)
	if err == nil {
		for _, e := range entries {
			if e.Status != storage.ScheduleStatusScheduled {
				continue
			}
			fmt.Fprintf(&b, "%s %s scheduled for %s\n",
				shortID(e.ID), e.Filename, e.RunAt.Format("2006-01-02 15:04"))
		}
	}
	if b.Len() == 0 {
		return r.reply.Reply(up.ChatID, "No tasks.")
	}
	if tier, err := r.lim.TierOf(ctx, up.FromID); err == nil {
		if daily := r.lim.DailyFor(tier); daily > 0 {
			used, _ := r.lim.Usage(ctx, up.FromID)
			fmt.Fprintf(&b, "Quota: %s of %s used today\n",
				publish.HumanClock(used), publish.HumanClock(daily))
		}
	}
	return r.reply.Reply(up.ChatID, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdStatus(up Update) error {
	running, waiting := r.q.ActiveCount()
	var b strings.Builder
	fmt.Fprintf(&b, "Running %d, waiting %d\n", running, waiting)
	for _, it := range r.q.List() {
		if it.State.Terminal() {
			continue
		}
		fmt.Fprintf(&b, "%s owner %d %s %s\n", shortID(it.ID), it.OwnerID, it.Filename, stateLabel(it))
	}
	return r.reply.Reply(up.ChatID, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdTrial(ctx context.Context, up Update, args []string) error {
	if len(args) != 2 {
		return r.reply.Reply(up.ChatID, "Usage: /trial <user_id> <credits>")
	}
	userID, err1 := strconv.ParseInt(args[0], 10, 64)
	credits, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil || credits <= 0 {
		return r.reply.Reply(up.ChatID, "Usage: /trial <user_id> <credits>")
	}
	if err := r.lim.GrantTrial(ctx, userID, "", credits); err != nil {
		return r.reply.Reply(up.ChatID, err.Error())
	}
	return r.reply.Reply(up.ChatID, fmt.Sprintf("Granted %d trial credit(s) to %d.", credits, userID))
}

func (r *Router) cmdPremium(ctx context.Context, up Update, args []string) error {
	if len(args) != 2 {
		return r.reply.Reply(up.ChatID, "Usage: /premium <user_id> <days>")
	}
	userID, err1 := strconv.ParseInt(args[0], 10, 64)
	days, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil || days <= 0 {
		return r.reply.Reply(up.ChatID, "Usage: /premium <user_id> <days>")
	}
	until := time.Now().AddDate(0, 0, days)
	if err := r.lim.GrantPremium(ctx, userID, "", until); err != nil {
		return r.reply.Reply(up.ChatID, err.Error())
	}
	return r.reply.Reply(up.ChatID, fmt.Sprintf("Premium for %d until %s.", userID, until.Format("2006-01-02")))
}

func (r *Router) cmdProxy(ctx context.Context, up Update, args []string) error {
	if len(args) != 1 {
		proxy, ok, _ := r.store.GetSetting(ctx, ProxySettingKey)
		if !ok || proxy == "" {
			return r.reply.Reply(up.ChatID, "No proxy set. /proxy <url> or /proxy off")
		}
		return r.reply.Reply(up.ChatID, "Proxy: "+proxy)
	}
	if strings.EqualFold(args[0], "off") {
		if err := r.store.PutSetting(ctx, ProxySettingKey, ""); err != nil {
			return r.reply.Reply(up.ChatID, err.Error())
		}
		return r.reply.Reply(up.ChatID, "Proxy cleared.")
	}
	if !validURL(args[0]) {
		return r.reply.Reply(up.ChatID, "The proxy must be an http(s) URL.")
	}
	if err := r.store.PutSetting(ctx, ProxySettingKey, args[0]); err != nil {
		return r.reply.Reply(up.ChatID, err.Error())
	}
	return r.reply.Reply(up.ChatID, "Proxy set.")
}

// rememberUser keeps the username fresh for owner-facing listings.
func (r *Router) rememberUser(ctx context.Context, up Update) {
	u, ok, err := r.store.GetUser(ctx, up.FromID)
	if err != nil {
		return
	}
	if !ok {
		u = storage.User{ID: up.FromID}
	}
	if u.Username == up.FromUsername {
		return
	}
	u.Username = up.FromUsername
	_ = r.store.PutUser(ctx, u)
}

func stateLabel(it queue.Item) string {
	if it.Position > 0 {
		return fmt.Sprintf("waiting #%d", it.Position)
	}
	return string(it.State)
}

func validURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func defaultName(t time.Time) string {
	return "rec_" + t.Format("20060102_1504")
}
