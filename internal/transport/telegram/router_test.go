package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"recbot/internal/limits"
	"recbot/internal/queue"
	"recbot/internal/record"
	"recbot/internal/runtime/supervisor"
	"recbot/internal/schedule"
	"recbot/internal/storage"
	logx "recbot/pkg/logx"
)

const (
	ownerID = int64(100)
	groupID = int64(-200)
	trialID = int64(7)
)

type fakeReplier struct {
	mu      sync.Mutex
	replies []string
}

func (f *fakeReplier) Reply(_ int64, text string) error {
	f.mu.Lock()
	f.replies = append(f.replies, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeReplier) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return ""
	}
	return f.replies[len(f.replies)-1]
}

func (f *fakeReplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

// idleRunner parks jobs until the context ends, so queue state is stable
// during assertions.
type idleRunner struct{}

func (idleRunner) Run(ctx context.Context, _ *record.Job) { <-ctx.Done() }

func newTestRouter(t *testing.T) (*Router, *fakeReplier, *queue.Queue, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	sup := supervisor.New(context.Background())
	t.Cleanup(func() { sup.Cancel() })

	q := queue.New(3, idleRunner{}, sup, logx.Nop())
	sched := schedule.New(store, func(context.Context, storage.Schedule) error { return nil },
		time.Minute, time.UTC, logx.Nop())
	lim := limits.New(limits.Config{OwnerID: ownerID, Location: time.UTC}, store, logx.Nop())
	rep := &fakeReplier{}
	r := NewRouter(RouterConfig{OwnerID: ownerID, GroupID: groupID}, rep, q, sched, lim, store, logx.Nop())

	store.PutUser(context.Background(), storage.User{ID: trialID, TrialCredits: 1})
	return r, rep, q, store
}

func ownerMsg(text string) Update {
	return Update{ChatID: groupID, FromID: ownerID, FromUsername: "boss", Text: text}
}

func trialMsg(text string) Update {
	return Update{ChatID: groupID, FromID: trialID, FromUsername: "trial", Text: text}
}

func TestRecordCommand(t *testing.T) {
	t.Parallel()
	r, rep, q, _ := newTestRouter(t)
	ctx := context.Background()

	r.Handle(ctx, ownerMsg("/record https://example.com/live.m3u8 30:00 match"))
	if got := rep.last(); !strings.Contains(got, "started") {
		t.Fatalf("reply = %q, want started", got)
	}
	items := q.ListOwner(ownerID)
	if len(items) != 1 || items[0].Filename != "match" || items[0].Requested != 30*time.Minute {
		t.Fatalf("items = %+v", items)
	}
	if items[0].ChatID != groupID {
		t.Errorf("publish chat = %d, want group %d", items[0].ChatID, groupID)
	}
}

func TestRecordRejectsBadInput(t *testing.T) {
	t.Parallel()
	r, rep, q, _ := newTestRouter(t)
	ctx := context.Background()

	r.Handle(ctx, ownerMsg("/record"))
	if !strings.Contains(rep.last(), "Usage:") {
		t.Errorf("reply = %q, want usage", rep.last())
	}
	r.Handle(ctx, ownerMsg("/record ftp://x 10:00"))
	if !strings.Contains(rep.last(), "http") {
		t.Errorf("reply = %q, want URL complaint", rep.last())
	}
	r.Handle(ctx, ownerMsg("/record https://e.com/s nonsense"))
	if !strings.Contains(rep.last(), "duration") {
		t.Errorf("reply = %q, want duration complaint", rep.last())
	}
	if items := q.ListOwner(ownerID); len(items) != 0 {
		t.Fatalf("no jobs should be queued, got %+v", items)
	}
}

func TestRecordEnforcesQuota(t *testing.T) {
	t.Parallel()
	r, rep, _, _ := newTestRouter(t)
	ctx := context.Background()

	// Unknown user has no entitlement.
	r.Handle(ctx, Update{ChatID: groupID, FromID: 999, Text: "/record https://e.com/s 10:00"})
	if !strings.Contains(rep.last(), "trial or premium") {
		t.Errorf("reply = %q, want entitlement refusal", rep.last())
	}

	// Trial user over the daily cap.
	r.Handle(ctx, trialMsg("/record https://e.com/s 4:00:00"))
	if !strings.Contains(rep.last(), "quota exceeded") {
		t.Errorf("reply = %q, want quota refusal", rep.last())
	}

	// Trial user within the cap.
	r.Handle(ctx, trialMsg("/record https://e.com/s 1:00:00"))
	if !strings.Contains(rep.last(), "started") {
		t.Errorf("reply = %q, want acceptance", rep.last())
	}
}

func TestCancelByPrefix(t *testing.T) {
	t.Parallel()
	r, rep, q, _ := newTestRouter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		r.Handle(ctx, ownerMsg("/record https://e.com/s 10:00 f"))
	}
	items := q.ListOwner(ownerID)
	var waiting string
	for _, it := range items {
		if it.Position > 0 {
			waiting = it.ID
			break
		}
	}
	if waiting == "" {
		t.Fatal("expected a waiting job with ceiling 3 and 4 submissions")
	}

	r.Handle(ctx, ownerMsg("/cancel "+waiting[:8]))
	if !strings.Contains(rep.last(), "Cancelling") {
		t.Fatalf("reply = %q", rep.last())
	}
	it, _ := q.Get(waiting)
	if it.State != record.StateCancelled {
		t.Fatalf("state = %q, want cancelled", it.State)
	}

	r.Handle(ctx, ownerMsg("/cancel deadbeef"))
	if !strings.Contains(rep.last(), "Nothing matches") {
		t.Errorf("reply = %q", rep.last())
	}
}

func TestCancelIsScopedToOwner(t *testing.T) {
	t.Parallel()
	r, rep, q, _ := newTestRouter(t)
	ctx := context.Background()

	r.Handle(ctx, ownerMsg("/record https://e.com/s 10:00 f"))
	id := q.ListOwner(ownerID)[0].ID

	r.Handle(ctx, trialMsg("/cancel "+id[:8]))
	if !strings.Contains(rep.last(), "Nothing matches") {
		t.Fatalf("reply = %q, want refusal for foreign job", rep.last())
	}
	if it, _ := q.Get(id); it.State.Terminal() {
		t.Fatal("foreign cancel must not take effect")
	}
}

func TestScheduleAndTasks(t *testing.T) {
	t.Parallel()
	r, rep, _, store := newTestRouter(t)
	ctx := context.Background()

	r.Handle(ctx, ownerMsg("/schedule 2099-01-02 20:30 https://e.com/s 45:00 evening"))
	if !strings.Contains(rep.last(), "Scheduled evening for 2099-01-02 20:30") {
		t.Fatalf("reply = %q", rep.last())
	}
	pending, _ := store.ListSchedules(ctx, storage.ScheduleStatusScheduled)
	if len(pending) != 1 || pending[0].DurationSec != 2700 {
		t.Fatalf("pending = %+v", pending)
	}

	r.Handle(ctx, ownerMsg("/tasks"))
	if !strings.Contains(rep.last(), "evening scheduled for") {
		t.Fatalf("tasks reply = %q", rep.last())
	}

	r.Handle(ctx, ownerMsg("/cancel "+pending[0].ID[:8]))
	if !strings.Contains(rep.last(), "cancelled") {
		t.Fatalf("reply = %q", rep.last())
	}
	pending, _ = store.ListSchedules(ctx, storage.ScheduleStatusScheduled)
	if len(pending) != 0 {
		t.Fatalf("schedule should be cancelled, got %+v", pending)
	}
}

func TestTasksShowDailyQuotaForMeteredTiers(t *testing.T) {
	t.Parallel()
	r, rep, _, _ := newTestRouter(t)
	ctx := context.Background()

	r.Handle(ctx, trialMsg("/record https://e.com/s 1:00:00 show"))
	r.Handle(ctx, trialMsg("/tasks"))
	if got := rep.last(); !strings.Contains(got, "Quota: 00:00:00 of 03:00:00 used today") {
		t.Fatalf("tasks reply = %q, want the trial quota line", got)
	}

	// The owner is unmetered.
	r.Handle(ctx, ownerMsg("/record https://e.com/s 10:00 f"))
	r.Handle(ctx, ownerMsg("/tasks"))
	if got := rep.last(); strings.Contains(got, "Quota:") {
		t.Fatalf("owner tasks reply = %q, want no quota line", got)
	}
}

func TestOwnerOnlyCommands(t *testing.T) {
	t.Parallel()
	r, rep, _, store := newTestRouter(t)
	ctx := context.Background()

	r.Handle(ctx, trialMsg("/trial 55 3"))
	if rep.last() != "Owner only." {
		t.Fatalf("reply = %q", rep.last())
	}

	r.Handle(ctx, ownerMsg("/trial 55 3"))
	if !strings.Contains(rep.last(), "Granted 3 trial credit(s)") {
		t.Fatalf("reply = %q", rep.last())
	}
	u, _, _ := store.GetUser(ctx, 55)
	if u.TrialCredits != 3 {
		t.Fatalf("credits = %d", u.TrialCredits)
	}

	r.Handle(ctx, ownerMsg("/premium 55 30"))
	if !strings.Contains(rep.last(), "Premium for 55") {
		t.Fatalf("reply = %q", rep.last())
	}

	r.Handle(ctx, ownerMsg("/proxy http://127.0.0.1:8080"))
	if rep.last() != "Proxy set." {
		t.Fatalf("reply = %q", rep.last())
	}
	proxy, _, _ := store.GetSetting(ctx, ProxySettingKey)
	if proxy != "http://127.0.0.1:8080" {
		t.Fatalf("proxy = %q", proxy)
	}
	r.Handle(ctx, ownerMsg("/proxy off"))
	proxy, _, _ = store.GetSetting(ctx, ProxySettingKey)
	if proxy != "" {
		t.Fatalf("proxy not cleared: %q", proxy)
	}
}

func TestForeignChatsAreIgnored(t *testing.T) {
	t.Parallel()
	r, rep, _, _ := newTestRouter(t)
	ctx := context.Background()

	r.Handle(ctx, Update{ChatID: -999, FromID: ownerID, Text: "/tasks"})
	r.Handle(ctx, ownerMsg("not a command"))
	if rep.count() != 0 {
		t.Fatalf("replies = %d, want silence", rep.count())
	}
}
