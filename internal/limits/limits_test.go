package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"recbot/internal/storage"
	logx "recbot/pkg/logx"
)

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	s := New(Config{
		OwnerID:      100,
		PremiumDaily: 2 * time.Hour,
		TrialDaily:   time.Hour,
		Location:     time.UTC,
	}, store, logx.Nop())
	fixed := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	return s, store
}

func TestTierClassification(t *testing.T) {
	t.Parallel()
	s, store := newTestService(t)
	ctx := context.Background()

	store.PutUser(ctx, storage.User{ID: 1, PremiumUntil: s.now().Add(time.Hour)})
	store.PutUser(ctx, storage.User{ID: 2, PremiumUntil: s.now().Add(-time.Hour)})
	store.PutUser(ctx, storage.User{ID: 3, TrialCredits: 2})

	cases := map[int64]Tier{
		100: TierOwner,
		1:   TierPremium,
		2:   TierFree, // expired premium, no credits
		3:   TierTrial,
		99:  TierFree, // unknown user
	}
	for id, want := range cases {
		got, err := s.TierOf(ctx, id)
		if err != nil || got != want {
			t.Errorf("TierOf(%d) = %q, %v; want %q", id, got, err, want)
		}
	}
}

func TestAllowQuota(t *testing.T) {
	t.Parallel()
	s, store := newTestService(t)
	ctx := context.Background()
	store.PutUser(ctx, storage.User{ID: 1, PremiumUntil: s.now().Add(time.Hour)})

	if err := s.Allow(ctx, 1, 2*time.Hour); err != nil {
		t.Fatalf("within quota: %v", err)
	}
	store.AddUsage(ctx, 1, "2024-05-10", 5400) // 1h30m used today

	err := s.Allow(ctx, 1, time.Hour)
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("err = %v, want QuotaError", err)
	}
	if qe.Used != 90*time.Minute || qe.Daily != 2*time.Hour {
		t.Errorf("QuotaError = %+v", qe)
	}

	// Usage on another day does not count.
	store.AddUsage(ctx, 1, "2024-05-09", 100000)
	if err := s.Allow(ctx, 1, 30*time.Minute); err != nil {
		t.Fatalf("other-day usage must not count: %v", err)
	}
}

func TestAllowFreeAndOwner(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	if err := s.Allow(ctx, 55, time.Minute); !errors.Is(err, ErrNotEntitled) {
		t.Fatalf("free user err = %v, want ErrNotEntitled", err)
	}
	if err := s.Allow(ctx, 100, 100*time.Hour); err != nil {
		t.Fatalf("owner is unlimited: %v", err)
	}
}

func TestCommitSpendsTrialCredit(t *testing.T) {
	t.Parallel()
	s, store := newTestService(t)
	ctx := context.Background()
	store.PutUser(ctx, storage.User{ID: 3, TrialCredits: 2})

	if err := s.Commit(ctx, 3, 30*time.Minute); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	u, _, _ := store.GetUser(ctx, 3)
	if u.TrialCredits != 1 {
		t.Errorf("credits = %d, want 1", u.TrialCredits)
	}
	used, _ := s.Usage(ctx, 3)
	if used != 30*time.Minute {
		t.Errorf("usage = %v, want 30m", used)
	}

	// Owner usage is not tracked.
	s.Commit(ctx, 100, time.Hour)
	used, _ = s.Usage(ctx, 100)
	if used != 0 {
		t.Errorf("owner usage = %v, want 0", used)
	}
}

func TestGrants(t *testing.T) {
	t.Parallel()
	s, store := newTestService(t)
	ctx := context.Background()

	until := s.now().Add(30 * 24 * time.Hour)
	if err := s.GrantPremium(ctx, 9, "alice", until); err != nil {
		t.Fatalf("GrantPremium: %v", err)
	}
	if tier, _ := s.TierOf(ctx, 9); tier != TierPremium {
		t.Errorf("tier = %q, want premium", tier)
	}

	if err := s.GrantTrial(ctx, 10, "bob", 3); err != nil {
		t.Fatalf("GrantTrial: %v", err)
	}
	u, _, _ := store.GetUser(ctx, 10)
	if u.TrialCredits != 3 || u.Username != "bob" {
		t.Errorf("user = %+v", u)
	}

	// Credits accumulate on repeat grants.
	if err := s.GrantTrial(ctx, 10, "", 2); err != nil {
		t.Fatalf("GrantTrial again: %v", err)
	}
	u, _, _ = store.GetUser(ctx, 10)
	if u.TrialCredits != 5 {
		t.Errorf("credits = %d, want 5 after a second grant", u.TrialCredits)
	}
}

func TestDailyFor(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	if got := s.DailyFor(TierPremium); got != 2*time.Hour {
		t.Errorf("premium daily = %v, want 2h", got)
	}
	if got := s.DailyFor(TierTrial); got != time.Hour {
		t.Errorf("trial daily = %v, want 1h", got)
	}
	if got := s.DailyFor(TierOwner); got != 0 {
		t.Errorf("owner daily = %v, want 0 (unmetered)", got)
	}
}

func TestResetCronSpec(t *testing.T) {
	t.Parallel()
	if spec, err := resetCronSpec("23:59"); err != nil || spec != "59 23 * * *" {
		t.Errorf("resetCronSpec = %q, %v", spec, err)
	}
	for _, bad := range []string{"24:00", "aa:bb", "12", "12:60"} {
		if _, err := resetCronSpec(bad); err == nil {
			t.Errorf("resetCronSpec(%q) should fail", bad)
		}
	}
}
