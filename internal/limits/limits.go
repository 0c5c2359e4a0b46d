// Package limits enforces per-user recording quotas. Users fall into
// tiers: the owner records freely, premium users get a large daily
// allowance, trial users a smaller one paid for with credits, and everyone
// else is refused. Usage is accounted per local calendar day, so quotas
// reset naturally at midnight; a nightly cron prunes stale counters.
package limits

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"recbot/internal/storage"
	logx "recbot/pkg/logx"
)

// Tier classifies a user's entitlement.
type Tier string

const (
	TierOwner   Tier = "owner"
	TierPremium Tier = "premium"
	TierTrial   Tier = "trial"
	TierFree    Tier = "free"
)

// ErrNotEntitled means the user has no recording entitlement at all.
var ErrNotEntitled = errors.New("no active trial or premium access")

// QuotaError reports a daily allowance overrun.
type QuotaError struct {
	Tier      Tier
	Used      time.Duration
	Requested time.Duration
	Daily     time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("daily %s quota exceeded: used %s + requested %s > %s",
		e.Tier, e.Used.Round(time.Second), e.Requested.Round(time.Second), e.Daily.Round(time.Second))
}

// Config tunes the quota service.
type Config struct {
	OwnerID      int64
	PremiumDaily time.Duration
	TrialDaily   time.Duration
	// ResetTime is "HH:MM" local to Location; stale usage rows are pruned
	// then.
	ResetTime string
	Location  *time.Location
}

func (c *Config) defaults() {
	if c.PremiumDaily <= 0 {
		c.PremiumDaily = 6 * time.Hour
	}
	if c.TrialDaily <= 0 {
		c.TrialDaily = 3 * time.Hour
	}
	if c.ResetTime == "" {
		c.ResetTime = "23:59"
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// Service answers entitlement questions and records usage.
type Service struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
	now   func() time.Time
	cron  *cron.Cron
}

// New builds the service.
func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, log: log, now: time.Now}
}

// TierOf classifies the user right now.
func (s *Service) TierOf(ctx context.Context, userID int64) (Tier, error) {
	if userID == s.cfg.OwnerID {
		return TierOwner, nil
	}
	u, ok, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return TierFree, err
	}
	if !ok {
		return TierFree, nil
	}
	if u.PremiumUntil.After(s.now()) {
		return TierPremium, nil
	}
	if u.TrialCredits > 0 {
		return TierTrial, nil
	}
	return TierFree, nil
}

// Allow checks whether the user may start a recording of the requested
// length today. It does not reserve anything; Commit records actual usage.
func (s *Service) Allow(ctx context.Context, userID int64, requested time.Duration) error {
	tier, err := s.TierOf(ctx, userID)
	if err != nil {
		return err
	}
	var daily time.Duration
	switch tier {
	case TierOwner:
		return nil
	case TierPremium:
		daily = s.cfg.PremiumDaily
	case TierTrial:
		daily = s.cfg.TrialDaily
	default:
		return ErrNotEntitled
	}

	used, err := s.store.GetUsage(ctx, userID, s.day())
	if err != nil {
		return err
	}
	usedDur := time.Duration(used) * time.Second
	if usedDur+requested > daily {
		return &QuotaError{Tier: tier, Used: usedDur, Requested: requested, Daily: daily}
	}
	return nil
}

// Commit records a finished recording against today's usage. Trial users
// spend one credit per recording.
func (s *Service) Commit(ctx context.Context, userID int64, recorded time.Duration) error {
	if userID == s.cfg.OwnerID || recorded <= 0 {
		return nil
	}
	if err := s.store.AddUsage(ctx, userID, s.day(), int64(recorded.Seconds()+0.5)); err != nil {
		return err
	}
	tier, err := s.TierOf(ctx, userID)
	if err != nil {
		return err
	}
	if tier == TierTrial {
		u, ok, err := s.store.GetUser(ctx, userID)
		if err != nil || !ok {
			return err
		}
		u.TrialCredits--
		return s.store.PutUser(ctx, u)
	}
	return nil
}

// Usage returns today's recorded duration for the user.
func (s *Service) Usage(ctx context.Context, userID int64) (time.Duration, error) {
	used, err := s.store.GetUsage(ctx, userID, s.day())
	return time.Duration(used) * time.Second, err
}

// DailyFor returns the daily allowance of a tier; zero means unlimited.
func (s *Service) DailyFor(tier Tier) time.Duration {
	switch tier {
	case TierPremium:
		return s.cfg.PremiumDaily
	case TierTrial:
		return s.cfg.TrialDaily
	}
	return 0
}

// GrantPremium extends the user's premium access to the given time.
func (s *Service) GrantPremium(ctx context.Context, userID int64, username string, until time.Time) error {
	u, ok, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		u = storage.User{ID: userID}
	}
	if username != "" {
		u.Username = username
	}
	u.PremiumUntil = until
	return s.store.PutUser(ctx, u)
}

// GrantTrial adds trial credits to the user.
func (s *Service) GrantTrial(ctx context.Context, userID int64, username string, credits int) error {
	u, ok, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		u = storage.User{ID: userID}
	}
	if username != "" {
		u.Username = username
	}
	u.TrialCredits += credits
	return s.store.PutUser(ctx, u)
}

// StartDailyReset schedules the nightly prune of stale usage rows.
func (s *Service) StartDailyReset() error {
	spec, err := resetCronSpec(s.cfg.ResetTime)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithLocation(s.cfg.Location))
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.store.PruneUsageBefore(ctx, s.day()); err != nil {
			s.log.Error("usage prune failed", logx.Err(err))
			return
		}
		s.log.Info("stale usage pruned", logx.String("keep_day", s.day()))
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	return nil
}

// StopDailyReset stops the nightly prune job.
func (s *Service) StopDailyReset() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Service) day() string {
	return s.now().In(s.cfg.Location).Format("2006-01-02")
}

// resetCronSpec converts "HH:MM" into a cron expression.
func resetCronSpec(hhmm string) (string, error) {
	parts := strings.Split(strings.TrimSpace(hhmm), ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("reset time %q, want HH:MM", hhmm)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return "", fmt.Errorf("reset time %q, want HH:MM", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}
