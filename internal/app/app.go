// Package app composes the recording orchestrator: configuration, logging,
// storage, the capture pipeline, the admission queue, the scheduler, quota
// enforcement, notifications, and the Telegram transport.
package app

import (
	"context"
	"strings"
	"time"

	"recbot/internal/capture"
	"recbot/internal/config"
	"recbot/internal/eventbus"
	"recbot/internal/limits"
	"recbot/internal/notify"
	"recbot/internal/publish"
	"recbot/internal/queue"
	"recbot/internal/record"
	"recbot/internal/runtime/supervisor"
	"recbot/internal/schedule"
	"recbot/internal/storage"
	telegram "recbot/internal/transport/telegram"
	logx "recbot/pkg/logx"
)

// defaultTimezone is used for schedule times and the daily quota reset when
// the config does not name one.
const defaultTimezone = "Asia/Dhaka"

// App owns the full service graph.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	logs  *logx.Service
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	router  *telegram.Router

	q      *queue.Queue
	sched  *schedule.Scheduler
	lim    *limits.Service
	notif  *notify.Notifier
	pub    *publish.Telegram
	runner *record.Runner

	updates chan telegram.Update
}

// New loads configuration and wires every component. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:    cfgm,
		sup:     supervisor.New(context.Background(), supervisor.WithLogger(log.With(logx.String("comp", "supervisor")))),
		logs:    logs,
		log:     log,
		bus:     eventbus.New(),
		updates: make(chan telegram.Update, 128),
	}

	if err := a.build(cfg); err != nil {
		logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	log := a.log

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return err
	}
	a.adapter = adapter

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	dbPath := cfg.Storage.Path
	if strings.TrimSpace(dbPath) == "" {
		dbPath = "./data/recbot.db"
	}
	store, err := storage.Open(storage.Config{Path: dbPath, BusyTimeout: busyTimeout}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store

	// Seed the runtime proxy from config on first run; /proxy owns it after.
	if strings.TrimSpace(cfg.Recorder.Proxy) != "" {
		if _, ok, _ := store.GetSetting(context.Background(), telegram.ProxySettingKey); !ok {
			_ = store.PutSetting(context.Background(), telegram.ProxySettingKey, cfg.Recorder.Proxy)
		}
	}

	tz := cfg.Scheduler.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return err
	}

	premiumDaily, err := config.ParseDurationOrDefault("limits.premium_daily", cfg.Limits.PremiumDaily, 6*time.Hour)
	if err != nil {
		return err
	}
	trialDaily, err := config.ParseDurationOrDefault("limits.trial_daily", cfg.Limits.TrialDaily, 3*time.Hour)
	if err != nil {
		return err
	}
	a.lim = limits.New(limits.Config{
		OwnerID:      cfg.Telegram.OwnerID,
		PremiumDaily: premiumDaily,
		TrialDaily:   trialDaily,
		ResetTime:    cfg.Limits.ResetTime,
		Location:     loc,
	}, store, log.With(logx.String("comp", "limits")))

	runnerCfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return err
	}
	launcher := capture.NewFFmpegLauncher(cfg.Recorder.FFmpegBin, log.With(logx.String("comp", "capture")))
	prober := capture.NewFFProbe(cfg.Recorder.FFprobeBin, log.With(logx.String("comp", "probe")))

	a.pub = publish.NewTelegram(publish.Config{
		RetryMax: cfg.Publish.RetryMax,
	}, adapter.Bot(), log.With(logx.String("comp", "publish")))

	a.runner = record.NewRunner(runnerCfg, launcher, prober, a.pub, a.bus,
		log.With(logx.String("comp", "runner")), record.Hooks{
			OnPart:     a.auditPart,
			OnTerminal: a.commitUsage,
		})

	a.q = queue.New(cfg.Queue.MaxConcurrent, a.runner, a.sup, log.With(logx.String("comp", "queue")))

	sweepEvery, err := config.ParseDurationOrDefault("scheduler.sweep_interval", cfg.Scheduler.SweepInterval, 15*time.Second)
	if err != nil {
		return err
	}
	a.sched = schedule.New(store, a.submitSchedule, sweepEvery, loc, log.With(logx.String("comp", "scheduler")))

	editEvery, err := config.ParseDurationOrDefault("notify.edit_interval", cfg.Notify.EditInterval, 2*time.Second)
	if err != nil {
		return err
	}
	a.notif = notify.New(adapter.Bot(), a.bus, editEvery, log.With(logx.String("comp", "notify")))

	a.router = telegram.NewRouter(telegram.RouterConfig{
		OwnerID: cfg.Telegram.OwnerID,
		GroupID: cfg.Telegram.GroupID,
	}, adapter, a.q, a.sched, a.lim, store, log.With(logx.String("comp", "router")))

	return nil
}

func mapRunnerConfig(cfg *config.Config) (record.Config, error) {
	rc := cfg.Recorder
	stopGrace, err := config.ParseDurationOrDefault("recorder.stop_grace", rc.StopGrace, 5*time.Second)
	if err != nil {
		return record.Config{}, err
	}
	progress, err := config.ParseDurationOrDefault("recorder.progress_interval", rc.ProgressInterval, 2*time.Second)
	if err != nil {
		return record.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("recorder.reconnect_window", rc.ReconnectWindow, 10*time.Minute)
	if err != nil {
		return record.Config{}, err
	}
	delay, err := config.ParseDurationOrDefault("recorder.reconnect_delay", rc.ReconnectDelay, 3*time.Second)
	if err != nil {
		return record.Config{}, err
	}
	dir := rc.DownloadDir
	if strings.TrimSpace(dir) == "" {
		dir = "./data/downloads"
	}
	container := rc.OutputContainer
	if strings.TrimSpace(container) == "" {
		container = "mkv"
	}
	deleteAfter := true
	if cfg.Publish.DeleteAfterPublish != nil {
		deleteAfter = *cfg.Publish.DeleteAfterPublish
	}
	return record.Config{
		DownloadDir:        dir,
		Container:          container,
		PartMaxBytes:       rc.PartMaxBytes,
		StopGrace:          stopGrace,
		ProgressInterval:   progress,
		ReconnectMax:       rc.ReconnectMax,
		ReconnectWindow:    window,
		ReconnectDelay:     delay,
		LaunchRetryMax:     rc.LaunchRetryMax,
		DeleteAfterPublish: deleteAfter,
	}, nil
}

// submitSchedule turns an activated schedule entry into a queued job. The
// quota check runs again here: entitlement may have lapsed between /schedule
// and activation.
func (a *App) submitSchedule(ctx context.Context, e storage.Schedule) error {
	dur := time.Duration(e.DurationSec) * time.Second
	if err := a.lim.Allow(ctx, e.OwnerID, dur); err != nil {
		return err
	}
	proxy, _, _ := a.store.GetSetting(ctx, telegram.ProxySettingKey)
	job := record.NewJob(record.Request{
		OwnerID:   e.OwnerID,
		ChatID:    e.ChatID,
		SourceURL: e.SourceURL,
		Filename:  e.Filename,
		Duration:  dur,
		Proxy:     proxy,
	})
	_, err := a.q.Submit(job)
	return err
}

// auditPart records part emissions and publish outcomes.
func (a *App) auditPart(job *record.Job, part record.Part) {
	if part.Status == record.PartPublishing {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.store.AppendPartAudit(ctx, storage.PartAudit{
		JobID:       job.ID,
		OwnerID:     job.Req.OwnerID,
		Seq:         part.Seq,
		Path:        part.Path,
		SizeBytes:   part.SizeBytes,
		DurationSec: part.DurationSec,
		Status:      string(part.Status),
		Error:       part.Error,
	})
	if err != nil {
		a.log.Warn("part audit write failed", logx.String("job", job.ID), logx.Err(err))
	}
}

// commitUsage charges the owner's quota for what was actually recorded.
func (a *App) commitUsage(job *record.Job) {
	snap := job.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.lim.Commit(ctx, snap.OwnerID, snap.Recorded); err != nil {
		a.log.Warn("usage commit failed", logx.String("job", job.ID), logx.Err(err))
	}
}

// Start brings the service graph up. Components run on the supervisor; ctx
// cancellation does not stop them, Stop does.
func (a *App) Start(ctx context.Context) error {
	a.sup.GoRestart("config-watch", a.cfgm.Watch)
	a.sup.Go0("config-apply", a.applyConfigLoop)

	a.adapter.Start(a.sup.Context(), a.updates)
	a.sup.Go("router", func(ctx context.Context) error {
		err := a.router.Run(ctx, a.updates)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	a.sup.Go("notify", func(ctx context.Context) error {
		err := a.notif.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	a.sched.Start(ctx)
	if err := a.lim.StartDailyReset(); err != nil {
		return err
	}

	a.log.Info("started")
	return nil
}

// applyConfigLoop applies hot-reloadable settings from config file changes:
// the log level and the queue ceiling. Everything else needs a restart.
func (a *App) applyConfigLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if cfg.Queue.MaxConcurrent > 0 {
				a.q.SetMaxConcurrent(cfg.Queue.MaxConcurrent)
			}
			a.log.Info("config applied",
				logx.String("level", cfg.Logging.Level),
				logx.Int("max_concurrent", cfg.Queue.MaxConcurrent))
		}
	}
}

// Stop winds everything down: no new admissions, running jobs cancelled
// cooperatively, transports and timers stopped, storage closed.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	a.sched.Stop()
	a.lim.StopDailyReset()
	a.q.Stop()
	_ = a.adapter.Stop(ctx)
	err := a.sup.Stop(ctx)
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.logs.Close()
	return err
}
