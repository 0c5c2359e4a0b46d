package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "recbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store, creating the database file and schema
// as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, bool, error) {
	var (
		u       User
		uname   sql.NullString
		premium sql.NullString
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, premium_until, trial_credits, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &uname, &premium, &u.TrialCredits, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	u.Username = uname.String
	if premium.Valid && premium.String != "" {
		if t, perr := time.Parse(time.RFC3339Nano, premium.String); perr == nil {
			u.PremiumUntil = t
		}
	}
	if t, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
		u.CreatedAt = t
	}
	return u, true, nil
}

func (s *sqliteStore) PutUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	var premium any
	if !u.PremiumUntil.IsZero() {
		premium = nowRFC3339(u.PremiumUntil)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, premium_until, trial_credits, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   username=excluded.username,
		   premium_until=excluded.premium_until,
		   trial_credits=excluded.trial_credits`,
		u.ID, nullStr(u.Username), premium, u.TrialCredits, nowRFC3339(u.CreatedAt),
	)
	return err
}

func (s *sqliteStore) AddUsage(ctx context.Context, userID int64, day string, seconds int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage(user_id, day, used_seconds) VALUES(?,?,?)
		 ON CONFLICT(user_id, day) DO UPDATE SET used_seconds = used_seconds + excluded.used_seconds`,
		userID, day, seconds,
	)
	return err
}

func (s *sqliteStore) GetUsage(ctx context.Context, userID int64, day string) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT used_seconds FROM usage WHERE user_id = ? AND day = ?`, userID, day,
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return used, err
}

func (s *sqliteStore) PruneUsageBefore(ctx context.Context, day string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM usage WHERE day < ?`, day)
	return err
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func (s *sqliteStore) PutSchedule(ctx context.Context, sc Schedule) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	if sc.Status == "" {
		sc.Status = ScheduleStatusScheduled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, owner_id, chat_id, source_url, filename, duration_sec, run_at, status, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET run_at=excluded.run_at, status=excluded.status`,
		sc.ID, sc.OwnerID, sc.ChatID, sc.SourceURL, sc.Filename, sc.DurationSec,
		nowRFC3339(sc.RunAt), sc.Status, nowRFC3339(sc.CreatedAt),
	)
	return err
}

func (s *sqliteStore) SetScheduleStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *sqliteStore) ListSchedules(ctx context.Context, status string) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, chat_id, source_url, filename, duration_sec, run_at, status, created_at
		 FROM schedules WHERE status = ? ORDER BY run_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *sqliteStore) ListSchedulesForOwner(ctx context.Context, ownerID int64, limit int) ([]Schedule, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, chat_id, source_url, filename, duration_sec, run_at, status, created_at
		 FROM schedules WHERE owner_id = ? ORDER BY run_at ASC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var (
			sc      Schedule
			runAt   string
			created string
		)
		if err := rows.Scan(&sc.ID, &sc.OwnerID, &sc.ChatID, &sc.SourceURL, &sc.Filename,
			&sc.DurationSec, &runAt, &sc.Status, &created); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, runAt); err == nil {
			sc.RunAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			sc.CreatedAt = t
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendPartAudit(ctx context.Context, p PartAudit) error {
	if p.At.IsZero() {
		p.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO part_audit(at, job_id, owner_id, seq, path, size_bytes, duration_sec, status, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		nowRFC3339(p.At), p.JobID, p.OwnerID, p.Seq, p.Path, p.SizeBytes, p.DurationSec, p.Status, nullStr(p.Error),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
