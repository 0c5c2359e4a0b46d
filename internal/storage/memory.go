package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used by tests and by components that are
// constructed before (or without) a database.
type memStore struct {
	mu        sync.Mutex
	closed    bool
	users     map[int64]User
	usage     map[int64]map[string]int64
	settings  map[string]string
	schedules map[string]Schedule
	audits    []PartAudit
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memStore{
		users:     map[int64]User{},
		usage:     map[int64]map[string]int64{},
		settings:  map[string]string{},
		schedules: map[string]Schedule{},
	}
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memStore) GetUser(_ context.Context, id int64) (User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return User{}, false, ErrClosed
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *memStore) PutUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m.users[u.ID] = u
	return nil
}

func (m *memStore) AddUsage(_ context.Context, userID int64, day string, seconds int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	byDay := m.usage[userID]
	if byDay == nil {
		byDay = map[string]int64{}
		m.usage[userID] = byDay
	}
	byDay[day] += seconds
	return nil
}

func (m *memStore) GetUsage(_ context.Context, userID int64, day string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.usage[userID][day], nil
}

func (m *memStore) PruneUsageBefore(_ context.Context, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, byDay := range m.usage {
		for d := range byDay {
			if d < day {
				delete(byDay, d)
			}
		}
	}
	return nil
}

func (m *memStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *memStore) PutSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.settings[key] = value
	return nil
}

func (m *memStore) PutSchedule(_ context.Context, s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.Status == "" {
		s.Status = ScheduleStatusScheduled
	}
	m.schedules[s.ID] = s
	return nil
}

func (m *memStore) SetScheduleStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if s, ok := m.schedules[id]; ok {
		s.Status = status
		m.schedules[id] = s
	}
	return nil
}

func (m *memStore) ListSchedules(_ context.Context, status string) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Schedule
	for _, s := range m.schedules {
		if s.Status == status {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out, nil
}

func (m *memStore) ListSchedulesForOwner(_ context.Context, ownerID int64, limit int) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Schedule
	for _, s := range m.schedules {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) AppendPartAudit(_ context.Context, p PartAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if p.At.IsZero() {
		p.At = time.Now()
	}
	m.audits = append(m.audits, p)
	return nil
}
