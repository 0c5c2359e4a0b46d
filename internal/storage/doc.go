// Package storage persists user accounts, daily usage counters, deferred
// schedules, runtime settings, and the part audit log.
//
// The SQLite backend is the production driver; NewMemory backs tests.
package storage
