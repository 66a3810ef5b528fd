// Package requestlog keeps a rolling record of client-facing dispatch
// attempts for the admin surface: which protocol, which account, how it
// finished. It mirrors recent activity in memory for fast reads and
// persists every entry to the account database for history beyond restart.
package requestlog

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wirepool/tokengate/internal/util"
)

const (
	// MaxErrorLen bounds how much of an error string is persisted per entry.
	MaxErrorLen = 512
	// MaxMemoryEntries bounds the in-memory ring buffer independent of the
	// database table's retention.
	MaxMemoryEntries = 200
)

// Entry is one client-facing dispatch attempt.
type Entry struct {
	ID         string `gorm:"primaryKey" json:"id"`
	Timestamp  int64  `gorm:"index" json:"timestamp"`
	Protocol   string `gorm:"index" json:"protocol"`
	Model      string `gorm:"index" json:"model,omitempty"`
	AccountID  int64  `json:"account_id,omitempty"`
	Status     int    `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Stats summarizes the logged attempts.
type Stats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
}

// Logger is the admin-facing request log. It is safe for concurrent use.
type Logger struct {
	db      *gorm.DB
	enabled atomic.Bool

	recent []Entry
	mu     sync.RWMutex

	total   atomic.Int64
	success atomic.Int64
	failed  atomic.Int64
}

// NewLogger migrates the request_logs table on db and loads existing
// counters. Logging starts enabled.
func NewLogger(db *gorm.DB) *Logger {
	l := &Logger{db: db, recent: make([]Entry, 0, MaxMemoryEntries)}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		log.Printf("⚠️ requestlog: migrate failed: %v", err)
	}
	l.loadStats()
	l.enabled.Store(true)
	return l
}

// SetEnabled toggles logging without losing history already recorded.
func (l *Logger) SetEnabled(enabled bool) { l.enabled.Store(enabled) }

// IsEnabled reports whether new attempts are being recorded.
func (l *Logger) IsEnabled() bool { return l.enabled.Load() }

// Record appends one dispatch attempt. The database write is asynchronous
// so a slow disk never adds latency to the client-facing request path.
func (l *Logger) Record(e Entry) {
	if !l.IsEnabled() {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	e.Error = util.TruncateLog(e.Error, MaxErrorLen)

	l.total.Add(1)
	if e.Status >= 200 && e.Status < 400 {
		l.success.Add(1)
	} else {
		l.failed.Add(1)
	}

	l.mu.Lock()
	l.recent = append([]Entry{e}, l.recent...)
	if len(l.recent) > MaxMemoryEntries {
		l.recent = l.recent[:MaxMemoryEntries]
	}
	l.mu.Unlock()

	go func(entry Entry) {
		if err := l.db.Create(&entry).Error; err != nil {
			log.Printf("⚠️ requestlog: persist entry: %v", err)
		}
	}(e)
}

// List returns the most recent entries, newest first, optionally filtered
// to the last sinceMinutes minutes. It serves from the synchronous
// in-memory cache rather than the database, so a List call immediately
// after Record always sees that entry.
func (l *Logger) List(limit, sinceMinutes int) []Entry {
	if limit <= 0 || limit > MaxMemoryEntries {
		limit = MaxMemoryEntries
	}

	var cutoff int64
	if sinceMinutes > 0 {
		cutoff = time.Now().Add(-time.Duration(sinceMinutes) * time.Minute).UnixMilli()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, limit)
	for _, e := range l.recent {
		if cutoff > 0 && e.Timestamp < cutoff {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Stats returns the running totals.
func (l *Logger) Stats() Stats {
	return Stats{
		TotalRequests: l.total.Load(),
		SuccessCount:  l.success.Load(),
		ErrorCount:    l.failed.Load(),
	}
}

// Clear wipes both the in-memory cache and the persisted table.
func (l *Logger) Clear() error {
	l.mu.Lock()
	l.recent = l.recent[:0]
	l.mu.Unlock()

	l.total.Store(0)
	l.success.Store(0)
	l.failed.Store(0)

	return l.db.Where("1 = 1").Delete(&Entry{}).Error
}

func (l *Logger) loadStats() {
	var total, success, failed int64
	l.db.Model(&Entry{}).Count(&total)
	l.db.Model(&Entry{}).Where("status >= 200 AND status < 400").Count(&success)
	l.db.Model(&Entry{}).Where("status < 200 OR status >= 400").Count(&failed)
	l.total.Store(total)
	l.success.Store(success)
	l.failed.Store(failed)
}
