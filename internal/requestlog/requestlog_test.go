package requestlog

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBCounter int

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	testDBCounter++
	dsn := fmt.Sprintf("file:requestlog-test-%d?mode=memory&cache=shared", testDBCounter)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db
}

func TestRecordUpdatesStatsAndRecent(t *testing.T) {
	l := NewLogger(newTestDB(t))

	l.Record(Entry{Protocol: "openai", Model: "gpt-4o", Status: 200, DurationMS: 12})
	l.Record(Entry{Protocol: "anthropic", Model: "claude-3-5-sonnet-latest", Status: 503, DurationMS: 4})

	stats := l.Stats()
	if stats.TotalRequests != 2 {
		t.Fatalf("total = %d, want 2", stats.TotalRequests)
	}
	if stats.SuccessCount != 1 || stats.ErrorCount != 1 {
		t.Fatalf("success/error = %d/%d, want 1/1", stats.SuccessCount, stats.ErrorCount)
	}

	recent := l.List(10, 0)
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
}

func TestRecordSkippedWhenDisabled(t *testing.T) {
	l := NewLogger(newTestDB(t))
	l.SetEnabled(false)

	l.Record(Entry{Protocol: "gemini", Status: 200})

	if got := l.Stats().TotalRequests; got != 0 {
		t.Fatalf("total = %d, want 0 while disabled", got)
	}
}

func TestRecordTruncatesLongErrors(t *testing.T) {
	l := NewLogger(newTestDB(t))
	longErr := make([]byte, MaxErrorLen*2)
	for i := range longErr {
		longErr[i] = 'x'
	}

	l.Record(Entry{Protocol: "openai", Status: 500, Error: string(longErr)})

	recent := l.List(1, 0)
	if len(recent) != 1 {
		t.Fatalf("len(recent) = %d, want 1", len(recent))
	}
	if len(recent[0].Error) >= len(longErr) {
		t.Fatalf("error was not truncated: len=%d", len(recent[0].Error))
	}
}

func TestClearResetsStatsAndHistory(t *testing.T) {
	l := NewLogger(newTestDB(t))
	l.Record(Entry{Protocol: "openai", Status: 200})

	if err := l.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if got := l.Stats().TotalRequests; got != 0 {
		t.Fatalf("total after clear = %d, want 0", got)
	}
	if got := l.List(10, 0); len(got) != 0 {
		t.Fatalf("len(List) after clear = %d, want 0", len(got))
	}
}
