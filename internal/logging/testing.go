package logging

import (
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose entries are kept in memory for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a logger that records every entry at Trace and above.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core)},
		observed: observed,
	}
}

// Entries returns the entries whose message contains msg.
func (t *TestLogger) Entries(msg string) []observer.LoggedEntry {
	return t.observed.FilterMessageSnippet(msg).All()
}

// AssertLogged fails unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	for _, e := range t.Entries(msg) {
		if e.Level == level {
			return
		}
	}
	tb.Errorf("no %v entry containing %q; got %s", level, msg, t.dump())
}

// AssertField fails unless an entry containing msg carries key with a value
// that prints as want. Works for string, int and bool fields alike.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.Entries(msg) {
		if v, ok := e.ContextMap()[key]; ok && fmt.Sprint(v) == fmt.Sprint(want) {
			return
		}
	}
	tb.Errorf("no entry containing %q with %s=%v; got %s", msg, key, want, t.dump())
}

func (t *TestLogger) dump() string {
	var b strings.Builder
	for _, e := range t.observed.All() {
		fmt.Fprintf(&b, "\n  %v %s %v", e.Level, e.Message, e.ContextMap())
	}
	return b.String()
}
