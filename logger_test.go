package modhost

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// logEntry is one call captured by testLogger.
type logEntry struct {
	level string
	msg   string
	args  []any
}

// testLogger records log calls for assertions.
type testLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *testLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *testLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *testLogger) Error(msg string, args ...any) { l.record("error", msg, args) }
func (l *testLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *testLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }

// messages returns "level: msg" for every captured entry.
func (l *testLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, fmt.Sprintf("%s: %s", e.level, e.msg))
	}
	return out
}

func TestWithModule(t *testing.T) {
	base := &testLogger{}
	log := WithModule(base, "billing")
	log.Info("Booted", "duration", "5ms")
	log.Warn("Slow")

	assert.Equal(t, []any{"module", "billing", "duration", "5ms"}, base.entries[0].args)
	assert.Equal(t, []any{"module", "billing"}, base.entries[1].args)
	assert.Equal(t, []string{"info: Booted", "warn: Slow"}, base.messages())
}

func TestNopLogger(t *testing.T) {
	log := NopLogger()
	assert.NotPanics(t, func() {
		log.Info("x")
		log.Error("x", "k", "v")
		log.Warn("x")
		log.Debug("x")
	})
}
