package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
)

const (
	waitTimeout = 2 * time.Second
	waitTick    = 5 * time.Millisecond
)

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger keeps every entry, including those of loggers derived with
// With.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	base    loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, base: merged}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}
func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}
func (l *recordingLogger) Warn(msg string, fields loggingpkg.LogFields) {
	l.record("warn", msg, nil, fields)
}
func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}
func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

// find returns the entries logged with msg.
func (l *recordingLogger) find(msg string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range *l.entries {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

func newConfig() *configpkg.Config {
	return &configpkg.Config{}
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	return newTestBusWith(t, newConfig(), BusDependencies{})
}

func newTestBusWith(t *testing.T, conf *configpkg.Config, deps BusDependencies) *Bus {
	t.Helper()
	return newTestBusLogged(t, conf, loggingpkg.NewNopLogger(), deps)
}

func newTestBusLogged(t *testing.T, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BusDependencies) *Bus {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b, err := TryNewBus(conf, log, ctx, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Close()
		cancel()
	})
	return b
}

// collector gathers messages delivered to a handler.
type collector struct {
	mu   sync.Mutex
	msgs []*Message
}

func (c *collector) handle(_ context.Context, msg *Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// bodies decodes every payload as a string.
func (c *collector) bodies(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		var s string
		require.NoError(t, m.Decode(&s))
		out = append(out, s)
	}
	return out
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.len() >= n }, waitTimeout, waitTick)
}

// awaitRegistration blocks until r's completion handler fires.
func awaitRegistration(t *testing.T, r *Registration) error {
	t.Helper()
	done := make(chan error, 1)
	r.CompletionHandler(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("registration did not complete")
		return nil
	}
}

// flush waits until every task posted to r's affinity so far has run.
func flush(t *testing.T, r *Registration) {
	t.Helper()
	done := make(chan struct{})
	r.Affinity().Run(func() { close(done) })
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("affinity did not drain")
	}
}
