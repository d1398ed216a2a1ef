// Package testlog captures log output during tests so it can be checked
// after the code under test has run.
package testlog

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
)

type Logger struct {
	*log.Logger
	buf *syncBuffer
}

func New() *Logger {
	buf := &syncBuffer{}
	l := log.NewWithOptions(buf, log.Options{
		Level:        log.DebugLevel,
		ReportCaller: true,
	})
	return &Logger{
		Logger: l,
		buf:    buf,
	}
}

func (l *Logger) String() string {
	return l.buf.String()
}

func (l *Logger) ErrorIfEmpty(t testing.TB) {
	t.Helper()
	if len(l.buf.String()) == 0 {
		t.Error("no logs")
	}
}

func (l *Logger) ErrorIfNotEmpty(t testing.TB) {
	t.Helper()
	if logs := l.buf.String(); len(logs) > 0 {
		t.Error(logs)
	}
}

func (l *Logger) ErrorIfContains(t testing.TB, substr ...string) {
	t.Helper()
	logs := l.buf.String()
	for _, s := range substr {
		if strings.Contains(logs, s) {
			t.Error(logs)
			return
		}
	}
}

// syncBuffer lets the logger write while a test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(b)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
