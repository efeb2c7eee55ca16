// Package logger provides named, leveled loggers that share one global handler.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cenkalti/log"
)

var (
	mu      sync.RWMutex
	handler log.Handler
)

func init() {
	SetHandler(log.NewFileHandler(os.Stderr))
	SetLevel(log.INFO)
}

// Logger is the interface used by every component for logging.
type Logger log.Logger

// SetHandler replaces the handler that all loggers write to.
// Loggers created before the call keep writing to the old handler.
func SetHandler(h log.Handler) {
	h.SetFormatter(formatter{})
	mu.Lock()
	handler = h
	mu.Unlock()
}

// SetLevel sets the minimum level printed by the global handler.
func SetLevel(l log.Level) {
	mu.RLock()
	handler.SetLevel(l)
	mu.RUnlock()
}

// ParseLevel converts a level name from a config file into a log.Level.
func ParseLevel(s string) (log.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return log.DEBUG, nil
	case "info", "":
		return log.INFO, nil
	case "notice":
		return log.NOTICE, nil
	case "warning", "warn":
		return log.WARNING, nil
	case "error":
		return log.ERROR, nil
	case "critical":
		return log.CRITICAL, nil
	}
	return log.INFO, fmt.Errorf("unknown log level: %q", s)
}

// New returns a Logger whose messages are prefixed with name.
func New(name string) Logger {
	l := log.NewLogger(name)
	l.SetLevel(log.DEBUG) // level is decided by the handler
	mu.RLock()
	l.SetHandler(handler)
	mu.RUnlock()
	return l
}

type formatter struct{}

// Format renders a record as "2019-02-28 18:15:57 INFO     [torrent] run.go:42 message".
func (formatter) Format(rec *log.Record) string {
	return fmt.Sprintf("%s %-8s [%s] %s %s",
		rec.Time.Format("2006-01-02 15:04:05"),
		rec.Level,
		rec.LoggerName,
		filepath.Base(rec.Filename)+":"+strconv.Itoa(rec.Line),
		rec.Message)
}
