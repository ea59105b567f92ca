package tui

import (
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LogLine is one captured log entry.
type LogLine struct {
	Level   string
	Message string
}

// LogHook is a logrus hook that keeps the most recent warnings and errors so
// the setup form can show them under the input.
type LogHook struct {
	mu     sync.Mutex
	lines  []LogLine
	size   int
	levels []log.Level
}

// NewLogHook creates a hook keeping at most size lines.
func NewLogHook(size int) *LogHook {
	if size <= 0 {
		size = 1
	}
	return &LogHook{
		size:   size,
		levels: []log.Level{log.PanicLevel, log.FatalLevel, log.ErrorLevel, log.WarnLevel},
	}
}

// Levels returns the log levels this hook should fire on.
func (h *LogHook) Levels() []log.Level {
	return h.levels
}

// Fire is called by logrus when a log entry is fired.
func (h *LogHook) Fire(entry *log.Entry) error {
	msg := strings.TrimSpace(entry.Message)
	if err, ok := entry.Data[log.ErrorKey].(error); ok && err != nil {
		msg += ": " + err.Error()
	}
	h.mu.Lock()
	h.lines = append(h.lines, LogLine{Level: entry.Level.String(), Message: msg})
	if len(h.lines) > h.size {
		h.lines = h.lines[len(h.lines)-h.size:]
	}
	h.mu.Unlock()
	return nil
}

// Lines returns a copy of the captured lines, oldest first.
func (h *LogHook) Lines() []LogLine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]LogLine(nil), h.lines...)
}
