package logging

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type outputWithFilter struct {
	output Output
	level  logrus.Level
}

// DispatchHook is a single logrus hook that fans entries out to every
// registered output at or above that output's level. The outputs list is an
// atomic snapshot so Fire never takes a lock.
type DispatchHook struct {
	service  string
	snapshot atomic.Pointer[[]outputWithFilter]
}

// NewDispatchHook creates a dispatch hook stamping entries with service
func NewDispatchHook(service string) *DispatchHook {
	h := &DispatchHook{service: service}
	empty := make([]outputWithFilter, 0)
	h.snapshot.Store(&empty)
	return h
}

// AddOutput registers out for entries at level or more severe
func (h *DispatchHook) AddOutput(out Output, level logrus.Level) {
	cur := *h.snapshot.Load()
	next := make([]outputWithFilter, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, outputWithFilter{output: out, level: level})
	h.snapshot.Store(&next)
}

// Outputs returns the number of registered outputs
func (h *DispatchHook) Outputs() int {
	return len(*h.snapshot.Load())
}

// Levels returns all log levels this hook handles
func (h *DispatchHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire converts the entry and hands it to each matching output. Outputs
// buffer internally, so this never waits on the network.
func (h *DispatchHook) Fire(entry *logrus.Entry) error {
	snapshot := *h.snapshot.Load()
	if len(snapshot) == 0 {
		return nil
	}

	logEntry := newLogEntry(entry, h.service)

	for _, ow := range snapshot {
		// logrus levels grow less severe as the value increases
		if entry.Level > ow.level {
			continue
		}
		// Avoid recursion: do NOT use logrus here
		_ = ow.output.Write(logEntry)
	}
	return nil
}

// ParseLevel is logrus.ParseLevel with a descriptive error
func ParseLevel(level string) (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}
