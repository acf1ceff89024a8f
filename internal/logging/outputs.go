// Package logging ships process log entries to external collectors.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Output receives entries from the dispatch hook. Write must not block on
// the network.
type Output interface {
	Write(entry *LogEntry) error
	Close() error
}

// LogEntry is the collector wire form of one logrus entry
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Service   string                 `json:"service"`
	Caller    string                 `json:"caller,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// newLogEntry converts e, stamping it with service. Error values become
// their message since they do not marshal to JSON on their own.
func newLogEntry(e *logrus.Entry, service string) *LogEntry {
	entry := &LogEntry{
		Timestamp: e.Time.UTC(),
		Level:     e.Level.String(),
		Message:   e.Message,
		Service:   service,
	}
	if e.HasCaller() {
		entry.Caller = e.Caller.Function
	}
	if len(e.Data) > 0 {
		entry.Fields = make(map[string]interface{}, len(e.Data))
		for k, v := range e.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			entry.Fields[k] = v
		}
	}
	return entry
}
