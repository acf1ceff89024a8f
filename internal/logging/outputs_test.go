package logging

import (
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLogEntry(t *testing.T) {
	logger := newTestLogger()
	logger.SetReportCaller(true)

	local := time.FixedZone("UTC+2", 2*60*60)
	e := &logrus.Entry{
		Logger:  logger,
		Time:    time.Date(2026, 3, 1, 14, 0, 0, 0, local),
		Level:   logrus.ErrorLevel,
		Message: "purge failed",
		Caller:  &runtime.Frame{Function: "history.(*Manager).PurgeOlderThan"},
	}

	entry := newLogEntry(e, "opsadmin")
	assert.True(t, entry.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.UTC, entry.Timestamp.Location())
	assert.Equal(t, "error", entry.Level)
	assert.Equal(t, "opsadmin", entry.Service)
	assert.Equal(t, "history.(*Manager).PurgeOlderThan", entry.Caller)
	assert.Nil(t, entry.Fields)
}
