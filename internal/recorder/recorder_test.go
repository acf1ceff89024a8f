package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transitops/opsadmin/internal/alerts"
	"github.com/transitops/opsadmin/internal/history"
	"github.com/transitops/opsadmin/internal/settings"
)

type fakeLedger struct {
	mu      sync.Mutex
	records []*history.Record
	failKey string
}

func (f *fakeLedger) Append(ctx context.Context, r *history.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Key == f.failKey {
		return errors.New("disk full")
	}
	f.records = append(f.records, r)
	return nil
}

func (f *fakeLedger) snapshot() []*history.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*history.Record(nil), f.records...)
}

type fakeDetector struct {
	mu    sync.Mutex
	calls [][]settings.Change
}

func (f *fakeDetector) Check(ctx context.Context, changes []settings.Change, origin alerts.Origin) *alerts.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, changes)
	return nil
}

func (f *fakeDetector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type countingObserver struct {
	mu      sync.Mutex
	dropped int
}

func (o *countingObserver) TaskDropped() {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

func (o *countingObserver) QueueDepth(int) {}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func revision(keys ...string) *settings.Revision {
	rev := &settings.Revision{After: settings.Defaults()}
	rev.After.LastUpdated = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, k := range keys {
		rev.Changes = append(rev.Changes, settings.Change{
			Key:      k,
			Category: settings.CategoryOf(k),
			OldValue: json.RawMessage(`false`),
			NewValue: json.RawMessage(`true`),
		})
	}
	return rev
}

func TestCommitRecordsEveryChange(t *testing.T) {
	ledger := &fakeLedger{}
	detector := &fakeDetector{}
	rec := New(ledger, detector, testLogger(), Options{})
	rec.Start()

	ok := rec.Commit(revision("system.maintenanceMode", "notifications.smsEnabled"), alerts.Origin{
		ActorID:   "admin-1",
		IPAddress: "10.0.0.1",
		UserAgent: "curl/8.0",
		Reason:    "maintenance window",
	})
	require.True(t, ok)
	rec.Close()

	records := ledger.snapshot()
	require.Len(t, records, 2)
	assert.Equal(t, "system.maintenanceMode", records[0].Key)
	assert.Equal(t, "system", records[0].Category)
	assert.Equal(t, "admin-1", records[0].ChangedBy)
	assert.Equal(t, "10.0.0.1", records[0].IPAddress)
	assert.Equal(t, "maintenance window", records[0].Reason)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), records[0].ChangedAt)
	assert.Equal(t, "notifications", records[1].Category)

	assert.Equal(t, 1, detector.count())
}

func TestCommitIgnoresEmptyRevision(t *testing.T) {
	rec := New(&fakeLedger{}, &fakeDetector{}, testLogger(), Options{})
	assert.False(t, rec.Commit(revision(), alerts.Origin{}))
	assert.False(t, rec.Commit(nil, alerts.Origin{}))
}

func TestCommitResetWritesSentinel(t *testing.T) {
	ledger := &fakeLedger{}
	detector := &fakeDetector{}
	rec := New(ledger, detector, testLogger(), Options{})
	rec.Start()

	require.True(t, rec.CommitReset(alerts.Origin{ActorID: "admin-1"}))
	rec.Close()

	records := ledger.snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, history.AllSettingsKey, records[0].Key)
	assert.Equal(t, history.SystemCategory, records[0].Category)
	assert.JSONEq(t, `"various"`, string(records[0].OldValue))
	assert.JSONEq(t, `"defaults"`, string(records[0].NewValue))
	assert.Equal(t, 0, detector.count())
}

func TestCommitAlertSkipsLedger(t *testing.T) {
	ledger := &fakeLedger{}
	detector := &fakeDetector{}
	rec := New(ledger, detector, testLogger(), Options{})
	rec.Start()

	assert.False(t, rec.CommitAlert(revision(), alerts.Origin{}))
	require.True(t, rec.CommitAlert(revision("security.twoFactorRequired"), alerts.Origin{ActorID: "admin-1"}))
	rec.Close()

	assert.Empty(t, ledger.snapshot())
	assert.Equal(t, 1, detector.count())
}

func TestCommitDropsWhenQueueFull(t *testing.T) {
	obs := &countingObserver{}
	rec := New(&fakeLedger{}, &fakeDetector{}, testLogger(), Options{QueueSize: 1})
	rec.SetObserver(obs)

	// Workers are not started so the queue cannot drain
	assert.True(t, rec.Commit(revision("system.maintenanceMode"), alerts.Origin{}))
	assert.False(t, rec.Commit(revision("system.maintenanceMode"), alerts.Origin{}))
	assert.Equal(t, 1, obs.dropped)
}

func TestCommitAfterCloseIsDropped(t *testing.T) {
	rec := New(&fakeLedger{}, &fakeDetector{}, testLogger(), Options{})
	rec.Start()
	rec.Close()
	rec.Close()

	assert.False(t, rec.Commit(revision("system.maintenanceMode"), alerts.Origin{}))
}

func TestLedgerFailureIsSwallowed(t *testing.T) {
	ledger := &fakeLedger{failKey: "system.maintenanceMode"}
	detector := &fakeDetector{}
	rec := New(ledger, detector, testLogger(), Options{})
	rec.Start()

	require.True(t, rec.Commit(revision("system.maintenanceMode", "security.twoFactorRequired"), alerts.Origin{ActorID: "a"}))
	rec.Close()

	records := ledger.snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, "security.twoFactorRequired", records[0].Key)
	assert.Equal(t, 1, detector.count())
}

func TestConcurrentCommits(t *testing.T) {
	ledger := &fakeLedger{}
	rec := New(ledger, &fakeDetector{}, testLogger(), Options{QueueSize: 100, Workers: 4})
	rec.Start()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Commit(revision("system.maintenanceMode"), alerts.Origin{ActorID: "a"})
		}()
	}
	wg.Wait()
	rec.Close()

	assert.Len(t, ledger.snapshot(), 50)
}
