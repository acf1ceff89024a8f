package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel) // Reduce noise in tests
	return logger
}

func setupSQLite(t *testing.T) *Manager {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history_test.db"), testLogger())
	require.NoError(t, err)

	mgr := NewManager(store, testLogger())
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func setupBadger(t *testing.T) *Manager {
	t.Helper()

	store, err := NewBadgerStore(BadgerOptions{InMemory: true, Logger: testLogger()})
	require.NoError(t, err)

	mgr := NewManager(store, testLogger())
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

var backends = map[string]func(t *testing.T) *Manager{
	"sqlite": setupSQLite,
	"badger": setupBadger,
}

func eachBackend(t *testing.T, fn func(t *testing.T, mgr *Manager)) {
	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, setup(t))
		})
	}
}

func appendAt(t *testing.T, mgr *Manager, key, actor string, age time.Duration) *Record {
	t.Helper()
	r := &Record{
		Key:       key,
		OldValue:  json.RawMessage(`1`),
		NewValue:  json.RawMessage(`2`),
		ChangedBy: actor,
		ChangedAt: time.Now().UTC().Add(-age).Truncate(time.Millisecond),
	}
	require.NoError(t, mgr.Append(context.Background(), r))
	return r
}

func TestAppendFillsDefaults(t *testing.T) {
	eachBackend(t, func(t *testing.T, mgr *Manager) {
		ctx := context.Background()

		r := &Record{
			Key:       "security.maxLoginAttempts",
			OldValue:  json.RawMessage(`5`),
			NewValue:  json.RawMessage(`10`),
			ChangedBy: "admin-1",
			Reason:    "tighten",
			IPAddress: "10.1.1.1",
			UserAgent: "curl/8.0",
		}
		before := time.Now().UTC().Add(-time.Second)
		require.NoError(t, mgr.Append(ctx, r))

		assert.NotEmpty(t, r.ID)
		assert.Equal(t, "security", r.Category)
		assert.True(t, r.ChangedAt.After(before))

		got, err := mgr.GetByID(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.Key, got.Key)
		assert.Equal(t, "security", got.Category)
		assert.JSONEq(t, `5`, string(got.OldValue))
		assert.JSONEq(t, `10`, string(got.NewValue))
		assert.Equal(t, "tighten", got.Reason)
		assert.Equal(t, "10.1.1.1", got.IPAddress)
		assert.Equal(t, "curl/8.0", got.UserAgent)
		assert.True(t, r.ChangedAt.Equal(got.ChangedAt))
	})
}

func TestAppendSentinelCategory(t *testing.T) {
	eachBackend(t, func(t *testing.T, mgr *Manager) {
		r := &Record{
			Key:       AllSettingsKey,
			OldValue:  json.RawMessage(ResetOldValue),
			NewValue:  json.RawMessage(ResetNewValue),
			ChangedBy: "admin-1",
		}
		require.NoError(t, mgr.Append(context.Background(), r))
		assert.Equal(t, SystemCategory, r.Category)
	})
}

func TestGetByIDNotFound(t *testing.T) {
	eachBackend(t, func(t *testing.T, mgr *Manager) {
		_, err := mgr.GetByID(context.Background(), "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestQueryFiltersAndOrder(t *testing.T) {
	eachBackend(t, func(t *testing.T, mgr *Manager) {
		ctx := context.Background()

		oldest := appendAt(t, mgr, "security.maxLoginAttempts", "alice", 3*time.Hour)
		middle := appendAt(t, mgr, "system.companyName", "bob", 2*time.Hour)
		newest := appendAt(t, mgr, "security.ipWhitelist", "alice", time.Hour)

		page, err := mgr.Query(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		assert.Equal(t, DefaultLimit, page.Limit)
		require.Len(t, page.Records, 3)
		assert.Equal(t, newest.ID, page.Records[0].ID)
		assert.Equal(t, middle.ID, page.Records[1].ID)
		assert.Equal(t, oldest.ID, page.Records[2].ID)

		page, err = mgr.Query(ctx, Filter{Category: "security"})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
		for _, r := range page.Records {
			assert.Equal(t, "security", r.Category)
		}

		page, err = mgr.Query(ctx, Filter{KeyPattern: "LOGIN"})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		assert.Equal(t, oldest.ID, page.Records[0].ID)

		page, err = mgr.Query(ctx, Filter{ActorID: "bob"})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		assert.Equal(t, middle.ID, page.Records[0].ID)

		page, err = mgr.Query(ctx, Filter{
			StartDate: time.Now().Add(-150 * time.Minute),
			EndDate:   time.Now().Add(-90 * time.Minute),
		})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		assert.Equal(t, middle.ID, page.Records[0].ID)
	})
}

func TestQueryPagination(t *testing.T) {
	eachBackend(t, func(t *testing.T, mgr *Manager) {
		ctx := context.Background()
		for i := 0; i < 7; i++ {
			appendAt(t, mgr, "operations.dailyTripLimit", "alice", time.Duration(i)*time.Minute)
		}

		page, err := mgr.Query(ctx, Filter{Limit: 3, Skip: 5})
		require.NoError(t, err)
		assert.Equal(t, 7, page.Total)
		assert.Len(t, page.Records, 2)

		page, err = mgr.Query(ctx, Filter{Limit: 10000})
		require.NoError(t, err)
		assert.Equal(t, MaxLimit, page.Limit)

		page, err = mgr.Query(ctx, Filter{Skip: 100})
		require.NoError(t, err)
		assert.Equal(t, 7, page.Total)
		assert.NotNil(t, page.Records)
		assert.Empty(t, page.Records)
	})
}

func TestStatsWindow(t *testing.T) {
	eachBackend(t, func(t *testing.T, mgr *Manager) {
		ctx := context.Background()

		appendAt(t, mgr, "security.maxLoginAttempts", "alice", time.Hour)
		appendAt(t, mgr, "security.maxLoginAttempts", "alice", 2*time.Hour)
		appendAt(t, mgr, "system.maintenanceMode", "bob", 3*time.Hour)
		appendAt(t, mgr, "system.maintenanceMode", "carol", 10*24*time.Hour)

		stats, err := mgr.Stats(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, 7, stats.WindowDays)
		assert.Equal(t, 3, stats.Total)

		assert.Equal(t, []CategoryCount{
			{Category: "security", Count: 2},
			{Category: "system", Count: 1},
		}, stats.ByCategory)

		require.Len(t, stats.TopActors, 2)
		assert.Equal(t, "alice", stats.TopActors[0].ActorID)
		assert.Equal(t, 2, stats.TopActors[0].Count)

		require.Len(t, stats.MostChanged, 2)
		assert.Equal(t, KeyCount{Key: "security.maxLoginAttempts", Count: 2}, stats.MostChanged[0])

		_, err = mgr.Stats(ctx, 0)
		assert.ErrorIs(t, err, ErrInvalidWindow)
	})
}

func TestStatsTopTen(t *testing.T) {
	eachBackend(t, func(t *testing.T, mgr *Manager) {
		for i := 0; i < 12; i++ {
			appendAt(t, mgr, fmt.Sprintf("system.key%d", i), fmt.Sprintf("actor-%02d", i), time.Minute)
		}
		stats, err := mgr.Stats(context.Background(), 30)
		require.NoError(t, err)
		assert.Equal(t, 12, stats.Total)
		assert.Len(t, stats.TopActors, StatsTopN)
		assert.Len(t, stats.MostChanged, StatsTopN)
	})
}

type fakeResolver struct {
	actors map[string]Actor
	err    error
}

func (f *fakeResolver) ResolveActors(ctx context.Context, ids []string) (map[string]Actor, error) {
	return f.actors, f.err
}

func TestStatsResolvesActors(t *testing.T) {
	mgr := setupSQLite(t)
	mgr.SetActorResolver(&fakeResolver{actors: map[string]Actor{
		"alice": {ID: "alice", Name: "Alice Admin", Email: "alice@example.com"},
	}})

	appendAt(t, mgr, "system.timezone", "alice", time.Minute)
	appendAt(t, mgr, "system.timezone", "ghost", 2*time.Minute)

	stats, err := mgr.Stats(context.Background(), 30)
	require.NoError(t, err)
	require.Len(t, stats.TopActors, 2)

	byID := map[string]ActorCount{}
	for _, a := range stats.TopActors {
		byID[a.ActorID] = a
	}
	assert.Equal(t, "Alice Admin", byID["alice"].Name)
	assert.Equal(t, "alice@example.com", byID["alice"].Email)
	assert.Empty(t, byID["ghost"].Name)
}

func TestStatsResolverFailureIsNotFatal(t *testing.T) {
	mgr := setupSQLite(t)
	mgr.SetActorResolver(&fakeResolver{err: errors.New("directory down")})

	appendAt(t, mgr, "system.timezone", "alice", time.Minute)

	stats, err := mgr.Stats(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestPurgeOlderThan(t *testing.T) {
	day := 24 * time.Hour
	mgr := setupSQLite(t)
	ctx := context.Background()

	recent := appendAt(t, mgr, "system.timezone", "alice", 10*day)
	appendAt(t, mgr, "system.timezone", "alice", 40*day)
	appendAt(t, mgr, "system.timezone", "alice", 100*day)

	deleted, err := mgr.PurgeOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	page, err := mgr.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, recent.ID, page.Records[0].ID)

	_, err = mgr.PurgeOlderThan(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidRetention)
}

func TestPurgeOlderThanBadger(t *testing.T) {
	day := 24 * time.Hour
	mgr := setupBadger(t)
	ctx := context.Background()

	appendAt(t, mgr, "system.timezone", "alice", 10*day)
	appendAt(t, mgr, "system.timezone", "alice", 40*day)
	appendAt(t, mgr, "system.timezone", "alice", 80*day)

	deleted, err := mgr.PurgeOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
}

func TestBadgerTTLExpiresOldRecords(t *testing.T) {
	mgr := setupBadger(t)

	expired := appendAt(t, mgr, "system.timezone", "alice", 100*24*time.Hour)
	appendAt(t, mgr, "system.timezone", "alice", time.Hour)

	_, err := mgr.GetByID(context.Background(), expired.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	page, err := mgr.Query(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

type recordingArchiver struct {
	archived []*Record
	err      error
}

func (a *recordingArchiver) Archive(ctx context.Context, records []*Record) error {
	if a.err != nil {
		return a.err
	}
	a.archived = append(a.archived, records...)
	return nil
}

func TestPurgeArchivesFirst(t *testing.T) {
	mgr := setupSQLite(t)
	archiver := &recordingArchiver{}
	mgr.SetArchiver(archiver)

	appendAt(t, mgr, "system.timezone", "alice", 40*24*time.Hour)
	appendAt(t, mgr, "system.timezone", "alice", time.Hour)

	deleted, err := mgr.PurgeOlderThan(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Len(t, archiver.archived, 1)
}

func TestPurgeAbortsWhenArchiveFails(t *testing.T) {
	mgr := setupSQLite(t)
	mgr.SetArchiver(&recordingArchiver{err: errors.New("bucket unavailable")})

	appendAt(t, mgr, "system.timezone", "alice", 40*24*time.Hour)

	_, err := mgr.PurgeOlderThan(context.Background(), 30)
	require.Error(t, err)

	page, err := mgr.Query(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

type countingObserver struct {
	appended map[string]int
	purged   int
}

func (o *countingObserver) RecordAppended(category string) { o.appended[category]++ }
func (o *countingObserver) RecordsPurged(count int)        { o.purged += count }

func TestObserverNotified(t *testing.T) {
	mgr := setupSQLite(t)
	obs := &countingObserver{appended: map[string]int{}}
	mgr.SetObserver(obs)

	appendAt(t, mgr, "security.maxLoginAttempts", "alice", 40*24*time.Hour)
	appendAt(t, mgr, "system.timezone", "alice", time.Hour)

	_, err := mgr.PurgeOlderThan(context.Background(), 30)
	require.NoError(t, err)

	assert.Equal(t, 1, obs.appended["security"])
	assert.Equal(t, 1, obs.appended["system"])
	assert.Equal(t, 1, obs.purged)
}

func TestStartRetentionJob(t *testing.T) {
	mgr := setupSQLite(t)
	appendAt(t, mgr, "system.timezone", "alice", 40*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.Error(t, mgr.StartRetentionJob(ctx, 30, "not a schedule"))
	require.NoError(t, mgr.StartRetentionJob(ctx, 30, "@every 1h"))

	assert.Eventually(t, func() bool {
		page, err := mgr.Query(context.Background(), Filter{})
		return err == nil && page.Total == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, "security", CategoryFor("security.maxLoginAttempts"))
	assert.Equal(t, "notifications", CategoryFor("notifications.smtp.host"))
	assert.Equal(t, SystemCategory, CategoryFor(AllSettingsKey))
}
