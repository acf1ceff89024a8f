package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Observer is notified about ledger activity, typically to update metrics
type Observer interface {
	RecordAppended(category string)
	RecordsPurged(count int)
}

// Manager is the settings history ledger
type Manager struct {
	store    Store
	logger   *logrus.Logger
	actors   ActorResolver
	archiver Archiver
	observer Observer
	now      func() time.Time
}

// NewManager creates a new history manager
func NewManager(store Store, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SetActorResolver enables name and email resolution in Stats
func (m *Manager) SetActorResolver(r ActorResolver) {
	m.actors = r
}

// SetArchiver makes PurgeOlderThan archive records before deleting them
func (m *Manager) SetArchiver(a Archiver) {
	m.archiver = a
}

// SetObserver registers a metrics observer
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// Append stores a record. ID, category and changedAt are filled in when empty.
func (m *Manager) Append(ctx context.Context, r *Record) error {
	if r == nil || r.Key == "" {
		return fmt.Errorf("history record requires a key")
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Category == "" {
		r.Category = CategoryFor(r.Key)
	}
	if r.ChangedAt.IsZero() {
		r.ChangedAt = m.now().UTC().Truncate(time.Millisecond)
	}
	r.OldValue = jsonOrNull(r.OldValue)
	r.NewValue = jsonOrNull(r.NewValue)

	if err := m.store.Append(ctx, r); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"key":        r.Key,
			"changed_by": r.ChangedBy,
		}).Error("Failed to append history record")
		return err
	}

	if m.observer != nil {
		m.observer.RecordAppended(r.Category)
	}

	m.logger.WithFields(logrus.Fields{
		"id":         r.ID,
		"key":        r.Key,
		"category":   r.Category,
		"changed_by": r.ChangedBy,
	}).Debug("History record appended")

	return nil
}

// Query returns a page of records, newest first
func (m *Manager) Query(ctx context.Context, filter Filter) (*Page, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultLimit
	}
	if filter.Limit > MaxLimit {
		filter.Limit = MaxLimit
	}
	if filter.Skip < 0 {
		filter.Skip = 0
	}

	records, total, err := m.store.Query(ctx, filter)
	if err != nil {
		m.logger.WithError(err).Error("Failed to query settings history")
		return nil, err
	}
	if records == nil {
		records = []*Record{}
	}

	return &Page{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Skip:    filter.Skip,
	}, nil
}

// GetByID retrieves a single record or ErrNotFound
func (m *Manager) GetByID(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	return m.store.Get(ctx, id)
}

// Stats summarises changes made in the last windowDays days
func (m *Manager) Stats(ctx context.Context, windowDays int) (*Stats, error) {
	if windowDays < 1 {
		return nil, ErrInvalidWindow
	}

	since := m.now().UTC().Add(-time.Duration(windowDays) * 24 * time.Hour)
	agg, err := m.store.Aggregate(ctx, since, StatsTopN)
	if err != nil {
		m.logger.WithError(err).Error("Failed to aggregate settings history")
		return nil, err
	}

	stats := &Stats{
		WindowDays:  windowDays,
		Since:       since,
		Total:       agg.Total,
		ByCategory:  nonNil(agg.ByCategory),
		TopActors:   nonNil(agg.ByActor),
		MostChanged: nonNil(agg.ByKey),
	}
	m.resolveActors(ctx, stats.TopActors)
	return stats, nil
}

// resolveActors fills in names and emails; lookup failures leave them empty
func (m *Manager) resolveActors(ctx context.Context, actors []ActorCount) {
	if m.actors == nil || len(actors) == 0 {
		return
	}

	ids := make([]string, len(actors))
	for i, a := range actors {
		ids[i] = a.ActorID
	}

	resolved, err := m.actors.ResolveActors(ctx, ids)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to resolve actor identities for history stats")
		return
	}
	for i := range actors {
		if a, ok := resolved[actors[i].ActorID]; ok {
			actors[i].Name = a.Name
			actors[i].Email = a.Email
		}
	}
}

// PurgeOlderThan deletes records changed more than days days ago and returns
// how many were removed. With an archiver configured, nothing is deleted
// unless archiving succeeds.
func (m *Manager) PurgeOlderThan(ctx context.Context, days int) (int, error) {
	if days < 1 {
		return 0, ErrInvalidRetention
	}

	cutoff := m.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	if m.archiver != nil {
		old, err := m.store.OlderThan(ctx, cutoff)
		if err != nil {
			return 0, err
		}
		if len(old) > 0 {
			if err := m.archiver.Archive(ctx, old); err != nil {
				m.logger.WithError(err).WithField("records", len(old)).Error("Failed to archive history before purge")
				return 0, fmt.Errorf("archive before purge: %w", err)
			}
		}
	}

	count, err := m.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		m.logger.WithError(err).WithField("days", days).Error("Failed to purge settings history")
		return 0, err
	}

	if m.observer != nil && count > 0 {
		m.observer.RecordsPurged(count)
	}

	m.logger.WithFields(logrus.Fields{
		"deleted_count": count,
		"older_than":    days,
		"cutoff":        cutoff.Format(time.RFC3339),
	}).Info("Purged old settings history")

	return count, nil
}

// StartRetentionJob purges records older than retentionDays on the given cron
// schedule and once immediately. The job stops when ctx is cancelled.
func (m *Manager) StartRetentionJob(ctx context.Context, retentionDays int, schedule string) error {
	if retentionDays <= 0 {
		m.logger.Info("Settings history retention disabled (retention_days <= 0)")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { m.runRetentionCleanup(ctx, retentionDays) }); err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}

	m.logger.WithFields(logrus.Fields{
		"retention_days": retentionDays,
		"schedule":       schedule,
	}).Info("Starting settings history retention job")

	go m.runRetentionCleanup(ctx, retentionDays)
	c.Start()

	go func() {
		<-ctx.Done()
		m.logger.Info("Stopping settings history retention job")
		<-c.Stop().Done()
	}()

	return nil
}

// runRetentionCleanup performs the actual cleanup operation
func (m *Manager) runRetentionCleanup(ctx context.Context, retentionDays int) {
	if ctx.Err() != nil {
		return
	}

	count, err := m.PurgeOlderThan(ctx, retentionDays)
	if err != nil {
		m.logger.WithError(err).Error("Settings history retention cleanup failed")
		return
	}

	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			"deleted_count":  count,
			"retention_days": retentionDays,
		}).Info("Settings history retention cleanup completed")
	}
}

// Close closes the underlying store
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
