package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var recordPrefix = []byte("history:")

// BadgerStore implements the Store interface using BadgerDB. Every record is
// written with a TTL so expired history disappears without a purge.
type BadgerStore struct {
	db        *badger.DB
	ready     atomic.Bool
	retention time.Duration
	logger    *logrus.Logger
}

// BadgerOptions contains configuration options for BadgerStore
type BadgerOptions struct {
	Dir        string        // badger directory, used as given
	InMemory   bool          // Used by tests
	Retention  time.Duration // TTL measured from changedAt, defaults to 90 days
	GCInterval time.Duration // Value log GC period, 0 disables it
	Logger     *logrus.Logger
}

// NewBadgerStore creates a new BadgerDB-backed history store
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}

	dbPath := opts.Dir
	badgerOpts := badger.DefaultOptions(dbPath).
		WithLogger(newBadgerLogger(opts.Logger)).
		WithNumVersionsToKeep(1)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	store := &BadgerStore{
		db:        db,
		retention: opts.Retention,
		logger:    opts.Logger,
	}
	store.ready.Store(true)

	if opts.GCInterval > 0 && !opts.InMemory {
		go store.runGC(opts.GCInterval)
	}

	opts.Logger.WithFields(logrus.Fields{
		"path":      dbPath,
		"retention": opts.Retention.String(),
	}).Info("BadgerDB history store initialized")

	return store, nil
}

func recordKey(id string) []byte {
	return append(append([]byte{}, recordPrefix...), id...)
}

// Append writes the record with a TTL relative to its changedAt
func (s *BadgerStore) Append(ctx context.Context, r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}

	ttl := time.Until(r.ChangedAt.Add(s.retention))
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(recordKey(r.ID), data).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}
	return nil
}

// Query filters, sorts and pages records in memory
func (s *BadgerStore) Query(ctx context.Context, filter Filter) ([]*Record, int, error) {
	var matched []*Record
	pattern := strings.ToLower(filter.KeyPattern)

	err := s.scan(ctx, func(r *Record) {
		if filter.Category != "" && r.Category != filter.Category {
			return
		}
		if pattern != "" && !strings.Contains(strings.ToLower(r.Key), pattern) {
			return
		}
		if filter.ActorID != "" && r.ChangedBy != filter.ActorID {
			return
		}
		if !filter.StartDate.IsZero() && r.ChangedAt.Before(filter.StartDate) {
			return
		}
		if !filter.EndDate.IsZero() && r.ChangedAt.After(filter.EndDate) {
			return
		}
		matched = append(matched, r)
	})
	if err != nil {
		return nil, 0, err
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ChangedAt.After(matched[j].ChangedAt)
	})

	total := len(matched)
	if filter.Skip >= total {
		return []*Record{}, total, nil
	}
	end := filter.Skip + filter.Limit
	if filter.Limit <= 0 || end > total {
		end = total
	}
	return matched[filter.Skip:end], total, nil
}

// Get retrieves a single record
func (s *BadgerStore) Get(ctx context.Context, id string) (*Record, error) {
	var r Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history record: %w", err)
	}
	return &r, nil
}

// Aggregate counts records changed at or after since
func (s *BadgerStore) Aggregate(ctx context.Context, since time.Time, topN int) (*Aggregates, error) {
	categories := map[string]int{}
	actors := map[string]int{}
	keys := map[string]int{}
	agg := &Aggregates{}

	err := s.scan(ctx, func(r *Record) {
		if r.ChangedAt.Before(since) {
			return
		}
		agg.Total++
		categories[r.Category]++
		actors[r.ChangedBy]++
		keys[r.Key]++
	})
	if err != nil {
		return nil, err
	}

	for _, n := range rankCounts(categories, 0) {
		agg.ByCategory = append(agg.ByCategory, CategoryCount{Category: n.name, Count: n.count})
	}
	for _, n := range rankCounts(actors, topN) {
		agg.ByActor = append(agg.ByActor, ActorCount{ActorID: n.name, Count: n.count})
	}
	for _, n := range rankCounts(keys, topN) {
		agg.ByKey = append(agg.ByKey, KeyCount{Key: n.name, Count: n.count})
	}
	return agg, nil
}

// OlderThan lists records changed before cutoff, oldest first
func (s *BadgerStore) OlderThan(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	var old []*Record
	err := s.scan(ctx, func(r *Record) {
		if r.ChangedAt.Before(cutoff) {
			old = append(old, r)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(old, func(i, j int) bool {
		return old[i].ChangedAt.Before(old[j].ChangedAt)
	})
	return old, nil
}

// DeleteOlderThan deletes records changed before cutoff
func (s *BadgerStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	old, err := s.OlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(old) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range old {
		if err := wb.Delete(recordKey(r.ID)); err != nil {
			return 0, fmt.Errorf("failed to purge old history records: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to purge old history records: %w", err)
	}
	return len(old), nil
}

// Close closes the BadgerDB instance
func (s *BadgerStore) Close() error {
	s.ready.Store(false)
	s.logger.Info("Closing BadgerDB history store")
	return s.db.Close()
}

// scan decodes every live record
func (s *BadgerStore) scan(ctx context.Context, fn func(*Record)) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var r Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				s.logger.WithError(err).WithField("key", string(it.Item().Key())).Warn("Skipping unreadable history record")
				continue
			}
			fn(&r)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan history records: %w", err)
	}
	return nil
}

// runGC runs value log garbage collection periodically
func (s *BadgerStore) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if !s.ready.Load() {
			return
		}

		err := s.db.RunValueLogGC(0.5)
		if err != nil && err != badger.ErrNoRewrite {
			s.logger.WithError(err).Warn("Failed to run GC")
		}
	}
}

type rankedCount struct {
	name  string
	count int
}

// rankCounts sorts by count descending then name; limit <= 0 keeps everything
func rankCounts(counts map[string]int, limit int) []rankedCount {
	ranked := make([]rankedCount, 0, len(counts))
	for name, n := range counts {
		ranked = append(ranked, rankedCount{name: name, count: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].name < ranked[j].name
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// badgerLogger adapts logrus to BadgerDB's logger interface
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}
