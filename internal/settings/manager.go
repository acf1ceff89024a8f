package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mohae/deepcopy"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

const (
	casMaxRetries = 8
	casBaseDelay  = 5 * time.Millisecond
)

// Manager owns the settings singleton stored in SQLite. Reads are served from
// an in-memory snapshot; writes are compare-and-swap on the document version.
type Manager struct {
	db        *sql.DB
	logger    *logrus.Logger
	validator *Validator
	current   atomic.Pointer[Document]
}

// NewManager creates a new settings manager and makes sure the singleton exists
func NewManager(db *sql.DB, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}

	m := &Manager{
		db:        db,
		logger:    logger,
		validator: NewValidator(),
	}

	// Initialize database schema
	if err := m.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx := context.Background()
	if _, err := m.ensureSingleton(ctx, ""); err != nil {
		return nil, fmt.Errorf("failed to create settings singleton: %w", err)
	}

	if _, err := m.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	return m, nil
}

// initSchema creates the settings table. The CHECK constraint is what keeps
// the record a singleton.
func (m *Manager) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		document TEXT NOT NULL,
		version INTEGER NOT NULL,
		last_updated INTEGER NOT NULL,
		last_updated_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	`

	_, err := m.db.Exec(query)
	return err
}

// ensureSingleton inserts the default document unless a row already exists.
// It reports whether a new row was created.
func (m *Manager) ensureSingleton(ctx context.Context, actorID string) (bool, error) {
	return m.insertDefaults(ctx, m.db, actorID, 1)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (m *Manager) insertDefaults(ctx context.Context, db execer, actorID string, version int64) (bool, error) {
	doc := Defaults()
	raw, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("failed to encode defaults: %w", err)
	}

	now := time.Now().UTC().UnixMilli()
	query := `
	INSERT OR IGNORE INTO settings (id, document, version, last_updated, last_updated_by, created_at)
	VALUES (1, ?, ?, ?, ?, ?)
	`
	result, err := db.ExecContext(ctx, query, string(raw), version, now, actorID, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert default settings: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		m.logger.WithField("version", version).Info("Settings initialized with defaults")
	}
	return n > 0, nil
}

// load reads the singleton from the database, recreating it with defaults
// if it has gone missing.
func (m *Manager) load(ctx context.Context) (Document, error) {
	doc, err := m.selectSingleton(ctx)
	if errors.Is(err, ErrSingletonMissing) {
		// Continue past the published version so the snapshot accepts it
		if _, err := m.insertDefaults(ctx, m.db, "", m.publishedVersion()+1); err != nil {
			return Document{}, err
		}
		doc, err = m.selectSingleton(ctx)
	}
	return doc, err
}

func (m *Manager) selectSingleton(ctx context.Context) (Document, error) {
	var (
		raw           string
		version       int64
		lastUpdated   int64
		lastUpdatedBy string
	)

	query := `SELECT document, version, last_updated, last_updated_by FROM settings WHERE id = 1`
	err := m.db.QueryRowContext(ctx, query).Scan(&raw, &version, &lastUpdated, &lastUpdatedBy)
	if err == sql.ErrNoRows {
		return Document{}, ErrSingletonMissing
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get settings: %w", err)
	}

	// Fields missing from an older stored document keep their defaults
	doc := Defaults()
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	doc.Version = version
	doc.LastUpdated = time.UnixMilli(lastUpdated).UTC()
	doc.LastUpdatedBy = lastUpdatedBy
	return doc, nil
}

// compareAndSwap writes next only if the stored version is still expected
func (m *Manager) compareAndSwap(ctx context.Context, expected int64, next Document) (bool, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("failed to encode settings: %w", err)
	}

	query := `
	UPDATE settings
	SET document = ?, version = ?, last_updated = ?, last_updated_by = ?
	WHERE id = 1 AND version = ?
	`
	result, err := m.db.ExecContext(ctx, query,
		string(raw),
		next.Version,
		next.LastUpdated.UnixMilli(),
		next.LastUpdatedBy,
		expected,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update settings: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// publish installs doc as the in-memory snapshot unless a newer version is
// already published. Writers finish out of order, so a plain Store could
// roll the snapshot back.
func (m *Manager) publish(doc Document) {
	snapshot := deepcopy.Copy(doc).(Document)
	for {
		cur := m.current.Load()
		if cur != nil && cur.Version >= snapshot.Version {
			return
		}
		if m.current.CompareAndSwap(cur, &snapshot) {
			return
		}
	}
}

func (m *Manager) publishedVersion() int64 {
	if p := m.current.Load(); p != nil {
		return p.Version
	}
	return 0
}

// Load returns the authoritative singleton, creating it on first access, and
// refreshes the in-memory snapshot.
func (m *Manager) Load(ctx context.Context) (Document, error) {
	doc, err := m.load(ctx)
	if err != nil {
		return Document{}, err
	}
	m.publish(doc)
	return doc, nil
}

// Current returns the latest committed document without touching the
// database. The result is a private copy.
func (m *Manager) Current() Document {
	p := m.current.Load()
	if p == nil {
		return Defaults()
	}
	return deepcopy.Copy(*p).(Document)
}

// Validator returns the rule table used for writes
func (m *Manager) Validator() *Validator {
	return m.validator
}

// GetSetting returns the current raw value of key
func (m *Manager) GetSetting(key string) (json.RawMessage, error) {
	return m.Current().Lookup(key)
}

// UpdateSetting validates and writes a single key
func (m *Manager) UpdateSetting(ctx context.Context, key string, value interface{}, actorID string) (*Revision, error) {
	return m.BulkUpdate(ctx, map[string]interface{}{key: value}, actorID)
}

// BulkUpdate validates every key, then applies all keys whose value differs
// from the stored one in a single compare-and-swap. Nothing is written if any
// key fails validation or if no key actually changes.
func (m *Manager) BulkUpdate(ctx context.Context, updates map[string]interface{}, actorID string) (*Revision, error) {
	normalized, err := m.validator.ValidateAll(updates)
	if err != nil {
		return nil, err
	}
	keys := sortedKeys(normalized)

	var rev *Revision
	backoff := retry.WithMaxRetries(casMaxRetries, retry.NewExponential(casBaseDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		cur, err := m.load(ctx)
		if err != nil {
			return err
		}

		next, err := cur.withValues(normalized)
		if err != nil {
			return err
		}
		if err := m.validator.ValidateWithin(next, keys); err != nil {
			return err
		}

		changes, err := Diff(cur, next, keys)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			rev = &Revision{Before: cur, After: cur}
			return nil
		}

		next.Version = cur.Version + 1
		next.LastUpdated = time.Now().UTC().Truncate(time.Millisecond)
		next.LastUpdatedBy = actorID

		swapped, err := m.compareAndSwap(ctx, cur.Version, next)
		if err != nil {
			return err
		}
		if !swapped {
			m.logger.WithField("version", cur.Version).Debug("Settings version conflict, retrying")
			return retry.RetryableError(ErrVersionConflict)
		}

		rev = &Revision{Before: cur, After: next, Changes: changes}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(rev.After)
	if rev.Changed() {
		m.logger.WithFields(logrus.Fields{
			"keys":     rev.Keys(),
			"actor_id": actorID,
			"version":  rev.After.Version,
		}).Info("Settings updated")
	}
	return rev, nil
}

// Reset deletes the singleton and recreates it with defaults. The version
// keeps increasing across the reset so in-flight writers lose their swap.
func (m *Manager) Reset(ctx context.Context, actorID string) (*Revision, error) {
	before, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE id = 1`); err != nil {
		return nil, fmt.Errorf("failed to delete settings: %w", err)
	}
	if _, err := m.insertDefaults(ctx, tx, actorID, before.Version+1); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	after, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}

	m.logger.WithField("actor_id", actorID).Warn("Settings reset to defaults")
	return &Revision{Before: before, After: after}, nil
}

// System returns the current system settings
func (m *Manager) System() SystemSettings {
	return m.Current().System
}

// Security returns the current security settings
func (m *Manager) Security() SecuritySettings {
	return m.Current().Security
}

// Notifications returns the current notification settings
func (m *Manager) Notifications() NotificationSettings {
	return m.Current().Notifications
}

// Operations returns the current operations settings
func (m *Manager) Operations() OperationsSettings {
	return m.Current().Operations
}
