package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
	owned  bool
}

// NewSQLiteStore opens a dedicated SQLite database for history records
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewSQLiteStoreWithDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewSQLiteStoreWithDB creates the history table inside an existing database
func NewSQLiteStoreWithDB(db *sql.DB, logger *logrus.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logrus.New()
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	logger.Info("Settings history SQLite store initialized successfully")
	return store, nil
}

// initSchema creates the settings_history table and indexes if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		key TEXT NOT NULL,
		category TEXT NOT NULL,
		old_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		changed_by TEXT NOT NULL,
		changed_at INTEGER NOT NULL,
		reason TEXT,
		ip_address TEXT,
		user_agent TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_settings_history_changed_at ON settings_history(changed_at DESC);
	CREATE INDEX IF NOT EXISTS idx_settings_history_category ON settings_history(category);
	CREATE INDEX IF NOT EXISTS idx_settings_history_key ON settings_history(key);
	CREATE INDEX IF NOT EXISTS idx_settings_history_changed_by ON settings_history(changed_by);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}

	return nil
}

const selectColumns = `id, key, category, old_value, new_value, changed_by, changed_at, reason, ip_address, user_agent`

// Append records a settings change
func (s *SQLiteStore) Append(ctx context.Context, r *Record) error {
	query := `
		INSERT INTO settings_history (
			id, key, category, old_value, new_value,
			changed_by, changed_at, reason, ip_address, user_agent
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.Key,
		r.Category,
		string(jsonOrNull(r.OldValue)),
		string(jsonOrNull(r.NewValue)),
		r.ChangedBy,
		r.ChangedAt.UnixMilli(),
		r.Reason,
		r.IPAddress,
		r.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}

	return nil
}

// Query retrieves records with filters
func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]*Record, int, error) {
	whereClause, args := s.buildWhereClause(filter)

	// Get total count
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM settings_history %s", whereClause)
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count history records: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM settings_history %s
		ORDER BY changed_at DESC, seq DESC
		LIMIT ? OFFSET ?
	`, selectColumns, whereClause)

	args = append(args, filter.Limit, filter.Skip)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query history records: %w", err)
	}
	defer rows.Close()

	records, err := s.scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

// Get retrieves a single record
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM settings_history WHERE id = ?`, selectColumns)

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get history record: %w", err)
	}
	defer rows.Close()

	records, err := s.scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return records[0], nil
}

// Aggregate computes totals and groupings since the given time
func (s *SQLiteStore) Aggregate(ctx context.Context, since time.Time, topN int) (*Aggregates, error) {
	cutoff := since.UnixMilli()
	agg := &Aggregates{}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM settings_history WHERE changed_at >= ?`, cutoff,
	).Scan(&agg.Total)
	if err != nil {
		return nil, fmt.Errorf("failed to count history records: %w", err)
	}

	err = s.groupBy(ctx, `
		SELECT category, COUNT(*) AS n FROM settings_history
		WHERE changed_at >= ?
		GROUP BY category ORDER BY n DESC, category
	`, []interface{}{cutoff}, func(name string, n int) {
		agg.ByCategory = append(agg.ByCategory, CategoryCount{Category: name, Count: n})
	})
	if err != nil {
		return nil, err
	}

	err = s.groupBy(ctx, `
		SELECT changed_by, COUNT(*) AS n FROM settings_history
		WHERE changed_at >= ?
		GROUP BY changed_by ORDER BY n DESC, changed_by
		LIMIT ?
	`, []interface{}{cutoff, topN}, func(name string, n int) {
		agg.ByActor = append(agg.ByActor, ActorCount{ActorID: name, Count: n})
	})
	if err != nil {
		return nil, err
	}

	err = s.groupBy(ctx, `
		SELECT key, COUNT(*) AS n FROM settings_history
		WHERE changed_at >= ?
		GROUP BY key ORDER BY n DESC, key
		LIMIT ?
	`, []interface{}{cutoff, topN}, func(name string, n int) {
		agg.ByKey = append(agg.ByKey, KeyCount{Key: name, Count: n})
	})
	if err != nil {
		return nil, err
	}

	return agg, nil
}

func (s *SQLiteStore) groupBy(ctx context.Context, query string, args []interface{}, add func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to aggregate history records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return fmt.Errorf("failed to scan aggregate: %w", err)
		}
		add(name, n)
	}
	return rows.Err()
}

// OlderThan lists records changed before cutoff, oldest first
func (s *SQLiteStore) OlderThan(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM settings_history
		WHERE changed_at < ?
		ORDER BY changed_at ASC, seq ASC
	`, selectColumns)

	rows, err := s.db.QueryContext(ctx, query, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query old history records: %w", err)
	}
	defer rows.Close()

	return s.scanRecords(rows)
}

// DeleteOlderThan deletes records changed before cutoff
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM settings_history WHERE changed_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge old history records: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted rows count: %w", err)
	}

	return int(deleted), nil
}

// Close closes the database connection when the store opened it
func (s *SQLiteStore) Close() error {
	if s.owned && s.db != nil {
		return s.db.Close()
	}
	return nil
}

// buildWhereClause builds the WHERE clause and arguments for filtering
func (s *SQLiteStore) buildWhereClause(filter Filter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filter.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, filter.Category)
	}

	if filter.KeyPattern != "" {
		conditions = append(conditions, `key LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(filter.KeyPattern)+"%")
	}

	if filter.ActorID != "" {
		conditions = append(conditions, "changed_by = ?")
		args = append(args, filter.ActorID)
	}

	if !filter.StartDate.IsZero() {
		conditions = append(conditions, "changed_at >= ?")
		args = append(args, filter.StartDate.UnixMilli())
	}

	if !filter.EndDate.IsZero() {
		conditions = append(conditions, "changed_at <= ?")
		args = append(args, filter.EndDate.UnixMilli())
	}

	if len(conditions) == 0 {
		return "", args
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

// scanRecords scans multiple rows into Record structs
func (s *SQLiteStore) scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record

	for rows.Next() {
		r := &Record{}
		var oldValue, newValue string
		var changedAt int64
		var reason, ipAddress, userAgent sql.NullString

		err := rows.Scan(
			&r.ID,
			&r.Key,
			&r.Category,
			&oldValue,
			&newValue,
			&r.ChangedBy,
			&changedAt,
			&reason,
			&ipAddress,
			&userAgent,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}

		r.OldValue = []byte(oldValue)
		r.NewValue = []byte(newValue)
		r.ChangedAt = time.UnixMilli(changedAt).UTC()
		r.Reason = reason.String
		r.IPAddress = ipAddress.String
		r.UserAgent = userAgent.String

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history records: %w", err)
	}

	return records, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func jsonOrNull(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
