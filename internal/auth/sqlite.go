package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/transitops/opsadmin/internal/history"
)

// Directory stores the actors that may appear in settings history
type Directory struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewDirectory creates the actors table inside db
func NewDirectory(db *sql.DB, logger *logrus.Logger) (*Directory, error) {
	if logger == nil {
		logger = logrus.New()
	}
	d := &Directory{db: db, logger: logger}
	if err := d.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize actor directory: %w", err)
	}
	return d, nil
}

func (d *Directory) initSchema() error {
	_, err := d.db.Exec(`
	CREATE TABLE IF NOT EXISTS actors (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT,
		email TEXT,
		roles TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actors_email ON actors(email);
	`)
	return err
}

// Upsert inserts or replaces a user, keeping its creation time
func (d *Directory) Upsert(ctx context.Context, u *User) error {
	if u.ID == "" || u.Username == "" {
		return fmt.Errorf("user requires id and username")
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	if u.CreatedAt == 0 {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO actors (id, username, display_name, email, roles, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			email = excluded.email,
			roles = excluded.roles,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, u.ID, u.Username, u.DisplayName, u.Email, string(roles), u.Status, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// Get retrieves a user by ID
func (d *Directory) Get(ctx context.Context, id string) (*User, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, username, display_name, email, roles, status, created_at, updated_at
		FROM actors WHERE id = ?
	`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// List returns every user ordered by username
func (d *Directory) List(ctx context.Context) ([]*User, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, username, display_name, email, roles, status, created_at, updated_at
		FROM actors ORDER BY username
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetStatus enables or disables a user
func (d *Directory) SetStatus(ctx context.Context, id, status string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE actors SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update user status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ResolveActors maps actor IDs to display identities; unknown IDs are omitted
func (d *Directory) ResolveActors(ctx context.Context, ids []string) (map[string]history.Actor, error) {
	out := make(map[string]history.Actor, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, username, display_name, email FROM actors WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve actors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, username string
		var displayName, email sql.NullString
		if err := rows.Scan(&id, &username, &displayName, &email); err != nil {
			return nil, fmt.Errorf("failed to scan actor: %w", err)
		}
		name := displayName.String
		if name == "" {
			name = username
		}
		out[id] = history.Actor{ID: id, Name: name, Email: email.String}
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	var displayName, email sql.NullString
	var roles string
	err := row.Scan(&u.ID, &u.Username, &displayName, &email, &roles, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.DisplayName = displayName.String
	u.Email = email.String
	if err := json.Unmarshal([]byte(roles), &u.Roles); err != nil {
		return nil, fmt.Errorf("invalid roles for user %s: %w", u.ID, err)
	}
	return u, nil
}
