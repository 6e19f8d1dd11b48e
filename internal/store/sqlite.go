package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL COLLATE NOCASE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			created_by TEXT NOT NULL REFERENCES users(id),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS project_members (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (project_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_project_members_user_id ON project_members(user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_label TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			prompt_ref TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_project_seq ON messages(project_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Email, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return sqliteErr(err)
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash, role, created_at FROM users WHERE email = ?", email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, email, role, created_at FROM users ORDER BY created_at",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Projects ---

func (s *SQLiteStore) CreateProject(ctx context.Context, p *Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO projects (id, name, created_by, created_at) VALUES (?, ?, ?, ?)",
		p.ID, p.Name, p.CreatedBy, p.CreatedAt,
	); err != nil {
		return sqliteErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO project_members (project_id, user_id, created_at) VALUES (?, ?, ?)",
		p.ID, p.CreatedBy, p.CreatedAt,
	); err != nil {
		return sqliteErr(err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_by, created_at FROM projects WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.CreatedBy, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &p, err
}

func (s *SQLiteStore) ListProjectsByUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.name, p.created_by, p.created_at
		 FROM projects p JOIN project_members m ON m.project_id = p.id
		 WHERE m.user_id = ? ORDER BY p.created_at`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) AddProjectMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO project_members (project_id, user_id, created_at) VALUES (?, ?, ?)",
		projectID, userID, time.Now(),
	)
	return sqliteErr(err)
}

func (s *SQLiteStore) ListProjectMembers(ctx context.Context, projectID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.email, u.role, u.created_at
		 FROM users u JOIN project_members m ON m.user_id = u.id
		 WHERE m.project_id = ? ORDER BY m.created_at`,
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM project_members WHERE project_id = ? AND user_id = ?",
		projectID, userID,
	).Scan(&count)
	return count > 0, err
}

// --- Messages ---

// SaveMessage inserts a sequenced message. Re-saving the same id or
// (project, seq) pair is a no-op.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, project_id, seq, kind, sender_id, sender_label, body, request_id, prompt_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ProjectID, msg.Seq, msg.Kind, msg.SenderID, msg.SenderLabel, msg.Body,
		msg.RequestID, string(msg.PromptRef), msg.CreatedAt,
	)
	return err
}

const messageColumns = "id, project_id, seq, kind, sender_id, sender_label, body, request_id, prompt_ref, created_at"

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		var m Message
		var ref string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Seq, &m.Kind, &m.SenderID, &m.SenderLabel,
			&m.Body, &m.RequestID, &ref, &m.CreatedAt); err != nil {
			return nil, err
		}
		if ref != "" {
			m.PromptRef = json.RawMessage(ref)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) GetMessages(ctx context.Context, projectID string, afterSeq int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE project_id = ? AND seq > ? ORDER BY seq LIMIT ?",
		projectID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, projectID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM (SELECT * FROM messages WHERE project_id = ? ORDER BY seq DESC LIMIT ?) ORDER BY seq",
		projectID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *SQLiteStore) LastSeq(ctx context.Context, projectID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM messages WHERE project_id = ?", projectID,
	).Scan(&seq)
	return seq, err
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, user_id, project_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Action, event.UserID, event.ProjectID, string(event.Detail), event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, action, user_id, project_id, detail, created_at FROM audit_events WHERE 1=1`
	var args []any

	if filter.Action != "" {
		query += " AND action LIKE ?"
		args = append(args, filter.Action+"%")
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.ProjectID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Retention ---

func (s *SQLiteStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
