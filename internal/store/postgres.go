package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(LOWER(email))`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			created_by TEXT NOT NULL REFERENCES users(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS project_members (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (project_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_project_members_user_id ON project_members(user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			kind TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_label TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			prompt_ref JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(project_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			detail JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// pgErr maps unique_violation to ErrDuplicate.
func pgErr(err error) error {
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// nullJSON stores empty raw JSON as SQL NULL so JSONB columns accept it.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)",
		user.ID, user.Email, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return pgErr(err)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash, role, created_at FROM users WHERE LOWER(email) = LOWER($1)", email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, email, role, created_at FROM users ORDER BY created_at")
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

func (s *PostgresStore) CreateProject(ctx context.Context, p *Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO projects (id, name, created_by, created_at) VALUES ($1, $2, $3, $4)",
		p.ID, p.Name, p.CreatedBy, p.CreatedAt,
	); err != nil {
		return pgErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO project_members (project_id, user_id, created_at) VALUES ($1, $2, $3)",
		p.ID, p.CreatedBy, p.CreatedAt,
	); err != nil {
		return pgErr(err)
	}
	return tx.Commit()
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_by, created_at FROM projects WHERE id = $1", id,
	).Scan(&p.ID, &p.Name, &p.CreatedBy, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &p, err
}

func (s *PostgresStore) ListProjectsByUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.name, p.created_by, p.created_at
		 FROM projects p JOIN project_members m ON m.project_id = p.id
		 WHERE m.user_id = $1 ORDER BY p.created_at`,
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

func (s *PostgresStore) AddProjectMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO project_members (project_id, user_id, created_at) VALUES ($1, $2, $3)",
		projectID, userID, time.Now(),
	)
	return pgErr(err)
}

func (s *PostgresStore) ListProjectMembers(ctx context.Context, projectID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.email, u.role, u.created_at
		 FROM users u JOIN project_members m ON m.user_id = u.id
		 WHERE m.project_id = $1 ORDER BY m.created_at`,
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

func (s *PostgresStore) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM project_members WHERE project_id = $1 AND user_id = $2)",
		projectID, userID,
	).Scan(&exists)
	return exists, err
}

// --- Messages ---

func (s *PostgresStore) SaveMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, project_id, seq, kind, sender_id, sender_label, body, request_id, prompt_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT DO NOTHING`,
		msg.ID, msg.ProjectID, msg.Seq, msg.Kind, msg.SenderID, msg.SenderLabel, msg.Body,
		msg.RequestID, nullJSON(msg.PromptRef), msg.CreatedAt,
	)
	return err
}

func scanPGMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		var m Message
		var ref sql.NullString
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Seq, &m.Kind, &m.SenderID, &m.SenderLabel,
			&m.Body, &m.RequestID, &ref, &m.CreatedAt); err != nil {
			return nil, err
		}
		if ref.Valid {
			m.PromptRef = json.RawMessage(ref.String)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) GetMessages(ctx context.Context, projectID string, afterSeq int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE project_id = $1 AND seq > $2 ORDER BY seq LIMIT $3",
		projectID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanPGMessages(rows)
}

func (s *PostgresStore) RecentMessages(ctx context.Context, projectID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM (SELECT * FROM messages WHERE project_id = $1 ORDER BY seq DESC LIMIT $2) recent ORDER BY seq",
		projectID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanPGMessages(rows)
}

func (s *PostgresStore) LastSeq(ctx context.Context, projectID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM messages WHERE project_id = $1", projectID,
	).Scan(&seq)
	return seq, err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, user_id, project_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Action, event.UserID, event.ProjectID, nullJSON(event.Detail), event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, action, user_id, project_id, detail, created_at FROM audit_events WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Action != "" {
		query += " AND action LIKE " + arg(filter.Action+"%")
	}
	if filter.UserID != "" {
		query += " AND user_id = " + arg(filter.UserID)
	}
	if filter.ProjectID != "" {
		query += " AND project_id = " + arg(filter.ProjectID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	query += " ORDER BY created_at DESC LIMIT " + arg(limit)
	query += " OFFSET " + arg(filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.ProjectID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail.Valid {
			e.Detail = json.RawMessage(detail.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Retention ---

func (s *PostgresStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
