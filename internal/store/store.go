// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrDuplicate is returned when a unique constraint (email, project name,
// membership) would be violated.
var ErrDuplicate = errors.New("already exists")

// Store is the persistence interface for the hub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Projects
	CreateProject(ctx context.Context, p *Project) error // creator becomes a member
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjectsByUser(ctx context.Context, userID string) ([]Project, error)
	AddProjectMember(ctx context.Context, projectID, userID string) error
	ListProjectMembers(ctx context.Context, projectID string) ([]User, error)
	IsProjectMember(ctx context.Context, projectID, userID string) (bool, error)

	// Messages. Sequence numbers are assigned by the room, not the store.
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, projectID string, afterSeq int64, limit int) ([]Message, error)
	RecentMessages(ctx context.Context, projectID string, limit int) ([]Message, error)
	LastSeq(ctx context.Context, projectID string) (int64, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a hub user.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Project is a collaborative workspace; each project has one chat room.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a stored chat message.
type Message struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Seq         int64           `json:"seq"`
	Kind        string          `json:"kind"`
	SenderID    string          `json:"sender_id"`
	SenderLabel string          `json:"sender_label"`
	Body        string          `json:"body"`
	RequestID   string          `json:"request_id,omitempty"`
	PromptRef   json.RawMessage `json:"prompt_ref,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	ProjectID string          `json:"project_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	Action    string // prefix match
	UserID    string
	ProjectID string
	Limit     int
	Offset    int
}

const defaultAuditLimit = 50
