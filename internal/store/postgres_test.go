package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresMigration(t *testing.T) {
	s := newTestPostgresStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestPostgresChatFlow exercises user -> project -> membership -> messages.
func TestPostgresChatFlow(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	suffix := uuid.New().String()[:8]
	alice := createTestUser(t, s, "alice-"+suffix+"@example.com")
	bob := createTestUser(t, s, "bob-"+suffix+"@example.com")
	p := createTestProject(t, s, "project-"+suffix, alice.ID)

	if err := s.AddProjectMember(ctx, p.ID, bob.ID); err != nil {
		t.Fatalf("AddProjectMember: %v", err)
	}
	if err := s.AddProjectMember(ctx, p.ID, bob.ID); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate member: got %v, want ErrDuplicate", err)
	}

	saveTestMessages(t, s, p.ID, 3)
	saveTestMessages(t, s, p.ID, 3)

	last, err := s.LastSeq(ctx, p.ID)
	if err != nil || last != 3 {
		t.Fatalf("LastSeq: got %d, %v, want 3", last, err)
	}
	recent, err := s.RecentMessages(ctx, p.ID, 2)
	if err != nil || len(recent) != 2 || recent[0].Seq != 2 {
		t.Fatalf("RecentMessages: got %+v, %v", recent, err)
	}
}
