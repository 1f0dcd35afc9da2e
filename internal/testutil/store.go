// Package testutil provides test fixtures shared across mailstackd's
// packages: an in-memory mailstore seeded with mailboxes, and the bcrypt
// hashes needed to authenticate against them.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/mailstackd/mailstackd/internal/auth"
	"github.com/mailstackd/mailstackd/internal/store"
)

// TestPassword is the password used for every fixture mailbox.
const TestPassword = "testpass"

// TestMailbox names a mailbox to seed into an OpenTestStore fixture.
type TestMailbox struct {
	Address  string
	Password string // defaults to TestPassword if empty
}

// DefaultTestMailboxes returns the standard fixture set: two mailboxes under
// example.com and one under test.org, all with password TestPassword.
func DefaultTestMailboxes() []TestMailbox {
	return []TestMailbox{
		{Address: "testuser@example.com"},
		{Address: "admin@example.com"},
		{Address: "user1@test.org"},
	}
}

// OpenTestStore opens a fresh in-memory SQLiteStore seeded with mailboxes
// and registers the store's Close with t.Cleanup.
func OpenTestStore(t *testing.T, mailboxes []TestMailbox) *store.SQLiteStore {
	t.Helper()

	// A per-test unique DSN keeps parallel tests from sharing the same
	// in-memory database (mattn/go-sqlite3 resolves "file::memory:?cache=shared"
	// to one process-wide instance when the DSN string matches).
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())

	s, err := store.Open(dsn)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	for _, m := range mailboxes {
		password := m.Password
		if password == "" {
			password = TestPassword
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			t.Fatalf("hash password for %s: %v", m.Address, err)
		}
		if err := s.CreateMailbox(ctx, m.Address, hash); err != nil {
			t.Fatalf("create mailbox %s: %v", m.Address, err)
		}
	}

	return s
}

// OpenDefaultTestStore is a convenience wrapper seeding DefaultTestMailboxes.
func OpenDefaultTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	return OpenTestStore(t, DefaultTestMailboxes())
}
