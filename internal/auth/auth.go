// Package auth verifies mailbox credentials. It replaces the teacher's
// passwd-file-shaped AuthenticationAgent with a store-backed verifier:
// mailstackd keeps one password hash per mailbox address in the same
// sqlite database as message storage rather than a separate credential
// file, so SMTP AUTH and IMAP LOGIN check against the same source of
// truth the mailbox itself is addressed by.
package auth

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/mailstackd/mailstackd/internal/protoerr"
	"github.com/mailstackd/mailstackd/internal/store"
)

// Verifier checks mailbox credentials and decides whether a given listener
// port requires authentication at all (the submission/SMTPS ports always
// do; the bare MX port never does, since inbound mail from the internet
// carries no credentials).
type Verifier interface {
	Verify(ctx context.Context, username, password string) (string, error)
	RequireAuthForPort(port int) bool
}

// BcryptVerifier implements Verifier against a store.Mailstore, comparing
// passwords with the stored bcrypt hashes the same way the IMAP reference
// backend this package is grounded on does.
type BcryptVerifier struct {
	store        store.Mailstore
	noAuthPorts  map[int]bool
}

// NewBcryptVerifier builds a Verifier. noAuthPorts lists listener ports
// (typically the plain MX port, 25) that never require AUTH.
func NewBcryptVerifier(s store.Mailstore, noAuthPorts ...int) *BcryptVerifier {
	set := make(map[int]bool, len(noAuthPorts))
	for _, p := range noAuthPorts {
		set[p] = true
	}
	return &BcryptVerifier{store: s, noAuthPorts: set}
}

func (v *BcryptVerifier) RequireAuthForPort(port int) bool {
	return !v.noAuthPorts[port]
}

// Verify checks username/password against the stored bcrypt hash and
// returns the canonical mailbox address on success.
func (v *BcryptVerifier) Verify(ctx context.Context, username, password string) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(username))
	if addr == "" || password == "" {
		return "", protoerr.New(protoerr.AuthFailed, "empty username or password")
	}

	hash, err := v.store.Authenticate(ctx, addr)
	if err != nil {
		return "", protoerr.Wrap(protoerr.AuthFailed, "invalid credentials", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", protoerr.New(protoerr.AuthFailed, "invalid credentials")
	}

	return addr, nil
}

// HashPassword wraps bcrypt.GenerateFromPassword at the default cost, used
// by internal/testutil when seeding fixture mailboxes.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

var _ Verifier = (*BcryptVerifier)(nil)
