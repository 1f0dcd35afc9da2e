// Package imap implements the IMAP4rev1 server backend on top of
// internal/store's Mailstore, plumbed through emersion/go-imap's
// server/backend framework the way the teacher plumbs go-smtp.
package imap

import (
	"context"
	"log/slog"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"

	"github.com/mailstackd/mailstackd/internal/auth"
	"github.com/mailstackd/mailstackd/internal/store"
)

// Backend adapts store.Mailstore + auth.Verifier to go-imap's
// backend.Backend contract.
type Backend struct {
	store    store.Mailstore
	verifier auth.Verifier
	logger   *slog.Logger
	updates  *updateBroker
}

// Config configures a Backend.
type Config struct {
	Store    store.Mailstore
	Verifier auth.Verifier
	Logger   *slog.Logger
}

// NewBackend builds a Backend.
func NewBackend(cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{store: cfg.Store, verifier: cfg.Verifier, logger: logger}
}

// Login authenticates username/password against the Verifier and returns
// a User scoped to that mailbox.
func (b *Backend) Login(connInfo *imap.ConnInfo, username, password string) (backend.User, error) {
	ctx := context.Background()
	addr, err := b.verifier.Verify(ctx, username, password)
	if err != nil {
		b.logger.Warn("imap login failed", slog.String("username", username))
		return nil, backend.ErrInvalidCredentials
	}
	if b.updates != nil {
		go b.updates.watch(context.Background(), b.store, addr)
	}
	return &User{username: addr, store: b.store, logger: b.logger}, nil
}

// Updates implements the optional backend.Updater interface, letting
// go-imap's server push IDLE notifications without a second poll loop.
func (b *Backend) Updates() <-chan backend.Update {
	if b.updates == nil {
		return nil
	}
	return b.updates.Updates()
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.Updater = (*Backend)(nil)
