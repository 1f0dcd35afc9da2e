package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emersion/go-imap/backend"
	imapserver "github.com/emersion/go-imap/server"
	idle "github.com/emersion/go-imap-idle"
	move "github.com/emersion/go-imap-move"
	specialuse "github.com/emersion/go-imap-specialuse"
	sortthread "github.com/emersion/go-imap-sortthread"
	uidplus "github.com/emersion/go-imap-uidplus"

	"github.com/mailstackd/mailstackd/internal/auth"
	"github.com/mailstackd/mailstackd/internal/config"
	"github.com/mailstackd/mailstackd/internal/store"
)

// listenerEntry pairs one underlying imapserver.Server with whether it
// should be served over implicit TLS (the 993 style) or plaintext/STARTTLS
// (the 143 style), mirroring internal/smtp.Server's serverEntry split.
type listenerEntry struct {
	server *imapserver.Server
	addr   string
	tls    bool
}

// Server wraps one or more go-imap servers sharing a single Backend.
type Server struct {
	entries []listenerEntry
	broker  *updateBroker
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Store     store.Mailstore
	Verifier  auth.Verifier
	Config    config.IMAPConfig
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

// NewServer builds IMAP listeners for every plain and implicit-TLS address
// in cfg, sharing one Backend and update broker across all of them.
func NewServer(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	broker := newUpdateBroker(logger)
	be := NewBackend(Config{Store: cfg.Store, Verifier: cfg.Verifier, Logger: logger})
	be.updates = broker

	srv := &Server{broker: broker, logger: logger}

	build := func(addr string, implicitTLS bool) error {
		s := imapserver.New(be)
		s.Addr = addr
		s.AllowInsecureAuth = !implicitTLS
		if cfg.TLSConfig != nil {
			s.TLSConfig = cfg.TLSConfig
		} else if implicitTLS {
			return fmt.Errorf("imap listener %s: TLS required for implicit-TLS mode but not configured", addr)
		}

		s.Enable(idle.NewExtension())
		s.Enable(move.NewExtension())
		s.Enable(specialuse.NewExtension())
		s.Enable(uidplus.NewExtension())
		s.Enable(sortthread.NewSortExtension())
		s.Enable(sortthread.NewThreadExtension())

		srv.entries = append(srv.entries, listenerEntry{server: s, addr: addr, tls: implicitTLS})
		logger.Info("configured imap listener", slog.String("address", addr), slog.Bool("implicit_tls", implicitTLS))
		return nil
	}

	for _, addr := range cfg.Config.Listeners {
		if err := build(addr, false); err != nil {
			return nil, err
		}
	}
	for _, addr := range cfg.Config.TLSListeners {
		if err := build(addr, true); err != nil {
			return nil, err
		}
	}

	return srv, nil
}

// Run starts every configured listener and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, len(s.entries))

	for _, entry := range s.entries {
		s.wg.Add(1)
		go func(entry listenerEntry) {
			defer s.wg.Done()
			var err error
			if entry.tls {
				s.logger.Info("starting imap listener (implicit tls)", slog.String("address", entry.addr))
				err = entry.server.ListenAndServeTLS()
			} else {
				s.logger.Info("starting imap listener", slog.String("address", entry.addr))
				err = entry.server.ListenAndServe()
			}
			if err != nil {
				errChan <- fmt.Errorf("imap server %s: %w", entry.addr, err)
			}
		}(entry)
	}

	<-ctx.Done()
	s.logger.Info("shutting down imap listeners")

	for _, entry := range s.entries {
		if err := entry.server.Close(); err != nil {
			s.logger.Error("error closing imap listener", slog.String("address", entry.addr), slog.String("error", err.Error()))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn("timed out waiting for imap listeners to stop")
	}

	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("imap server error", slog.String("error", err.Error()))
	}
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// WatchOwner starts republishing owner's insert notifications as IDLE
// updates; it should be called once per authenticated session's owner
// (cheap and idempotent enough to call per-login: store.WatchInserts
// hands back an independent channel each time).
func (s *Server) WatchOwner(ctx context.Context, st store.Mailstore, owner string) {
	go s.broker.watch(ctx, st, owner)
}

var _ backend.Backend = (*Backend)(nil)
