package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/mailstackd/mailstackd/internal/config"
)

// serverEntry holds a go-smtp server and its mode.
type serverEntry struct {
	server *gosmtp.Server
	mode   config.ListenerMode
}

// Server wraps multiple go-smtp servers for multi-mode listener support.
type Server struct {
	entries []serverEntry
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// ServerConfig holds configuration for creating a multi-mode Server.
type ServerConfig struct {
	Backend      *Backend
	Listeners    []config.ListenerConfig
	Hostname     string
	TLSConfig    *tls.Config
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxMessageSize int
	MaxRecipients  int
	Logger       *slog.Logger
}

// NewServer creates a new multi-mode Server with go-smtp servers for each listener.
func NewServer(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		entries: make([]serverEntry, 0, len(cfg.Listeners)),
		logger:  logger,
	}

	for _, listener := range cfg.Listeners {
		backend := cfg.Backend
		if listener.Mode == config.ModeLmtp {
			backend = backend.withLMTP()
		}
		s := gosmtp.NewServer(backend)
		s.Addr = listener.Address
		s.Domain = cfg.Hostname
		s.ReadTimeout = cfg.ReadTimeout
		s.WriteTimeout = cfg.WriteTimeout
		s.MaxMessageBytes = int64(cfg.MaxMessageSize)
		s.MaxRecipients = cfg.MaxRecipients
		s.EnableSMTPUTF8 = true

		switch listener.Mode {
		case config.ModeSmtp:
			// Standard SMTP on port 25
			// AUTH only allowed after STARTTLS (except localhost)
			s.AllowInsecureAuth = false
			if cfg.TLSConfig != nil {
				s.TLSConfig = cfg.TLSConfig
			}

		case config.ModeSubmission:
			// Submission on port 587
			// Requires STARTTLS before AUTH
			s.AllowInsecureAuth = false
			if cfg.TLSConfig != nil {
				s.TLSConfig = cfg.TLSConfig
			}

		case config.ModeSmtps:
			// SMTPS on port 465 (implicit TLS)
			if cfg.TLSConfig == nil {
				return nil, fmt.Errorf("listener %s: TLS required for SMTPS mode but not configured", listener.Address)
			}
			s.TLSConfig = cfg.TLSConfig
			// AUTH is allowed since connection is already TLS
			s.AllowInsecureAuth = false

		case config.ModeLmtp:
			// LMTP speaks to a local next-hop (the archive/delivery layer),
			// not a remote MTA: AUTH is irrelevant and go-smtp emits one
			// per-recipient status line instead of one for the whole DATA.
			s.LMTP = true
			s.AllowInsecureAuth = true
		}

		srv.entries = append(srv.entries, serverEntry{server: s, mode: listener.Mode})
		logger.Info("configured listener",
			slog.String("address", listener.Address),
			slog.String("mode", string(listener.Mode)))
	}

	return srv, nil
}

// Run starts all servers and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, len(s.entries))

	// Start all servers
	for _, entry := range s.entries {
		s.wg.Add(1)
		go func(entry serverEntry) {
			defer s.wg.Done()

			var err error
			if entry.mode == config.ModeSmtps {
				s.logger.Info("starting SMTPS listener", slog.String("address", entry.server.Addr))
				err = entry.server.ListenAndServeTLS()
			} else {
				s.logger.Info("starting listener", slog.String("address", entry.server.Addr))
				err = entry.server.ListenAndServe()
			}

			if err != nil {
				errChan <- fmt.Errorf("server %s: %w", entry.server.Addr, err)
			}
		}(entry)
	}

	// Wait for context cancellation
	<-ctx.Done()

	s.logger.Info("shutting down servers")

	// Gracefully close all servers
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, entry := range s.entries {
		if err := entry.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error shutting down server",
				slog.String("address", entry.server.Addr),
				slog.String("error", err.Error()))
		}
	}

	s.wg.Wait()
	s.logger.Info("all servers stopped")

	// Check for any startup errors
	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("server error", slog.String("error", err.Error()))
	}

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}
