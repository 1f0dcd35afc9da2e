package smtp

import (
	"log/slog"
	"net"

	"github.com/emersion/go-smtp"

	"github.com/mailstackd/mailstackd/internal/auth"
	"github.com/mailstackd/mailstackd/internal/config"
	"github.com/mailstackd/mailstackd/internal/metrics"
	"github.com/mailstackd/mailstackd/internal/spamcheck"
	"github.com/mailstackd/mailstackd/internal/store"
)

// Backend implements the go-smtp Backend interface. One Backend is shared
// by every listener of a given mode (MX, submission, LMTP); isSubmission
// and isLMTP record which so Session can apply the right authorization rules.
type Backend struct {
	hostname          string
	port              int
	isSubmission      bool
	isLMTP            bool
	store             store.Mailstore
	verifier          auth.Verifier
	spamChecker       spamcheck.Checker
	spamConfig        config.SpamCheckConfig
	collector         metrics.Collector
	maxRecipients     int
	maxMessageSize    int64
	strictSenderMatch bool
	logger            *slog.Logger
}

// BackendConfig holds configuration for creating a Backend.
type BackendConfig struct {
	Hostname       string
	Port           int
	IsSubmission   bool
	Store          store.Mailstore
	Verifier       auth.Verifier
	SpamChecker    spamcheck.Checker
	SpamConfig     config.SpamCheckConfig
	Collector         metrics.Collector
	MaxRecipients     int
	MaxMessageSize    int64
	StrictSenderMatch bool
	Logger            *slog.Logger
}

// NewBackend creates a new Backend with the given configuration.
func NewBackend(cfg BackendConfig) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Backend{
		hostname:          cfg.Hostname,
		port:              cfg.Port,
		isSubmission:      cfg.IsSubmission,
		store:             cfg.Store,
		verifier:          cfg.Verifier,
		spamChecker:       cfg.SpamChecker,
		spamConfig:        cfg.SpamConfig,
		collector:         cfg.Collector,
		maxRecipients:     cfg.MaxRecipients,
		maxMessageSize:    cfg.MaxMessageSize,
		strictSenderMatch: cfg.StrictSenderMatch,
		logger:            logger,
	}
}

// withLMTP returns a shallow copy of b flagged as serving an LMTP listener,
// so Session can label the archive's source column without each listener
// mode needing its own independently-configured Backend.
func (b *Backend) withLMTP() *Backend {
	cp := *b
	cp.isLMTP = true
	return &cp
}

// protoName is used consistently across all collector calls for this Backend.
func (b *Backend) protoName() string {
	if b.isSubmission {
		return "submission"
	}
	return "smtp"
}

// NewSession is called for each new connection.
// It implements the smtp.Backend interface.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	if b.collector != nil {
		b.collector.ConnectionOpened(b.protoName())
	}

	clientIP := extractIPFromConn(c.Conn())

	return &Session{
		backend:  b,
		conn:     c,
		clientIP: clientIP,
		logger:   b.logger.With(slog.String("client_ip", clientIP), slog.String("proto", b.protoName())),
	}, nil
}

// extractIPFromConn extracts the IP address string from a net.Conn.
func extractIPFromConn(conn net.Conn) string {
	if conn == nil {
		return ""
	}

	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}

	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
