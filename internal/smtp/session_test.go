package smtp

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/mailstackd/mailstackd/internal/auth"
	"github.com/mailstackd/mailstackd/internal/store"
	"github.com/mailstackd/mailstackd/internal/testutil"
)

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		email    string
		expected string
	}{
		{"user@example.com", "example.com"},
		{"<user@example.com>", "example.com"},
		{"User@EXAMPLE.COM", "example.com"},
		{"user@sub.domain.org", "sub.domain.org"},
		{"nodomain", ""},
		{"user@", ""},
		{"@domain.com", "domain.com"},
	}

	for _, tt := range tests {
		got := extractDomain(tt.email)
		if got != tt.expected {
			t.Errorf("extractDomain(%q) = %q, want %q", tt.email, got, tt.expected)
		}
	}
}

func TestSessionHelperFunctions(t *testing.T) {
	t.Run("sessionExtractSenderDomain", func(t *testing.T) {
		tests := []struct {
			sender   string
			expected string
		}{
			{"", "unknown"},
			{"user@example.com", "example.com"},
			{"nodomain", "unknown"},
		}
		for _, tt := range tests {
			if got := sessionExtractSenderDomain(tt.sender); got != tt.expected {
				t.Errorf("sessionExtractSenderDomain(%q) = %q, want %q", tt.sender, got, tt.expected)
			}
		}
	})

	t.Run("sessionExtractAuthDomain", func(t *testing.T) {
		tests := []struct {
			username string
			expected string
		}{
			{"", "unknown"},
			{"user@example.com", "example.com"},
			{"localuser", "local"},
		}
		for _, tt := range tests {
			if got := sessionExtractAuthDomain(tt.username); got != tt.expected {
				t.Errorf("sessionExtractAuthDomain(%q) = %q, want %q", tt.username, got, tt.expected)
			}
		}
	})

	t.Run("sessionIsLocalhost", func(t *testing.T) {
		tests := []struct {
			ip       string
			expected bool
		}{
			{"127.0.0.1", true},
			{"::1", true},
			{"127.0.0.2", true},
			{"localhost", true},
			{"192.168.1.1", false},
			{"8.8.8.8", false},
		}
		for _, tt := range tests {
			if got := sessionIsLocalhost(tt.ip); got != tt.expected {
				t.Errorf("sessionIsLocalhost(%q) = %v, want %v", tt.ip, got, tt.expected)
			}
		}
	})
}

func newTestSession(t *testing.T, isSubmission bool) *Session {
	t.Helper()
	st := testutil.OpenDefaultTestStore(t)
	logger := slog.Default()
	b := NewBackend(BackendConfig{
		Hostname:      "mail.example.com",
		IsSubmission:  isSubmission,
		Store:         st,
		Verifier:      auth.NewBcryptVerifier(st, 25),
		MaxRecipients: 1,
		Logger:        logger,
	})
	return &Session{backend: b, logger: logger}
}

func TestSession_Rcpt_LocalMailboxRequired(t *testing.T) {
	t.Run("unknown mailbox accepted at RCPT, resolved at DATA", func(t *testing.T) {
		// Mailbox existence is checked during DATA's per-recipient delivery
		// loop, not here: an unauthenticated RCPT for an unknown local user
		// still needs to reach DATA so the message can be archived.
		s := newTestSession(t, false)

		if err := s.Rcpt("nobody@example.com", nil); err != nil {
			t.Fatalf("unexpected error for unknown mailbox at RCPT: %v", err)
		}
		if len(s.recipients) != 1 {
			t.Errorf("expected 1 recipient, got %d", len(s.recipients))
		}
	})

	t.Run("known mailbox accepted", func(t *testing.T) {
		s := newTestSession(t, false)

		if err := s.Rcpt("testuser@example.com", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(s.recipients) != 1 {
			t.Errorf("expected 1 recipient, got %d", len(s.recipients))
		}
	})

	t.Run("invalid address rejected with 501", func(t *testing.T) {
		s := newTestSession(t, false)

		err := s.Rcpt("nodomain", nil)
		if err == nil {
			t.Fatal("expected error for invalid address")
		}
		smtpErr, ok := err.(*gosmtp.SMTPError)
		if !ok {
			t.Fatalf("expected SMTPError, got %T", err)
		}
		if smtpErr.Code != 501 {
			t.Errorf("expected code 501, got %d", smtpErr.Code)
		}
	})

	t.Run("too many recipients rejected with 550", func(t *testing.T) {
		s := newTestSession(t, false)

		if err := s.Rcpt("testuser@example.com", nil); err != nil {
			t.Fatalf("first RCPT failed: %v", err)
		}
		err := s.Rcpt("admin@example.com", nil)
		if err == nil {
			t.Fatal("expected error for too many recipients")
		}
		if smtpErr, ok := err.(*gosmtp.SMTPError); !ok || smtpErr.Code != 550 {
			t.Errorf("expected 550 over-recipient rejection, got %v", err)
		}
	})
}

func TestSession_Mail_SubmissionRequiresAuth(t *testing.T) {
	s := newTestSession(t, true)

	err := s.Mail("testuser@example.com", nil)
	if err == nil {
		t.Fatal("expected error for unauthenticated submission")
	}
	smtpErr, ok := err.(*gosmtp.SMTPError)
	if !ok {
		t.Fatalf("expected SMTPError, got %T", err)
	}
	if smtpErr.Code != 530 {
		t.Errorf("expected code 530, got %d", smtpErr.Code)
	}
}

func TestCheckSenderAuthorization(t *testing.T) {
	t.Run("domain match passes in non-strict mode", func(t *testing.T) {
		if err := checkSenderAuthorization("alice@example.com", "bob@example.com", false); err != nil {
			t.Errorf("expected same-domain sender to pass, got %v", err)
		}
	})

	t.Run("domain mismatch rejected", func(t *testing.T) {
		if err := checkSenderAuthorization("alice@example.com", "alice@other.com", false); err == nil {
			t.Error("expected cross-domain sender to be rejected")
		}
	})

	t.Run("strict mode requires exact match", func(t *testing.T) {
		if err := checkSenderAuthorization("alice@example.com", "bob@example.com", true); err == nil {
			t.Error("expected strict mode to reject differing local-part")
		}
		if err := checkSenderAuthorization("alice@example.com", "alice@example.com", true); err != nil {
			t.Errorf("expected exact match to pass, got %v", err)
		}
	})
}

func TestSession_Reset(t *testing.T) {
	s := newTestSession(t, false)
	s.from = "alice@example.com"
	s.mailFromSeen = true
	s.recipients = []string{"testuser@example.com"}

	s.Reset()

	if s.from != "" || s.mailFromSeen || len(s.recipients) != 0 {
		t.Error("Reset did not clear session state")
	}
}

func TestSession_Data_ArchivesOnceRegardlessOfMailboxOwnership(t *testing.T) {
	st := testutil.OpenDefaultTestStore(t)
	logger := slog.Default()
	b := NewBackend(BackendConfig{
		Hostname: "mail.example.com",
		Store:    st,
		Verifier: auth.NewBcryptVerifier(st, 25),
		Logger:   logger,
	})
	s := &Session{backend: b, logger: logger, from: "alice@example.com", mailFromSeen: true,
		recipients: []string{"testuser@example.com", "nobody@example.com"}}

	raw := "From: alice@example.com\r\nTo: testuser@example.com\r\nSubject: hi\r\n\r\nbody\r\n"
	if err := s.Data(strings.NewReader(raw)); err != nil {
		t.Fatalf("Data failed: %v", err)
	}

	ctx := context.Background()
	n, err := st.ArchiveCount(ctx)
	if err != nil {
		t.Fatalf("ArchiveCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected exactly 1 archive row for the message, got %d", n)
	}

	msgs, err := st.GetMessages(ctx, "testuser@example.com", "INBOX", store.Filter{}, store.SortSpec{})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected the known recipient to receive 1 message, got %d", len(msgs))
	}
}
