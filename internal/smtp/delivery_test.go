package smtp

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/mailstackd/mailstackd/internal/auth"
	"github.com/mailstackd/mailstackd/internal/spamcheck"
	"github.com/mailstackd/mailstackd/internal/store"
	"github.com/mailstackd/mailstackd/internal/testutil"
)

const sampleMessage = "From: alice@example.com\r\nTo: testuser@example.com\r\nSubject: hi\r\nMessage-Id: <abc@example.com>\r\n\r\nbody\r\n"

func TestSession_DeliverLocal(t *testing.T) {
	st := testutil.OpenDefaultTestStore(t)
	b := NewBackend(BackendConfig{
		Hostname: "mail.example.com",
		Store:    st,
		Verifier: auth.NewBcryptVerifier(st, 25),
	})
	s := &Session{backend: b, from: "alice@example.com"}

	ctx := context.Background()
	if err := s.deliverLocal(ctx, "testuser@example.com", []byte(sampleMessage), nil); err != nil {
		t.Fatalf("deliverLocal failed: %v", err)
	}

	msgs, err := st.GetMessages(ctx, "testuser@example.com", "INBOX", store.Filter{}, store.SortSpec{})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(msgs))
	}
	if msgs[0].Subject != "hi" {
		t.Errorf("expected parsed subject %q, got %q", "hi", msgs[0].Subject)
	}
	if !msgs[0].Flags.Has(store.FlagRecent) {
		t.Errorf("expected delivered message to carry %s, got flags %v", store.FlagRecent, msgs[0].Flags)
	}
}

func TestInjectSpamHeaders(t *testing.T) {
	result := &spamcheck.CheckResult{
		CheckerName: "rspamd",
		Score:       12.5,
		Action:      spamcheck.ActionFlag,
		Details:     map[string]interface{}{"BAYES_SPAM": 3.0, "HTML_ONLY": 0.1},
	}

	out := injectSpamHeaders([]byte(sampleMessage), result)
	str := string(out)

	if !strings.Contains(str, "X-Spam-Checker-Version: rspamd") {
		t.Error("missing X-Spam-Checker-Version header")
	}
	if !strings.Contains(str, "X-Spam-Score: 12.50") {
		t.Error("missing X-Spam-Score header")
	}
	if !strings.Contains(str, "X-Spam-Symbols: BAYES_SPAM,HTML_ONLY") {
		t.Errorf("expected sorted symbol keys, got: %s", str)
	}
	if !bytes.HasSuffix(out, []byte(sampleMessage)) {
		t.Error("expected original message to follow injected headers")
	}
}

func TestRepeatAsterisk(t *testing.T) {
	if got := repeatAsterisk(3); got != "***" {
		t.Errorf("repeatAsterisk(3) = %q, want ***", got)
	}
	if got := repeatAsterisk(0); got != "" {
		t.Errorf("repeatAsterisk(0) = %q, want empty", got)
	}
}
