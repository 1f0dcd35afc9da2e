package smtp

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mailstackd/mailstackd/internal/mailparse"
	"github.com/mailstackd/mailstackd/internal/spamcheck"
	"github.com/mailstackd/mailstackd/internal/store"
)

// deliverLocal runs the inbound delivery pipeline: size check (already
// enforced by go-smtp's MaxMessageBytes before Data is even called), spam
// scan, optional header injection, MIME parse for index fields, and
// persistence into the recipient's INBOX with \Recent set. It is called
// once per local recipient accepted at RCPT TO; archiving the raw message
// happens once per message in the caller (see Session.Data), not here.
func (s *Session) deliverLocal(ctx context.Context, recipient string, raw []byte, spamResult *spamcheck.CheckResult) error {
	if spamResult != nil && s.backend.spamConfig.AddHeaders {
		raw = injectSpamHeaders(raw, spamResult)
	}

	env := mailparse.ParseEnvelope(raw)

	msg := &store.Message{
		Owner:        recipient,
		Folder:       "INBOX",
		Flags:        store.Flags{store.FlagRecent},
		InternalDate: time.Now(),
		Size:         int64(len(raw)),
		Raw:          raw,
		MessageID:    env.MessageID,
		Subject:      env.Subject,
		FromAddr:     s.from,
		ToAddrs:      []string{recipient},
	}

	if err := s.backend.store.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	return nil
}

// injectSpamHeaders prepends X-Spam-* headers (checker version, score,
// action, level, symbols) ahead of the existing header block, matching the
// convention most milter-style spam filters use so downstream mail clients'
// existing rules (match on X-Spam-Score, X-Spam-Level, etc.) keep working
// unmodified.
func injectSpamHeaders(raw []byte, result *spamcheck.CheckResult) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "X-Spam-Checker-Version: %s\r\n", result.CheckerName)
	fmt.Fprintf(&buf, "X-Spam-Score: %.2f\r\n", result.Score)
	fmt.Fprintf(&buf, "X-Spam-Action: %s\r\n", result.Action)

	level := int(result.Score)
	if level > 50 {
		level = 50
	}
	if level > 0 {
		fmt.Fprintf(&buf, "X-Spam-Level: %s\r\n", repeatAsterisk(level))
	}

	if len(result.Details) > 0 {
		fmt.Fprintf(&buf, "X-Spam-Symbols: %s\r\n", joinDetailKeys(result.Details))
	}

	buf.Write(raw)
	return buf.Bytes()
}

func repeatAsterisk(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '*'
	}
	return string(b)
}

func joinDetailKeys(details map[string]interface{}) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
