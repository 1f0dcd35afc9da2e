package smtp

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mailstackd/mailstackd/internal/protoerr"
	"github.com/mailstackd/mailstackd/internal/spamcheck"
	"github.com/mailstackd/mailstackd/internal/store"
)

// tempBuffer abstracts temporary message storage during DATA processing.
// The preferred implementation writes to a temp file so large messages
// aren't held in memory twice; if filesystem access fails, the fallback
// holds the message in memory.
type tempBuffer interface {
	io.Writer
	reader() io.Reader
	cleanup()
}

type fileTempBuf struct{ f *os.File }

func (b *fileTempBuf) Write(p []byte) (int, error) { return b.f.Write(p) }
func (b *fileTempBuf) reader() io.Reader {
	_, _ = b.f.Seek(0, io.SeekStart)
	return b.f
}
func (b *fileTempBuf) cleanup() {
	_ = b.f.Close()
	_ = os.Remove(b.f.Name())
}

type memTempBuf struct{ buf bytes.Buffer }

func (b *memTempBuf) Write(p []byte) (int, error) { return b.buf.Write(p) }
func (b *memTempBuf) reader() io.Reader            { return bytes.NewReader(b.buf.Bytes()) }
func (b *memTempBuf) cleanup()                     {}

func newTempBuffer() tempBuffer {
	if f, err := os.CreateTemp("", "mailstackd-msg-*"); err == nil {
		return &fileTempBuf{f: f}
	}
	return &memTempBuf{}
}

// countingReader wraps an io.Reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Session implements the go-smtp Session interface for every listener mode
// (plain SMTP, submission, SMTPS, and LMTP — the identical implementation
// is reused for LMTP by setting Server.LMTP = true, which makes go-smtp
// emit one status line per recipient automatically).
type Session struct {
	backend      *Backend
	conn         *smtp.Conn
	clientIP     string
	helo         string
	from         string
	mailFromSeen bool
	recipients   []string
	authUser     string
	logger       *slog.Logger
}

// AuthMechanisms returns the available authentication mechanisms.
func (s *Session) AuthMechanisms() []string {
	_, isTLS := s.conn.TLSConnectionState()
	if !isTLS && !sessionIsLocalhost(s.clientIP) {
		return nil
	}
	if s.backend.verifier == nil {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

// Auth handles authentication, modeling AUTH LOGIN's two-step continuation
// the same way AUTH PLAIN's single-step exchange is modeled: as a
// sasl.Server instance go-smtp holds as the session's one pending
// continuation, rather than a second bespoke state machine.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if s.backend.verifier == nil {
		return nil, smtp.ErrAuthUnsupported
	}

	authenticate := func(username, password string) error {
		addr, err := s.backend.verifier.Verify(context.Background(), username, password)
		proto := s.backend.protoName()
		if err != nil {
			if s.backend.collector != nil {
				s.backend.collector.AuthAttempt(proto, sessionExtractAuthDomain(username), false)
			}
			s.logger.Debug("authentication failed", slog.String("username", username))
			return protoerr.ToSMTP(err)
		}

		s.authUser = addr
		if s.backend.collector != nil {
			s.backend.collector.AuthAttempt(proto, sessionExtractAuthDomain(addr), true)
		}
		s.logger.Debug("authentication successful", slog.String("username", s.authUser))
		return nil
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return authenticate(username, password)
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(authenticate), nil
	default:
		return nil, smtp.ErrAuthUnknownMechanism
	}
}

// Mail handles the MAIL FROM command.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.isSubmission && s.authUser == "" {
		return protoerr.ToSMTP(protoerr.New(protoerr.AuthRequired, "authentication required for submission"))
	}

	if s.authUser != "" {
		if err := checkSenderAuthorization(s.authUser, from, s.backend.strictSenderMatch); err != nil {
			return protoerr.ToSMTP(err)
		}
	}

	s.from = from
	s.mailFromSeen = true

	if s.backend.collector != nil {
		s.backend.collector.CommandProcessed(s.backend.protoName(), "MAIL")
	}

	s.logger.Debug("MAIL FROM", slog.String("from", from))
	return nil
}

// checkSenderAuthorization implements the domain-level sender-match rule:
// the authenticated username must share a registered domain with the
// envelope sender, or (when strict is true) match it exactly.
func checkSenderAuthorization(authUser, from string, strict bool) error {
	if strict {
		if !strings.EqualFold(authUser, extractLocalAndDomain(from)) {
			return protoerr.New(protoerr.PolicyReject, "envelope sender does not match authenticated user")
		}
		return nil
	}

	authDomain := extractDomain(authUser)
	fromDomain := extractDomain(from)
	if fromDomain == "" || authDomain == "" || !strings.EqualFold(authDomain, fromDomain) {
		return protoerr.New(protoerr.PolicyReject, "envelope sender domain does not match authenticated user")
	}
	return nil
}

func extractLocalAndDomain(email string) string {
	email = strings.TrimPrefix(email, "<")
	email = strings.TrimSuffix(email, ">")
	return strings.ToLower(email)
}

// Rcpt handles the RCPT TO command.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.backend.maxRecipients > 0 && len(s.recipients) >= s.backend.maxRecipients {
		return protoerr.ToSMTP(protoerr.New(protoerr.PolicyReject, "too many recipients"))
	}

	domainName := extractDomain(to)
	if domainName == "" {
		return protoerr.ToSMTP(protoerr.New(protoerr.SyntaxError, "invalid address format"))
	}

	// Mailbox existence for unauthenticated (inbound) recipients is checked
	// at DATA time, not here: rejecting unknown local users at RCPT would
	// make the per-message archive unreachable for exactly the mail that
	// needs it, since the sender would never reach DATA at all.
	// Authenticated submission sessions may relay to any recipient; delivery
	// routes to the outbound queue rather than a local folder.

	s.recipients = append(s.recipients, strings.ToLower(to))

	if s.backend.collector != nil {
		s.backend.collector.CommandProcessed(s.backend.protoName(), "RCPT")
	}

	s.logger.Debug("RCPT TO", slog.String("to", to))
	return nil
}

// source names the archive's protocol column: SMTP or LMTP.
func (s *Session) source() string {
	if s.backend.isLMTP {
		return "LMTP"
	}
	return "SMTP"
}

func extractDomain(email string) string {
	email = strings.TrimPrefix(email, "<")
	email = strings.TrimSuffix(email, ">")

	idx := strings.LastIndex(email, "@")
	if idx < 0 || idx == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[idx+1:])
}

// Data handles the DATA command: spam scan, then either local delivery
// (INBOX) for each recipient or a queue entry per recipient for relayed
// submission mail.
func (s *Session) Data(r io.Reader) error {
	ctx := context.Background()

	if s.backend.collector != nil {
		s.backend.collector.CommandProcessed(s.backend.protoName(), "DATA")
	}

	if !s.mailFromSeen {
		return protoerr.ToSMTP(protoerr.New(protoerr.StateError, "MAIL FROM required"))
	}
	if len(s.recipients) == 0 {
		return protoerr.ToSMTP(protoerr.New(protoerr.StateError, "RCPT TO required"))
	}

	tmp := newTempBuffer()
	defer tmp.cleanup()

	tee := io.TeeReader(r, tmp)
	counter := &countingReader{r: tee}

	var spamResult *spamcheck.CheckResult

	if s.backend.spamChecker != nil && s.backend.spamConfig.IsEnabled() && s.spamCheckApplies() {
		result, checkErr := s.backend.spamChecker.Check(ctx, counter, spamcheck.CheckOptions{
			From:       s.from,
			Recipients: s.recipients,
			IP:         s.clientIP,
			Helo:       s.helo,
			Hostname:   s.backend.hostname,
			User:       s.authUser,
		})

		senderDomain := sessionExtractSenderDomain(s.from)

		if checkErr != nil {
			s.logger.Debug("spam check failed", slog.String("error", checkErr.Error()))
			if s.backend.collector != nil {
				s.backend.collector.RspamdCheckCompleted(senderDomain, "error", 0)
			}

			switch s.backend.spamConfig.GetFailMode() {
			case "reject":
				return s.rejectForSpam("spamcheck_error", protoerr.New(protoerr.PolicyReject, "spam check failed"))
			case "tempfail":
				return s.rejectForSpam("spamcheck_error", protoerr.New(protoerr.Transient, "spam check failed, try again later"))
			default:
				s.logger.Debug("spam check failed, continuing (fail open mode)")
			}
		} else {
			metricResult := "ham"
			if result.ShouldReject(s.backend.spamConfig.RejectThreshold) {
				metricResult = "spam"
			} else if result.ShouldTempFail(s.backend.spamConfig.TempFailThreshold) {
				metricResult = "soft_reject"
			}
			if s.backend.collector != nil {
				s.backend.collector.RspamdCheckCompleted(senderDomain, metricResult, result.Score)
			}

			if result.ShouldReject(s.backend.spamConfig.RejectThreshold) {
				return s.rejectForSpam("spam", protoerr.New(protoerr.PolicyReject, orDefault(result.RejectMessage, "message rejected as spam")))
			}
			if s.backend.spamConfig.TempFailThreshold > 0 && result.ShouldTempFail(s.backend.spamConfig.TempFailThreshold) {
				return s.rejectForSpam("soft_reject", protoerr.New(protoerr.Transient, orDefault(result.RejectMessage, "message deferred, try again later")))
			}

			spamResult = result
		}
	} else if _, err := io.Copy(io.Discard, counter); err != nil {
		return protoerr.ToSMTP(protoerr.Wrap(protoerr.IoError, "error reading message", err))
	}

	raw, err := io.ReadAll(tmp.reader())
	if err != nil {
		return protoerr.ToSMTP(protoerr.Wrap(protoerr.IoError, "error buffering message", err))
	}

	// Archive once per message, independent of how many recipients it's
	// eventually delivered to.
	if err := s.backend.store.ArchiveIncoming(ctx, s.from, s.recipients, s.source(), raw, time.Now()); err != nil {
		return protoerr.ToSMTP(protoerr.Wrap(protoerr.IoError, "error archiving message", err))
	}

	for _, recipient := range s.recipients {
		var deliverErr error

		switch {
		case s.authUser != "" && extractDomain(recipient) != extractDomain(s.authUser):
			deliverErr = s.enqueueOutbound(ctx, recipient, raw)

		default:
			exists, existsErr := s.backend.store.MailboxExists(ctx, recipient)
			if existsErr != nil {
				deliverErr = existsErr
				break
			}
			if !exists {
				// No mailbox owns this recipient: the message stays
				// archive-only, matching step 4's "if absent, record
				// archive-only" rather than failing the transaction.
				s.logger.Debug("recipient has no mailbox, archived only", slog.String("recipient", recipient))
				continue
			}
			deliverErr = s.deliverLocal(ctx, recipient, raw, spamResult)
		}

		if deliverErr != nil {
			s.logger.Debug("delivery failed", slog.String("recipient", recipient), slog.String("error", deliverErr.Error()))
			if s.backend.collector != nil {
				s.backend.collector.MessageRejected(extractDomain(recipient), "delivery_error")
			}
			return protoerr.ToSMTP(protoerr.Wrap(protoerr.Transient, "delivery failed", deliverErr))
		}

		if s.backend.collector != nil {
			s.backend.collector.MessageReceived(extractDomain(recipient), counter.n)
		}
	}

	s.logger.Debug("message accepted", slog.Int64("size", counter.n), slog.Int("recipients", len(s.recipients)))
	return nil
}

// spamCheckApplies honors independent inbound/outbound spam-check toggles:
// unauthenticated (MX/LMTP) traffic is inbound, authenticated submission is
// outbound.
func (s *Session) spamCheckApplies() bool {
	if s.authUser != "" {
		return s.backend.spamConfig.OutboundEnabled()
	}
	return s.backend.spamConfig.InboundEnabled()
}

func (s *Session) rejectForSpam(reason string, err *protoerr.Error) error {
	if s.backend.collector != nil {
		for _, recipient := range s.recipients {
			s.backend.collector.MessageRejected(extractDomain(recipient), reason)
		}
	}
	return protoerr.ToSMTP(err)
}

func (s *Session) enqueueOutbound(ctx context.Context, recipient string, raw []byte) error {
	return s.backend.store.EnqueueOutbound(ctx, &store.QueuedMessage{
		From: s.from,
		To:   recipient,
		Raw:  raw,
	})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Reset is called when the client sends RSET.
func (s *Session) Reset() {
	s.from = ""
	s.mailFromSeen = false
	s.recipients = nil
	s.logger.Debug("session reset")
}

// Logout is called when the client quits or the connection closes.
func (s *Session) Logout() error {
	if s.backend.collector != nil {
		s.backend.collector.ConnectionClosed(s.backend.protoName())
	}
	s.logger.Debug("session logout")
	return nil
}

func sessionExtractSenderDomain(sender string) string {
	if sender == "" {
		return "unknown"
	}
	if idx := strings.LastIndex(sender, "@"); idx >= 0 {
		return sender[idx+1:]
	}
	return "unknown"
}

func sessionExtractAuthDomain(username string) string {
	if username == "" {
		return "unknown"
	}
	if idx := strings.LastIndex(username, "@"); idx >= 0 {
		return username[idx+1:]
	}
	return "local"
}

func sessionIsLocalhost(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" ||
		(len(ip) > 4 && ip[:4] == "127.") || ip == "localhost"
}

var _ smtp.Session = (*Session)(nil)
var _ smtp.AuthSession = (*Session)(nil)

// A blank reference to the time package; it declares nothing.
var _ = time.Second
