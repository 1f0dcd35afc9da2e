package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-smtp"
)

// connectTimeout bounds the MX TCP dial and each SMTP command's exchange,
// matching spec.md §4.4's "connect/read timeout 30s".
const connectTimeout = 30 * time.Second

// mxLookup resolves a recipient domain's MX hosts ordered by priority,
// falling back to the domain itself (an implicit MX record per RFC 5321)
// when no MX records exist.
func mxLookup(ctx context.Context, domain string) ([]string, error) {
	var resolver net.Resolver
	records, err := resolver.LookupMX(ctx, domain)
	if err != nil || len(records) == 0 {
		if _, ok := err.(*net.DNSError); ok || err == nil {
			return []string{domain}, nil
		}
		return nil, fmt.Errorf("queue: MX lookup for %s: %w", domain, err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })

	hosts := make([]string, len(records))
	for i, r := range records {
		hosts[i] = trimTrailingDot(r.Host)
	}
	return hosts, nil
}

func trimTrailingDot(host string) string {
	if len(host) > 0 && host[len(host)-1] == '.' {
		return host[:len(host)-1]
	}
	return host
}

// deliverAttempt holds the outcome of one MX delivery attempt, matching
// spec.md §4.4's sendAttempts[] entry shape.
type deliverAttempt struct {
	Timestamp time.Time
	Success   bool
	Response  string
	Err       error
}

// sendToMX speaks the full SMTP client sequence to one MX host on port 25:
// connect, EHLO, STARTTLS when offered, MAIL FROM, RCPT TO, DATA. localAddr,
// when non-nil, binds the outbound connection to a chosen source IP (§4.9).
func sendToMX(ctx context.Context, host, heloName string, localAddr net.Addr, from, to string, raw []byte) deliverAttempt {
	return sendToMXAddr(ctx, net.JoinHostPort(host, "25"), host, heloName, localAddr, from, to, raw)
}

// sendToMXAddr is sendToMX with the dial address and TLS server name
// separated from the rest of the arguments, so tests can point it at a
// local fake server while exercising the exact same protocol sequence.
func sendToMXAddr(ctx context.Context, addr, host, heloName string, localAddr net.Addr, from, to string, raw []byte) deliverAttempt {
	attempt := deliverAttempt{Timestamp: time.Now()}

	dialer := &net.Dialer{Timeout: connectTimeout, LocalAddr: localAddr}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		attempt.Err = fmt.Errorf("dial %s: %w", host, err)
		return attempt
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		attempt.Err = fmt.Errorf("smtp handshake with %s: %w", host, err)
		return attempt
	}
	defer client.Close()

	client.CommandTimeout = connectTimeout
	client.SubmissionTimeout = connectTimeout

	if err := client.Hello(heloName); err != nil {
		attempt.Err = fmt.Errorf("EHLO to %s: %w", host, err)
		return attempt
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			attempt.Err = fmt.Errorf("STARTTLS with %s: %w", host, err)
			return attempt
		}
	}

	if err := client.Mail(from, nil); err != nil {
		attempt.Err = classifyErr(err, "MAIL FROM")
		return attempt
	}
	if err := client.Rcpt(to, nil); err != nil {
		attempt.Err = classifyErr(err, "RCPT TO")
		return attempt
	}

	wc, err := client.Data()
	if err != nil {
		attempt.Err = classifyErr(err, "DATA")
		return attempt
	}
	if _, err := wc.Write(raw); err != nil {
		wc.Close()
		attempt.Err = fmt.Errorf("writing message body: %w", err)
		return attempt
	}
	if err := wc.Close(); err != nil {
		attempt.Err = classifyErr(err, "final dot")
		return attempt
	}

	_ = client.Quit()
	attempt.Success = true
	attempt.Response = "250 message accepted"
	return attempt
}

func classifyErr(err error, step string) error {
	return fmt.Errorf("%s: %w", step, err)
}

// isPermanent reports whether err carries a 5xx SMTP status, per spec.md
// §4.4 ("5xx is permanent, no further attempts for that recipient").
func isPermanent(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 500
	}
	return false
}
