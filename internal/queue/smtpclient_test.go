package queue

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeSMTPServer speaks just enough of RFC 5321 to drive sendToMX through a
// full successful or rejected delivery, without STARTTLS.
func fakeSMTPServer(t *testing.T, rcptResponse string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		write := func(s string) { conn.Write([]byte(s + "\r\n")) }

		write("220 fake.example.com ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"):
				write("250-fake.example.com")
				write("250 PIPELINING")
			case strings.HasPrefix(cmd, "MAIL FROM"):
				write("250 2.1.0 OK")
			case strings.HasPrefix(cmd, "RCPT TO"):
				write(rcptResponse)
			case strings.HasPrefix(cmd, "DATA"):
				write("354 go ahead")
				for {
					dl, err := r.ReadString('\n')
					if err != nil || strings.TrimSpace(dl) == "." {
						break
					}
				}
				write("250 2.0.0 accepted")
			case strings.HasPrefix(cmd, "QUIT"):
				write("221 bye")
				return
			default:
				write("500 unrecognized")
			}
		}
	}()

	return ln.Addr().String()
}

func TestSendToMX_Success(t *testing.T) {
	addr := fakeSMTPServer(t, "250 2.1.5 OK")

	result := sendToMXAddr(context.Background(), addr, "mx.example.com", "mail.example.net", nil,
		"alice@example.net", "bob@example.com", []byte("Subject: hi\r\n\r\nbody\r\n"))

	if !result.Success {
		t.Fatalf("expected success, got err=%v", result.Err)
	}
}

func TestSendToMX_PermanentRejection(t *testing.T) {
	addr := fakeSMTPServer(t, "550 5.1.1 no such user")

	result := sendToMXAddr(context.Background(), addr, "mx.example.com", "mail.example.net", nil,
		"alice@example.net", "bob@example.com", []byte("Subject: hi\r\n\r\nbody\r\n"))

	if result.Success {
		t.Fatal("expected failure")
	}
	if !isPermanent(result.Err) {
		t.Errorf("expected permanent error for 550, got %v", result.Err)
	}
}

func TestSendToMX_TransientRejection(t *testing.T) {
	addr := fakeSMTPServer(t, "450 4.2.1 mailbox busy")

	result := sendToMXAddr(context.Background(), addr, "mx.example.com", "mail.example.net", nil,
		"alice@example.net", "bob@example.com", []byte("Subject: hi\r\n\r\nbody\r\n"))

	if result.Success {
		t.Fatal("expected failure")
	}
	if isPermanent(result.Err) {
		t.Errorf("expected transient error for 450, not permanent: %v", result.Err)
	}
}

func TestMXLookup_FallsBackToDomainOnNoRecords(t *testing.T) {
	// "example.invalid" resolves via no real DNS in a sandboxed test
	// environment; LookupMX either errors or returns nothing, and either
	// way mxLookup must still yield the domain itself as an implicit MX.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hosts, err := mxLookup(ctx, "example.invalid")
	if err != nil {
		return // DNS error path is acceptable too, depending on sandbox resolver behavior
	}
	if len(hosts) == 0 {
		t.Error("expected at least the fallback host")
	}
}

func TestTrimTrailingDot(t *testing.T) {
	if got := trimTrailingDot("mx.example.com."); got != "mx.example.com" {
		t.Errorf("got %q", got)
	}
	if got := trimTrailingDot("mx.example.com"); got != "mx.example.com" {
		t.Errorf("got %q", got)
	}
}
