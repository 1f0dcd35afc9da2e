package dkim

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleMessage = "From: alice@example.com\r\nTo: bob@example.org\r\nSubject: hi\r\nDate: Wed, 29 Jul 2026 10:00:00 +0000\r\nMessage-Id: <abc@example.com>\r\n\r\nbody\r\n"

func writeTestKey(t *testing.T, dir, domain string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	path := filepath.Join(dir, domain+".pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
}

func TestSigner_SignsWhenKeyPresent(t *testing.T) {
	dir := t.TempDir()
	writeTestKey(t, dir, "example.com")

	keys := NewFileKeySource(dir, "mail")
	signer := NewSigner(keys, nil)

	out := signer.Sign(context.Background(), "alice@example.com", []byte(sampleMessage))

	if !strings.Contains(string(out), "DKIM-Signature:") {
		t.Error("expected DKIM-Signature header to be prepended")
	}
}

func TestSigner_SkipsWhenNoKeyConfigured(t *testing.T) {
	dir := t.TempDir()

	keys := NewFileKeySource(dir, "mail")
	signer := NewSigner(keys, nil)

	out := signer.Sign(context.Background(), "alice@unconfigured.com", []byte(sampleMessage))

	if string(out) != sampleMessage {
		t.Error("expected raw message unchanged when no key is configured")
	}
}

func TestFileKeySource_CachesLookups(t *testing.T) {
	dir := t.TempDir()
	writeTestKey(t, dir, "example.com")

	keys := NewFileKeySource(dir, "mail")
	ctx := context.Background()

	km1, err := keys.LookupKeys(ctx, "example.com")
	if err != nil || km1 == nil {
		t.Fatalf("expected key material, got %v, err=%v", km1, err)
	}

	km2, err := keys.LookupKeys(ctx, "EXAMPLE.COM")
	if err != nil || km2 != km1 {
		t.Errorf("expected cached lookup to return same pointer regardless of case, got %v vs %v (err=%v)", km1, km2, err)
	}
}

func TestDomainOf(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"alice@example.com", "example.com"},
		{"<alice@example.com>", "example.com"},
		{"noat", ""},
	}
	for _, tt := range tests {
		if got := domainOf(tt.addr); got != tt.want {
			t.Errorf("domainOf(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
