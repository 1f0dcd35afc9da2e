// Package dkim signs outbound mail with a DKIM-Signature header, using a
// pluggable key source so the signing key material never has to live in
// this package.
package dkim

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/emersion/go-msgauth/dkim"
)

// KeyMaterial is what a KeySource returns for a signing domain.
type KeyMaterial struct {
	PrivateKey crypto.Signer
	Selector   string
	Domain     string
}

// KeySource looks up the signing key for a domain. A nil result with a nil
// error means "no key configured for this domain" — signing is skipped,
// not failed.
type KeySource interface {
	LookupKeys(ctx context.Context, domain string) (*KeyMaterial, error)
}

// FileKeySource loads PEM-encoded RSA private keys from <dir>/<domain>.pem,
// the one KeySource implementation spec.md names explicitly.
type FileKeySource struct {
	Dir      string
	Selector string

	mu    sync.Mutex
	cache map[string]*KeyMaterial
}

// NewFileKeySource builds a FileKeySource rooted at dir, signing with the
// given selector for every domain it serves.
func NewFileKeySource(dir, selector string) *FileKeySource {
	return &FileKeySource{Dir: dir, Selector: selector, cache: make(map[string]*KeyMaterial)}
}

func (f *FileKeySource) LookupKeys(_ context.Context, domain string) (*KeyMaterial, error) {
	domain = strings.ToLower(domain)

	f.mu.Lock()
	defer f.mu.Unlock()

	if km, ok := f.cache[domain]; ok {
		return km, nil
	}

	path := filepath.Join(f.Dir, domain+".pem")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			f.cache[domain] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("dkim: reading key for %s: %w", domain, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("dkim: no PEM block found in %s", path)
	}

	signer, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("dkim: parsing key for %s: %w", domain, err)
	}

	km := &KeyMaterial{PrivateKey: signer, Selector: f.Selector, Domain: domain}
	f.cache[domain] = km
	return km, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key is not an RSA private key")
	}
	if _, ok := signer.(*rsa.PrivateKey); !ok {
		return nil, fmt.Errorf("only RSA keys are supported")
	}
	return signer, nil
}

var _ KeySource = (*FileKeySource)(nil)

// Signer signs outbound messages, skipping silently when no key is
// configured for the sending domain.
type Signer struct {
	keys          KeySource
	headersToSign []string
}

// NewSigner builds a Signer. headersToSign defaults to
// from:to:subject:date:message-id when empty, matching spec.md §4.5.
func NewSigner(keys KeySource, headersToSign []string) *Signer {
	if len(headersToSign) == 0 {
		headersToSign = []string{"From", "To", "Subject", "Date", "Message-Id"}
	}
	return &Signer{keys: keys, headersToSign: headersToSign}
}

// Sign extracts the sending domain from from, looks up its key, and
// prepends a DKIM-Signature header to raw. If no key is configured, or
// signing itself fails, raw is returned unmodified — a missing or broken
// key must never block outbound delivery.
func (s *Signer) Sign(ctx context.Context, from string, raw []byte) []byte {
	domain := domainOf(from)
	if domain == "" {
		return raw
	}

	km, err := s.keys.LookupKeys(ctx, domain)
	if err != nil || km == nil {
		return raw
	}

	options := &dkim.SignOptions{
		Domain:                 km.Domain,
		Selector:               km.Selector,
		Signer:                 km.PrivateKey,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             s.headersToSign,
	}

	var buf bytes.Buffer
	if err := dkim.Sign(&buf, bytes.NewReader(raw), options); err != nil {
		return raw
	}
	return buf.Bytes()
}

func domainOf(addr string) string {
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	idx := strings.LastIndex(addr, "@")
	if idx < 0 || idx == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[idx+1:])
}
