// Package mailparse extracts the handful of header fields mailstackd needs
// to index a message (Subject, Message-Id) without holding a second parsed
// copy of the body in memory, using emersion/go-message's streaming reader.
package mailparse

import (
	"bytes"
	"io"

	"github.com/emersion/go-message/mail"
)

// Envelope is the subset of header fields mailstackd stores as searchable
// columns alongside the raw message.
type Envelope struct {
	Subject   string
	MessageID string
	From      string
	To        []string
}

// ParseEnvelope reads just the header section of raw (a fully-buffered
// RFC 5322 message) and returns the fields used for IMAP SEARCH/SORT.
// Malformed headers are tolerated: go-message/mail.CreateReader already
// recovers from most encoding errors, and when it cannot, ParseEnvelope
// returns a zero Envelope rather than failing delivery over a header we
// don't strictly need.
func ParseEnvelope(raw []byte) Envelope {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return Envelope{}
	}
	defer drain(r)

	h := r.Header

	var env Envelope
	if subj, err := h.Subject(); err == nil {
		env.Subject = subj
	}
	if id, err := h.MessageID(); err == nil {
		env.MessageID = id
	}
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		env.From = addrs[0].Address
	}
	if addrs, err := h.AddressList("To"); err == nil {
		for _, a := range addrs {
			env.To = append(env.To, a.Address)
		}
	}
	return env
}

// drain consumes the remaining body parts so the reader's resources are
// released; mailstackd stores the raw bytes directly and doesn't need the
// decoded part tree.
func drain(r *mail.Reader) {
	for {
		if _, err := r.NextPart(); err != nil {
			if err != io.EOF {
				return
			}
			return
		}
	}
}
