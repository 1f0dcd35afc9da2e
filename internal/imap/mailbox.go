package imap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-message/mail"

	"github.com/mailstackd/mailstackd/internal/imap/search"
	"github.com/mailstackd/mailstackd/internal/mailparse"
	"github.com/mailstackd/mailstackd/internal/store"
)

// Mailbox adapts one owner+folder pair in store.Mailstore to go-imap's
// backend.Mailbox contract.
type Mailbox struct {
	owner string
	info  store.FolderInfo
	store store.Mailstore
}

func (m *Mailbox) Name() string { return m.info.Name }

func (m *Mailbox) Info() (*imap.MailboxInfo, error) {
	info := &imap.MailboxInfo{
		Delimiter: "/",
		Name:      m.info.Name,
	}
	if m.info.SpecialUse != "" {
		info.Attributes = []string{m.info.SpecialUse}
	}
	return info, nil
}

func (m *Mailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	ctx := context.Background()
	status := imap.NewMailboxStatus(m.info.Name, items)
	status.Flags = systemFlags()
	status.PermanentFlags = append(systemFlags(), "\\*")

	msgs, err := m.store.GetMessages(ctx, m.owner, m.info.Name, store.Filter{}, store.SortSpec{})
	if err != nil {
		return nil, err
	}
	nextUID, err := m.store.PeekNextUID(ctx, m.owner, m.info.Name)
	if err != nil {
		return nil, err
	}

	var unseen, recent uint32
	for _, msg := range msgs {
		if !msg.Flags.Has(store.FlagSeen) {
			unseen++
		}
		if msg.Flags.Has(store.FlagRecent) {
			recent++
		}
	}

	for _, item := range items {
		switch item {
		case imap.StatusMessages:
			status.Messages = uint32(len(msgs))
		case imap.StatusUidNext:
			status.UidNext = nextUID
		case imap.StatusUidValidity:
			status.UidValidity = m.info.UIDValidity
		case imap.StatusRecent:
			status.Recent = recent
		case imap.StatusUnseen:
			status.Unseen = unseen
		}
	}

	return status, nil
}

func (m *Mailbox) SetSubscribed(subscribed bool) error {
	return nil
}

func (m *Mailbox) Check() error {
	return nil
}

func systemFlags() []string {
	return []string{store.FlagSeen, store.FlagAnswered, store.FlagFlagged, store.FlagDeleted, store.FlagDraft}
}

func (m *Mailbox) ListMessages(uid bool, seqSet *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)

	msgs, err := m.store.GetMessages(context.Background(), m.owner, m.info.Name, store.Filter{}, store.SortSpec{})
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		matched := seqSet.Contains(msg.Seq)
		if uid {
			matched = seqSet.Contains(msg.UID)
		}
		if !matched {
			continue
		}

		fetched, err := buildFetchMessage(msg, items)
		if err != nil {
			return err
		}
		ch <- fetched
	}

	return nil
}

func buildFetchMessage(msg *store.Message, items []imap.FetchItem) (*imap.Message, error) {
	fetched := imap.NewMessage(msg.Seq, items)

	for _, item := range items {
		switch {
		case item == imap.FetchUid:
			fetched.Uid = msg.UID
		case item == imap.FetchFlags:
			fetched.Flags = []string(msg.Flags)
		case item == imap.FetchInternalDate:
			fetched.InternalDate = msg.InternalDate
		case item == imap.FetchRFC822Size:
			fetched.Size = uint32(msg.Size)
		case item == imap.FetchEnvelope:
			fetched.Envelope = buildEnvelope(msg)
		case item == imap.FetchBody, item == imap.FetchBodyStructure:
			fetched.BodyStructure = buildBodyStructure(msg.Raw)
		case strings.HasPrefix(string(item), "BODY[") || strings.HasPrefix(string(item), "BODY.PEEK["):
			if err := attachBodySection(fetched, item, msg); err != nil {
				return nil, err
			}
		case item == imap.FetchRFC822:
			fetched.Body = map[*imap.BodySectionName]imap.Literal{
				{}: bytes.NewReader(msg.Raw),
			}
		case item == imap.FetchRFC822Header:
			fetched.Body = map[*imap.BodySectionName]imap.Literal{
				{Specifier: imap.HeaderSpecifier}: bytes.NewReader(headerOf(msg.Raw)),
			}
		case item == imap.FetchRFC822Text:
			fetched.Body = map[*imap.BodySectionName]imap.Literal{
				{Specifier: imap.TextSpecifier}: bytes.NewReader(bodyOf(msg.Raw)),
			}
		}
	}

	return fetched, nil
}

func attachBodySection(fetched *imap.Message, item imap.FetchItem, msg *store.Message) error {
	section, err := imap.ParseBodySectionName(item)
	if err != nil {
		return fmt.Errorf("imap: parsing fetch item %q: %w", item, err)
	}
	if fetched.Body == nil {
		fetched.Body = make(map[*imap.BodySectionName]imap.Literal)
	}
	var data []byte
	switch section.Specifier {
	case imap.HeaderSpecifier:
		data = headerOf(msg.Raw)
	case imap.TextSpecifier:
		data = bodyOf(msg.Raw)
	default:
		data = msg.Raw
	}
	fetched.Body[section] = bytes.NewReader(data)
	return nil
}

func headerOf(raw []byte) []byte {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx+4]
	}
	return raw
}

func bodyOf(raw []byte) []byte {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[idx+4:]
	}
	return nil
}

func buildEnvelope(msg *store.Message) *imap.Envelope {
	env := mailparse.ParseEnvelope(msg.Raw)
	addr := func(a string) []*imap.Address {
		if a == "" {
			return nil
		}
		local, domain, ok := strings.Cut(a, "@")
		if !ok {
			return []*imap.Address{{PersonalName: "", MailboxName: a}}
		}
		return []*imap.Address{{MailboxName: local, HostName: domain}}
	}

	var to []*imap.Address
	for _, t := range env.To {
		to = append(to, addr(t)...)
	}

	return &imap.Envelope{
		Date:      msg.InternalDate,
		Subject:   env.Subject,
		From:      addr(env.From),
		Sender:    addr(env.From),
		ReplyTo:   addr(env.From),
		To:        to,
		MessageId: env.MessageID,
	}
}

// buildBodyStructure returns a minimal single-part BODYSTRUCTURE derived
// from the message's own top-level Content-Type header; mailstackd stores
// only raw bytes, so nested multipart structure is reported as the single
// outermost part rather than walked recursively.
func buildBodyStructure(raw []byte) *imap.BodyStructure {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return &imap.BodyStructure{MIMEType: "text", MIMESubType: "plain", Size: uint32(len(raw))}
	}
	defer drainReader(r)

	mimeType, params, _ := r.Header.ContentType()
	parts := strings.SplitN(mimeType, "/", 2)
	major, minor := "text", "plain"
	if len(parts) == 2 {
		major, minor = parts[0], parts[1]
	}

	return &imap.BodyStructure{
		MIMEType:    major,
		MIMESubType: minor,
		Params:      params,
		Size:        uint32(len(raw)),
	}
}

func drainReader(r *mail.Reader) {
	for {
		if _, err := r.NextPart(); err != nil {
			return
		}
	}
}

func (m *Mailbox) SearchMessages(uid bool, criteria *imap.SearchCriteria) ([]uint32, error) {
	tokens := flattenSearchCriteria(criteria)
	crit, err := search.Parse(tokens)
	if err != nil {
		return nil, err
	}

	msgs, err := m.store.GetMessages(context.Background(), m.owner, m.info.Name, store.Filter{Criteria: crit}, store.SortSpec{})
	if err != nil {
		return nil, err
	}

	var ids []uint32
	for _, msg := range msgs {
		if uid {
			ids = append(ids, msg.UID)
		} else {
			ids = append(ids, msg.Seq)
		}
	}
	return ids, nil
}

// flattenSearchCriteria re-derives the flat search-key token stream
// internal/imap/search expects from go-imap's already-parsed
// imap.SearchCriteria tree (the server package parses the wire form for
// us; this walks its structured result back into our own grammar so one
// parser serves both SEARCH and the SORT/THREAD criteria sublanguage).
func flattenSearchCriteria(c *imap.SearchCriteria) []string {
	if c == nil {
		return []string{"ALL"}
	}

	var tokens []string
	for key, values := range c.Header {
		value := ""
		if len(values) > 0 {
			value = values[0]
		}
		tokens = append(tokens, "HEADER", key, value)
	}
	if c.Body != nil {
		for _, b := range c.Body {
			tokens = append(tokens, "BODY", b)
		}
	}
	if c.Text != nil {
		for _, t := range c.Text {
			tokens = append(tokens, "TEXT", t)
		}
	}
	if !c.Since.IsZero() {
		tokens = append(tokens, "SINCE", c.Since.Format("02-Jan-2006"))
	}
	if !c.Before.IsZero() {
		tokens = append(tokens, "BEFORE", c.Before.Format("02-Jan-2006"))
	}
	if c.Larger > 0 {
		tokens = append(tokens, "LARGER", fmt.Sprintf("%d", c.Larger))
	}
	if c.Smaller > 0 {
		tokens = append(tokens, "SMALLER", fmt.Sprintf("%d", c.Smaller))
	}
	for _, flag := range c.WithFlags {
		tokens = append(tokens, strings.ToUpper(strings.TrimPrefix(flag, "\\")))
	}
	for _, flag := range c.WithoutFlags {
		tokens = append(tokens, "UN"+strings.ToUpper(strings.TrimPrefix(flag, "\\")))
	}
	for _, not := range c.Not {
		tokens = append(tokens, "NOT", "(")
		tokens = append(tokens, flattenSearchCriteria(not)...)
		tokens = append(tokens, ")")
	}
	for _, or := range c.Or {
		if len(or) == 2 {
			tokens = append(tokens, "OR", "(")
			tokens = append(tokens, flattenSearchCriteria(or[0])...)
			tokens = append(tokens, ")", "(")
			tokens = append(tokens, flattenSearchCriteria(or[1])...)
			tokens = append(tokens, ")")
		}
	}

	if len(tokens) == 0 {
		return []string{"ALL"}
	}
	return tokens
}

func (m *Mailbox) CreateMessage(flags []string, date time.Time, body imap.Literal) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if date.IsZero() {
		date = time.Now()
	}

	env := mailparse.ParseEnvelope(raw)
	msg := &store.Message{
		Owner:        m.owner,
		Folder:       m.info.Name,
		Flags:        store.Flags(flags),
		InternalDate: date,
		Size:         int64(len(raw)),
		Raw:          raw,
		MessageID:    env.MessageID,
		Subject:      env.Subject,
		FromAddr:     env.From,
		ToAddrs:      env.To,
	}
	return m.store.CreateMessage(context.Background(), msg)
}

func (m *Mailbox) UpdateMessagesFlags(uid bool, seqSet *imap.SeqSet, operation imap.FlagsOp, flags []string) error {
	ctx := context.Background()
	targets, err := m.resolveUIDs(ctx, uid, seqSet)
	if err != nil {
		return err
	}

	op := store.FlagSet
	switch operation {
	case imap.SetFlags:
		op = store.FlagSet
	case imap.AddFlags:
		op = store.FlagAdd
	case imap.RemoveFlags:
		op = store.FlagRemove
	}

	for _, u := range targets {
		if _, err := m.store.UpdateFlags(ctx, m.owner, m.info.Name, u, op, store.Flags(flags)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mailbox) CopyMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	ctx := context.Background()
	targets, err := m.resolveUIDs(ctx, uid, seqSet)
	if err != nil {
		return err
	}
	for _, u := range targets {
		if _, err := m.store.CopyMessage(ctx, m.owner, m.info.Name, u, destName); err != nil {
			return err
		}
	}
	return nil
}

// MoveMessages implements the optional go-imap-move backend extension:
// copy into destName, then remove from the source folder.
func (m *Mailbox) MoveMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	ctx := context.Background()
	targets, err := m.resolveUIDs(ctx, uid, seqSet)
	if err != nil {
		return err
	}
	for _, u := range targets {
		if _, err := m.store.MoveMessage(ctx, m.owner, m.info.Name, u, destName); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mailbox) Expunge() error {
	ctx := context.Background()
	_, err := m.store.Expunge(ctx, m.owner, m.info.Name)
	return err
}

// resolveUIDs turns a sequence-or-UID set into the UIDs it names, using
// the current listing snapshot to map sequence numbers.
func (m *Mailbox) resolveUIDs(ctx context.Context, uid bool, seqSet *imap.SeqSet) ([]uint32, error) {
	msgs, err := m.store.GetMessages(ctx, m.owner, m.info.Name, store.Filter{}, store.SortSpec{})
	if err != nil {
		return nil, err
	}

	var out []uint32
	for _, msg := range msgs {
		matched := seqSet.Contains(msg.Seq)
		if uid {
			matched = seqSet.Contains(msg.UID)
		}
		if matched {
			out = append(out, msg.UID)
		}
	}
	return out, nil
}

var _ backend.Mailbox = (*Mailbox)(nil)
