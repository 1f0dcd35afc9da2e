// Package store defines the Mailstore abstraction used by the SMTP
// delivery pipeline, the send queue, and the IMAP backend, plus its
// sqlite-backed implementation.
package store

import (
	"context"
	"time"
)

// Message is one stored message, scoped to exactly one folder (the
// strong-folder model: a message belongs to one folder at a time; COPY
// duplicates rows, MOVE copies into the destination and deletes the
// source row rather than aliasing across folders).
type Message struct {
	ID           int64
	Owner        string // mailbox address, e.g. "alice@example.com"
	Folder       string
	UID          uint32
	UIDValidity  uint32
	Seq          uint32 // transient, assigned by GetMessages per listing
	Flags        Flags
	InternalDate time.Time
	Size         int64
	Raw          []byte
	MessageID    string
	Subject      string
	FromAddr     string
	ToAddrs      []string
}

// Flags is a set of IMAP system + keyword flags stored as a sorted,
// de-duplicated slice.
type Flags []string

const (
	FlagSeen     = "\\Seen"
	FlagAnswered = "\\Answered"
	FlagFlagged  = "\\Flagged"
	FlagDeleted  = "\\Deleted"
	FlagDraft    = "\\Draft"
	FlagRecent   = "\\Recent"
)

func (f Flags) Has(flag string) bool {
	for _, x := range f {
		if x == flag {
			return true
		}
	}
	return false
}

// FlagOp describes how STORE should combine the requested flags with the
// message's existing flag set.
type FlagOp int

const (
	FlagSet FlagOp = iota
	FlagAdd
	FlagRemove
)

// Filter narrows GetMessages to a list of UIDs and/or a parsed SEARCH
// criteria tree (see internal/imap/search).
type Filter struct {
	UIDs     []uint32 // empty means "all"
	Criteria Criterion
}

// Criterion is satisfied by internal/imap/search's expression tree nodes;
// kept here (rather than importing internal/imap/search from store) to
// avoid a cyclic dependency between the IMAP backend and the mailstore.
// search.Criterion values implement this by embedding Accept.
type Criterion interface {
	Accept(b QueryBuilder) string
}

// QueryBuilder is implemented by the sqlite adapter's predicate builder
// and invoked by Criterion.Accept to translate IMAP search terms into a
// SQL WHERE fragment plus bound arguments.
type QueryBuilder interface {
	Arg(v any) string // records a bind argument, returns its placeholder
}

// SortSpec orders GetMessages results; Keys are IMAP SORT keys
// (ARRIVAL, DATE, FROM, SUBJECT, SIZE, ...).
type SortSpec struct {
	Keys    []string
	Reverse bool
}

// Notification is emitted on WatchInserts when a new message lands in a
// folder belonging to owner.
type Notification struct {
	Owner  string
	Folder string
	UID    uint32
}

// Mailstore is the persistence boundary between delivery/queue/IMAP and
// the underlying database. SPEC_FULL.md's external interfaces section
// shows a subset of its methods.
type Mailstore interface {
	CreateMailbox(ctx context.Context, owner, passwordHash string) error
	Authenticate(ctx context.Context, owner string) (passwordHash string, err error)
	MailboxExists(ctx context.Context, owner string) (bool, error)

	CreateFolder(ctx context.Context, owner, folder string) (uidvalidity uint32, err error)
	DeleteFolder(ctx context.Context, owner, folder string) error
	RenameFolder(ctx context.Context, owner, oldName, newName string) error
	ListFolders(ctx context.Context, owner string) ([]FolderInfo, error)

	CreateMessage(ctx context.Context, m *Message) error
	GetMessages(ctx context.Context, owner, folder string, filter Filter, sort SortSpec) ([]*Message, error)
	UpdateFlags(ctx context.Context, owner, folder string, uid uint32, op FlagOp, flags Flags) (*Message, error)
	CopyMessage(ctx context.Context, owner, srcFolder string, uid uint32, dstFolder string) (newUID uint32, err error)
	MoveMessage(ctx context.Context, owner, srcFolder string, uid uint32, dstFolder string) (newUID uint32, err error)
	Delete(ctx context.Context, owner, folder string, uid uint32) error
	Expunge(ctx context.Context, owner, folder string) ([]uint32, error)

	NextUID(ctx context.Context, owner, folder string) (uint32, error)
	PeekNextUID(ctx context.Context, owner, folder string) (uint32, error)
	WatchInserts(ctx context.Context, owner string) (<-chan Notification, error)

	EnqueueOutbound(ctx context.Context, msg *QueuedMessage) error
	DequeueOutbound(ctx context.Context) (*QueuedMessage, error)
	UpdateQueueState(ctx context.Context, id int64, state string, nextAttempt time.Time, lastErr string) error
	WatchQueue(ctx context.Context) (<-chan struct{}, error)
	QueueDepth(ctx context.Context) (int, error)

	ArchiveIncoming(ctx context.Context, sender string, recipients []string, source string, raw []byte, receivedAt time.Time) error

	Close() error
}

// FolderInfo summarizes one folder for LIST/LSUB.
type FolderInfo struct {
	Name        string
	UIDValidity uint32
	SpecialUse  string // "", "\\Sent", "\\Drafts", "\\Trash", "\\Junk", "\\Archive"
}

// QueuedMessage is an outbound message awaiting send-queue delivery.
type QueuedMessage struct {
	ID          int64
	From        string
	To          string
	Raw         []byte
	State       string // "pending", "in_progress", "sent", "failed", "dead"
	Attempts    int
	NextAttempt time.Time
	LastError   string
	CreatedAt   time.Time
}
