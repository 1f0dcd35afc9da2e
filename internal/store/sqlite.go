package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Mailstore on top of database/sql + mattn/go-sqlite3,
// following the prepared-statement adapter shape used throughout the
// retrieval pack's own SQLite-backed stores.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex // serializes folder creation, deletion and rename
	notify  *notifier
	uidvMu  sync.Mutex // serializes UID allocation in NextUID

	createMailboxStmt   *sql.Stmt
	getPasswordHashStmt *sql.Stmt
	getFolderStmt       *sql.Stmt
	insertFolderStmt    *sql.Stmt
	deleteFolderStmt    *sql.Stmt
	renameFolderStmt    *sql.Stmt
	listFoldersStmt     *sql.Stmt
	insertMessageStmt   *sql.Stmt
	maxUIDStmt          *sql.Stmt
}

// MustPrepare prepares query or panics; called only during construction,
// matching the pack's convention that a malformed built-in schema/query is
// a programming error, not a runtime condition to recover from.
func (s *SQLiteStore) MustPrepare(query string) *sql.Stmt {
	stmt, err := s.db.Prepare(query)
	if err != nil {
		panic(fmt.Sprintf("store: prepare %q: %v", query, err))
	}
	return stmt
}

const schema = `
CREATE TABLE IF NOT EXISTS mailboxes (
	id            INTEGER PRIMARY KEY,
	address       TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	id          INTEGER PRIMARY KEY,
	owner       TEXT NOT NULL,
	name        TEXT NOT NULL,
	uidvalidity INTEGER NOT NULL,
	next_uid    INTEGER NOT NULL DEFAULT 1,
	special_use TEXT NOT NULL DEFAULT '',
	UNIQUE(owner, name)
);

CREATE TABLE IF NOT EXISTS messages (
	id            INTEGER PRIMARY KEY,
	folder_id     INTEGER NOT NULL REFERENCES folders(id),
	owner         TEXT NOT NULL,
	uid           INTEGER NOT NULL,
	flags         TEXT NOT NULL DEFAULT '',
	internal_date DATETIME NOT NULL,
	size          INTEGER NOT NULL,
	raw           BLOB NOT NULL,
	message_id    TEXT NOT NULL DEFAULT '',
	subject       TEXT NOT NULL DEFAULT '',
	from_addr     TEXT NOT NULL DEFAULT '',
	to_addrs      TEXT NOT NULL DEFAULT '',
	UNIQUE(folder_id, uid)
);

CREATE TABLE IF NOT EXISTS outbound_queue (
	id           INTEGER PRIMARY KEY,
	sender       TEXT NOT NULL,
	recipient    TEXT NOT NULL,
	raw          BLOB NOT NULL,
	state        TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	next_attempt DATETIME NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS incoming_archive (
	id          INTEGER PRIMARY KEY,
	sender      TEXT NOT NULL,
	recipients  TEXT NOT NULL,
	source      TEXT NOT NULL,
	raw         BLOB NOT NULL,
	received_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder_id);
CREATE INDEX IF NOT EXISTS idx_queue_state ON outbound_queue(state, next_attempt);
`

// Open creates (or reuses) the sqlite database at dsn and returns a ready
// Mailstore. dsn is passed straight to database/sql, so "file::memory:?cache=shared"
// works for tests exactly like a real path.
func Open(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}

	s := &SQLiteStore{db: db, notify: newNotifier()}

	s.createMailboxStmt = s.MustPrepare(`INSERT INTO mailboxes (address, password_hash, created_at) VALUES (?, ?, ?)`)
	s.getPasswordHashStmt = s.MustPrepare(`SELECT password_hash FROM mailboxes WHERE address = ?`)
	s.getFolderStmt = s.MustPrepare(`SELECT id, uidvalidity, next_uid, special_use FROM folders WHERE owner = ? AND name = ?`)
	s.insertFolderStmt = s.MustPrepare(`INSERT INTO folders (owner, name, uidvalidity, next_uid) VALUES (?, ?, ?, 1)`)
	s.deleteFolderStmt = s.MustPrepare(`DELETE FROM folders WHERE owner = ? AND name = ?`)
	s.renameFolderStmt = s.MustPrepare(`UPDATE folders SET name = ? WHERE owner = ? AND name = ?`)
	s.listFoldersStmt = s.MustPrepare(`SELECT name, uidvalidity, special_use FROM folders WHERE owner = ? ORDER BY name`)
	s.insertMessageStmt = s.MustPrepare(`INSERT INTO messages (folder_id, owner, uid, flags, internal_date, size, raw, message_id, subject, from_addr, to_addrs) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	s.maxUIDStmt = s.MustPrepare(`SELECT next_uid FROM folders WHERE owner = ? AND name = ?`)

	return s, nil
}

func (s *SQLiteStore) Close() error {
	s.notify.closeAll()
	return s.db.Close()
}

func (s *SQLiteStore) CreateMailbox(ctx context.Context, owner, passwordHash string) error {
	_, err := s.createMailboxStmt.ExecContext(ctx, owner, passwordHash, time.Now())
	if err != nil {
		return fmt.Errorf("store: create mailbox: %w", err)
	}
	for _, f := range []string{"INBOX", "Sent", "Drafts", "Trash", "Junk"} {
		if _, err := s.CreateFolder(ctx, owner, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) MailboxExists(ctx context.Context, owner string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM mailboxes WHERE address = ?`, owner).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) Authenticate(ctx context.Context, owner string) (string, error) {
	var hash string
	err := s.getPasswordHashStmt.QueryRowContext(ctx, owner).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("store: %w", ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("store: authenticate: %w", err)
	}
	return hash, nil
}

// CreateFolder mints a fresh UIDVALIDITY from the wall clock (monotonically
// increasing for practical purposes, and guaranteed unique enough within a
// single mailstore instance because folder names are unique per owner), per
// the decision in SPEC_FULL.md to mint UIDVALIDITY at folder-creation time
// rather than hardcode a constant.
func (s *SQLiteStore) CreateFolder(ctx context.Context, owner, folder string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uidvalidity := uint32(time.Now().Unix())
	if _, err := s.insertFolderStmt.ExecContext(ctx, owner, folder, uidvalidity); err != nil {
		return 0, fmt.Errorf("store: create folder: %w", err)
	}
	return uidvalidity, nil
}

func (s *SQLiteStore) DeleteFolder(ctx context.Context, owner, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id int64
	var uidv, next uint32
	var su string
	if err := s.getFolderStmt.QueryRowContext(ctx, owner, folder).Scan(&id, &uidv, &next, &su); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("store: %w", ErrNotFound)
		}
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE folder_id = ?`, id); err != nil {
		return err
	}
	_, err := s.deleteFolderStmt.ExecContext(ctx, owner, folder)
	return err
}

func (s *SQLiteStore) RenameFolder(ctx context.Context, owner, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.renameFolderStmt.ExecContext(ctx, newName, owner, oldName)
	return err
}

func (s *SQLiteStore) ListFolders(ctx context.Context, owner string) ([]FolderInfo, error) {
	rows, err := s.listFoldersStmt.QueryContext(ctx, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FolderInfo
	for rows.Next() {
		var fi FolderInfo
		if err := rows.Scan(&fi.Name, &fi.UIDValidity, &fi.SpecialUse); err != nil {
			return nil, err
		}
		out = append(out, fi)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) folderID(ctx context.Context, owner, folder string) (int64, uint32, error) {
	var id int64
	var uidv, next uint32
	var su string
	err := s.getFolderStmt.QueryRowContext(ctx, owner, folder).Scan(&id, &uidv, &next, &su)
	if err == sql.ErrNoRows {
		return 0, 0, fmt.Errorf("store: %w", ErrNotFound)
	}
	return id, uidv, err
}

// NextUID atomically reserves and returns the next UID for folder, per
// RFC 3501's requirement that UIDs within a folder strictly increase and
// are never reused.
func (s *SQLiteStore) NextUID(ctx context.Context, owner, folder string) (uint32, error) {
	s.uidvMu.Lock()
	defer s.uidvMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var next uint32
	if err := tx.QueryRowContext(ctx, `SELECT next_uid FROM folders WHERE owner = ? AND name = ?`, owner, folder).Scan(&next); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("store: %w", ErrNotFound)
		}
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE folders SET next_uid = ? WHERE owner = ? AND name = ?`, next+1, owner, folder); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, m *Message) error {
	folderID, uidv, err := s.folderID(ctx, m.Owner, m.Folder)
	if err != nil {
		return err
	}
	if m.UID == 0 {
		uid, err := s.NextUID(ctx, m.Owner, m.Folder)
		if err != nil {
			return err
		}
		m.UID = uid
	}
	m.UIDValidity = uidv
	if m.InternalDate.IsZero() {
		m.InternalDate = time.Now()
	}

	sort.Strings(m.Flags)
	_, err = s.insertMessageStmt.ExecContext(ctx, folderID, m.Owner, m.UID,
		strings.Join(m.Flags, ","), m.InternalDate, m.Size, m.Raw,
		m.MessageID, m.Subject, m.FromAddr, strings.Join(m.ToAddrs, ","))
	if err != nil {
		return fmt.Errorf("store: create message: %w", err)
	}

	s.notify.publish(m.Owner, Notification{Owner: m.Owner, Folder: m.Folder, UID: m.UID})
	return nil
}

func scanMessage(row interface {
	Scan(dest ...any) error
}) (*Message, error) {
	var m Message
	var flagsStr, toStr string
	if err := row.Scan(&m.ID, &m.Owner, &m.UID, &flagsStr, &m.InternalDate,
		&m.Size, &m.Raw, &m.MessageID, &m.Subject, &m.FromAddr, &toStr); err != nil {
		return nil, err
	}
	if flagsStr != "" {
		m.Flags = strings.Split(flagsStr, ",")
	}
	if toStr != "" {
		m.ToAddrs = strings.Split(toStr, ",")
	}
	return &m, nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, owner, folder string, filter Filter, sort SortSpec) ([]*Message, error) {
	folderID, uidv, err := s.folderID(ctx, owner, folder)
	if err != nil {
		return nil, err
	}

	qb := newSQLQueryBuilder()
	where := "folder_id = " + qb.Arg(folderID)

	if len(filter.UIDs) > 0 {
		placeholders := make([]string, len(filter.UIDs))
		for i, uid := range filter.UIDs {
			placeholders[i] = qb.Arg(uid)
		}
		where += " AND uid IN (" + strings.Join(placeholders, ",") + ")"
	}
	if filter.Criteria != nil {
		where += " AND (" + filter.Criteria.Accept(qb) + ")"
	}

	orderBy := sqlOrderBy(sort)

	query := fmt.Sprintf(`SELECT id, owner, uid, flags, internal_date, size, raw, message_id, subject, from_addr, to_addrs FROM messages WHERE %s ORDER BY %s`, where, orderBy)
	rows, err := s.db.QueryContext(ctx, query, qb.args...)
	if err != nil {
		return nil, fmt.Errorf("store: get messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	var seq uint32
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		m.Folder = folder
		m.UIDValidity = uidv
		seq++
		m.Seq = seq
		out = append(out, m)
	}
	return out, rows.Err()
}

func sqlOrderBy(s SortSpec) string {
	if len(s.Keys) == 0 {
		return "id ASC"
	}
	cols := make([]string, 0, len(s.Keys))
	for _, k := range s.Keys {
		switch strings.ToUpper(k) {
		case "ARRIVAL":
			cols = append(cols, "internal_date")
		case "DATE":
			cols = append(cols, "internal_date")
		case "FROM":
			cols = append(cols, "from_addr")
		case "SUBJECT":
			cols = append(cols, "subject")
		case "SIZE":
			cols = append(cols, "size")
		case "TO":
			cols = append(cols, "to_addrs")
		default:
			cols = append(cols, "id")
		}
	}
	dir := "ASC"
	if s.Reverse {
		dir = "DESC"
	}
	for i, c := range cols {
		cols[i] = c + " " + dir
	}
	return strings.Join(cols, ", ")
}

func (s *SQLiteStore) UpdateFlags(ctx context.Context, owner, folder string, uid uint32, op FlagOp, flags Flags) (*Message, error) {
	folderID, _, err := s.folderID(ctx, owner, folder)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var flagsStr string
	row := tx.QueryRowContext(ctx, `SELECT flags FROM messages WHERE folder_id = ? AND uid = ?`, folderID, uid)
	if err := row.Scan(&flagsStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: %w", ErrNotFound)
		}
		return nil, err
	}

	existing := Flags{}
	if flagsStr != "" {
		existing = strings.Split(flagsStr, ",")
	}

	merged := mergeFlags(existing, op, flags)
	sort.Strings(merged)

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET flags = ? WHERE folder_id = ? AND uid = ?`, strings.Join(merged, ","), folderID, uid); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.getOne(ctx, owner, folder, uid)
}

func mergeFlags(existing Flags, op FlagOp, flags Flags) Flags {
	switch op {
	case FlagSet:
		return append(Flags{}, flags...)
	case FlagAdd:
		set := map[string]bool{}
		for _, f := range existing {
			set[f] = true
		}
		for _, f := range flags {
			set[f] = true
		}
		out := make(Flags, 0, len(set))
		for f := range set {
			out = append(out, f)
		}
		return out
	case FlagRemove:
		remove := map[string]bool{}
		for _, f := range flags {
			remove[f] = true
		}
		out := Flags{}
		for _, f := range existing {
			if !remove[f] {
				out = append(out, f)
			}
		}
		return out
	default:
		return existing
	}
}

func (s *SQLiteStore) getOne(ctx context.Context, owner, folder string, uid uint32) (*Message, error) {
	folderID, uidv, err := s.folderID(ctx, owner, folder)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, owner, uid, flags, internal_date, size, raw, message_id, subject, from_addr, to_addrs FROM messages WHERE folder_id = ? AND uid = ?`, folderID, uid)
	m, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: %w", ErrNotFound)
		}
		return nil, err
	}
	m.Folder = folder
	m.UIDValidity = uidv
	return m, nil
}

func (s *SQLiteStore) CopyMessage(ctx context.Context, owner, srcFolder string, uid uint32, dstFolder string) (uint32, error) {
	m, err := s.getOne(ctx, owner, srcFolder, uid)
	if err != nil {
		return 0, err
	}
	dup := *m
	dup.Folder = dstFolder
	dup.UID = 0
	if err := s.CreateMessage(ctx, &dup); err != nil {
		return 0, err
	}
	return dup.UID, nil
}

// MoveMessage copies the message into dstFolder under a fresh UID and then
// deletes it from srcFolder. The two steps are separate statements, not one
// transaction, so a reader between them can see the message in both folders.
func (s *SQLiteStore) MoveMessage(ctx context.Context, owner, srcFolder string, uid uint32, dstFolder string) (uint32, error) {
	newUID, err := s.CopyMessage(ctx, owner, srcFolder, uid, dstFolder)
	if err != nil {
		return 0, err
	}
	if err := s.Delete(ctx, owner, srcFolder, uid); err != nil {
		return 0, err
	}
	return newUID, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, owner, folder string, uid uint32) error {
	folderID, _, err := s.folderID(ctx, owner, folder)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE folder_id = ? AND uid = ?`, folderID, uid)
	return err
}

func (s *SQLiteStore) Expunge(ctx context.Context, owner, folder string) ([]uint32, error) {
	folderID, _, err := s.folderID(ctx, owner, folder)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT uid FROM messages WHERE folder_id = ? AND flags LIKE ?`, folderID, "%\\Deleted%")
	if err != nil {
		return nil, err
	}
	var uids []uint32
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return nil, err
		}
		uids = append(uids, uid)
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE folder_id = ? AND flags LIKE ?`, folderID, "%\\Deleted%"); err != nil {
		return nil, err
	}
	return uids, nil
}

func (s *SQLiteStore) WatchInserts(ctx context.Context, owner string) (<-chan Notification, error) {
	return s.notify.subscribe(ctx, owner), nil
}

func (s *SQLiteStore) EnqueueOutbound(ctx context.Context, msg *QueuedMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.NextAttempt.IsZero() {
		msg.NextAttempt = msg.CreatedAt
	}
	if msg.State == "" {
		msg.State = "pending"
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO outbound_queue (sender, recipient, raw, state, attempts, next_attempt, last_error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.From, msg.To, msg.Raw, msg.State, msg.Attempts, msg.NextAttempt, msg.LastError, msg.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	s.notify.publishQueue()
	return nil
}

func (s *SQLiteStore) DequeueOutbound(ctx context.Context) (*QueuedMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var m QueuedMessage
	row := tx.QueryRowContext(ctx, `SELECT id, sender, recipient, raw, state, attempts, next_attempt, last_error, created_at FROM outbound_queue WHERE state = 'pending' AND next_attempt <= ? ORDER BY next_attempt ASC LIMIT 1`, time.Now())
	if err := row.Scan(&m.ID, &m.From, &m.To, &m.Raw, &m.State, &m.Attempts, &m.NextAttempt, &m.LastError, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE outbound_queue SET state = 'in_progress' WHERE id = ?`, m.ID); err != nil {
		return nil, err
	}
	return &m, tx.Commit()
}

func (s *SQLiteStore) UpdateQueueState(ctx context.Context, id int64, state string, nextAttempt time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbound_queue SET state = ?, attempts = attempts + 1, next_attempt = ?, last_error = ? WHERE id = ?`, state, nextAttempt, lastErr, id)
	return err
}

func (s *SQLiteStore) WatchQueue(ctx context.Context) (<-chan struct{}, error) {
	return s.notify.subscribeQueue(ctx), nil
}

func (s *SQLiteStore) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM outbound_queue WHERE state IN ('pending', 'in_progress')`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) ArchiveIncoming(ctx context.Context, sender string, recipients []string, source string, raw []byte, receivedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO incoming_archive (sender, recipients, source, raw, received_at) VALUES (?, ?, ?, ?, ?)`,
		sender, strings.Join(recipients, ","), source, raw, receivedAt)
	return err
}

// ArchiveCount reports the number of rows in incoming_archive, used by
// tests asserting the archive-only delivery path.
func (s *SQLiteStore) ArchiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM incoming_archive`).Scan(&n)
	return n, err
}

// PeekNextUID reports the UID that would be assigned to the next message
// appended to folder, without reserving it. Unlike NextUID, it never
// mutates folders.next_uid, so read-only STATUS/SELECT calls don't burn
// UIDs or desync from what a subsequent APPEND actually receives.
func (s *SQLiteStore) PeekNextUID(ctx context.Context, owner, folder string) (uint32, error) {
	var next uint32
	if err := s.maxUIDStmt.QueryRowContext(ctx, owner, folder).Scan(&next); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("store: %w", ErrNotFound)
		}
		return 0, err
	}
	return next, nil
}

var _ Mailstore = (*SQLiteStore)(nil)
