package imap

import (
	"context"
	"testing"

	"github.com/emersion/go-imap"

	"github.com/mailstackd/mailstackd/internal/store"
	"github.com/mailstackd/mailstackd/internal/testutil"
)

func newTestMailbox(t *testing.T, owner, folder string) *Mailbox {
	t.Helper()
	st := testutil.OpenDefaultTestStore(t)

	folders, err := st.ListFolders(context.Background(), owner)
	if err != nil {
		t.Fatalf("ListFolders failed: %v", err)
	}
	var info store.FolderInfo
	for _, f := range folders {
		if f.Name == folder {
			info = f
		}
	}
	return &Mailbox{owner: owner, info: info, store: st}
}

func TestMailbox_Status_UidNextIsReadOnly(t *testing.T) {
	m := newTestMailbox(t, "testuser@example.com", "INBOX")

	first, err := m.Status([]imap.StatusItem{imap.StatusUidNext})
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	second, err := m.Status([]imap.StatusItem{imap.StatusUidNext})
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}

	if first.UidNext != second.UidNext {
		t.Errorf("repeated read-only Status calls changed UIDNEXT: %d then %d", first.UidNext, second.UidNext)
	}

	ctx := context.Background()
	appended, err := m.store.NextUID(ctx, m.owner, m.info.Name)
	if err != nil {
		t.Fatalf("NextUID failed: %v", err)
	}
	if appended != first.UidNext {
		t.Errorf("Status reported UIDNEXT %d but the next APPEND actually received %d", first.UidNext, appended)
	}
}

func TestMailbox_Status_RecentCountsFlaggedMessages(t *testing.T) {
	m := newTestMailbox(t, "testuser@example.com", "INBOX")
	ctx := context.Background()

	if err := m.store.CreateMessage(ctx, &store.Message{
		Owner: m.owner, Folder: m.info.Name, Flags: store.Flags{store.FlagRecent}, Raw: []byte("body"),
	}); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if err := m.store.CreateMessage(ctx, &store.Message{
		Owner: m.owner, Folder: m.info.Name, Flags: store.Flags{store.FlagSeen}, Raw: []byte("body"),
	}); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	status, err := m.Status([]imap.StatusItem{imap.StatusRecent, imap.StatusMessages})
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Messages != 2 {
		t.Errorf("expected 2 messages, got %d", status.Messages)
	}
	if status.Recent != 1 {
		t.Errorf("expected 1 recent message, got %d", status.Recent)
	}
}
