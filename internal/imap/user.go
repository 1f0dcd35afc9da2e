package imap

import (
	"context"
	"log/slog"
	"strings"

	"github.com/emersion/go-imap/backend"

	"github.com/mailstackd/mailstackd/internal/store"
)

// User is one authenticated IMAP session's view of a mailbox owner.
type User struct {
	username string
	store    store.Mailstore
	logger   *slog.Logger
}

func (u *User) Username() string { return u.username }

func (u *User) ListMailboxes(subscribed bool) ([]backend.Mailbox, error) {
	folders, err := u.store.ListFolders(context.Background(), u.username)
	if err != nil {
		return nil, err
	}

	boxes := make([]backend.Mailbox, len(folders))
	for i, f := range folders {
		boxes[i] = &Mailbox{owner: u.username, info: f, store: u.store}
	}
	return boxes, nil
}

func (u *User) GetMailbox(name string) (backend.Mailbox, error) {
	folders, err := u.store.ListFolders(context.Background(), u.username)
	if err != nil {
		return nil, err
	}
	for _, f := range folders {
		if strings.EqualFold(f.Name, name) {
			return &Mailbox{owner: u.username, info: f, store: u.store}, nil
		}
	}
	return nil, backend.ErrNoSuchMailbox
}

func (u *User) CreateMailbox(name string) error {
	_, err := u.store.CreateFolder(context.Background(), u.username, name)
	return err
}

func (u *User) DeleteMailbox(name string) error {
	if strings.EqualFold(name, "INBOX") {
		return backend.ErrNoSuchMailbox
	}
	return u.store.DeleteFolder(context.Background(), u.username, name)
}

func (u *User) RenameMailbox(existingName, newName string) error {
	return u.store.RenameFolder(context.Background(), u.username, existingName, newName)
}

func (u *User) Logout() error {
	return nil
}

var _ backend.User = (*User)(nil)
