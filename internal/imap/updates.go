package imap

import (
	"context"
	"log/slog"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"

	"github.com/mailstackd/mailstackd/internal/store"
)

// updateBroker bridges store.WatchInserts notifications into go-imap's
// backend.Updater mechanism so a second connection IDLEing on the same
// mailbox sees new messages without polling.
type updateBroker struct {
	ch     chan backend.Update
	logger *slog.Logger
}

func newUpdateBroker(logger *slog.Logger) *updateBroker {
	return &updateBroker{ch: make(chan backend.Update, 64), logger: logger}
}

// Updates implements backend.Updater.
func (u *updateBroker) Updates() <-chan backend.Update {
	return u.ch
}

// watch subscribes to owner's insert notifications and republishes each
// one as a MailboxUpdate carrying the folder's current EXISTS/UNSEEN
// counts, until ctx is done or the store closes the notification channel.
func (u *updateBroker) watch(ctx context.Context, st store.Mailstore, owner string) {
	notifications, err := st.WatchInserts(ctx, owner)
	if err != nil {
		u.logger.Warn("imap: could not subscribe to insert notifications", slog.String("owner", owner), slog.Any("err", err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			u.publish(ctx, st, n)
		}
	}
}

func (u *updateBroker) publish(ctx context.Context, st store.Mailstore, n store.Notification) {
	msgs, err := st.GetMessages(ctx, n.Owner, n.Folder, store.Filter{}, store.SortSpec{})
	if err != nil {
		u.logger.Warn("imap: update broker could not re-list folder", slog.String("folder", n.Folder), slog.Any("err", err))
		return
	}

	var unseen uint32
	for _, msg := range msgs {
		if !msg.Flags.Has(store.FlagSeen) {
			unseen++
		}
	}

	status := imap.NewMailboxStatus(n.Folder, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen, imap.StatusUidNext})
	status.Messages = uint32(len(msgs))
	status.Unseen = unseen

	upd := &backend.MailboxUpdate{
		Update:        backend.NewUpdate(n.Owner, n.Folder),
		MailboxStatus: status,
	}

	select {
	case u.ch <- upd:
	default:
		u.logger.Warn("imap: update broker channel full, dropping notification", slog.String("folder", n.Folder))
	}
}

var _ backend.Updater = (*updateBroker)(nil)
