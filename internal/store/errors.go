package store

import "errors"

// ErrNotFound is wrapped into store-layer errors when a folder, mailbox, or
// message lookup comes back empty. Callers translate it to protoerr.NotFound.
var ErrNotFound = errors.New("not found")
