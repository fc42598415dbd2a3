package interfaces

import (
	"context"
	"errors"
)

// ErrNotFound is returned by DocStore.Get when no document exists.
var ErrNotFound = errors.New("document not found")

// DocStore abstracts the remote per-identity document database. The engine
// only ever reads and writes whole JSON documents keyed by collection and id.
type DocStore interface {
	// Get fetches a document. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, collection, id string, out any) error

	// Set writes a document. With merge true, fields absent from doc are
	// left untouched on the server.
	Set(ctx context.Context, collection, id string, doc any, merge bool) error
}
