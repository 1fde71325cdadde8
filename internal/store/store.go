// Package store defines the persistence adapter contract (spec §4.D, §6):
// parameterised queries against three tables, index, thread and messages,
// plus a TTL-based expiry sweep. It mirrors gluon's own split between an
// interface package (db) and a concrete implementation package
// (internal/db_impl): callers depend on Store, not on any SQL driver.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/foldercache/foldercache/flags"
	"github.com/foldercache/foldercache/imap"
	"github.com/foldercache/foldercache/model"
)

// ErrNotFound is returned by Select* methods when no row matches; the
// facade and synchronizer generally treat it as "absent", not as an error
// to surface (spec §7: corrupt/absent rows are not failures).
var ErrNotFound = errors.New("foldercache: row not found")

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store is the persistence adapter contract consumed by the validator,
// synchronizer and facade.
type Store interface {
	SelectIndex(ctx context.Context, user, folder string) (model.IndexRow, error)
	SelectThread(ctx context.Context, user, folder string) (model.ThreadRow, error)
	SelectMessage(ctx context.Context, user, folder string, uid imap.UID) (model.MessageRow, error)
	SelectMessages(ctx context.Context, user, folder string, uids []imap.UID) ([]model.MessageRow, error)
	SelectAllMessageUIDs(ctx context.Context, user, folder string) ([]imap.UID, error)

	UpsertIndex(ctx context.Context, row model.IndexRow, ttl time.Duration) error
	UpsertThread(ctx context.Context, row model.ThreadRow, ttl time.Duration) error

	// UpsertMessage inserts or updates a message row and reports whether a
	// row already existed at that key before this call. The existence check
	// and the write run inside one atomic transaction, so no other writer can
	// interleave between them (spec §9 open question).
	UpsertMessage(ctx context.Context, row model.MessageRow, ttl time.Duration) (existedBefore bool, err error)

	// UpdateMessageFlagsIfChanged performs a guarded UPDATE that only writes
	// when the stored bitmap differs from newFlags, to avoid no-op writes
	// (spec §4.F step 8, §8 idempotence property).
	UpdateMessageFlagsIfChanged(ctx context.Context, user, folder string, uid imap.UID, newFlags flags.Bits) (changed bool, err error)

	DeleteMessages(ctx context.Context, user, folder string, uids []imap.UID) error

	// DeleteAllMessages deletes every message row for user across all
	// folders, for the facade's remove_message(folder=nil) form (spec §4.G).
	DeleteAllMessages(ctx context.Context, user string) error

	DeleteIndex(ctx context.Context, user, folder string) error

	// DeleteAllIndexes deletes every index row for user, for
	// remove_index(folder=nil, remove=true).
	DeleteAllIndexes(ctx context.Context, user string) error

	SetIndexInvalid(ctx context.Context, user, folder string) error
	DeleteThread(ctx context.Context, user, folder string) error

	// DeleteAllThreads deletes every thread row for user, for
	// remove_thread(folder=nil).
	DeleteAllThreads(ctx context.Context, user string) error

	// GCExpired deletes rows whose expires timestamp is before now, across
	// all three tables (spec §4.D "Garbage collection").
	GCExpired(ctx context.Context, now time.Time) (GCResult, error)

	Close() error
}

// GCResult reports how many rows gc() removed from each table.
type GCResult struct {
	IndexDeleted    int
	ThreadDeleted   int
	MessagesDeleted int
}

func (r GCResult) Total() int {
	return r.IndexDeleted + r.ThreadDeleted + r.MessagesDeleted
}
