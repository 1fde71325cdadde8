// Package imapclient declares the IMAP protocol collaborator the cache core
// consumes. The protocol client itself — connection pooling, command
// serialization, response parsing — is out of scope for this module (spec
// §1); this interface is the seam a real client (e.g. one built on
// github.com/emersion/go-imap) plugs into.
package imapclient

import (
	"context"

	"github.com/foldercache/foldercache/imap"
	"github.com/foldercache/foldercache/model"
)

// Client is everything the cache needs from a live IMAP connection for one
// user session (spec §6).
type Client interface {
	// FolderData reports the folder's current UIDVALIDITY/EXISTS/UIDNEXT and,
	// where available, HIGHESTMODSEQ/NOMODSEQ/UNDELETED/VANISHED hints.
	FolderData(ctx context.Context, folder string) (model.FolderStatus, error)

	// FetchHeaders retrieves header/structure objects for the given UIDs.
	FetchHeaders(ctx context.Context, folder string, uids []imap.UID) ([]model.MessageHeader, error)

	// GetMessageHeaders retrieves a single message's header/structure object.
	GetMessageHeaders(ctx context.Context, folder string, uid imap.UID) (model.MessageHeader, error)

	// IndexDirect asks the server for a freshly sorted UID sequence.
	IndexDirect(ctx context.Context, folder string, sortField imap.SortField, sortOrder imap.SortOrder) ([]imap.UID, error)

	// ThreadsDirect asks the server to build a thread tree for the folder.
	ThreadsDirect(ctx context.Context, folder string) (model.ThreadTree, error)

	// SearchOnce issues a single IMAP SEARCH command and returns matching UIDs.
	SearchOnce(ctx context.Context, folder, query string) ([]imap.UID, error)

	// GetCapability reports whether the server advertises the named capability.
	GetCapability(name string) bool

	// CheckConnection verifies the connection is alive, reconnecting if the
	// implementation supports it.
	CheckConnection(ctx context.Context) error

	// Enable issues IMAP ENABLE for the given capability.
	Enable(ctx context.Context, capability string) error

	// Close closes the folder currently selected on this connection, if any.
	Close(ctx context.Context) error

	// FetchChangedSince issues FETCH (FLAGS) CHANGEDSINCE modseq for the
	// given UIDs, piggybacking VANISHED when qresync is true.
	FetchChangedSince(ctx context.Context, folder string, uids []imap.UID, modseq imap.ModSeq, qresync bool) (model.FetchSinceResult, error)
}

// Capability names relevant to this core (spec §4.F, RFC 4551/5162).
const (
	CapabilityCondstore = "CONDSTORE"
	CapabilityQresync   = "QRESYNC"
)
