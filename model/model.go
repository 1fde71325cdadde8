// Package model holds the data shapes shared across the cache's components:
// persisted rows (§3), the live folder status the validator and
// synchronizer consume (§4.E, §4.F), and the message header object the
// facade hands back to callers. It intentionally carries no behaviour of its
// own beyond small accessors, the way gluon's db/types.go and imap/mailbox.go
// hold plain data shapes consumed by state and db.
package model

import (
	"time"

	"github.com/foldercache/foldercache/flags"
	"github.com/foldercache/foldercache/imap"
)

// IndexRow is the persisted shape of a cache_index row (spec §3).
type IndexRow struct {
	User         string
	Folder       string
	UIDs         []imap.UID
	Valid        bool
	SortField    imap.SortField
	SortOrder    imap.SortOrder
	SkipDeleted  bool
	UIDValidity  imap.UIDValidity
	UIDNext      imap.UID
	HasModSeq    bool
	ModSeq       imap.ModSeq
	Expires      *time.Time
}

// Empty reports whether the index carries no UIDs.
func (r IndexRow) Empty() bool {
	return len(r.UIDs) == 0
}

// Max returns the largest UID in the index, or 0 if empty.
func (r IndexRow) Max() imap.UID {
	var max imap.UID

	for _, uid := range r.UIDs {
		if uid > max {
			max = uid
		}
	}

	return max
}

// ThreadRow is the persisted shape of a cache_thread row (spec §3).
type ThreadRow struct {
	User        string
	Folder      string
	Tree        ThreadTree
	SkipDeleted bool
	UIDValidity imap.UIDValidity
	UIDNext     imap.UID
	Expires     *time.Time
}

// Empty reports whether the thread tree contains no messages.
func (r ThreadRow) Empty() bool {
	return r.Tree.MessageCount() == 0
}

// ThreadTree is an opaque tree of UIDs grouping messages by conversation.
// The core never interprets its internal shape beyond counting messages and
// listing the UIDs it references; thread construction is the IMAP server's
// job (imapclient.Client.ThreadsDirect).
type ThreadTree struct {
	Nodes []ThreadNode
}

// ThreadNode is one message in a thread, with its child replies.
type ThreadNode struct {
	UID      imap.UID
	Children []ThreadNode
}

// MessageCount returns the total number of UIDs referenced by the tree.
func (t ThreadTree) MessageCount() int {
	var count int

	var walk func([]ThreadNode)

	walk = func(nodes []ThreadNode) {
		for _, n := range nodes {
			count++
			walk(n.Children)
		}
	}

	walk(t.Nodes)

	return count
}

// MessageRow is the persisted shape of a cache_messages row (spec §3).
type MessageRow struct {
	User    string
	Folder  string
	UID     imap.UID
	Flags   flags.Bits
	Data    []byte
	Expires *time.Time
}

// MessageHeader is the decoded header/structure object the facade returns to
// callers: the UID, its flag set, and the opaque serialized object in Data.
// It has no separate message body field (spec §1 Non-goals).
type MessageHeader struct {
	UID   imap.UID
	Flags flags.Set
	Data  []byte
}

// FolderStatus is the live status report the IMAP client returns for a
// folder (spec §4.E, §6).
type FolderStatus struct {
	UIDValidity   imap.UIDValidity
	Exists        int
	UIDNext       imap.UID
	HighestModSeq imap.ModSeq
	HasModSeq     bool
	NoModSeq      bool
	Undeleted     *UndeletedStatus
	Vanished      []imap.UID
	VanishedKnown bool
}

// UndeletedStatus carries whichever of the two optional UNDELETED hints the
// server volunteered: a bare count, or (more precise) the exact UID set.
type UndeletedStatus struct {
	Count    int
	HasCount bool
	UIDs     []imap.UID
	HasUIDs  bool
}

// FetchSinceResult is the result of a CHANGEDSINCE FETCH, optionally
// piggybacking a QRESYNC VANISHED response (spec §4.F step 7).
type FetchSinceResult struct {
	Changed    []ChangedMessage
	Vanished   []imap.UID
	HasQresync bool
}

// ChangedMessage is one message whose flags changed since a given MODSEQ.
type ChangedMessage struct {
	UID   imap.UID
	Flags flags.Set
}
