package imap

import "golang.org/x/text/cases"

// foldCase implements RFC 3501 §5.1: the server MUST treat "INBOX" as
// case-insensitive on the wire, no matter what case variant the client or a
// FolderData report used. Every other folder name is compared byte-for-byte,
// the same selective case-folding gluon's own mailbox search does for
// charset-aware comparisons (internal/state/mailbox_search.go).
var foldCase = cases.Fold()

// NormalizeFolder canonicalizes a folder name for use as a cache key: INBOX
// spellings in any case collapse to the single canonical "INBOX" key, every
// other folder name passes through unchanged.
func NormalizeFolder(folder string) string {
	if foldCase.String(folder) == foldCase.String("INBOX") {
		return "INBOX"
	}

	return folder
}
