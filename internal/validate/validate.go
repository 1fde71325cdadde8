// Package validate implements the validation decision tree (spec §4.E): it
// decides, given a cached index or thread and a freshly fetched folder
// status, whether the cache entry is still trustworthy. It is a pure
// decision function — it never touches the store or the working set itself,
// mirroring how gluon's internal/state/match.go keeps pattern matching
// logic free of any I/O so it can be tested as plain data in, data out.
package validate

import (
	"github.com/foldercache/foldercache/imap"
	"github.com/foldercache/foldercache/model"
)

// Decision is the validator's verdict plus the side effects the facade and
// synchronizer must apply (spec §4.E output: "valid | invalid" plus the
// exists_in_store side-effect flag).
type Decision struct {
	Valid bool

	// Purge requests a full clear() of the folder's persisted rows (rule 1, 2).
	Purge bool

	// DropWorkingSet requests dropping only the in-memory slot, leaving the
	// persisted row alone (rules 3, 4, 5, 7, 8, 9, 10).
	DropWorkingSet bool

	// ExistsInStore tells the caller whether to treat a subsequent write as
	// an insert or an update.
	ExistsInStore bool

	// Reason documents which rule fired, for logging only.
	Reason string
}

func valid(reason string, existsInStore bool) Decision {
	return Decision{Valid: true, ExistsInStore: existsInStore, Reason: reason}
}

func invalidPurge(reason string) Decision {
	return Decision{Valid: false, Purge: true, ExistsInStore: false, Reason: reason}
}

func invalidDropWorkingSet(reason string, existsInStore bool) Decision {
	return Decision{Valid: false, DropWorkingSet: true, ExistsInStore: existsInStore, Reason: reason}
}

// IndexInput bundles everything the validator needs about a cached index to
// apply rules 1–10.
type IndexInput struct {
	Row    model.IndexRow
	Status model.FolderStatus

	// SkipDeleted is the caller's *current* skip_deleted setting, to compare
	// against Row.SkipDeleted (rule 5).
	SkipDeleted bool

	// SearchUndeleted is invoked only for rule 9c, when neither a live
	// UNDELETED count nor UID set was volunteered by the server. It must
	// issue "ALL UNDELETED NOT UID <cached-uids>" and report whether any
	// UID came back.
	SearchUndeleted func() (nonEmpty bool, err error)

	// UIDAtSequence resolves the UID of the message at the given 1-based
	// sequence number on the server, for rule 10's max-UID cross-check.
	UIDAtSequence func(seq int) (imap.UID, error)
}

// Index runs the index decision tree (spec §4.E rules 1, 2, 3, 4, 5, 6, 7, 9, 10).
func Index(in IndexInput) (Decision, error) {
	row, status := in.Row, in.Status

	// Rule 1: UIDVALIDITY mismatch (or missing) -> full purge.
	if row.UIDValidity == 0 || row.UIDValidity != status.UIDValidity {
		return invalidPurge("uidvalidity mismatch"), nil
	}

	// Rule 2: live mailbox is empty.
	if status.Exists == 0 {
		if row.Empty() {
			return valid("live and cached both empty", true), nil
		}

		return invalidPurge("live mailbox empty, cached index non-empty"), nil
	}

	// Rule 3: cached empty but live non-empty.
	if row.Empty() {
		return invalidDropWorkingSet("cached index empty, live mailbox non-empty", true), nil
	}

	// Rule 4: persisted row itself is marked invalid.
	if !row.Valid {
		return invalidDropWorkingSet("persisted index row marked invalid", true), nil
	}

	// Rule 5: skip_deleted setting changed since build.
	if row.SkipDeleted != in.SkipDeleted {
		return invalidDropWorkingSet("skip_deleted setting changed", true), nil
	}

	// Rule 6: modseq short-circuit.
	if row.HasModSeq && status.HasModSeq && row.ModSeq == status.HighestModSeq {
		return valid("modseq unchanged", true), nil
	}

	// Rule 7: UIDNEXT mismatch.
	if row.UIDNext != status.UIDNext {
		return invalidDropWorkingSet("uidnext mismatch", true), nil
	}

	// Rule 9: skip_deleted index-specific checks.
	if in.SkipDeleted {
		return indexSkipDeletedCheck(in)
	}

	// Rule 10: skip_deleted == false.
	if status.Exists != len(row.UIDs) {
		return invalidDropWorkingSet("exists count mismatch", true), nil
	}

	if in.UIDAtSequence != nil {
		liveMaxUID, err := in.UIDAtSequence(status.Exists)
		if err != nil {
			return Decision{}, err
		}

		if row.Max() != liveMaxUID {
			return invalidDropWorkingSet("max uid does not match server sequence", true), nil
		}
	}

	return valid("size and max uid match", true), nil
}

func indexSkipDeletedCheck(in IndexInput) (Decision, error) {
	row, status := in.Row, in.Status

	if status.Undeleted != nil && status.Undeleted.HasCount {
		if status.Undeleted.Count != len(row.UIDs) {
			return invalidDropWorkingSet("undeleted count mismatch", true), nil
		}

		return valid("undeleted count matches", true), nil
	}

	if status.Undeleted != nil && status.Undeleted.HasUIDs {
		if !imap.UIDsEqual(status.Undeleted.UIDs, row.UIDs) {
			return invalidDropWorkingSet("undeleted uid set mismatch", true), nil
		}

		return valid("undeleted uid set matches", true), nil
	}

	if in.SearchUndeleted == nil {
		return invalidDropWorkingSet("no undeleted hint and no search fallback available", true), nil
	}

	nonEmpty, err := in.SearchUndeleted()
	if err != nil {
		return Decision{}, err
	}

	if nonEmpty {
		return invalidDropWorkingSet("search found undeleted messages outside cached set", true), nil
	}

	return valid("search confirmed no undeleted messages outside cached set", true), nil
}

// ThreadInput bundles everything the validator needs about a cached thread.
type ThreadInput struct {
	Row         model.ThreadRow
	Status      model.FolderStatus
	SkipDeleted bool
}

// Thread runs the thread decision tree (spec §4.E rules 1, 2, 3, 4(n/a), 5, 7, 8).
// Rule 4 (the persisted `valid` flag) does not apply to threads — only
// indexes carry that column (spec §6 cache_thread has no `valid` column).
func Thread(in ThreadInput) Decision {
	row, status := in.Row, in.Status

	if row.UIDValidity == 0 || row.UIDValidity != status.UIDValidity {
		return invalidPurge("uidvalidity mismatch")
	}

	if status.Exists == 0 {
		if row.Empty() {
			return valid("live and cached both empty", true)
		}

		return invalidPurge("live mailbox empty, cached thread non-empty")
	}

	if row.Empty() {
		return invalidDropWorkingSet("cached thread empty, live mailbox non-empty", true)
	}

	if row.SkipDeleted != in.SkipDeleted {
		return invalidDropWorkingSet("skip_deleted setting changed", true)
	}

	// Rule 7: UIDNEXT mismatch. Not index-exclusive (unlike rule 4) — threads
	// carry UIDNext for exactly this check.
	if row.UIDNext != status.UIDNext {
		return invalidDropWorkingSet("uidnext mismatch", true)
	}

	// Rule 8: one additional cheap message-count check, only when skip_deleted is false.
	if !in.SkipDeleted && status.Exists != row.Tree.MessageCount() {
		return invalidDropWorkingSet("exists count does not match thread message count", true)
	}

	return valid("thread accepted", true)
}
