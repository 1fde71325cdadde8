// Package sync implements the CONDSTORE/QRESYNC incremental repair protocol
// (spec §4.F): given a folder, it brings the persisted index into
// consistency with the server using at most one ENABLE, one selective FETCH
// CHANGEDSINCE, a possible VANISHED piggyback, and one index rebuild if the
// folder is still invalid afterwards.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/foldercache/foldercache/flags"
	"github.com/foldercache/foldercache/imap"
	"github.com/foldercache/foldercache/imapclient"
	"github.com/foldercache/foldercache/internal/store"
	"github.com/foldercache/foldercache/internal/validate"
)

// Synchronizer runs incremental repairs for one user against one store and
// one live IMAP connection.
type Synchronizer struct {
	User   string
	Store  store.Store
	Client imapclient.Client
	TTL    time.Duration
}

// New builds a Synchronizer.
func New(user string, st store.Store, client imapclient.Client, ttl time.Duration) *Synchronizer {
	return &Synchronizer{User: user, Store: st, Client: client, TTL: ttl}
}

// Synchronize runs the 12-step repair protocol for folder (spec §4.F).
// It returns nil whenever the folder ends up consistent or there is nothing
// useful to do; IMAP errors are swallowed here (spec §7 error kind 2:
// "synchronize silently aborts"), but store errors are surfaced since they
// indicate the local cache itself cannot be trusted.
func (s *Synchronizer) Synchronize(ctx context.Context, folder string, skipDeleted bool) error {
	// Step 1: load the persisted index; if absent, nothing to repair.
	row, err := s.Store.SelectIndex(ctx, s.User, folder)
	if store.IsNotFound(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("loading index for sync: %w", err)
	}

	// Step 2: no modseq stored means no incremental repair is possible.
	if !row.HasModSeq {
		return nil
	}

	// Step 3: only run when the server advertises CONDSTORE or QRESYNC.
	qresync := s.Client.GetCapability(imapclient.CapabilityQresync)
	condstore := qresync || s.Client.GetCapability(imapclient.CapabilityCondstore)

	if !condstore {
		return nil
	}

	capability := imapclient.CapabilityCondstore
	if qresync {
		capability = imapclient.CapabilityQresync
	}

	if err := s.Client.Enable(ctx, capability); err != nil {
		return nil //nolint:nilerr // IMAP failures abort sync silently, per spec §7.
	}

	// Step 4: force a fresh UIDVALIDITY/HIGHESTMODSEQ on reselect.
	if err := s.Client.Close(ctx); err != nil {
		return nil //nolint:nilerr
	}

	// Step 5: fetch folder status.
	status, err := s.Client.FolderData(ctx, folder)
	if err != nil {
		return nil //nolint:nilerr
	}

	if row.UIDValidity != status.UIDValidity {
		return s.clear(ctx, folder)
	}

	// Step 6: nothing to do if the server can't report modseq or it hasn't moved.
	if status.NoModSeq || (status.HasModSeq && status.HighestModSeq == row.ModSeq) {
		return nil
	}

	// Step 7: load persisted UIDs, then fetch flag deltas since the stored modseq.
	uids, err := s.Store.SelectAllMessageUIDs(ctx, s.User, folder)
	if err != nil {
		return fmt.Errorf("loading message uids for sync: %w", err)
	}

	fetched, err := s.Client.FetchChangedSince(ctx, folder, uids, row.ModSeq, qresync)
	if err != nil {
		return nil //nolint:nilerr
	}

	var removed []imap.UID

	// Step 8: apply each returned message's flags, marking for removal when
	// skip_deleted mandates it.
	for _, changed := range fetched.Changed {
		if skipDeleted && changed.Flags.Contains(flags.Deleted) {
			removed = append(removed, changed.UID)
			row.Valid = false

			continue
		}

		if _, err := s.Store.UpdateMessageFlagsIfChanged(ctx, s.User, folder, changed.UID, flags.Pack(changed.Flags)); err != nil {
			return fmt.Errorf("updating message flags during sync: %w", err)
		}
	}

	// Step 9: union in any QRESYNC VANISHED UIDs.
	if fetched.HasQresync && len(fetched.Vanished) > 0 {
		removed = append(removed, fetched.Vanished...)
		row.Valid = false
	}

	// Step 10: delete removed UIDs.
	if len(removed) > 0 {
		if err := s.Store.DeleteMessages(ctx, s.User, folder, removed); err != nil {
			return fmt.Errorf("deleting vanished messages during sync: %w", err)
		}

		row.UIDs = subtract(row.UIDs, removed)
	}

	// Step 11: re-validate; rebuild via fresh server-side SORT if still invalid.
	decision, err := validate.Index(validate.IndexInput{
		Row:         row,
		Status:      status,
		SkipDeleted: skipDeleted,
	})
	if err != nil {
		return nil //nolint:nilerr
	}

	if !decision.Valid {
		rebuilt, err := s.Client.IndexDirect(ctx, folder, row.SortField, imap.SortAsc)
		if err != nil {
			return nil //nolint:nilerr
		}

		row.UIDs = rebuilt
		row.SortOrder = imap.SortAsc
		row.Valid = true

		if _, err := s.Store.SelectThread(ctx, s.User, folder); err == nil {
			if err := s.Store.DeleteThread(ctx, s.User, folder); err != nil {
				return fmt.Errorf("deleting stale thread during sync: %w", err)
			}
		}
	}

	// Step 12: upsert the index with its (possibly unchanged) UIDs and the
	// fresh HIGHESTMODSEQ.
	row.UIDValidity = status.UIDValidity
	row.UIDNext = status.UIDNext
	row.HasModSeq = status.HasModSeq
	row.ModSeq = status.HighestModSeq

	if err := s.Store.UpsertIndex(ctx, row, s.TTL); err != nil {
		return fmt.Errorf("upserting index after sync: %w", err)
	}

	return nil
}

func (s *Synchronizer) clear(ctx context.Context, folder string) error {
	if err := s.Store.DeleteIndex(ctx, s.User, folder); err != nil {
		return fmt.Errorf("clearing index during sync: %w", err)
	}

	if err := s.Store.DeleteThread(ctx, s.User, folder); err != nil {
		return fmt.Errorf("clearing thread during sync: %w", err)
	}

	if err := s.Store.DeleteMessages(ctx, s.User, folder, nil); err != nil {
		return fmt.Errorf("clearing messages during sync: %w", err)
	}

	return nil
}

func subtract(uids, remove []imap.UID) []imap.UID {
	removeSet := make(map[imap.UID]struct{}, len(remove))

	for _, uid := range remove {
		removeSet[uid] = struct{}{}
	}

	out := make([]imap.UID, 0, len(uids))

	for _, uid := range uids {
		if _, ok := removeSet[uid]; !ok {
			out = append(out, uid)
		}
	}

	return out
}
