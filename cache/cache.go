// Package cache is the public contract of the IMAP folder cache core: a
// durable, per-user cache sitting between a webmail application and IMAP
// servers. A Cache is constructed once per user session and bound to one
// user identifier, one IMAP client handle, and one persistent store handle.
// It wires the working set (internal/workset), the persistence adapter
// (internal/store), the validator (internal/validate) and the synchronizer
// (internal/sync) together the way gluon's top-level Server wires its own
// backend, state and db layers.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/foldercache/foldercache/cache/internallog"
	"github.com/foldercache/foldercache/flags"
	"github.com/foldercache/foldercache/imap"
	"github.com/foldercache/foldercache/imapclient"
	"github.com/foldercache/foldercache/internal/store"
	"github.com/foldercache/foldercache/internal/sync"
	"github.com/foldercache/foldercache/internal/validate"
	"github.com/foldercache/foldercache/internal/workset"
	"github.com/foldercache/foldercache/logging"
	"github.com/foldercache/foldercache/model"
)

// Stats is a read-only snapshot of a Cache's activity counters, for
// observability. It is updated synchronously in-process; no metrics backend
// is wired, since adding one is outside this core's scope.
type Stats struct {
	IndexHits     int
	IndexMisses   int
	ThreadHits    int
	ThreadMisses  int
	MessageHits   int
	MessageMisses int
	Invalidations int
	SyncCalls     int
}

// Cache is the facade described by component G: get_index, get_thread,
// get_message, get_messages, add_message, change_flag, remove_*, clear,
// synchronize, close.
type Cache struct {
	user   string
	client imapclient.Client
	store  store.Store
	ws     *workset.Set
	cfg    Config
	sync   *sync.Synchronizer
	stats  Stats
}

// New constructs a Cache for one user session, bound to one IMAP client
// handle and one persistent store handle.
func New(userID string, client imapclient.Client, st store.Store, cfg Config) *Cache {
	cfg.Normalize()

	return &Cache{
		user:   userID,
		client: client,
		store:  st,
		ws:     workset.New(),
		cfg:    cfg,
		sync:   sync.New(userID, st, client, cfg.TTL),
	}
}

func (c *Cache) logFields(folder string) logrus.FieldLogger {
	return internallog.Logger().WithFields(logrus.Fields{
		"user":       c.user,
		"session_id": c.cfg.SessionID,
		"folder":     folder,
	})
}

// Stats returns a snapshot of this Cache's activity counters.
func (c *Cache) Stats() Stats {
	return c.stats
}

// GetIndex implements get_index(folder, sort_field, sort_order,
// existing_only) (spec §4.G). skipDeleted is the caller's current
// skip_deleted setting, compared against the row's build-time setting by the
// validator (rule 5).
func (c *Cache) GetIndex(
	ctx context.Context,
	folder string,
	sortField imap.SortField,
	sortOrder imap.SortOrder,
	skipDeleted bool,
	existingOnly bool,
) ([]imap.UID, bool, error) {
	folder = imap.NormalizeFolder(folder)
	log := c.logFields(folder)

	entry, haveWS := c.ws.Index(folder)

	var row model.IndexRow

	haveRow := false

	switch {
	case haveWS && entry.Validated && sortField.Is(entry.Row.SortField):
		c.stats.IndexHits++
		log.Debug("index served from validated working set")

		return orderedUIDs(entry.Row, sortOrder), true, nil
	case haveWS:
		row, haveRow = entry.Row, true
	default:
		if !c.ws.IndexQueried(folder) {
			stored, err := c.store.SelectIndex(ctx, c.user, folder)
			c.ws.SetIndexQueried(folder)

			switch {
			case err == nil:
				row, haveRow = stored, true
			case store.IsNotFound(err):
			default:
				return nil, false, fmt.Errorf("loading index for %s: %w", folder, err)
			}
		}
	}

	effectiveSortField := sortField
	if sortField == imap.SortFieldAny && haveRow {
		effectiveSortField = row.SortField
	}

	if haveRow && !row.SortField.Is(effectiveSortField) {
		haveRow = false
	}

	if haveRow {
		status, err := c.client.FolderData(ctx, folder)
		if err != nil {
			return nil, false, fmt.Errorf("fetching folder status for %s: %w", folder, err)
		}

		decision, err := validate.Index(validate.IndexInput{
			Row:             row,
			Status:          status,
			SkipDeleted:     skipDeleted,
			SearchUndeleted: c.searchUndeleted(ctx, folder, row.UIDs),
		})
		if err != nil {
			return nil, false, fmt.Errorf("validating index for %s: %w", folder, err)
		}

		if decision.Valid {
			c.stats.IndexHits++
			c.ws.SetIndex(folder, workset.IndexEntry{Row: row, Validated: true})
			log.Debug("index validated against live folder status")

			return orderedUIDs(row, sortOrder), true, nil
		}

		c.stats.Invalidations++
		log.WithField("reason", decision.Reason).Debug("index invalidated")

		if err := c.applyIndexInvalidation(ctx, folder, decision); err != nil {
			return nil, false, err
		}

		haveRow = false
	}

	if !haveRow {
		c.stats.IndexMisses++

		if existingOnly {
			return nil, false, nil
		}

		buildField := effectiveSortField
		if buildField == imap.SortFieldAny {
			buildField = sortField
		}

		uids, err := c.client.IndexDirect(ctx, folder, buildField, sortOrder)
		if err != nil {
			return nil, false, fmt.Errorf("building index for %s: %w", folder, err)
		}

		status, err := c.client.FolderData(ctx, folder)
		if err != nil {
			return nil, false, fmt.Errorf("fetching folder status for %s: %w", folder, err)
		}

		fresh := model.IndexRow{
			User: c.user, Folder: folder, UIDs: uids, Valid: true,
			SortField: buildField, SortOrder: sortOrder, SkipDeleted: skipDeleted,
			UIDValidity: status.UIDValidity, UIDNext: status.UIDNext,
			HasModSeq: status.HasModSeq, ModSeq: status.HighestModSeq,
		}

		if err := c.store.UpsertIndex(ctx, fresh, c.cfg.TTL); err != nil {
			return nil, false, fmt.Errorf("upserting index for %s: %w", folder, err)
		}

		c.ws.SetIndex(folder, workset.IndexEntry{Row: fresh, Validated: true})
		log.Debug("index rebuilt from server")

		return fresh.UIDs, true, nil
	}

	return nil, false, nil
}

func (c *Cache) applyIndexInvalidation(ctx context.Context, folder string, decision validate.Decision) error {
	if decision.Purge {
		return c.clearFolder(ctx, folder, nil)
	}

	c.ws.DropIndex(folder)

	return nil
}

func (c *Cache) searchUndeleted(ctx context.Context, folder string, cachedUIDs []imap.UID) func() (bool, error) {
	return func() (bool, error) {
		query := fmt.Sprintf("ALL UNDELETED NOT UID %s", imap.NewUIDSet(cachedUIDs).String())

		res, err := c.client.SearchOnce(ctx, folder, query)
		if err != nil {
			return false, fmt.Errorf("searching undeleted messages in %s: %w", folder, err)
		}

		return len(res) > 0, nil
	}
}

func orderedUIDs(row model.IndexRow, want imap.SortOrder) []imap.UID {
	stored := row.SortOrder
	if stored == "" {
		stored = imap.SortAsc
	}

	if want == "" || want == stored {
		return row.UIDs
	}

	return reverseUIDs(row.UIDs)
}

func reverseUIDs(uids []imap.UID) []imap.UID {
	out := make([]imap.UID, len(uids))

	for i, uid := range uids {
		out[len(uids)-1-i] = uid
	}

	return out
}

// GetThread implements get_thread(folder), the same protocol as GetIndex
// without sort fields (spec §4.G).
func (c *Cache) GetThread(ctx context.Context, folder string, skipDeleted, existingOnly bool) (model.ThreadTree, bool, error) {
	folder = imap.NormalizeFolder(folder)
	log := c.logFields(folder)

	entry, haveWS := c.ws.Thread(folder)

	var row model.ThreadRow

	haveRow := false

	switch {
	case haveWS && entry.Validated:
		c.stats.ThreadHits++
		return entry.Row.Tree, true, nil
	case haveWS:
		row, haveRow = entry.Row, true
	default:
		if !c.ws.ThreadQueried(folder) {
			stored, err := c.store.SelectThread(ctx, c.user, folder)
			c.ws.SetThreadQueried(folder)

			switch {
			case err == nil:
				row, haveRow = stored, true
			case store.IsNotFound(err):
			default:
				return model.ThreadTree{}, false, fmt.Errorf("loading thread for %s: %w", folder, err)
			}
		}
	}

	if haveRow {
		status, err := c.client.FolderData(ctx, folder)
		if err != nil {
			return model.ThreadTree{}, false, fmt.Errorf("fetching folder status for %s: %w", folder, err)
		}

		decision := validate.Thread(validate.ThreadInput{Row: row, Status: status, SkipDeleted: skipDeleted})

		if decision.Valid {
			c.stats.ThreadHits++
			c.ws.SetThread(folder, workset.ThreadEntry{Row: row, Validated: true})

			return row.Tree, true, nil
		}

		c.stats.Invalidations++
		log.WithField("reason", decision.Reason).Debug("thread invalidated")

		if decision.Purge {
			if err := c.clearFolder(ctx, folder, nil); err != nil {
				return model.ThreadTree{}, false, err
			}
		} else {
			c.ws.DropThread(folder)
		}

		haveRow = false
	}

	if !haveRow {
		c.stats.ThreadMisses++

		if existingOnly {
			return model.ThreadTree{}, false, nil
		}

		tree, err := c.client.ThreadsDirect(ctx, folder)
		if err != nil {
			return model.ThreadTree{}, false, fmt.Errorf("building thread for %s: %w", folder, err)
		}

		status, err := c.client.FolderData(ctx, folder)
		if err != nil {
			return model.ThreadTree{}, false, fmt.Errorf("fetching folder status for %s: %w", folder, err)
		}

		fresh := model.ThreadRow{
			User: c.user, Folder: folder, Tree: tree, SkipDeleted: skipDeleted,
			UIDValidity: status.UIDValidity, UIDNext: status.UIDNext,
		}

		if err := c.store.UpsertThread(ctx, fresh, c.cfg.TTL); err != nil {
			return model.ThreadTree{}, false, fmt.Errorf("upserting thread for %s: %w", folder, err)
		}

		c.ws.SetThread(folder, workset.ThreadEntry{Row: fresh, Validated: true})

		return fresh.Tree, true, nil
	}

	return model.ThreadTree{}, false, nil
}

// GetMessage implements get_message(folder, uid, update, cache) (spec §4.G).
func (c *Cache) GetMessage(ctx context.Context, folder string, uid imap.UID, update, cache bool) (model.MessageHeader, bool, error) {
	folder = imap.NormalizeFolder(folder)

	if c.ws.MatchesCurrent(folder, uid) {
		c.stats.MessageHits++

		cur, _ := c.ws.Current()

		return cur.Object, true, nil
	}

	row, err := c.store.SelectMessage(ctx, c.user, folder, uid)

	var (
		obj     model.MessageHeader
		existed bool
	)

	switch {
	case err == nil:
		c.stats.MessageHits++
		obj = model.MessageHeader{UID: row.UID, Flags: flags.Unpack(row.Flags), Data: row.Data}
		existed = true
	case store.IsNotFound(err):
		c.stats.MessageMisses++

		if !update {
			return model.MessageHeader{}, false, nil
		}

		fetched, ferr := c.client.GetMessageHeaders(ctx, folder, uid)
		if ferr != nil {
			return model.MessageHeader{}, false, fmt.Errorf("fetching message %s/%s: %w", folder, uid, ferr)
		}

		obj, existed = fetched, false
	default:
		return model.MessageHeader{}, false, fmt.Errorf("selecting message %s/%s: %w", folder, uid, err)
	}

	if cache {
		prev, wasDirty := c.ws.SetCurrent(workset.NewCleanCurrentMessage(folder, uid, obj, existed))
		if wasDirty {
			if err := c.flushCurrent(ctx, prev); err != nil {
				return model.MessageHeader{}, false, err
			}
		}
	}

	return obj, true, nil
}

func (c *Cache) flushCurrent(ctx context.Context, cm workset.CurrentMessage) error {
	row := model.MessageRow{
		User: c.user, Folder: cm.Folder, UID: cm.UID,
		Flags: flags.Pack(cm.Object.Flags), Data: cm.Object.Data,
	}

	if _, err := c.store.UpsertMessage(ctx, row, c.cfg.TTL); err != nil {
		return fmt.Errorf("flushing current message %s/%s: %w", cm.Folder, cm.UID, err)
	}

	return nil
}

// GetMessages implements get_messages(folder, uids): bulk SELECT those
// present, fetch the remainder from IMAP, insert the fetched ones, and null
// their bodies on the returned objects (spec §4.G, §1 Non-goals).
func (c *Cache) GetMessages(ctx context.Context, folder string, uids []imap.UID) ([]model.MessageHeader, error) {
	folder = imap.NormalizeFolder(folder)

	present, err := c.store.SelectMessages(ctx, c.user, folder, uids)
	if err != nil {
		return nil, fmt.Errorf("selecting messages in %s: %w", folder, err)
	}

	byUID := make(map[imap.UID]model.MessageRow, len(present))
	for _, row := range present {
		byUID[row.UID] = row
	}

	out := make([]model.MessageHeader, 0, len(uids))

	var missing []imap.UID

	for _, uid := range uids {
		row, ok := byUID[uid]
		if !ok {
			missing = append(missing, uid)
			continue
		}

		c.stats.MessageHits++
		out = append(out, model.MessageHeader{UID: row.UID, Flags: flags.Unpack(row.Flags), Data: row.Data})
	}

	if len(missing) == 0 {
		return out, nil
	}

	c.stats.MessageMisses += len(missing)

	fetched, err := c.client.FetchHeaders(ctx, folder, missing)
	if err != nil {
		return nil, fmt.Errorf("fetching messages in %s: %w", folder, err)
	}

	for _, obj := range fetched {
		row := model.MessageRow{User: c.user, Folder: folder, UID: obj.UID, Flags: flags.Pack(obj.Flags), Data: obj.Data}

		if _, err := c.store.UpsertMessage(ctx, row, c.cfg.TTL); err != nil {
			return nil, fmt.Errorf("caching fetched message %s/%s: %w", folder, obj.UID, err)
		}

		obj.Data = nil
		out = append(out, obj)
	}

	return out, nil
}

// AddMessage implements add_message(folder, message, force) (spec §4.G):
// clone the message, pack its flags into a bitmap, strip them from the
// clone's body before persisting, and upsert.
func (c *Cache) AddMessage(ctx context.Context, folder string, msg model.MessageHeader, force bool) error {
	folder = imap.NormalizeFolder(folder)
	row := model.MessageRow{User: c.user, Folder: folder, UID: msg.UID, Flags: flags.Pack(msg.Flags), Data: msg.Data}

	if _, err := c.store.UpsertMessage(ctx, row, c.cfg.TTL); err != nil {
		return fmt.Errorf("adding message %s/%s: %w", folder, msg.UID, err)
	}

	if force {
		c.ws.InvalidateCurrentIfMatches(folder, msg.UID)
	}

	return nil
}

// ChangeFlag implements change_flag(folder, uids, flag, enabled) (spec §4.G).
func (c *Cache) ChangeFlag(ctx context.Context, folder string, uids []imap.UID, flag string, enabled bool) error {
	folder = imap.NormalizeFolder(folder)

	if !flags.Known(flag) {
		return nil // spec §7 error kind 5: unknown flag is a silent no-op.
	}

	if len(uids) == 1 && c.ws.MatchesCurrent(folder, uids[0]) {
		c.ws.MutateCurrentFlag(folder, uids[0], flag, enabled)
		return nil // close() will flush the dirty slot; no persistence write here.
	}

	for _, uid := range uids {
		c.ws.MutateCurrentFlag(folder, uid, flag, enabled)

		row, err := c.store.SelectMessage(ctx, c.user, folder, uid)
		if store.IsNotFound(err) {
			continue
		} else if err != nil {
			return fmt.Errorf("reading message %s/%s for flag change: %w", folder, uid, err)
		}

		var newBits flags.Bits
		if enabled {
			newBits = flags.With(row.Flags, flag)
		} else {
			newBits = flags.Without(row.Flags, flag)
		}

		if _, err := c.store.UpdateMessageFlagsIfChanged(ctx, c.user, folder, uid, newBits); err != nil {
			return fmt.Errorf("updating flags for %s/%s: %w", folder, uid, err)
		}

		if c.ws.MatchesCurrent(folder, uid) {
			c.ws.MarkCurrentPersisted()
		}
	}

	return nil
}

// RemoveMessage implements remove_message(folder?, uids?): a nil folder
// deletes every message for the user; otherwise deletes by folder and
// optional UID list (spec §4.G).
func (c *Cache) RemoveMessage(ctx context.Context, folder *string, uids []imap.UID) error {
	if folder != nil {
		norm := imap.NormalizeFolder(*folder)
		folder = &norm
	}

	if folder == nil {
		if err := c.store.DeleteAllMessages(ctx, c.user); err != nil {
			return fmt.Errorf("removing all messages for user: %w", err)
		}

		c.ws.ClearCurrent()

		return nil
	}

	if err := c.store.DeleteMessages(ctx, c.user, *folder, uids); err != nil {
		return fmt.Errorf("removing messages from %s: %w", *folder, err)
	}

	if uids == nil {
		c.ws.ClearCurrent()
		return nil
	}

	for _, uid := range uids {
		c.ws.InvalidateCurrentIfMatches(*folder, uid)
	}

	return nil
}

// RemoveIndex implements remove_index(folder?, remove) (spec §4.G): a true
// remove is a physical DELETE (UIDVALIDITY change, empty mailbox); a false
// remove only clears the valid flag, preserving HIGHESTMODSEQ. With a nil
// folder, a true remove deletes every index row of the user, while a false
// remove leaves all stored index rows unchanged and only drops the working
// set.
func (c *Cache) RemoveIndex(ctx context.Context, folder *string, remove bool) error {
	if folder != nil {
		norm := imap.NormalizeFolder(*folder)
		folder = &norm
	}

	if folder == nil {
		if remove {
			if err := c.store.DeleteAllIndexes(ctx, c.user); err != nil {
				return fmt.Errorf("removing all indexes for user: %w", err)
			}
		}

		c.ws.Clear()

		return nil
	}

	if remove {
		if err := c.store.DeleteIndex(ctx, c.user, *folder); err != nil {
			return fmt.Errorf("removing index for %s: %w", *folder, err)
		}
	} else if err := c.store.SetIndexInvalid(ctx, c.user, *folder); err != nil {
		return fmt.Errorf("invalidating index for %s: %w", *folder, err)
	}

	c.ws.DropIndex(*folder)
	c.ws.SetIndexQueried(*folder)

	return nil
}

// RemoveThread implements remove_thread(folder?): always a physical DELETE.
func (c *Cache) RemoveThread(ctx context.Context, folder *string) error {
	if folder != nil {
		norm := imap.NormalizeFolder(*folder)
		folder = &norm
	}

	if folder == nil {
		if err := c.store.DeleteAllThreads(ctx, c.user); err != nil {
			return fmt.Errorf("removing all threads for user: %w", err)
		}

		return nil
	}

	if err := c.store.DeleteThread(ctx, c.user, *folder); err != nil {
		return fmt.Errorf("removing thread for %s: %w", *folder, err)
	}

	c.ws.DropThread(*folder)

	return nil
}

// Clear implements clear(folder?, uids?) = remove_index(folder, true) +
// remove_thread(folder) + remove_message(folder, uids) (spec §4.G).
func (c *Cache) Clear(ctx context.Context, folder *string, uids []imap.UID) error {
	if err := c.RemoveIndex(ctx, folder, true); err != nil {
		return err
	}

	if err := c.RemoveThread(ctx, folder); err != nil {
		return err
	}

	return c.RemoveMessage(ctx, folder, uids)
}

func (c *Cache) clearFolder(ctx context.Context, folder string, uids []imap.UID) error {
	return c.Clear(ctx, &folder, uids)
}

// Synchronize implements synchronize(folder, skip_deleted): incremental
// repair via CONDSTORE/QRESYNC (internal/sync), dropping any stale
// working-set entries for the folder afterwards (spec §4.F, §4.G).
func (c *Cache) Synchronize(ctx context.Context, folder string, skipDeleted bool) error {
	folder = imap.NormalizeFolder(folder)
	c.stats.SyncCalls++

	var syncErr error

	logging.DoAnnotate(ctx, func(ctx context.Context) {
		syncErr = c.sync.Synchronize(ctx, folder, skipDeleted)
	}, map[string]any{"user": c.user, "folder": folder})

	if syncErr != nil {
		return syncErr
	}

	c.ws.DropIndex(folder)
	c.ws.DropThread(folder)

	return nil
}

// Close implements close(): flush the current-message slot if dirty, then
// drop the working set (spec §3 invariant 4, §4.G).
func (c *Cache) Close(ctx context.Context) error {
	if cm, dirty := c.ws.TakeCurrentIfDirty(); dirty {
		if err := c.flushCurrent(ctx, cm); err != nil {
			return err
		}
	}

	c.ws.Clear()

	return nil
}

// GC implements the static gc() sweep (spec §4.D, §4.G, §9): delete expired
// rows in all three tables. It takes the store explicitly rather than
// reaching for a process-wide singleton, so it can run against a fake store
// in tests and concurrently with live Cache sessions sharing the same store.
func GC(ctx context.Context, st store.Store, now time.Time) (store.GCResult, error) {
	var (
		result store.GCResult
		err    error
	)

	logging.DoAnnotate(ctx, func(ctx context.Context) {
		result, err = st.GCExpired(ctx, now)
	}, map[string]any{"op": "gc"})

	return result, err
}
