// Package workset implements the in-memory working set (spec §3, §4.C): a
// per-folder scratch area backed by the persistent store, plus the single
// process-wide "current message" slot. It is not safe for concurrent use —
// a Set belongs to exactly one Cache, which itself is owned by one session
// (spec §5).
package workset

import (
	"github.com/foldercache/foldercache/flags"
	"github.com/foldercache/foldercache/imap"
	"github.com/foldercache/foldercache/internal/hash"
	"github.com/foldercache/foldercache/model"
)

// IndexEntry is the working set's cached view of a folder's index.
type IndexEntry struct {
	Row       model.IndexRow
	Validated bool
}

// ThreadEntry is the working set's cached view of a folder's thread tree.
type ThreadEntry struct {
	Row       model.ThreadRow
	Validated bool
}

// folderEntry bundles the per-folder scratch state and its two
// already-queried sentinels (spec §4.C).
type folderEntry struct {
	index         *IndexEntry
	thread        *ThreadEntry
	indexQueried  bool
	threadQueried bool
}

// CurrentMessage is the single process-wide "current message" slot (spec
// §3): exclusively owned by the Cache, displaced whenever a different
// message is fetched.
type CurrentMessage struct {
	Folder              string
	UID                 imap.UID
	Object              model.MessageHeader
	ExistedInStore      bool
	DigestOfLastPersist []byte
}

// NewCleanCurrentMessage builds a current-message slot for an object that is
// already known to match what is (or will be) persisted — e.g. one just
// loaded from the store or freshly fetched from IMAP and cached as-is. Its
// digest is stamped at construction, so it starts out clean.
func NewCleanCurrentMessage(folder string, uid imap.UID, obj model.MessageHeader, existedInStore bool) CurrentMessage {
	return CurrentMessage{
		Folder:              folder,
		UID:                 uid,
		Object:              obj,
		ExistedInStore:      existedInStore,
		DigestOfLastPersist: Digest(obj),
	}
}

// Set is the Cache's in-memory working set: one folderEntry per folder, plus
// the current-message slot.
type Set struct {
	folders map[string]*folderEntry
	current *CurrentMessage
}

// New creates an empty working set.
func New() *Set {
	return &Set{folders: make(map[string]*folderEntry)}
}

func (s *Set) entry(folder string) *folderEntry {
	e, ok := s.folders[folder]
	if !ok {
		e = &folderEntry{}
		s.folders[folder] = e
	}

	return e
}

// Index returns the cached index entry for folder, if any.
func (s *Set) Index(folder string) (IndexEntry, bool) {
	e, ok := s.folders[folder]
	if !ok || e.index == nil {
		return IndexEntry{}, false
	}

	return *e.index, true
}

// SetIndex replaces the cached index entry for folder.
func (s *Set) SetIndex(folder string, entry IndexEntry) {
	s.entry(folder).index = &entry
}

// DropIndex removes the cached index entry for folder, without touching the
// index-queried sentinel.
func (s *Set) DropIndex(folder string) {
	if e, ok := s.folders[folder]; ok {
		e.index = nil
	}
}

// IndexQueried reports whether the store has already been asked for this
// folder's index in this session.
func (s *Set) IndexQueried(folder string) bool {
	e, ok := s.folders[folder]
	return ok && e.indexQueried
}

// SetIndexQueried marks the index as having been asked for in this session.
func (s *Set) SetIndexQueried(folder string) {
	s.entry(folder).indexQueried = true
}

// Thread returns the cached thread entry for folder, if any.
func (s *Set) Thread(folder string) (ThreadEntry, bool) {
	e, ok := s.folders[folder]
	if !ok || e.thread == nil {
		return ThreadEntry{}, false
	}

	return *e.thread, true
}

// SetThread replaces the cached thread entry for folder.
func (s *Set) SetThread(folder string, entry ThreadEntry) {
	s.entry(folder).thread = &entry
}

// DropThread removes the cached thread entry for folder.
func (s *Set) DropThread(folder string) {
	if e, ok := s.folders[folder]; ok {
		e.thread = nil
	}
}

func (s *Set) ThreadQueried(folder string) bool {
	e, ok := s.folders[folder]
	return ok && e.threadQueried
}

func (s *Set) SetThreadQueried(folder string) {
	s.entry(folder).threadQueried = true
}

// Current returns the current-message slot, if any.
func (s *Set) Current() (CurrentMessage, bool) {
	if s.current == nil {
		return CurrentMessage{}, false
	}

	return *s.current, true
}

// Digest computes the content-addressed digest of a message object used to
// detect whether the slot is dirty relative to its last persisted form
// (spec §4.C, §9 note 5: any digest of equivalent strength to MD5 suffices).
func Digest(obj model.MessageHeader) []byte {
	return hash.SHA256(digestInput(obj))
}

func digestInput(obj model.MessageHeader) []byte {
	buf := make([]byte, 0, len(obj.Data)+32)
	buf = append(buf, byte(obj.UID), byte(obj.UID>>8), byte(obj.UID>>16), byte(obj.UID>>24))

	for _, name := range obj.Flags.ToSlice() {
		buf = append(buf, []byte(name)...)
		buf = append(buf, 0)
	}

	buf = append(buf, obj.Data...)

	return buf
}

// IsDirty reports whether the current slot's object digest differs from the
// digest of its last-persisted form (spec §4.C displacement policy).
func (cm CurrentMessage) IsDirty() bool {
	current := Digest(cm.Object)

	if len(current) != len(cm.DigestOfLastPersist) {
		return true
	}

	for i := range current {
		if current[i] != cm.DigestOfLastPersist[i] {
			return true
		}
	}

	return false
}

// SetCurrent installs a new current-message slot, returning the previous
// slot if it existed and was dirty, so the caller can flush it to the store
// before displacing it (spec §4.C: "the current-message slot is flushed
// before replacement if its recomputed digest differs").
func (s *Set) SetCurrent(next CurrentMessage) (previous CurrentMessage, wasDirty bool) {
	if s.current != nil && s.current.IsDirty() {
		previous, wasDirty = *s.current, true
	}

	s.current = &next

	return previous, wasDirty
}

// MatchesCurrent reports whether the current slot, if any, matches folder/uid.
func (s *Set) MatchesCurrent(folder string, uid imap.UID) bool {
	return s.current != nil && s.current.Folder == folder && s.current.UID == uid
}

// MutateCurrentFlag applies a flag change to the current slot in place, if
// it matches folder/uid, making the change visible to subsequent reads in
// the same session immediately (spec §5 ordering guarantee).
func (s *Set) MutateCurrentFlag(folder string, uid imap.UID, flag string, enabled bool) bool {
	if !s.MatchesCurrent(folder, uid) {
		return false
	}

	if enabled {
		s.current.Object.Flags = flags.NewSet(append(s.current.Object.Flags.ToSlice(), flag)...)
	} else {
		next := flags.NewSet()

		for _, name := range s.current.Object.Flags.ToSlice() {
			if name != flag {
				next[name] = struct{}{}
			}
		}

		s.current.Object.Flags = next
	}

	return true
}

// TakeCurrentIfDirty removes and returns the current slot if it is dirty,
// for flushing on close() (spec §3 invariant 4, §4.G close semantics).
func (s *Set) TakeCurrentIfDirty() (CurrentMessage, bool) {
	if s.current == nil || !s.current.IsDirty() {
		return CurrentMessage{}, false
	}

	cm := *s.current
	s.current = nil

	return cm, true
}

// MarkCurrentPersisted updates the digest of the current slot to mark it
// clean, after a successful flush.
func (s *Set) MarkCurrentPersisted() {
	if s.current == nil {
		return
	}

	s.current.DigestOfLastPersist = Digest(s.current.Object)
}

// ClearCurrent drops the current-message slot unconditionally, without
// flushing, for when the underlying row was deleted out from under it (e.g.
// a bulk remove_message) and flushing a stale slot would resurrect it.
func (s *Set) ClearCurrent() {
	s.current = nil
}

// InvalidateCurrentIfMatches drops the current slot if it matches folder/uid
// (used by remove_message when the removed UID is the current slot).
func (s *Set) InvalidateCurrentIfMatches(folder string, uid imap.UID) {
	if s.MatchesCurrent(folder, uid) {
		s.current = nil
	}
}

// Clear drops all working set state, including the current-message slot,
// without flushing (the caller is responsible for flushing beforehand, as
// close() does).
func (s *Set) Clear() {
	s.folders = make(map[string]*folderEntry)
	s.current = nil
}
