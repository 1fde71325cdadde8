// Package badger is an alternative store.Store implementation backed by
// github.com/dgraph-io/badger/v3, grounded on gluon's own store/badger.go
// (an embedded, encrypted key-value store it offers as one of two literal
// stores alongside its filesystem store). This core reuses the same
// pattern — badger.DefaultOptions, an encryption key derived from the user's
// passphrase via internal/hash.SHA256, and a background value-log GC
// goroutine — but keys the store by (user, folder[, uid]) instead of by
// message ID, since this core caches indexes and message metadata, not
// message literals.
package badger

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/sirupsen/logrus"

	"github.com/foldercache/foldercache/flags"
	"github.com/foldercache/foldercache/imap"
	"github.com/foldercache/foldercache/internal/hash"
	"github.com/foldercache/foldercache/internal/store"
	"github.com/foldercache/foldercache/model"
)

// valueLogGCInterval mirrors gluon's store/badger.go startGCCollector: badger
// compacts its value log lazily and must be nudged periodically, separately
// from this core's own logical TTL sweep (store.Store.GCExpired).
const valueLogGCInterval = 5 * time.Minute

// Store is a badger-backed store.Store. One instance is expected to back one
// user's Cache, the same one-database-per-user layout as the sqlite adapter
// and as gluon's own per-user badger directories.
type Store struct {
	db       *badger.DB
	gcExitCh chan struct{}
	wg       sync.WaitGroup
}

// Open opens (creating if absent) the badger database for userID under dir.
// passphrase, if non-empty, is hashed into an at-rest encryption key the way
// gluon's NewBadgerStore does; an empty passphrase leaves the store
// unencrypted, for tests and local development.
func Open(dir, userID string, passphrase []byte) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, userID)).
		WithLogger(logrus.StandardLogger()).
		WithLoggingLevel(badger.ERROR)

	if len(passphrase) > 0 {
		opts = opts.WithEncryptionKey(hash.SHA256(passphrase)).WithIndexCacheSize(64 * 1024 * 1024)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store: %w", err)
	}

	s := &Store{db: db, gcExitCh: make(chan struct{})}

	s.wg.Add(1)
	go s.runValueLogGC()

	return s, nil
}

func (s *Store) runValueLogGC() {
	defer s.wg.Done()

	ticker := time.NewTicker(valueLogGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		again:
			if err := s.db.RunValueLogGC(0.5); err == nil {
				goto again
			}
		case <-s.gcExitCh:
			return
		}
	}
}

// Close stops the background value-log GC goroutine and closes the
// database.
func (s *Store) Close() error {
	close(s.gcExitCh)
	s.wg.Wait()

	return s.db.Close()
}

// Key layout: a NUL-joined, type-tagged prefix so index/thread/message keys
// never collide and folder/message scans can use a single prefix seek.
const (
	tagIndex   = "i"
	tagThread  = "t"
	tagMessage = "m"
)

func indexKey(user, folder string) []byte {
	return []byte(tagIndex + "\x00" + user + "\x00" + folder)
}

func threadKey(user, folder string) []byte {
	return []byte(tagThread + "\x00" + user + "\x00" + folder)
}

func messagePrefix(user, folder string) []byte {
	return []byte(tagMessage + "\x00" + user + "\x00" + folder + "\x00")
}

func messageKey(user, folder string, uid imap.UID) []byte {
	return append(messagePrefix(user, folder), []byte(uid.String())...)
}

func userPrefix(tag, user string) []byte {
	return []byte(tag + "\x00" + user + "\x00")
}

// indexRecord/threadRecord/messageRecord are the gob-encoded value shapes.
// Unlike the sqlite adapter, badger values are not SQL text columns, so
// there is no need for internal/rowcodec's positional envelope here: the
// whole row, metadata included, is one gob value.
type indexRecord struct {
	UIDs        []imap.UID
	Valid       bool
	SortField   string
	SortOrder   string
	SkipDeleted bool
	UIDValidity uint32
	UIDNext     uint32
	HasModSeq   bool
	ModSeq      uint64
	ExpiresUnix int64 // Unix nanoseconds; 0 means no expiry.
}

type threadRecord struct {
	Tree        model.ThreadTree
	SkipDeleted bool
	UIDValidity uint32
	UIDNext     uint32
	ExpiresUnix int64
}

type messageRecord struct {
	Flags       flags.Bits
	Data        []byte
	ExpiresUnix int64
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encoding badger record: %w", err)
	}

	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func expiresUnix(ttl time.Duration) int64 {
	if ttl == 0 {
		return 0
	}

	return time.Now().Add(ttl).UnixNano()
}

func expiresPtr(unix int64) *time.Time {
	if unix == 0 {
		return nil
	}

	t := time.Unix(0, unix).UTC()

	return &t
}

func (s *Store) SelectIndex(_ context.Context, user, folder string) (model.IndexRow, error) {
	var rec indexRecord

	if err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(user, folder))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error { return decode(val, &rec) })
	}); err != nil {
		if err == badger.ErrKeyNotFound {
			return model.IndexRow{}, store.ErrNotFound
		}

		return model.IndexRow{}, fmt.Errorf("reading index row: %w", err)
	}

	return model.IndexRow{
		User: user, Folder: folder, UIDs: rec.UIDs, Valid: rec.Valid,
		SortField: imap.SortField(rec.SortField), SortOrder: imap.SortOrder(rec.SortOrder),
		SkipDeleted: rec.SkipDeleted, UIDValidity: imap.UIDValidity(rec.UIDValidity),
		UIDNext: imap.UID(rec.UIDNext), HasModSeq: rec.HasModSeq, ModSeq: imap.ModSeq(rec.ModSeq),
		Expires: expiresPtr(rec.ExpiresUnix),
	}, nil
}

func (s *Store) UpsertIndex(_ context.Context, row model.IndexRow, ttl time.Duration) error {
	rec := indexRecord{
		UIDs: row.UIDs, Valid: row.Valid, SortField: string(row.SortField), SortOrder: string(row.SortOrder),
		SkipDeleted: row.SkipDeleted, UIDValidity: uint32(row.UIDValidity), UIDNext: uint32(row.UIDNext),
		HasModSeq: row.HasModSeq, ModSeq: uint64(row.ModSeq), ExpiresUnix: expiresUnix(ttl),
	}

	data, err := encode(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey(row.User, row.Folder), data)
	})
}

func (s *Store) SetIndexInvalid(_ context.Context, user, folder string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(user, folder))
		if err != nil {
			return err
		}

		var rec indexRecord

		if err := item.Value(func(val []byte) error { return decode(val, &rec) }); err != nil {
			return err
		}

		rec.Valid = false

		data, err := encode(rec)
		if err != nil {
			return err
		}

		return txn.Set(indexKey(user, folder), data)
	})
}

func (s *Store) DeleteIndex(_ context.Context, user, folder string) error {
	return deleteIgnoreMissing(s.db, indexKey(user, folder))
}

func (s *Store) DeleteAllIndexes(_ context.Context, user string) error {
	return deletePrefix(s.db, userPrefix(tagIndex, user))
}

func (s *Store) SelectThread(_ context.Context, user, folder string) (model.ThreadRow, error) {
	var rec threadRecord

	if err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(threadKey(user, folder))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error { return decode(val, &rec) })
	}); err != nil {
		if err == badger.ErrKeyNotFound {
			return model.ThreadRow{}, store.ErrNotFound
		}

		return model.ThreadRow{}, fmt.Errorf("reading thread row: %w", err)
	}

	return model.ThreadRow{
		User: user, Folder: folder, Tree: rec.Tree, SkipDeleted: rec.SkipDeleted,
		UIDValidity: imap.UIDValidity(rec.UIDValidity), UIDNext: imap.UID(rec.UIDNext),
		Expires: expiresPtr(rec.ExpiresUnix),
	}, nil
}

func (s *Store) UpsertThread(_ context.Context, row model.ThreadRow, ttl time.Duration) error {
	rec := threadRecord{
		Tree: row.Tree, SkipDeleted: row.SkipDeleted, UIDValidity: uint32(row.UIDValidity),
		UIDNext: uint32(row.UIDNext), ExpiresUnix: expiresUnix(ttl),
	}

	data, err := encode(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(threadKey(row.User, row.Folder), data)
	})
}

func (s *Store) DeleteThread(_ context.Context, user, folder string) error {
	return deleteIgnoreMissing(s.db, threadKey(user, folder))
}

func (s *Store) DeleteAllThreads(_ context.Context, user string) error {
	return deletePrefix(s.db, userPrefix(tagThread, user))
}

func (s *Store) SelectMessage(_ context.Context, user, folder string, uid imap.UID) (model.MessageRow, error) {
	var rec messageRecord

	if err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(user, folder, uid))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error { return decode(val, &rec) })
	}); err != nil {
		if err == badger.ErrKeyNotFound {
			return model.MessageRow{}, store.ErrNotFound
		}

		return model.MessageRow{}, fmt.Errorf("reading message row: %w", err)
	}

	return model.MessageRow{
		User: user, Folder: folder, UID: uid, Flags: rec.Flags, Data: rec.Data,
		Expires: expiresPtr(rec.ExpiresUnix),
	}, nil
}

func (s *Store) SelectMessages(ctx context.Context, user, folder string, uids []imap.UID) ([]model.MessageRow, error) {
	var out []model.MessageRow

	for _, uid := range uids {
		row, err := s.SelectMessage(ctx, user, folder, uid)
		if err == nil {
			out = append(out, row)
		} else if !store.IsNotFound(err) {
			return nil, err
		}
	}

	return out, nil
}

func (s *Store) SelectAllMessageUIDs(_ context.Context, user, folder string) ([]imap.UID, error) {
	var uids []imap.UID

	prefix := messagePrefix(user, folder)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			uidStr := bytes.TrimPrefix(it.Item().KeyCopy(nil), prefix)

			var uid uint32
			if _, err := fmt.Sscanf(string(uidStr), "%d", &uid); err == nil {
				uids = append(uids, imap.UID(uid))
			}
		}

		return nil
	})

	return uids, err
}

// UpsertMessage reads and then sets the key inside one badger.Txn, so the
// existedBefore check and the write happen atomically, closing the race
// spec §9's open question flags.
func (s *Store) UpsertMessage(_ context.Context, row model.MessageRow, ttl time.Duration) (bool, error) {
	rec := messageRecord{Flags: row.Flags, Data: row.Data, ExpiresUnix: expiresUnix(ttl)}

	data, err := encode(rec)
	if err != nil {
		return false, err
	}

	var existed bool

	err = s.db.Update(func(txn *badger.Txn) error {
		k := messageKey(row.User, row.Folder, row.UID)

		if _, err := txn.Get(k); err == nil {
			existed = true
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		return txn.Set(k, data)
	})

	return existed, err
}

func (s *Store) UpdateMessageFlagsIfChanged(_ context.Context, user, folder string, uid imap.UID, newFlags flags.Bits) (bool, error) {
	var changed bool

	err := s.db.Update(func(txn *badger.Txn) error {
		k := messageKey(user, folder, uid)

		item, err := txn.Get(k)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}

			return err
		}

		var rec messageRecord

		if err := item.Value(func(val []byte) error { return decode(val, &rec) }); err != nil {
			return err
		}

		if rec.Flags == newFlags {
			return nil
		}

		rec.Flags = newFlags

		data, err := encode(rec)
		if err != nil {
			return err
		}

		changed = true

		return txn.Set(k, data)
	})

	return changed, err
}

func (s *Store) DeleteMessages(_ context.Context, user, folder string, uids []imap.UID) error {
	if uids == nil {
		return deletePrefix(s.db, messagePrefix(user, folder))
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, uid := range uids {
			if err := txn.Delete(messageKey(user, folder, uid)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}

		return nil
	})
}

func (s *Store) DeleteAllMessages(_ context.Context, user string) error {
	return deletePrefix(s.db, userPrefix(tagMessage, user))
}

// GCExpired implements the static gc() sweep (spec §4.D) over all three key
// ranges. Unlike the background value-log compaction in runValueLogGC, this
// is the explicit, store.Store-level sweep spec §4.D and §9 describe, safe
// to call from cache.GC against any store.Store, badger included.
func (s *Store) GCExpired(_ context.Context, now time.Time) (store.GCResult, error) {
	var result store.GCResult

	cutoff := now.UnixNano()

	sweep := func(tag string, expiresOf func([]byte) (int64, error)) (int, error) {
		var keys [][]byte

		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions

			it := txn.NewIterator(opts)
			defer it.Close()

			prefix := []byte(tag + "\x00")

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()

				var expires int64

				if err := item.Value(func(val []byte) error {
					e, err := expiresOf(val)
					expires = e

					return err
				}); err != nil {
					return err
				}

				if expires != 0 && expires < cutoff {
					keys = append(keys, item.KeyCopy(nil))
				}
			}

			return nil
		})
		if err != nil {
			return 0, err
		}

		if len(keys) == 0 {
			return 0, nil
		}

		err = s.db.Update(func(txn *badger.Txn) error {
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}

			return nil
		})

		return len(keys), err
	}

	indexDeleted, err := sweep(tagIndex, func(v []byte) (int64, error) {
		var rec indexRecord
		err := decode(v, &rec)

		return rec.ExpiresUnix, err
	})
	if err != nil {
		return result, fmt.Errorf("sweeping index rows: %w", err)
	}

	threadDeleted, err := sweep(tagThread, func(v []byte) (int64, error) {
		var rec threadRecord
		err := decode(v, &rec)

		return rec.ExpiresUnix, err
	})
	if err != nil {
		return result, fmt.Errorf("sweeping thread rows: %w", err)
	}

	messagesDeleted, err := sweep(tagMessage, func(v []byte) (int64, error) {
		var rec messageRecord
		err := decode(v, &rec)

		return rec.ExpiresUnix, err
	})
	if err != nil {
		return result, fmt.Errorf("sweeping message rows: %w", err)
	}

	result.IndexDeleted = indexDeleted
	result.ThreadDeleted = threadDeleted
	result.MessagesDeleted = messagesDeleted

	return result, nil
}

func deleteIgnoreMissing(db *badger.DB, key []byte) error {
	return db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(key); err != nil && err != badger.ErrKeyNotFound {
			return err
		}

		return nil
	})
}

func deletePrefix(db *badger.DB, prefix []byte) error {
	var keys [][]byte

	if err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}

		return nil
	}); err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}

	return db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

var _ store.Store = (*Store)(nil)
