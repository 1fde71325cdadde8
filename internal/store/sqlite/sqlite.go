// Package sqlite is the concrete persistence adapter implementation backing
// internal/store.Store, built directly on database/sql and
// github.com/mattn/go-sqlite3 — the same driver the teacher uses, but
// without the ent code-generation layer gluon builds on top of it (see
// DESIGN.md for why ent itself is not wired).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/foldercache/foldercache/flags"
	"github.com/foldercache/foldercache/imap"
	"github.com/foldercache/foldercache/internal/rowcodec"
	"github.com/foldercache/foldercache/internal/store"
	"github.com/foldercache/foldercache/model"
)

// DB is the sqlite-backed store.Store. A single DB instance is expected to
// back one user's Cache, mirroring gluon's one-sqlite-file-per-user layout.
type DB struct {
	db   *sql.DB
	lock sync.RWMutex
}

// Open creates (or reopens) the sqlite database for userID under dir and
// ensures the schema exists.
func Open(ctx context.Context, dir, userID string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%v.db", userID))

	sqlDB, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	d := &DB{db: sqlDB}

	if _, err := d.db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}

	return d, nil
}

// dsn builds the sqlite connection string. _txlock=immediate makes every
// transaction acquire the write lock up front (BEGIN IMMEDIATE), so the
// read-then-write sequence inside UpsertMessage is atomic with respect to
// other processes sharing this file, not just other goroutines in this one
// (spec §9 open question on upsert races).
func dsn(path string) string {
	return fmt.Sprintf("file:%v?cache=shared&_fk=1&_journal=WAL&_txlock=immediate", path)
}

func (d *DB) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.db.Close()
}

func (d *DB) write(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("rolling back after %v: %w", err, rerr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func (d *DB) read(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return fn(ctx, d.db)
}

var _ store.Store = (*DB)(nil)

func expiresUnix(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UnixNano()
}

func parseExpires(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}

	t := time.Unix(0, v.Int64).UTC()

	return &t
}

func (d *DB) SelectIndex(ctx context.Context, user, folder string) (model.IndexRow, error) {
	var row model.IndexRow

	err := d.read(ctx, func(ctx context.Context, db *sql.DB) error {
		var (
			expires sql.NullInt64
			valid   bool
			blob    []byte
		)

		err := db.QueryRowContext(ctx,
			`SELECT expires, valid, data FROM cache_index WHERE user_id = ? AND mailbox = ?`,
			user, folder,
		).Scan(&expires, &valid, &blob)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		} else if err != nil {
			return fmt.Errorf("selecting index row: %w", err)
		}

		var uids []imap.UID

		decoded := rowcodec.DecodePayload(blob, &uids)

		row = model.IndexRow{
			User:    user,
			Folder:  folder,
			UIDs:    uids,
			Valid:   valid,
			Expires: parseExpires(expires),
		}

		applyIndexMetadata(&row, decoded.Metadata)

		return nil
	})

	return row, err
}

// indexMetadata field order, matching the positional fields Encode/Decode
// preserve: sort_field, sort_order, skip_deleted, uid_validity, uid_next,
// has_modseq, modseq.
func applyIndexMetadata(row *model.IndexRow, fields []string) {
	if len(fields) < 7 {
		return
	}

	row.SortField = imap.SortField(fields[0])
	row.SortOrder = imap.SortOrder(fields[1])
	row.SkipDeleted = fields[2] == "1"

	if v, err := parseUint(fields[3]); err == nil {
		row.UIDValidity = imap.UIDValidity(v)
	}

	if v, err := parseUint(fields[4]); err == nil {
		row.UIDNext = imap.UID(v)
	}

	row.HasModSeq = fields[5] == "1"

	if v, err := parseUint(fields[6]); err == nil {
		row.ModSeq = imap.ModSeq(v)
	}
}

func parseUint(s string) (uint64, error) {
	var v uint64

	_, err := fmt.Sscanf(s, "%d", &v)

	return v, err
}

func boolField(b bool) string {
	if b {
		return "1"
	}

	return "0"
}

func (d *DB) UpsertIndex(ctx context.Context, row model.IndexRow, ttl time.Duration) error {
	blob, err := rowcodec.Encode(row.UIDs,
		string(row.SortField),
		string(row.SortOrder),
		boolField(row.SkipDeleted),
		fmt.Sprintf("%d", row.UIDValidity),
		fmt.Sprintf("%d", row.UIDNext),
		boolField(row.HasModSeq),
		fmt.Sprintf("%d", row.ModSeq),
	)
	if err != nil {
		return fmt.Errorf("encoding index row: %w", err)
	}

	expires := expiryFor(ttl)

	return d.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cache_index (user_id, mailbox, expires, valid, data)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id, mailbox) DO UPDATE SET
				expires = excluded.expires,
				valid = excluded.valid,
				data = excluded.data`,
			row.User, row.Folder, expiresUnix(expires), row.Valid, blob,
		)
		if err != nil {
			return fmt.Errorf("upserting index row: %w", err)
		}

		return nil
	})
}

func (d *DB) SelectThread(ctx context.Context, user, folder string) (model.ThreadRow, error) {
	var row model.ThreadRow

	err := d.read(ctx, func(ctx context.Context, db *sql.DB) error {
		var (
			expires sql.NullInt64
			blob    []byte
		)

		err := db.QueryRowContext(ctx,
			`SELECT expires, data FROM cache_thread WHERE user_id = ? AND mailbox = ?`,
			user, folder,
		).Scan(&expires, &blob)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		} else if err != nil {
			return fmt.Errorf("selecting thread row: %w", err)
		}

		var tree model.ThreadTree

		decoded := rowcodec.DecodePayload(blob, &tree)

		row = model.ThreadRow{
			User:    user,
			Folder:  folder,
			Tree:    tree,
			Expires: parseExpires(expires),
		}

		if len(decoded.Metadata) >= 3 {
			row.SkipDeleted = decoded.Metadata[0] == "1"

			if v, err := parseUint(decoded.Metadata[1]); err == nil {
				row.UIDValidity = imap.UIDValidity(v)
			}

			if v, err := parseUint(decoded.Metadata[2]); err == nil {
				row.UIDNext = imap.UID(v)
			}
		}

		return nil
	})

	return row, err
}

func (d *DB) UpsertThread(ctx context.Context, row model.ThreadRow, ttl time.Duration) error {
	blob, err := rowcodec.Encode(row.Tree,
		boolField(row.SkipDeleted),
		fmt.Sprintf("%d", row.UIDValidity),
		fmt.Sprintf("%d", row.UIDNext),
	)
	if err != nil {
		return fmt.Errorf("encoding thread row: %w", err)
	}

	expires := expiryFor(ttl)

	return d.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cache_thread (user_id, mailbox, expires, data)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, mailbox) DO UPDATE SET
				expires = excluded.expires,
				data = excluded.data`,
			row.User, row.Folder, expiresUnix(expires), blob,
		)
		if err != nil {
			return fmt.Errorf("upserting thread row: %w", err)
		}

		return nil
	})
}

func (d *DB) selectMessageRow(ctx context.Context, q queryer, user, folder string, uid imap.UID) (model.MessageRow, error) {
	var (
		expires  sql.NullInt64
		bits     uint32
		blob     []byte
	)

	err := q.QueryRowContext(ctx,
		`SELECT flags, expires, data FROM cache_messages WHERE user_id = ? AND mailbox = ? AND uid = ?`,
		user, folder, uint32(uid),
	).Scan(&bits, &expires, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MessageRow{}, store.ErrNotFound
	} else if err != nil {
		return model.MessageRow{}, fmt.Errorf("selecting message row: %w", err)
	}

	return model.MessageRow{
		User:    user,
		Folder:  folder,
		UID:     uid,
		Flags:   flags.Bits(bits),
		Data:    blob,
		Expires: parseExpires(expires),
	}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (d *DB) SelectMessage(ctx context.Context, user, folder string, uid imap.UID) (model.MessageRow, error) {
	var row model.MessageRow

	err := d.read(ctx, func(ctx context.Context, db *sql.DB) error {
		r, err := d.selectMessageRow(ctx, db, user, folder, uid)
		row = r

		return err
	})

	return row, err
}

func (d *DB) SelectMessages(ctx context.Context, user, folder string, uids []imap.UID) ([]model.MessageRow, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	var rows []model.MessageRow

	err := d.read(ctx, func(ctx context.Context, db *sql.DB) error {
		query, args := inClauseQuery(
			`SELECT uid, flags, expires, data FROM cache_messages WHERE user_id = ? AND mailbox = ? AND uid IN (%s)`,
			[]any{user, folder}, uids,
		)

		res, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("selecting message rows: %w", err)
		}
		defer res.Close()

		for res.Next() {
			var (
				rawUID  uint32
				bits    uint32
				expires sql.NullInt64
				blob    []byte
			)

			if err := res.Scan(&rawUID, &bits, &expires, &blob); err != nil {
				return fmt.Errorf("scanning message row: %w", err)
			}

			rows = append(rows, model.MessageRow{
				User:    user,
				Folder:  folder,
				UID:     imap.UID(rawUID),
				Flags:   flags.Bits(bits),
				Data:    blob,
				Expires: parseExpires(expires),
			})
		}

		return res.Err()
	})

	return rows, err
}

func (d *DB) SelectAllMessageUIDs(ctx context.Context, user, folder string) ([]imap.UID, error) {
	var uids []imap.UID

	err := d.read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT uid FROM cache_messages WHERE user_id = ? AND mailbox = ?`,
			user, folder,
		)
		if err != nil {
			return fmt.Errorf("selecting message uids: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var raw uint32

			if err := rows.Scan(&raw); err != nil {
				return fmt.Errorf("scanning message uid: %w", err)
			}

			uids = append(uids, imap.UID(raw))
		}

		return rows.Err()
	})

	return uids, err
}

// UpsertMessage performs its existence check and write inside a single
// transaction opened under _txlock=immediate, so the write lock is held
// before the SELECT runs: no other connection can insert the same key
// between the check and the write (spec §9 open question).
func (d *DB) UpsertMessage(ctx context.Context, row model.MessageRow, ttl time.Duration) (bool, error) {
	expires := expiryFor(ttl)

	var existedBefore bool

	err := d.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := d.selectMessageRow(ctx, tx, row.User, row.Folder, row.UID)

		switch {
		case err == nil:
			existedBefore = true
		case errors.Is(err, store.ErrNotFound):
			existedBefore = false
		default:
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO cache_messages (user_id, mailbox, uid, flags, expires, data)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, mailbox, uid) DO UPDATE SET
				flags = excluded.flags,
				expires = excluded.expires,
				data = excluded.data`,
			row.User, row.Folder, uint32(row.UID), uint32(row.Flags), expiresUnix(expires), row.Data,
		)
		if err != nil {
			return fmt.Errorf("upserting message row: %w", err)
		}

		return nil
	})

	return existedBefore, err
}

func (d *DB) UpdateMessageFlagsIfChanged(ctx context.Context, user, folder string, uid imap.UID, newFlags flags.Bits) (bool, error) {
	var changed bool

	err := d.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE cache_messages SET flags = ? WHERE user_id = ? AND mailbox = ? AND uid = ? AND flags <> ?`,
			uint32(newFlags), user, folder, uint32(uid), uint32(newFlags),
		)
		if err != nil {
			return fmt.Errorf("updating message flags: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading rows affected: %w", err)
		}

		changed = n > 0

		return nil
	})

	return changed, err
}

func (d *DB) DeleteMessages(ctx context.Context, user, folder string, uids []imap.UID) error {
	return d.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if uids == nil {
			_, err := tx.ExecContext(ctx, `DELETE FROM cache_messages WHERE user_id = ? AND mailbox = ?`, user, folder)
			if err != nil {
				return fmt.Errorf("deleting folder messages: %w", err)
			}

			return nil
		}

		if len(uids) == 0 {
			return nil
		}

		query, args := inClauseQuery(
			`DELETE FROM cache_messages WHERE user_id = ? AND mailbox = ? AND uid IN (%s)`,
			[]any{user, folder}, uids,
		)

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}

		return nil
	})
}

func (d *DB) DeleteAllMessages(ctx context.Context, user string) error {
	return d.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_messages WHERE user_id = ?`, user); err != nil {
			return fmt.Errorf("deleting all messages for user: %w", err)
		}

		return nil
	})
}

func (d *DB) DeleteIndex(ctx context.Context, user, folder string) error {
	return d.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_index WHERE user_id = ? AND mailbox = ?`, user, folder); err != nil {
			return fmt.Errorf("deleting index row: %w", err)
		}

		return nil
	})
}

func (d *DB) DeleteAllIndexes(ctx context.Context, user string) error {
	return d.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_index WHERE user_id = ?`, user); err != nil {
			return fmt.Errorf("deleting all indexes for user: %w", err)
		}

		return nil
	})
}

func (d *DB) SetIndexInvalid(ctx context.Context, user, folder string) error {
	return d.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE cache_index SET valid = 0 WHERE user_id = ? AND mailbox = ?`, user, folder); err != nil {
			return fmt.Errorf("invalidating index row: %w", err)
		}

		return nil
	})
}

func (d *DB) DeleteThread(ctx context.Context, user, folder string) error {
	return d.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_thread WHERE user_id = ? AND mailbox = ?`, user, folder); err != nil {
			return fmt.Errorf("deleting thread row: %w", err)
		}

		return nil
	})
}

func (d *DB) DeleteAllThreads(ctx context.Context, user string) error {
	return d.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_thread WHERE user_id = ?`, user); err != nil {
			return fmt.Errorf("deleting all threads for user: %w", err)
		}

		return nil
	})
}

func (d *DB) GCExpired(ctx context.Context, now time.Time) (store.GCResult, error) {
	var result store.GCResult

	err := d.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cutoff := now.UnixNano()

		n, err := execDeleteExpired(ctx, tx, "cache_index", cutoff)
		if err != nil {
			return err
		}

		result.IndexDeleted = n

		n, err = execDeleteExpired(ctx, tx, "cache_thread", cutoff)
		if err != nil {
			return err
		}

		result.ThreadDeleted = n

		n, err = execDeleteExpired(ctx, tx, "cache_messages", cutoff)
		if err != nil {
			return err
		}

		result.MessagesDeleted = n

		return nil
	})
	if err != nil {
		return store.GCResult{}, err
	}

	logrus.WithField("total", result.Total()).Debug("gc swept expired cache rows")

	return result, nil
}

func execDeleteExpired(ctx context.Context, tx *sql.Tx, table string, cutoff int64) (int, error) {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires IS NOT NULL AND expires < ?`, table), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired rows from %s: %w", table, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected for %s: %w", table, err)
	}

	return int(n), nil
}

// MaxTTL is the clamp spec §3 invariant 5 mandates: 30 days.
const MaxTTL = 30 * 24 * time.Hour

func expiryFor(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}

	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	t := time.Now().Add(ttl)

	return &t
}

func inClauseQuery(template string, baseArgs []any, uids []imap.UID) (string, []any) {
	placeholders := make([]string, len(uids))
	args := make([]any, 0, len(baseArgs)+len(uids))

	args = append(args, baseArgs...)

	for i, uid := range uids {
		placeholders[i] = "?"
		args = append(args, uint32(uid))
	}

	query := fmt.Sprintf(template, joinComma(placeholders))

	return query, args
}

func joinComma(parts []string) string {
	out := parts[0]

	for _, p := range parts[1:] {
		out += "," + p
	}

	return out
}
