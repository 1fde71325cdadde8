package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/foldercache/foldercache/flags"
	"github.com/foldercache/foldercache/imap"
	"github.com/foldercache/foldercache/internal/store"
	"github.com/foldercache/foldercache/internal/workset"
	"github.com/foldercache/foldercache/model"
)

// TestColdReadInsertsIndexRow covers end-to-end scenario 1 (spec §8): an
// empty store plus a server report of UIDVALIDITY=42, EXISTS=3, UIDNEXT=10,
// HIGHESTMODSEQ=100 and sorted UIDs [9,7,3] must leave a row behind with
// those UIDs, modseq=100 and valid=true.
func TestColdReadInsertsIndexRow(t *testing.T) {
	st := newMemStore()
	client := newFakeClient()
	client.folderStatus = model.FolderStatus{UIDValidity: 42, Exists: 3, UIDNext: 10, HasModSeq: true, HighestModSeq: 100}
	client.indexDirectResult = []imap.UID{9, 7, 3}

	c := New("u1", client, st, NewConfig())

	uids, found, err := c.GetIndex(context.Background(), "INBOX", "DATE", imap.SortDesc, false, false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []imap.UID{9, 7, 3}, uids)

	row, err := st.SelectIndex(context.Background(), "u1", "INBOX")
	require.NoError(t, err)
	require.Equal(t, imap.ModSeq(100), row.ModSeq)
	require.True(t, row.Valid)
	require.Equal(t, []imap.UID{9, 7, 3}, row.UIDs)
}

// TestUIDValidityChangePurgesFolder covers scenario 2: a stored index with
// validity 42 must be purged when the server now reports validity 43 and an
// empty mailbox: the call returns an empty index and no index or message
// rows remain for the folder.
func TestUIDValidityChangePurgesFolder(t *testing.T) {
	st := newMemStore()
	st.index[key("u1", "INBOX")] = model.IndexRow{
		User: "u1", Folder: "INBOX", UIDValidity: 42, UIDs: []imap.UID{9, 7, 3}, Valid: true,
	}
	st.messages[key("u1", "INBOX")] = map[imap.UID]model.MessageRow{
		7: {User: "u1", Folder: "INBOX", UID: 7},
	}

	client := newFakeClient()
	client.folderStatus = model.FolderStatus{UIDValidity: 43, Exists: 0}
	client.indexDirectResult = nil

	c := New("u1", client, st, NewConfig())

	uids, found, err := c.GetIndex(context.Background(), "INBOX", imap.SortFieldAny, imap.SortAsc, false, true)
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, uids)

	_, err = st.SelectIndex(context.Background(), "u1", "INBOX")
	require.True(t, store.IsNotFound(err))
	require.Empty(t, st.messages[key("u1", "INBOX")])
}

// TestWriteCoalescingFlushesOnClose covers scenario 5: get_message, then
// change_flag on that same UID, then close() must produce exactly one
// upsert for that UID with SEEN set, and no write before close.
func TestWriteCoalescingFlushesOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := newMemStore()
	client := newFakeClient()

	c := New("u1", client, st, NewConfig())

	ctx := context.Background()

	// get_message(INBOX, 9) — unseen, not yet in the store, so it is fetched
	// from IMAP and installed as the current slot.
	obj, found, err := c.GetMessage(ctx, "INBOX", 9, true, true)
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, obj.Flags)

	require.NoError(t, c.ChangeFlag(ctx, "INBOX", []imap.UID{9}, flags.Seen, true))

	// No store write yet: the slot is dirty but unflushed.
	_, err = st.SelectMessage(ctx, "u1", "INBOX", 9)
	require.True(t, store.IsNotFound(err))

	require.NoError(t, c.Close(ctx))

	row, err := st.SelectMessage(ctx, "u1", "INBOX", 9)
	require.NoError(t, err)
	require.True(t, flags.Has(row.Flags, flags.Seen))
	require.Equal(t, flags.Bits(1), row.Flags)
}

// TestUnknownFlagIsSilentNoop covers scenario 6: change_flag with a flag
// name outside the registry must not touch the store or the current slot.
func TestUnknownFlagIsSilentNoop(t *testing.T) {
	st := newMemStore()
	client := newFakeClient()

	c := New("u1", client, st, NewConfig())
	ctx := context.Background()

	c.ws.SetCurrent(workset.NewCleanCurrentMessage("INBOX", 9, model.MessageHeader{UID: 9}, true))

	require.NoError(t, c.ChangeFlag(ctx, "INBOX", []imap.UID{9}, "BOGUS", true))

	cur, ok := c.ws.Current()
	require.True(t, ok)
	require.Empty(t, cur.Object.Flags)

	_, err := st.SelectMessage(ctx, "u1", "INBOX", 9)
	require.True(t, store.IsNotFound(err))
}

// TestClearThenGetIndexExistingOnlyReturnsNothing covers the quantified
// property: after clear(F), get_index(F, "ANY", "ASC", existing_only=true)
// returns nothing, with no IMAP round trip.
func TestClearThenGetIndexExistingOnlyReturnsNothing(t *testing.T) {
	st := newMemStore()
	st.index[key("u1", "INBOX")] = model.IndexRow{User: "u1", Folder: "INBOX", UIDValidity: 42, UIDs: []imap.UID{1}, Valid: true}

	client := newFakeClient()
	c := New("u1", client, st, NewConfig())
	ctx := context.Background()

	folder := "INBOX"
	require.NoError(t, c.Clear(ctx, &folder, nil))

	uids, found, err := c.GetIndex(ctx, "INBOX", imap.SortFieldAny, imap.SortAsc, false, true)
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, uids)
	require.Equal(t, 0, client.folderDataCalls)
}

// TestGCRemovesOnlyExpiredRows covers the gc() property: rows whose expires
// is before now are removed; rows with a nil expiry are retained.
func TestGCRemovesOnlyExpiredRows(t *testing.T) {
	st := newMemStore()

	past := time.Unix(0, 0)
	st.index[key("u1", "A")] = model.IndexRow{User: "u1", Folder: "A", Expires: &past}
	st.index[key("u1", "B")] = model.IndexRow{User: "u1", Folder: "B"}

	result, err := GC(context.Background(), st, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, result.IndexDeleted)

	_, err = st.SelectIndex(context.Background(), "u1", "A")
	require.True(t, store.IsNotFound(err))

	_, err = st.SelectIndex(context.Background(), "u1", "B")
	require.NoError(t, err)
}
