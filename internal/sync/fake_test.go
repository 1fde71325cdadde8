package sync

import (
	"context"
	"time"

	"github.com/foldercache/foldercache/flags"
	"github.com/foldercache/foldercache/imap"
	"github.com/foldercache/foldercache/internal/store"
	"github.com/foldercache/foldercache/model"
)

// memStore is a minimal in-memory store.Store fake used across this
// package's tests, mirroring the hand-written fakes the smaller example
// repos use in place of a generated mock.
type memStore struct {
	index    map[string]model.IndexRow
	thread   map[string]model.ThreadRow
	messages map[string]map[imap.UID]model.MessageRow
}

func newMemStore() *memStore {
	return &memStore{
		index:    make(map[string]model.IndexRow),
		thread:   make(map[string]model.ThreadRow),
		messages: make(map[string]map[imap.UID]model.MessageRow),
	}
}

func key(user, folder string) string { return user + "\x00" + folder }

func (m *memStore) SelectIndex(_ context.Context, user, folder string) (model.IndexRow, error) {
	row, ok := m.index[key(user, folder)]
	if !ok {
		return model.IndexRow{}, store.ErrNotFound
	}

	return row, nil
}

func (m *memStore) SelectThread(_ context.Context, user, folder string) (model.ThreadRow, error) {
	row, ok := m.thread[key(user, folder)]
	if !ok {
		return model.ThreadRow{}, store.ErrNotFound
	}

	return row, nil
}

func (m *memStore) SelectMessage(_ context.Context, user, folder string, uid imap.UID) (model.MessageRow, error) {
	folderMsgs, ok := m.messages[key(user, folder)]
	if !ok {
		return model.MessageRow{}, store.ErrNotFound
	}

	row, ok := folderMsgs[uid]
	if !ok {
		return model.MessageRow{}, store.ErrNotFound
	}

	return row, nil
}

func (m *memStore) SelectMessages(ctx context.Context, user, folder string, uids []imap.UID) ([]model.MessageRow, error) {
	var out []model.MessageRow

	for _, uid := range uids {
		if row, err := m.SelectMessage(ctx, user, folder, uid); err == nil {
			out = append(out, row)
		}
	}

	return out, nil
}

func (m *memStore) SelectAllMessageUIDs(_ context.Context, user, folder string) ([]imap.UID, error) {
	var uids []imap.UID

	for uid := range m.messages[key(user, folder)] {
		uids = append(uids, uid)
	}

	return uids, nil
}

func (m *memStore) UpsertIndex(_ context.Context, row model.IndexRow, _ time.Duration) error {
	m.index[key(row.User, row.Folder)] = row
	return nil
}

func (m *memStore) UpsertThread(_ context.Context, row model.ThreadRow, _ time.Duration) error {
	m.thread[key(row.User, row.Folder)] = row
	return nil
}

func (m *memStore) UpsertMessage(_ context.Context, row model.MessageRow, _ time.Duration) (bool, error) {
	k := key(row.User, row.Folder)

	if m.messages[k] == nil {
		m.messages[k] = make(map[imap.UID]model.MessageRow)
	}

	_, existed := m.messages[k][row.UID]
	m.messages[k][row.UID] = row

	return existed, nil
}

func (m *memStore) UpdateMessageFlagsIfChanged(_ context.Context, user, folder string, uid imap.UID, newFlags flags.Bits) (bool, error) {
	folderMsgs := m.messages[key(user, folder)]
	if folderMsgs == nil {
		return false, nil
	}

	row, ok := folderMsgs[uid]
	if !ok || row.Flags == newFlags {
		return false, nil
	}

	row.Flags = newFlags
	folderMsgs[uid] = row

	return true, nil
}

func (m *memStore) DeleteMessages(_ context.Context, user, folder string, uids []imap.UID) error {
	k := key(user, folder)

	if uids == nil {
		delete(m.messages, k)
		return nil
	}

	for _, uid := range uids {
		delete(m.messages[k], uid)
	}

	return nil
}

func (m *memStore) DeleteAllMessages(_ context.Context, user string) error {
	prefix := user + "\x00"

	for k := range m.messages {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.messages, k)
		}
	}

	return nil
}

func (m *memStore) DeleteIndex(_ context.Context, user, folder string) error {
	delete(m.index, key(user, folder))
	return nil
}

func (m *memStore) DeleteAllIndexes(_ context.Context, user string) error {
	prefix := user + "\x00"

	for k := range m.index {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.index, k)
		}
	}

	return nil
}

func (m *memStore) DeleteAllThreads(_ context.Context, user string) error {
	prefix := user + "\x00"

	for k := range m.thread {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.thread, k)
		}
	}

	return nil
}

func (m *memStore) SetIndexInvalid(_ context.Context, user, folder string) error {
	k := key(user, folder)
	row := m.index[k]
	row.Valid = false
	m.index[k] = row

	return nil
}

func (m *memStore) DeleteThread(_ context.Context, user, folder string) error {
	delete(m.thread, key(user, folder))
	return nil
}

func (m *memStore) GCExpired(_ context.Context, now time.Time) (store.GCResult, error) {
	var result store.GCResult

	for k, row := range m.index {
		if row.Expires != nil && row.Expires.Before(now) {
			delete(m.index, k)
			result.IndexDeleted++
		}
	}

	for k, row := range m.thread {
		if row.Expires != nil && row.Expires.Before(now) {
			delete(m.thread, k)
			result.ThreadDeleted++
		}
	}

	for fk, msgs := range m.messages {
		for uid, row := range msgs {
			if row.Expires != nil && row.Expires.Before(now) {
				delete(msgs, uid)
				result.MessagesDeleted++
			}
		}

		_ = fk
	}

	return result, nil
}

func (m *memStore) Close() error { return nil }

var _ store.Store = (*memStore)(nil)

// fakeClient is a scriptable imapclient.Client fake.
type fakeClient struct {
	capabilities map[string]bool

	folderStatus    model.FolderStatus
	folderDataCalls int

	fetchChangedSinceResult model.FetchSinceResult
	fetchChangedSinceCalls  int

	indexDirectResult []imap.UID

	enableCalls int
	closeCalls  int
}

func newFakeClient() *fakeClient {
	return &fakeClient{capabilities: make(map[string]bool)}
}

func (f *fakeClient) FolderData(context.Context, string) (model.FolderStatus, error) {
	f.folderDataCalls++
	return f.folderStatus, nil
}

func (f *fakeClient) FetchHeaders(context.Context, string, []imap.UID) ([]model.MessageHeader, error) {
	return nil, nil
}

func (f *fakeClient) GetMessageHeaders(context.Context, string, imap.UID) (model.MessageHeader, error) {
	return model.MessageHeader{}, nil
}

func (f *fakeClient) IndexDirect(context.Context, string, imap.SortField, imap.SortOrder) ([]imap.UID, error) {
	return f.indexDirectResult, nil
}

func (f *fakeClient) ThreadsDirect(context.Context, string) (model.ThreadTree, error) {
	return model.ThreadTree{}, nil
}

func (f *fakeClient) SearchOnce(context.Context, string, string) ([]imap.UID, error) {
	return nil, nil
}

func (f *fakeClient) GetCapability(name string) bool {
	return f.capabilities[name]
}

func (f *fakeClient) CheckConnection(context.Context) error { return nil }

func (f *fakeClient) Enable(context.Context, string) error {
	f.enableCalls++
	return nil
}

func (f *fakeClient) Close(context.Context) error {
	f.closeCalls++
	return nil
}

func (f *fakeClient) FetchChangedSince(context.Context, string, []imap.UID, imap.ModSeq, bool) (model.FetchSinceResult, error) {
	f.fetchChangedSinceCalls++
	return f.fetchChangedSinceResult, nil
}
