package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "userdata.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func TestRoundTrip_NicknameAbsent(t *testing.T) {
	s := openStore(t)
	acc := Account{Username: "u", Password: "p", Strategy: "s.lua", Server: "1"}

	id, err := s.Add(acc)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, acc, got)
	assert.Nil(t, got.Nickname)
	assert.Nil(t, got.LastUsed)
}

func TestRoundTrip_AllFields(t *testing.T) {
	s := openStore(t)
	acc := Account{
		Username: "u", Password: "p", Strategy: "s.lua", Server: "1",
		Nickname: ptr("main"), LastUsed: ptr(Millis(1700000000123)),
	}
	id, err := s.Add(acc)
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, acc, got)
}

func TestStoredJSONOmitsAbsentFields(t *testing.T) {
	s := openStore(t)
	id, err := s.Add(Account{Username: "u", Password: "p", Strategy: "s.lua", Server: "1"})
	require.NoError(t, err)

	var data string
	require.NoError(t, s.db.QueryRow("SELECT data FROM accounts WHERE id = ?", id).Scan(&data))
	assert.JSONEq(t, `{"username":"u","password":"p","strategy":"s.lua","server":"1"}`, data)
}

func TestFloatLastUsedIsTruncated(t *testing.T) {
	var acc Account
	require.NoError(t, json.Unmarshal([]byte(`{"username":"u","password":"p","strategy":"s","server":"1","last_used":1700000000123.75}`), &acc))
	require.NotNil(t, acc.LastUsed)
	assert.Equal(t, Millis(1700000000123), *acc.LastUsed)

	assert.Error(t, json.Unmarshal([]byte(`{"last_used":"yesterday"}`), &acc))
}

func TestPutReplaces(t *testing.T) {
	s := openStore(t)
	id, err := s.Add(Account{Username: "old"})
	require.NoError(t, err)

	require.NoError(t, s.Put(id, Account{Username: "new", Server: "9"}))
	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Username)
	assert.Equal(t, "9", got.Server)

	records, err := s.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestListAndDelete(t *testing.T) {
	s := openStore(t)
	first, err := s.Add(Account{Username: "a"})
	require.NoError(t, err)
	second, err := s.Add(Account{Username: "b"})
	require.NoError(t, err)

	records, err := s.List()
	require.NoError(t, err)
	assert.Len(t, records, 2)

	require.NoError(t, s.Delete(first))
	records, err = s.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, second, records[0].ID)

	assert.ErrorIs(t, s.Delete(first), ErrNotFound)
	_, err = s.Get(first)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidID(t *testing.T) {
	s := openStore(t)
	_, err := s.Get("not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.ErrorIs(t, s.Put("nope", Account{}), ErrInvalidID)
	assert.ErrorIs(t, s.Delete(""), ErrInvalidID)
}

func TestTouch(t *testing.T) {
	s := openStore(t)
	id, err := s.Add(Account{Username: "u"})
	require.NoError(t, err)

	at := time.UnixMilli(1700000000500)
	acc, err := s.Touch(id, at)
	require.NoError(t, err)
	require.NotNil(t, acc.LastUsed)
	assert.Equal(t, at, acc.LastUsed.Time())

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, Millis(1700000000500), *got.LastUsed)

	_, err = s.Touch(uuid.NewString(), at)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "userdata.db")
	s, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	id, err := s.Add(Account{Username: "persist"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "persist", got.Username)
}

func TestSortByLastUsed(t *testing.T) {
	records := []Record{
		{ID: "c", Account: Account{Username: "never"}},
		{ID: "a", Account: Account{Username: "old", LastUsed: ptr(Millis(10))}},
		{ID: "b", Account: Account{Username: "new", LastUsed: ptr(Millis(20))}},
		{ID: "0", Account: Account{Username: "never-too"}},
	}
	SortByLastUsed(records)

	var order []string
	for _, r := range records {
		order = append(order, r.Username)
	}
	assert.Equal(t, []string{"new", "old", "never-too", "never"}, order)
}

func TestDisplayNameAndFilter(t *testing.T) {
	records := []Record{
		{ID: "1", Account: Account{Username: "alice", Nickname: ptr("  Main Tank  ")}},
		{ID: "2", Account: Account{Username: "bob", Nickname: ptr("   ")}},
		{ID: "3", Account: Account{Username: "carol"}},
	}

	assert.Equal(t, "Main Tank", records[0].DisplayName())
	assert.Equal(t, "bob", records[1].DisplayName())
	assert.Equal(t, "carol", records[2].DisplayName())

	assert.Len(t, Filter(records, ""), 3)
	got := Filter(records, "TANK")
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)

	// The username is not searched when a nickname is shown.
	assert.Empty(t, Filter(records, "alice"))
	assert.Len(t, Filter(records, "o"), 2)
}
