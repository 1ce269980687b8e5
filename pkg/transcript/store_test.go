package transcript

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/sapcad/pkg/session"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn, err := DSNForFile(filepath.Join(t.TempDir(), "transcript.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreSaveAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Entry{SessionID: "a", Ordinal: 1, Role: "user", Text: "hello", CreatedAtMs: 100}))
	require.NoError(t, s.Save(ctx, Entry{SessionID: "a", Ordinal: 2, Role: "assistant", Text: "hi", CreatedAtMs: 200}))
	require.NoError(t, s.Save(ctx, Entry{SessionID: "b", Ordinal: 1, Role: "user", Text: "other", CreatedAtMs: 150}))

	all, err := s.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "hello", all[0].Text)
	require.Equal(t, "other", all[1].Text)

	bySession, err := s.List(ctx, Query{SessionID: "a"})
	require.NoError(t, err)
	require.Len(t, bySession, 2)
	require.Equal(t, 2, bySession[1].Ordinal)

	byRole, err := s.List(ctx, Query{Role: "assistant"})
	require.NoError(t, err)
	require.Len(t, byRole, 1)

	limited, err := s.List(ctx, Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestSQLiteStoreKeepsFirstWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Entry{SessionID: "a", Ordinal: 1, Role: "user", Text: "first", CreatedAtMs: 1}))
	require.NoError(t, s.Save(ctx, Entry{SessionID: "a", Ordinal: 1, Role: "user", Text: "second", CreatedAtMs: 2}))

	items, err := s.List(ctx, Query{SessionID: "a"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "first", items[0].Text)
}

func TestSQLiteStoreValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.Error(t, s.Save(ctx, Entry{Ordinal: 1}))
	require.Error(t, s.Save(ctx, Entry{SessionID: "a"}))

	_, err := NewSQLiteStore(" ")
	require.Error(t, err)
	_, err = DSNForFile("")
	require.Error(t, err)
}

func TestRecorderArchivesTurnsAcrossReset(t *testing.T) {
	s := newTestStore(t)
	store := session.NewStore()
	rec := NewRecorder(s, "sess-1")
	detach := rec.Attach(store)
	defer detach()

	store.AppendUserTurn("hello")
	store.AppendAssistantTurn("AI Response: hi", "hi")
	store.SetModelContext(&session.ModelContext{Filename: "a.ifc"})
	store.Reset()
	store.AppendUserTurn("again")

	items, err := s.List(context.Background(), Query{SessionID: "sess-1"})
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, 1, rec.Generation())

	got := map[[2]int]string{}
	for _, e := range items {
		got[[2]int{e.Generation, e.Ordinal}] = e.Role + ":" + e.Text
	}
	require.Equal(t, map[[2]int]string{
		{0, 1}: "user:hello",
		{0, 2}: "assistant:hi",
		{1, 1}: "user:again",
	}, got)
}
