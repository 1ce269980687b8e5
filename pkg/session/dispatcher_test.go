package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubCounter struct{ n int }

func (c stubCounter) Count(string) (int, error) { return c.n, nil }

func connectedStore() *Store {
	s := NewStore()
	s.SetConnectionState(StateOpen)
	return s
}

func TestDispatcherIgnoresBlankText(t *testing.T) {
	store := connectedStore()
	sender := &stubSender{}
	d := NewDispatcher(store, sender)

	require.False(t, d.Submit(context.Background(), ""))
	require.False(t, d.Submit(context.Background(), "   "))
	require.False(t, d.Submit(context.Background(), "\n\t"))

	require.Empty(t, store.Conversation())
	require.Empty(t, sender.Sent())
}

func TestDispatcherSendsInCallOrder(t *testing.T) {
	store := connectedStore()
	sender := &stubSender{}
	d := NewDispatcher(store, sender)

	inputs := []string{"first", "second", "third"}
	for _, in := range inputs {
		require.True(t, d.Submit(context.Background(), in))
	}

	turns := store.Conversation()
	require.Len(t, turns, 3)
	sent := sender.Sent()
	require.Len(t, sent, 3)
	for i, in := range inputs {
		require.Equal(t, RoleUser, turns[i].Role)
		require.Equal(t, in, turns[i].Text)
		require.Equal(t, i+1, turns[i].Ordinal)

		var env map[string]any
		require.NoError(t, json.Unmarshal([]byte(sent[i]), &env))
		require.Equal(t, in, env["message"])
	}
	require.True(t, store.Snapshot().AwaitingResponse)
}

func TestDispatcherDisconnectedAppendsWithoutSending(t *testing.T) {
	store := NewStore()
	sender := &stubSender{}
	d := NewDispatcher(store, sender)

	require.True(t, d.Submit(context.Background(), "hello"))

	require.Len(t, store.Conversation(), 1)
	require.Empty(t, sender.Sent())
	require.False(t, store.Snapshot().AwaitingResponse)
}

func TestDispatcherSwallowsNotConnected(t *testing.T) {
	store := connectedStore()
	sender := &stubSender{err: errors.Wrap(ErrNotConnected, "raced a close")}
	d := NewDispatcher(store, sender)

	require.NotPanics(t, func() {
		require.True(t, d.Submit(context.Background(), "hello"))
	})
	require.Len(t, store.Conversation(), 1)
	require.False(t, store.Snapshot().AwaitingResponse)
}

func TestDispatcherSnapshotsModelContextAtSendTime(t *testing.T) {
	store := connectedStore()
	sender := &stubSender{}
	d := NewDispatcher(store, sender)

	require.True(t, d.Submit(context.Background(), "no model yet"))
	store.SetModelContext(&ModelContext{
		Filename:    "a.ifc",
		ProjectName: "Tower",
		Entities:    []EntityCount{{Type: "IfcWall", Count: 12}},
	})
	require.True(t, d.Submit(context.Background(), "with model"))
	store.SetModelContext(&ModelContext{Filename: "b.ifc", ProjectName: "Annex"})
	require.True(t, d.Submit(context.Background(), "with replaced model"))

	sent := sender.Sent()
	require.Len(t, sent, 3)

	require.JSONEq(t, `{"message":"no model yet","context":null}`, sent[0])
	require.JSONEq(t, `{"message":"with model","context":{"filename":"a.ifc","projectName":"Tower","entities":[{"type":"IfcWall","count":12}]}}`, sent[1])
	require.JSONEq(t, `{"message":"with replaced model","context":{"filename":"b.ifc","projectName":"Annex","entities":[]}}`, sent[2])
}

func TestDispatcherTokenBudgetDoesNotBlockSend(t *testing.T) {
	store := connectedStore()
	sender := &stubSender{}
	d := NewDispatcher(store, sender, WithTokenBudget(stubCounter{n: 10_000}, 100))

	require.True(t, d.Submit(context.Background(), "long message"))
	require.Len(t, sender.Sent(), 1)
}
