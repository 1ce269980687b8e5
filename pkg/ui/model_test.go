package ui

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/sapcad/pkg/session"
	"github.com/stretchr/testify/require"
)

type fakeActions struct {
	mu        sync.Mutex
	submitted []string
	uploaded  []string
	resets    int
}

func (f *fakeActions) Submit(_ context.Context, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, text)
	return true
}

func (f *fakeActions) Upload(_ context.Context, path string) (*session.ModelContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, path)
	return &session.ModelContext{Filename: "a.ifc"}, nil
}

func (f *fakeActions) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func typeAndEnter(t *testing.T, m Model, text string) (Model, tea.Cmd) {
	t.Helper()
	m.input.SetValue(text)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return next.(Model), cmd
}

func sized(m Model) Model {
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(Model)
}

func TestModelSubmitsPlainText(t *testing.T) {
	actions := &fakeActions{}
	m := sized(NewModel(context.Background(), actions, session.Snapshot{}))

	m, cmd := typeAndEnter(t, m, "  how many doors?  ")
	require.NotNil(t, cmd)
	msg := cmd()
	require.Equal(t, submitDoneMsg{sent: true}, msg)
	require.Equal(t, []string{"how many doors?"}, actions.submitted)
	require.Equal(t, "", m.input.Value())
}

func TestModelIgnoresBlankInput(t *testing.T) {
	actions := &fakeActions{}
	m := sized(NewModel(context.Background(), actions, session.Snapshot{}))
	_, cmd := typeAndEnter(t, m, "   ")
	require.Nil(t, cmd)
	require.Empty(t, actions.submitted)
}

func TestModelUploadCommand(t *testing.T) {
	actions := &fakeActions{}
	m := sized(NewModel(context.Background(), actions, session.Snapshot{}))

	m, cmd := typeAndEnter(t, m, "/upload plan.dwg")
	require.Nil(t, cmd)
	require.True(t, m.statusErr)
	require.Empty(t, actions.uploaded)

	m, cmd = typeAndEnter(t, m, "/upload /tmp/a.ifc")
	require.NotNil(t, cmd)
	next, _ := m.Update(cmd())
	m = next.(Model)
	require.Equal(t, []string{"/tmp/a.ifc"}, actions.uploaded)
	require.Equal(t, "loaded a.ifc", m.status)
}

func TestModelResetCommand(t *testing.T) {
	actions := &fakeActions{}
	m := sized(NewModel(context.Background(), actions, session.Snapshot{}))
	_, cmd := typeAndEnter(t, m, "/reset")
	require.NotNil(t, cmd)
	require.Equal(t, resetDoneMsg{}, cmd())
	require.Equal(t, 1, actions.resets)
}

func TestModelRendersSnapshot(t *testing.T) {
	m := sized(NewModel(context.Background(), &fakeActions{}, session.NewStore().Snapshot()))
	require.Contains(t, m.View(), "No model loaded")
	require.Contains(t, m.View(), "closed")

	snap := session.Snapshot{
		ConnectionState:  session.StateOpen,
		IsConnected:      true,
		Turns:            []session.Turn{{Ordinal: 1, Role: session.RoleUser, Text: "hello there"}},
		ModelContext:     &session.ModelContext{Filename: "house.ifc", ProjectName: "Villa"},
		AwaitingResponse: true,
	}
	next, _ := m.Update(StoreEventMsg{Event: session.Event{Type: session.EventTurnAppended, Snapshot: snap}})
	m = next.(Model)

	view := m.View()
	require.Contains(t, view, "Working with: house.ifc (Villa)")
	require.Contains(t, view, "hello there")
	require.Contains(t, view, "open")
	require.Contains(t, view, "waiting for the assistant")
}

func TestModelCopiesLastAnswer(t *testing.T) {
	var copied string
	prev := copyToClipboard
	copyToClipboard = func(s string) error { copied = s; return nil }
	t.Cleanup(func() { copyToClipboard = prev })

	m := sized(NewModel(context.Background(), &fakeActions{}, session.Snapshot{}))
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyCtrlY})
	m = next.(Model)
	require.True(t, m.statusErr)

	snap := session.Snapshot{Turns: []session.Turn{
		{Ordinal: 1, Role: session.RoleAssistant, Text: "first"},
		{Ordinal: 2, Role: session.RoleUser, Text: "q"},
		{Ordinal: 3, Role: session.RoleAssistant, Text: "second"},
	}}
	next, _ = m.Update(StoreEventMsg{Event: session.Event{Snapshot: snap}})
	m = next.(Model)
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyCtrlY})
	m = next.(Model)
	require.Equal(t, "second", copied)
	require.False(t, m.statusErr)
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (r *recordingSender) Send(msg tea.Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingSender) types() []session.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []session.EventType
	for _, m := range r.msgs {
		out = append(out, m.(StoreEventMsg).Event.Type)
	}
	return out
}

func TestForwardStoreEventsKeepsOrder(t *testing.T) {
	store := session.NewStore()
	sender := &recordingSender{}
	stop := ForwardStoreEvents(sender, store)

	store.SetConnectionState(session.StateOpen)
	store.AppendUserTurn("a")
	store.SetModelContext(&session.ModelContext{Filename: "a.ifc"})

	require.Eventually(t, func() bool { return len(sender.types()) == 3 }, time.Second, 5*time.Millisecond)
	stop()
	store.AppendUserTurn("after stop")
	stop()

	require.Equal(t, []session.EventType{
		session.EventConnectionChanged,
		session.EventTurnAppended,
		session.EventModelContextChanged,
	}, sender.types())
}

func TestHeaderWithoutProjectName(t *testing.T) {
	m := NewModel(context.Background(), &fakeActions{}, session.Snapshot{ModelContext: &session.ModelContext{Filename: "x.ifc"}})
	require.True(t, strings.Contains(m.header(), "Working with: x.ifc"))
	require.False(t, strings.Contains(m.header(), "("))
}

type blockingSender struct {
	release chan struct{}
	mu      sync.Mutex
	last    *StoreEventMsg
}

func (b *blockingSender) Send(msg tea.Msg) {
	<-b.release
	ev := msg.(StoreEventMsg)
	b.mu.Lock()
	b.last = &ev
	b.mu.Unlock()
}

func (b *blockingSender) lastSnapshot() (session.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return session.Snapshot{}, false
	}
	return b.last.Event.Snapshot, true
}

func TestForwardStoreEventsNeverStallsWriters(t *testing.T) {
	store := session.NewStore()
	sender := &blockingSender{release: make(chan struct{})}
	stop := ForwardStoreEvents(sender, store)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			store.AppendUserTurn("turn")
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("store writes stalled while the program was not consuming")
	}

	close(sender.release)
	stop()

	snap, ok := sender.lastSnapshot()
	require.True(t, ok)
	require.Len(t, snap.Turns, 1000)
}

func TestRenderCacheIgnoresStaleOrdinal(t *testing.T) {
	m := NewModel(context.Background(), &fakeActions{}, session.Snapshot{
		Turns: []session.Turn{{Ordinal: 1, Role: session.RoleAssistant, Text: "first answer"}},
	})
	m.refreshContent()
	require.Equal(t, "first answer", m.rendered[1].source)

	// a reset event that never reached the view leaves ordinal 1 cached
	next, _ := m.Update(StoreEventMsg{Event: session.Event{
		Type: session.EventTurnAppended,
		Snapshot: session.Snapshot{
			Turns: []session.Turn{{Ordinal: 1, Role: session.RoleAssistant, Text: "second answer"}},
		},
	}})
	require.Equal(t, "second answer", next.(Model).rendered[1].source)
}
