package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventConnectionChanged   EventType = "connection.changed"
	EventTurnAppended        EventType = "turn.appended"
	EventModelContextChanged EventType = "model_context.changed"
	EventAwaitingChanged     EventType = "awaiting.changed"
	EventReset               EventType = "session.reset"
)

// Event is delivered to subscribers after every store write. Snapshot is the
// full state as of that write.
type Event struct {
	Type     EventType `json:"type"`
	Turn     *Turn     `json:"turn,omitempty"`
	Snapshot Snapshot  `json:"snapshot"`
}

// Snapshot is an immutable copy of the store state.
type Snapshot struct {
	ConnectionState  ConnectionState `json:"connection_state"`
	IsConnected      bool            `json:"is_connected"`
	RequestText      string          `json:"request_text"`
	ResponseText     string          `json:"response_text"`
	Turns            []Turn          `json:"turns"`
	ModelContext     *ModelContext   `json:"model_context"`
	AwaitingResponse bool            `json:"awaiting_response"`
}

// ConnectionStateWriter is the write surface handed to the connection manager.
type ConnectionStateWriter interface {
	SetConnectionState(ConnectionState)
}

type subscriber struct {
	id int
	fn func(Event)
}

// Store is the single source of truth for a session. Writes are serialized and
// every subscriber has seen a write before the writing call returns.
// Subscribers may read the store from inside a notification but must not write.
type Store struct {
	// emitMu serializes write+notify so subscribers observe writes in order.
	emitMu sync.Mutex

	mu           sync.RWMutex
	state        ConnectionState
	requestText  string
	responseText string
	turns        []Turn
	nextOrdinal  int
	model        *ModelContext
	awaiting     bool

	subsMu sync.Mutex
	subs   []subscriber
	nextID int

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		state:       StateClosed,
		nextOrdinal: 1,
		now:         time.Now,
	}
}

// Subscribe registers fn for all subsequent events. The returned function
// removes the subscription.
func (s *Store) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	s.subsMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		ConnectionState:  s.state,
		IsConnected:      s.state == StateOpen,
		RequestText:      s.requestText,
		ResponseText:     s.responseText,
		Turns:            append([]Turn(nil), s.turns...),
		ModelContext:     s.model.Clone(),
		AwaitingResponse: s.awaiting,
	}
}

func (s *Store) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateOpen
}

func (s *Store) ConnectionState() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ModelContext returns a copy of the active model context, or nil.
func (s *Store) ModelContext() *ModelContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model.Clone()
}

func (s *Store) Conversation() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Turn(nil), s.turns...)
}

// write applies mutate under the state lock and then notifies subscribers.
// mutate returns the event to emit, or false to skip notification.
func (s *Store) write(mutate func() (Event, bool)) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	ev, ok := mutate()
	if ok {
		ev.Snapshot = s.snapshotLocked()
	}
	s.mu.Unlock()

	if ok {
		s.notify(ev)
	}
}

func (s *Store) notify(ev Event) {
	s.subsMu.Lock()
	subs := append([]subscriber(nil), s.subs...)
	s.subsMu.Unlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("component", "store").Interface("panic", r).Str("event", string(ev.Type)).Msg("subscriber panicked")
				}
			}()
			sub.fn(ev)
		}()
	}
}

// SetConnectionState is written by the connection manager only. Leaving Open
// clears the awaiting flag; history and model context are kept.
func (s *Store) SetConnectionState(state ConnectionState) {
	s.write(func() (Event, bool) {
		if s.state == state {
			return Event{}, false
		}
		s.state = state
		if state != StateOpen {
			s.awaiting = false
		}
		return Event{Type: EventConnectionChanged}, true
	})
}

// AppendUserTurn is written by the dispatcher path only.
func (s *Store) AppendUserTurn(text string) Turn {
	var t Turn
	s.write(func() (Event, bool) {
		s.requestText = text
		t = s.appendLocked(RoleUser, text)
		return Event{Type: EventTurnAppended, Turn: &t}, true
	})
	return t
}

// AppendAssistantTurn is written by the response router only. raw is the
// inbound text as received, text is what gets displayed.
func (s *Store) AppendAssistantTurn(raw, text string) Turn {
	var t Turn
	s.write(func() (Event, bool) {
		s.responseText = raw
		s.awaiting = false
		t = s.appendLocked(RoleAssistant, text)
		return Event{Type: EventTurnAppended, Turn: &t}, true
	})
	return t
}

func (s *Store) appendLocked(role Role, text string) Turn {
	t := Turn{
		Ordinal:   s.nextOrdinal,
		Role:      role,
		Text:      text,
		CreatedAt: s.now(),
	}
	s.nextOrdinal++
	s.turns = append(s.turns, t)
	return t
}

// SetModelContext replaces the active model context wholesale.
func (s *Store) SetModelContext(mc *ModelContext) {
	s.write(func() (Event, bool) {
		s.model = mc.Clone()
		return Event{Type: EventModelContextChanged}, true
	})
}

func (s *Store) ClearModelContext() {
	s.write(func() (Event, bool) {
		if s.model == nil {
			return Event{}, false
		}
		s.model = nil
		return Event{Type: EventModelContextChanged}, true
	})
}

func (s *Store) setAwaiting(v bool) {
	s.write(func() (Event, bool) {
		if s.awaiting == v {
			return Event{}, false
		}
		s.awaiting = v
		return Event{Type: EventAwaitingChanged}, true
	})
}

// Reset discards the conversation and model context. The connection state is
// left to the connection manager.
func (s *Store) Reset() {
	s.write(func() (Event, bool) {
		s.requestText = ""
		s.responseText = ""
		s.turns = nil
		s.nextOrdinal = 1
		s.model = nil
		s.awaiting = false
		return Event{Type: EventReset}, true
	})
}
