package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/sapcad/pkg/session"
	"github.com/rs/zerolog/log"
)

// maxPendingEvents bounds the events waiting for the program. Every event
// carries a full snapshot, so dropping the oldest ones loses no state.
const maxPendingEvents = 256

// StoreEventMsg carries one store event into the bubbletea program.
type StoreEventMsg struct {
	Event session.Event
}

// Sender is the part of *tea.Program the forwarder needs.
type Sender interface {
	Send(msg tea.Msg)
}

// ForwardStoreEvents subscribes to store and injects its events into p.
// Store notifications only append to a bounded pending list and never wait on
// the program; when the program falls behind, the oldest pending events are
// dropped. The returned function unsubscribes, delivers what is still pending
// and waits for the forwarder to finish.
func ForwardStoreEvents(p Sender, store *session.Store) func() {
	var (
		mu      sync.Mutex
		pending []session.Event
		dropped int
		closed  bool
	)
	wake := make(chan struct{}, 1)
	done := make(chan struct{})

	take := func() []session.Event {
		mu.Lock()
		defer mu.Unlock()
		batch := pending
		pending = nil
		if dropped > 0 {
			log.Debug().Str("component", "ui").Int("dropped", dropped).Msg("program lagging, dropped store events")
			dropped = 0
		}
		return batch
	}
	deliver := func(batch []session.Event) {
		for _, ev := range batch {
			p.Send(StoreEventMsg{Event: ev})
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-wake:
				deliver(take())
			case <-done:
				deliver(take())
				return
			}
		}
	}()

	unsubscribe := store.Subscribe(func(ev session.Event) {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		pending = append(pending, ev)
		if n := len(pending) - maxPendingEvents; n > 0 {
			pending = append(pending[:0:0], pending[n:]...)
			dropped += n
		}
		mu.Unlock()
		select {
		case wake <- struct{}{}:
		default:
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			mu.Unlock()
			close(done)
			wg.Wait()
		})
	}
}
