package transcript

import (
	"context"
	"sync"

	"github.com/go-go-golems/sapcad/pkg/session"
	"github.com/rs/zerolog/log"
)

// Saver is the write side of a transcript store.
type Saver interface {
	Save(ctx context.Context, e Entry) error
}

// Recorder archives every appended turn of one session. A store reset starts a
// new generation because ordinals restart at 1.
type Recorder struct {
	saver     Saver
	sessionID string

	mu         sync.Mutex
	generation int
}

func NewRecorder(saver Saver, sessionID string) *Recorder {
	return &Recorder{saver: saver, sessionID: sessionID}
}

// Attach subscribes the recorder to store and returns the unsubscribe function.
func (r *Recorder) Attach(store *session.Store) func() {
	return store.Subscribe(r.onEvent)
}

func (r *Recorder) Generation() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

func (r *Recorder) onEvent(ev session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case session.EventReset:
		r.generation++
	case session.EventTurnAppended:
		if ev.Turn == nil {
			return
		}
		e := Entry{
			SessionID:   r.sessionID,
			Generation:  r.generation,
			Ordinal:     ev.Turn.Ordinal,
			Role:        string(ev.Turn.Role),
			Text:        ev.Turn.Text,
			CreatedAtMs: ev.Turn.CreatedAt.UnixMilli(),
		}
		if err := r.saver.Save(context.Background(), e); err != nil {
			log.Error().Err(err).Str("component", "transcript").Int("ordinal", e.Ordinal).Msg("failed to archive turn")
		}
	}
}
