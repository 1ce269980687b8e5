package session

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sender is the network leg of a submit.
type Sender interface {
	SendText(payload string) error
}

// TokenCounter counts tokens in an outbound payload.
type TokenCounter interface {
	Count(text string) (int, error)
}

type dispatcherStore interface {
	IsConnected() bool
	ModelContext() *ModelContext
	AppendUserTurn(text string) Turn
	setAwaiting(bool)
}

type DispatcherOption func(*Dispatcher)

// WithTokenBudget logs a warning when an envelope exceeds budget tokens.
func WithTokenBudget(counter TokenCounter, budget int) DispatcherOption {
	return func(d *Dispatcher) {
		d.counter = counter
		d.budget = budget
	}
}

// Dispatcher turns user text into a user turn and, when connected, a send.
type Dispatcher struct {
	store   dispatcherStore
	sender  Sender
	counter TokenCounter
	budget  int
	logger  zerolog.Logger
}

func NewDispatcher(store *Store, sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		sender: sender,
		logger: log.With().Str("component", "dispatcher").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit appends a user turn and sends the enriched envelope if the connection
// is open. Blank text is ignored. It returns true when a turn was appended.
// Send failures are logged and swallowed; the turn stays in the history.
func (d *Dispatcher) Submit(_ context.Context, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	turn := d.store.AppendUserTurn(text)
	logger := d.logger.With().Int("ordinal", turn.Ordinal).Logger()

	if !d.store.IsConnected() {
		logger.Debug().Msg("not connected, skipping send")
		return true
	}

	env := BuildEnvelope(text, d.store.ModelContext())
	payload, err := env.Marshal()
	if err != nil {
		logger.Error().Err(err).Msg("could not encode envelope")
		return true
	}
	d.checkBudget(logger, payload)

	if err := d.sender.SendText(string(payload)); err != nil {
		if errors.Is(err, ErrNotConnected) {
			logger.Debug().Err(err).Msg("send dropped, not connected")
		} else {
			logger.Warn().Err(err).Msg("send failed")
		}
		return true
	}
	d.store.setAwaiting(true)
	logger.Debug().Bool("with_context", env.Context != nil).Int("bytes", len(payload)).Msg("sent")
	return true
}

func (d *Dispatcher) checkBudget(logger zerolog.Logger, payload []byte) {
	if d.counter == nil || d.budget <= 0 {
		return
	}
	n, err := d.counter.Count(string(payload))
	if err != nil {
		logger.Debug().Err(err).Msg("token count failed")
		return
	}
	if n > d.budget {
		logger.Warn().Int("tokens", n).Int("budget", d.budget).Msg("outbound message exceeds token budget")
	}
}
