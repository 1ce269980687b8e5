package session

import (
	"context"
	"strings"

	"github.com/go-go-golems/sapcad/pkg/render"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Uploader sends a model file to the backend and returns its metadata.
type Uploader interface {
	Upload(ctx context.Context, path string) (*ModelContext, error)
}

type Option func(*Session)

func WithUploader(u Uploader) Option {
	return func(s *Session) { s.uploader = u }
}

func WithRefresher(r Refresher) Option {
	return func(s *Session) { s.refresher = r }
}

func WithRenderer(r render.Renderer) Option {
	return func(s *Session) { s.renderer = r }
}

func WithConnectionOptions(opts ...ConnectionOption) Option {
	return func(s *Session) { s.connOpts = append(s.connOpts, opts...) }
}

func WithDispatcherOptions(opts ...DispatcherOption) Option {
	return func(s *Session) { s.dispatchOpts = append(s.dispatchOpts, opts...) }
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) {
		if strings.TrimSpace(id) != "" {
			s.ID = id
		}
	}
}

// Session wires the store, connection manager, dispatcher and response router
// for one conversation against one backend endpoint.
type Session struct {
	ID       string
	Endpoint string

	store      *Store
	conn       *ConnectionManager
	dispatcher *Dispatcher
	router     *ResponseRouter

	uploader     Uploader
	refresher    Refresher
	renderer     render.Renderer
	connOpts     []ConnectionOption
	dispatchOpts []DispatcherOption

	logger zerolog.Logger
}

func New(endpoint string, opts ...Option) (*Session, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("session: empty endpoint")
	}
	s := &Session{
		ID:       uuid.NewString(),
		Endpoint: endpoint,
		store:    NewStore(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.With().Str("component", "session").Str("session_id", s.ID).Logger()

	s.router = NewResponseRouter(s.store, s.refresher, s.renderer)
	connOpts := append([]ConnectionOption{WithInboundHandler(s.router.Handle)}, s.connOpts...)
	s.conn = NewConnectionManager(s.store, connOpts...)
	s.dispatcher = NewDispatcher(s.store, s.conn, s.dispatchOpts...)
	return s, nil
}

func (s *Session) Store() *Store { return s.store }

func (s *Session) Connection() *ConnectionManager { return s.conn }

func (s *Session) Router() *ResponseRouter { return s.router }

// Start opens the channel. A failed dial leaves the session Closed; the error
// is returned for logging only.
func (s *Session) Start(ctx context.Context) error {
	_, err := s.conn.Open(ctx, s.Endpoint)
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not open session channel")
		return err
	}
	return nil
}

// Submit forwards to the dispatcher.
func (s *Session) Submit(ctx context.Context, text string) bool {
	return s.dispatcher.Submit(ctx, text)
}

// Upload validates and uploads a model file. On success the model context is
// replaced and the renderer loads the local file. A rejected upload clears the
// model context. An invalid selection changes nothing.
func (s *Session) Upload(ctx context.Context, path string) (*ModelContext, error) {
	if err := ValidateSelection(path); err != nil {
		return nil, err
	}
	if s.uploader == nil {
		return nil, errors.New("session: no uploader configured")
	}
	mc, err := s.uploader.Upload(ctx, path)
	if err != nil {
		s.store.ClearModelContext()
		s.logger.Warn().Err(err).Str("path", path).Msg("upload failed")
		return nil, err
	}
	if mc == nil {
		s.store.ClearModelContext()
		return nil, errors.Wrap(ErrUploadFailed, "no metadata")
	}
	s.store.SetModelContext(mc)

	if s.renderer != nil {
		res, err := render.FromFile(path)
		if err == nil {
			err = s.renderer.Load(ctx, res)
		}
		if err == nil {
			err = s.renderer.Fit(ctx)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("could not render uploaded model")
		}
	}
	return mc.Clone(), nil
}

// Reset discards conversation and model context and re-establishes the channel.
func (s *Session) Reset(ctx context.Context) error {
	_ = s.conn.Close(s.conn.Current())
	s.router.Discard()
	s.store.Reset()
	s.logger.Info().Msg("session reset")
	return s.Start(ctx)
}

// Close tears down the channel and waits for pending refreshes.
func (s *Session) Close() error {
	s.conn.Shutdown()
	s.router.Wait()
	return nil
}
