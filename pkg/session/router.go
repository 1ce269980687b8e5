package session

import (
	"context"
	"strings"
	"sync"

	"github.com/go-go-golems/sapcad/pkg/render"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// ResponsePrefix is the legacy framing some backends put in front of replies.
	ResponsePrefix = "AI Response: "
	// ControlModificationApplied signals that the backend changed the loaded model.
	ControlModificationApplied = "modification_applied"
)

// Refresher fetches the current version of a model from the backend.
type Refresher interface {
	Refresh(ctx context.Context, filename string) (*render.Resource, error)
}

type routerStore interface {
	ModelContext() *ModelContext
	AppendAssistantTurn(raw, text string) Turn
}

// NormalizeResponse strips the legacy response prefix for display.
func NormalizeResponse(raw string) string {
	return strings.TrimPrefix(raw, ResponsePrefix)
}

func ContainsControlToken(raw string) bool {
	return strings.Contains(raw, ControlModificationApplied)
}

// ResponseRouter processes inbound messages one at a time. Model refreshes it
// triggers run in the background and never roll back the displayed turn.
type ResponseRouter struct {
	store     routerStore
	refresher Refresher
	renderer  render.Renderer

	// renderMu orders renderer updates against Discard; epoch counts discards.
	renderMu sync.Mutex
	epoch    uint64

	wg     sync.WaitGroup
	logger zerolog.Logger
}

func NewResponseRouter(store *Store, refresher Refresher, renderer render.Renderer) *ResponseRouter {
	return &ResponseRouter{
		store:     store,
		refresher: refresher,
		renderer:  renderer,
		logger:    log.With().Str("component", "router").Logger(),
	}
}

// Handle routes one inbound message. It matches InboundHandler.
func (r *ResponseRouter) Handle(ctx context.Context, raw string) {
	if strings.TrimSpace(raw) == "" {
		r.logger.Debug().Msg("ignoring blank inbound message")
		return
	}

	turn := r.store.AppendAssistantTurn(raw, NormalizeResponse(raw))
	logger := r.logger.With().Int("ordinal", turn.Ordinal).Logger()

	if !ContainsControlToken(raw) {
		return
	}
	mc := r.store.ModelContext()
	if mc == nil || mc.Filename == "" {
		logger.Debug().Msg("modification signal without a loaded model")
		return
	}
	if r.refresher == nil {
		logger.Warn().Msg("modification signal but no refresher configured")
		return
	}

	// the refresh outlives the connection that delivered the signal
	rctx := context.WithoutCancel(ctx)
	r.renderMu.Lock()
	epoch := r.epoch
	r.renderMu.Unlock()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.refresh(rctx, mc.Filename, epoch, logger)
	}()
}

func (r *ResponseRouter) refresh(ctx context.Context, filename string, epoch uint64, logger zerolog.Logger) {
	logger = logger.With().Str("filename", filename).Logger()
	logger.Info().Msg("refreshing model")

	res, err := r.refresher.Refresh(ctx, filename)
	if err != nil {
		logger.Warn().Err(err).Msg("model refresh abandoned")
		return
	}
	if r.renderer == nil {
		return
	}
	r.renderMu.Lock()
	defer r.renderMu.Unlock()
	if r.epoch != epoch {
		logger.Info().Msg("session was reset, dropping refreshed model")
		return
	}
	if err := r.renderer.Load(ctx, res); err != nil {
		logger.Warn().Err(err).Msg("could not load refreshed model")
		return
	}
	if err := r.renderer.Fit(ctx); err != nil {
		logger.Warn().Err(err).Msg("could not fit view")
		return
	}
	logger.Info().Int("bytes", len(res.Data)).Msg("model refreshed")
}

// Discard makes refreshes started so far leave the renderer alone. A refresh
// that is updating the renderer right now finishes before Discard returns.
func (r *ResponseRouter) Discard() {
	r.renderMu.Lock()
	r.epoch++
	r.renderMu.Unlock()
}

// Wait blocks until all refreshes started so far have finished.
func (r *ResponseRouter) Wait() {
	r.wg.Wait()
}
