package cmds

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-go-golems/sapcad/pkg/config"
	"github.com/go-go-golems/sapcad/pkg/eventbus"
	"github.com/go-go-golems/sapcad/pkg/logging"
	"github.com/go-go-golems/sapcad/pkg/modelapi"
	"github.com/go-go-golems/sapcad/pkg/render"
	"github.com/go-go-golems/sapcad/pkg/session"
	"github.com/go-go-golems/sapcad/pkg/tokens"
	"github.com/go-go-golems/sapcad/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Env is filled by the root command before any subcommand runs.
type Env struct {
	Config *config.Config
}

// Load resolves configuration from cmd's flags and initializes logging.
func (e *Env) Load(cmd *cobra.Command) error {
	cfg, err := config.Load(viper.New(), cmd.Flags())
	if err != nil {
		return err
	}
	e.Config = cfg
	return logging.InitLogger(cfg.Log)
}

// App is one fully wired session plus its optional journal and mirror.
type App struct {
	Session  *session.Session
	Client   *modelapi.Client
	Renderer *render.FileRenderer

	closers []func()
}

func NewApp(cfg *config.Config) (*App, error) {
	client, err := modelapi.NewClient(cfg.Backend.UploadURL, cfg.ModelAPIOptions()...)
	if err != nil {
		return nil, err
	}
	renderer, err := render.NewFileRenderer(cfg.Render.SceneDir)
	if err != nil {
		return nil, err
	}

	var dispatchOpts []session.DispatcherOption
	if cfg.Session.TokenBudget > 0 {
		dispatchOpts = append(dispatchOpts, session.WithTokenBudget(tokens.NewCounter(""), cfg.Session.TokenBudget))
	}

	sess, err := session.New(cfg.Backend.WSURL,
		session.WithUploader(client),
		session.WithRefresher(client),
		session.WithRenderer(renderer),
		session.WithConnectionOptions(cfg.ConnectionOptions()...),
		session.WithDispatcherOptions(dispatchOpts...),
	)
	if err != nil {
		return nil, err
	}

	app := &App{Session: sess, Client: client, Renderer: renderer}
	if err := app.attachTranscript(cfg.Transcript); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.attachMirror(cfg.EventBus); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) attachTranscript(tc config.TranscriptConfig) error {
	if !tc.Enabled {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(tc.DSN), 0o755); err != nil {
		return errors.Wrap(err, "create transcript directory")
	}
	dsn, err := transcript.DSNForFile(tc.DSN)
	if err != nil {
		return err
	}
	store, err := transcript.NewSQLiteStore(dsn)
	if err != nil {
		return err
	}
	detach := transcript.NewRecorder(store, a.Session.ID).Attach(a.Session.Store())
	a.closers = append(a.closers, func() {
		detach()
		_ = store.Close()
	})
	log.Debug().Str("component", "transcript").Str("dsn", tc.DSN).Msg("recording transcript")
	return nil
}

func (a *App) attachMirror(s eventbus.Settings) error {
	if !s.Enabled {
		return nil
	}
	pub, err := eventbus.BuildPublisher(s)
	if err != nil {
		return err
	}
	mirror := eventbus.NewMirror(pub, eventbus.Topic(s.StreamPrefix), a.Session.ID)
	detach := mirror.Attach(a.Session.Store())
	a.closers = append(a.closers, func() {
		detach()
		mirror.Close()
		_ = pub.Close()
	})
	return nil
}

// Close shuts the session down first so no more events reach the journal or
// the mirror, then releases them in reverse order.
func (a *App) Close() {
	_ = a.Session.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// UploadIfSet uploads path when it is not empty.
func (a *App) UploadIfSet(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	_, err := a.Session.Upload(ctx, path)
	return err
}
