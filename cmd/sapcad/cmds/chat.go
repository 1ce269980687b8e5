package cmds

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/sapcad/pkg/logging"
	"github.com/go-go-golems/sapcad/pkg/ui"
	"github.com/go-go-golems/sapcad/pkg/watch"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func NewChatCommand(env *Env) *cobra.Command {
	var modelPath string
	var watchModel bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive chat view",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
				return errors.New("chat needs a terminal; use `sapcad send` for scripted use")
			}
			if watchModel && modelPath == "" {
				return errors.New("--watch needs --model")
			}

			// the screen belongs to the UI from here on
			logSettings := env.Config.Log
			logSettings.Quiet = true
			if err := logging.InitLogger(logSettings); err != nil {
				return err
			}

			app, err := NewApp(env.Config)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sess := app.Session
			model := ui.NewModel(ctx, sess, sess.Store().Snapshot())
			p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
			stopForwarding := ui.ForwardStoreEvents(p, sess.Store())
			defer stopForwarding()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer cancel()
				_, err := p.Run()
				if errors.Is(err, tea.ErrProgramKilled) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				// a failed dial leaves the session closed; the header shows it
				_ = sess.Start(gctx)
				if err := app.UploadIfSet(gctx, modelPath); err != nil {
					log.Warn().Err(err).Str("path", modelPath).Msg("initial upload failed")
				}
				return nil
			})
			if watchModel {
				w, err := watch.NewModelWatcher(modelPath, func(ctx context.Context, path string) error {
					_, err := sess.Upload(ctx, path)
					return err
				})
				if err != nil {
					return err
				}
				defer func() { _ = w.Close() }()
				g.Go(func() error { return w.Watch(gctx) })
			}

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "IFC model to upload on start")
	cmd.Flags().BoolVar(&watchModel, "watch", false, "Re-upload the model when the file changes")
	return cmd
}
