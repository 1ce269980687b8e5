package cmds

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/sapcad/pkg/session"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"
)

func NewSendCommand(env *Env) *cobra.Command {
	var modelPath string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and print the assistant's answer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 1 {
				text = args[0]
			} else {
				var err error
				text, err = askMessage()
				if err != nil {
					return err
				}
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("empty message")
			}

			app, err := NewApp(env.Config)
			if err != nil {
				return err
			}
			defer app.Close()
			sess := app.Session

			ctx := cmd.Context()
			if err := sess.Start(ctx); err != nil {
				return errors.Wrap(err, "backend not reachable")
			}
			if err := app.UploadIfSet(ctx, modelPath); err != nil {
				return err
			}

			answers := make(chan session.Turn, 1)
			unsubscribe := sess.Store().Subscribe(func(ev session.Event) {
				if ev.Type == session.EventTurnAppended && ev.Turn != nil && ev.Turn.Role == session.RoleAssistant {
					select {
					case answers <- *ev.Turn:
					default:
					}
				}
			})
			defer unsubscribe()

			sess.Submit(ctx, text)
			if !sess.Store().IsConnected() {
				return errors.New("connection closed before the message was sent")
			}

			waitCtx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			select {
			case turn := <-answers:
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), turn.Text)
				// let a triggered refresh finish before the scene is reported
				sess.Router().Wait()
				if scene := app.Renderer.Current(); scene.Path != "" {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "scene: %s (generation %d)\n", scene.Path, scene.Generation)
				}
				return nil
			case <-waitCtx.Done():
				return errors.Errorf("no answer within %s", wait)
			}
		},
	}

	cmd.Flags().StringVar(&modelPath, "model", "", "IFC model to upload before sending")
	cmd.Flags().DurationVar(&wait, "wait", 60*time.Second, "How long to wait for the answer")
	return cmd
}

func askMessage() (string, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return "", errors.New("no message given and stdin is not a terminal")
	}
	ui := &input.UI{Writer: os.Stderr, Reader: os.Stdin}
	answer, err := ui.Ask("Message", &input.Options{
		Required:  true,
		Loop:      true,
		HideOrder: true,
	})
	if err != nil {
		return "", errors.Wrap(err, "read message")
	}
	return answer, nil
}
