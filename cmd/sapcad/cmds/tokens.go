package cmds

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/sapcad/pkg/session"
	"github.com/go-go-golems/sapcad/pkg/tokens"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewTokensCommand(env *Env) *cobra.Command {
	var encoding string

	cmd := &cobra.Command{
		Use:   "tokens [message]",
		Short: "Count the tokens an outbound message would use",
		Long:  "Counts the serialized envelope without model context. Reads stdin when no message is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string
			if len(args) == 1 {
				text = args[0]
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "read stdin")
				}
				text = strings.TrimRight(string(b), "\n")
			}

			payload, err := session.BuildEnvelope(text, nil).Marshal()
			if err != nil {
				return err
			}
			n, err := tokens.NewCounter(encoding).Count(string(payload))
			if err != nil {
				return err
			}
			budget := env.Config.Session.TokenBudget
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d tokens", n)
			if budget > 0 {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), " (budget %d", budget)
				if n > budget {
					_, _ = fmt.Fprint(cmd.OutOrStdout(), ", over")
				}
				_, _ = fmt.Fprint(cmd.OutOrStdout(), ")")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&encoding, "encoding", tokens.DefaultEncoding, "BPE encoding")
	return cmd
}
