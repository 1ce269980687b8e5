package cmds

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/sapcad/pkg/eventbus"
	"github.com/go-go-golems/sapcad/pkg/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewTailCommand(env *Env) *cobra.Command {
	var sessionID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow session events mirrored to Redis Streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := env.Config.EventBus
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := eventbus.EnsureGroupAtTail(ctx, s); err != nil {
				return err
			}
			sub, err := eventbus.BuildSubscriber(s)
			if err != nil {
				return err
			}
			defer func() { _ = sub.Close() }()

			msgs, err := sub.Subscribe(ctx, eventbus.Topic(s.StreamPrefix))
			if err != nil {
				return errors.Wrap(err, "subscribe")
			}
			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-msgs:
					if !ok {
						return nil
					}
					if sessionID != "" && msg.Metadata.Get(eventbus.MetadataSessionID) != sessionID {
						msg.Ack()
						continue
					}
					if asJSON {
						_, _ = fmt.Fprintln(out, string(msg.Payload))
						msg.Ack()
						continue
					}
					rec, err := eventbus.DecodeRecord(msg)
					msg.Ack()
					if err != nil {
						log.Warn().Err(err).Msg("skipping undecodable record")
						continue
					}
					printRecord(out, rec)
				}
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Only show events of this session")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON records")
	return cmd
}

func printRecord(w io.Writer, rec *eventbus.Record) {
	prefix := fmt.Sprintf("%s [%s]", rec.At.Format("15:04:05"), shortID(rec.SessionID))
	switch rec.Type {
	case session.EventTurnAppended:
		if rec.Turn != nil {
			_, _ = fmt.Fprintf(w, "%s #%d %s: %s\n", prefix, rec.Turn.Ordinal, rec.Turn.Role, rec.Turn.Text)
			return
		}
	case session.EventConnectionChanged:
		_, _ = fmt.Fprintf(w, "%s connection %s\n", prefix, rec.Snapshot.ConnectionState)
		return
	case session.EventModelContextChanged:
		if mc := rec.Snapshot.ModelContext; mc != nil {
			_, _ = fmt.Fprintf(w, "%s model %s (%s)\n", prefix, mc.Filename, mc.ProjectName)
		} else {
			_, _ = fmt.Fprintf(w, "%s model cleared\n", prefix)
		}
		return
	}
	_, _ = fmt.Fprintf(w, "%s %s\n", prefix, rec.Type)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
