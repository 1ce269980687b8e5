package cmds

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/go-go-golems/sapcad/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewTranscriptCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Inspect archived conversations",
	}
	cmd.AddCommand(newTranscriptListCommand(env))
	return cmd
}

func newTranscriptListCommand(env *Env) *cobra.Command {
	var q transcript.Query
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived turns",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := env.Config.Transcript.DSN
			if _, err := os.Stat(path); err != nil {
				return errors.Wrapf(err, "transcript %s", path)
			}
			dsn, err := transcript.DSNForFile(path)
			if err != nil {
				return err
			}
			store, err := transcript.NewSQLiteStore(dsn)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			if output != "table" {
				return writeStructured(cmd.OutOrStdout(), output, entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TIME\tSESSION\tGEN\t#\tROLE\tTEXT")
			for _, e := range entries {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
					e.CreatedAt().Format("2006-01-02 15:04:05"), shortID(e.SessionID), e.Generation, e.Ordinal, e.Role, oneLine(e.Text, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&q.SessionID, "session", "", "Only this session")
	cmd.Flags().StringVar(&q.Role, "role", "", "Only this role (user, assistant)")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Maximum number of turns")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")
	return cmd
}

func oneLine(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' || c == '\r' {
			r[i] = ' '
		}
	}
	if len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return string(r)
}
