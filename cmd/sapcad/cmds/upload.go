package cmds

import (
	"github.com/spf13/cobra"
)

func NewUploadCommand(env *Env) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "upload <model.ifc>",
		Short: "Upload a model and print the extracted metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(env.Config)
			if err != nil {
				return err
			}
			defer app.Close()

			mc, err := app.Session.Upload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeStructured(cmd.OutOrStdout(), output, mc)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "Output format (yaml, json)")
	return cmd
}
