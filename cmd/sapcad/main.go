package main

import (
	"github.com/go-go-golems/sapcad/cmd/sapcad/cmds"
	"github.com/go-go-golems/sapcad/pkg/config"
	"github.com/spf13/cobra"
)

var env = &cmds.Env{}

var rootCmd = &cobra.Command{
	Use:          "sapcad",
	Short:        "sapcad talks to a building model assistant about an IFC model",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// flags are parsed by now, so config and log level can be resolved
		return env.Load(cmd)
	},
}

func main() {
	config.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		cmds.NewChatCommand(env),
		cmds.NewSendCommand(env),
		cmds.NewUploadCommand(env),
		cmds.NewTailCommand(env),
		cmds.NewTranscriptCommand(env),
		cmds.NewTokensCommand(env),
	)

	err := rootCmd.Execute()
	cobra.CheckErr(err)
}
