package cmd

import (
	"log"

	"github.com/clotho2/wolfe/wolfe"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Wolfe bot and status API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		w, err := wolfe.New(cfg)
		if err != nil {
			log.Fatalf("error creating wolfe: %s", err.Error())
		}

		if err = w.Run(ctx); err != nil {
			log.Fatalf("error running wolfe: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
