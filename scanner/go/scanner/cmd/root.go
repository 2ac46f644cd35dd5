package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "scanner",
	Short: "The minimap scanner worker.",
	Long: `The minimap scanner worker.

The different parts of the scanner are run as sub-commands, for example
to run the poll-and-scan service:

	scanner service --config=instance.json5 ...

`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	initSubCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initSubCommands() {
	migrateInit()
	generateInit()
	serviceInit()
	syncTilesInit()
	heightmapsInit()
}
