package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zvshka/dk61rewrite/dk61"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			dk61.Version,
			dk61.CommitSHA,
			dk61.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
