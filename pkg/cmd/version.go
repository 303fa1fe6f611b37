package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-perso/pkg/app"
)

// Version information (set during build)
var (
	Version   = "dev"
	GitCommit = "none"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s (%s)\n", app.Name, Version, GitCommit)
	},
}
