package main

import (
	"os"

	"github.com/spf13/cobra"

	"pyrsia-network/cmd/cli"
)

func main() {
	rootCmd := &cobra.Command{Use: "pyrsia"}
	rootCmd.AddCommand(cli.NodeCmd())
	rootCmd.AddCommand(cli.InspectCmd())
	rootCmd.AddCommand(cli.BuildCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
