package cli

// Shared flag/env resolution helpers for the CLI commands. Flags win over
// environment variables, which win over defaults.

import (
	"github.com/spf13/cobra"
)

func resolveStringFlag(cmd *cobra.Command, name string, target *string, fallback string) {
	if cmd.Flags().Changed(name) {
		*target, _ = cmd.Flags().GetString(name)
		return
	}
	if fallback != "" {
		*target = fallback
		return
	}
	*target, _ = cmd.Flags().GetString(name)
}

func resolveIntFlag(cmd *cobra.Command, name string, target *int, fallback int) {
	if cmd.Flags().Changed(name) {
		*target, _ = cmd.Flags().GetInt(name)
		return
	}
	if fallback != 0 {
		*target = fallback
		return
	}
	*target, _ = cmd.Flags().GetInt(name)
}
