package main

import (
	"github.com/spf13/cobra"
)

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "otto",
	Short:   "Control plane for the otto assistant",
	Version: version,
	Long: `otto drives the assistant's client-side control plane: queries,
conversation threads, automation rules, connectors, and the OAuth
connect flow.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(connectorsCmd)
	rootCmd.AddCommand(activityCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(signoutCmd)
	rootCmd.AddCommand(deleteAllCmd)
	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(mcpCmd)
}
