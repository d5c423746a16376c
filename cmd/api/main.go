package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dealwatch",
		Short: "dealwatch - stuck deals reports from HubSpot to Slack",
		Long: `dealwatch loads the HubSpot deals that sit too long in one stage, stores
snapshots per stage and per owner, and delivers the reports to Slack. It also
relays HubSpot webhook events to Slack channels.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(settingsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
