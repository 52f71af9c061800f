// Package commands implements the credtrap CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "credtrap",
	Short: "credtrap - multi-protocol authentication honeypot",
	Long: `credtrap emulates SSH, Telnet, FTP, SMTP, RDP, SIP, and MySQL services,
captures the credentials attackers submit, enriches each attempt with
geolocation, persists it, and streams it live to WebSocket observers.

Use "credtrap [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional; environment variables override it)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
