// Command buildctl is a thin operator CLI for the Dispatcher's HTTP API:
// starting a build and tailing its status from a terminal (§2 "ambient
// convenience, not part of the hard core").
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	dispatcherURL string
	apiKey        string
)

var rootCmd = &cobra.Command{
	Use:   "buildctl",
	Short: "Operator CLI for the build orchestration Dispatcher",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dispatcherURL, "url", envOrDefault("BUILDCTL_URL", "http://localhost:3001"), "Dispatcher base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("BUILDCTL_API_KEY"), "Dispatcher API key")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(logsCmd)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
