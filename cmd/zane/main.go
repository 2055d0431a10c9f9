package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "zane",
	Short: "Zane - Self-hosted deployment platform",
	Long: `Zane is a self-hosted PaaS control plane on top of Docker Swarm:
declarative services, atomic change sets, blue/green deployments with
health gates, preview environments and automatic HTTPS routing.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Zane version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(projectCmd)
}
