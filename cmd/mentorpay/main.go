package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/malwarebo/mentorpay/config"
	"github.com/malwarebo/mentorpay/utils"
)

var Version = "dev"

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mentorpay",
		Short:         "Payment to booking reconciliation for the mentoring platform",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.json", "path to the JSON config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(tokenCmd())

	return rootCmd
}

// loadConfig reads and validates configuration and applies the logging
// settings before anything else logs.
func loadConfig(validate bool) (*config.Config, error) {
	cfg, err := config.LoadConfigFrom(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	utils.Configure(cfg.Monitoring.LogLevel, cfg.Monitoring.LogFormat, nil)

	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}
	return cfg, nil
}

func printStep(step, message string) {
	fmt.Fprintf(os.Stderr, "%s[%s]%s %s%s%s\n", colorBlue, step, colorReset, colorBold, message, colorReset)
}

func printSuccess(message string) {
	fmt.Fprintf(os.Stderr, "%s✓%s %s\n", colorGreen, colorReset, message)
}

func printWarning(message string) {
	fmt.Fprintf(os.Stderr, "%s⚠%s %s\n", colorYellow, colorReset, message)
}

func printError(message string) {
	fmt.Fprintf(os.Stderr, "%s✗%s %s\n", colorRed, colorReset, message)
}

func printInfo(message string) {
	fmt.Fprintf(os.Stderr, "%sℹ%s %s\n", colorCyan, colorReset, message)
}
