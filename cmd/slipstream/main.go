package main

import (
	"fmt"
	"os"

	"github.com/casualjim/slipstream/internal/config"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
)

var (
	cfg      config.Config
	envFiles []string
)

var rootCmd = &cobra.Command{
	Use:           "slipstream",
	Short:         "Streaming chat gateway for LLM providers",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(envFiles...)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			loaded.LogLevel, _ = cmd.Flags().GetString("log-level")
		}
		if cmd.Flags().Changed("log-format") {
			loaded.LogFormat, _ = cmd.Flags().GetString("log-format")
		}
		cfg = loaded
		return setupLogging(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "additional .env files to load")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (console, json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
