package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/savesbot/savesbot/common/version"
	"github.com/savesbot/savesbot/internal/savesbot/app"
	"github.com/savesbot/savesbot/internal/savesbot/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "savesbot",
		Short:         "Mirrors counting-bot save balances and manages the count role",
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to Discord and run the bot",
		Long: `Runs the bot until SIGINT/SIGTERM or the owner's ::shutdown command.
Configuration comes from the optional --config YAML file, overridden by
environment variables (TOKEN, OWNER, DATA_DIR, ...).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			logger.Info("starting saves bot", "version", version.Version, "commit", version.GitCommit, "config", cfg)

			bot, err := app.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			return bot.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("SAVESBOT_CONFIG"), "path to a YAML config file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nCommit: %s\nBuild Time: %s\n",
				version.Version, version.GitCommit, version.BuildTime)
		},
	}
}

func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
