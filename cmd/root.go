// Package cmd wires the governance core into a CLI. All dependencies are
// constructed here and injected explicitly; nothing below cmd reaches for
// globals.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/atomhq/atom-core/internal/config"
	"github.com/atomhq/atom-core/pkg/observability"
)

var (
	cfgFile   string
	appConfig *config.Config
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "atom",
	Short:   "Atom is the agent governance and execution core.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initializeConfig(); err != nil {
			return err
		}

		cfg, err := config.NewConfigFromViper(viper.GetViper())
		if err != nil {
			// Fall back to a minimal logger so the failure is visible.
			observability.Initialize(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "atom"})
			return err
		}
		appConfig = cfg

		observability.Initialize(cfg.Logger)
		observability.GetLogger().Info("Starting atom", zap.String("version", Version))
		return nil
	},
}

// Execute runs the root command under a signal-aware context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		observability.Sync()
		os.Exit(1)
	}
	observability.Sync()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newApproveCmd())
	rootCmd.AddCommand(newRejectCmd())
	rootCmd.AddCommand(newAgentCmd())
	rootCmd.AddCommand(newSuperviseCmd())
}

// initializeConfig reads the config file and environment variables into the
// global viper instance, with defaults underneath.
func initializeConfig() error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("ATOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars carry the run.
	}
	return nil
}
