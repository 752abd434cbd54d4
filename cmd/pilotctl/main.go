// Command pilotctl is the operator CLI for the mailpilot pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mailpilot/internal/config"
	pkgconfig "mailpilot/pkg/config"
	"mailpilot/pkg/logger"
)

var (
	configEnv string
	configDir string

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "pilotctl",
	Short:         "pilotctl - operate the mailpilot pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, err = config.Load(configEnv, configDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log = logger.NewLogger(cfg.Log.Level)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configEnv, "env", pkgconfig.GetConfigEnv(), "config environment (base.yaml + <env>.yaml)")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", pkgconfig.GetEnv("CONFIG_DIR", "config"), "directory holding the yaml config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
