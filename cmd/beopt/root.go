package main

import (
	"github.com/spf13/cobra"

	"github.com/qsimlab/beopt/internal/config"
	"github.com/qsimlab/beopt/internal/logging"
)

var (
	logLevel  string
	logFormat string
	logger    *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "beopt",
	Short: "Bootstrap embedding potential optimizer",
	Long: `beopt matches embedded fragment density matrices against a global
mean field by optimizing fragment potentials and a global chemical
potential. Runs are described by a TOML spec and executed locally with
the run command or submitted to the optimization server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.NewLogger(&logging.Config{
			Level:  logLevel,
			Format: logFormat,
			Output: "stderr",
		})
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level",
		config.GetEnv("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format",
		config.GetEnv("LOG_FORMAT", "console"), "Log format (json, console)")
}
