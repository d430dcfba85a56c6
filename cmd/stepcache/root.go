package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	internal "github.com/ZanzyTHEbar/visual-stepcache/stepcache"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/config"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/logging"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	fs         afero.Fs
	configPath string
	logLevel   string
	cfg        *config.Config
	logger     zerolog.Logger
}

func newRootCommand(fs afero.Fs) *cobra.Command {
	a := &app{fs: fs, logger: zerolog.Nop()}

	cmd := &cobra.Command{
		Use:           internal.DefaultAppName,
		Short:         "Inspect step cache files and screen fingerprints",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(a.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if a.logLevel != "" {
				cfg.Log.Level = a.logLevel
			}
			a.cfg = cfg
			a.logger = logging.NewWithWriter(cfg.Log, cmd.ErrOrStderr())
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default: ./config.yaml)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")

	cmd.AddCommand(
		newListCommand(a),
		newInspectCommand(a),
		newFingerprintCommand(a),
		newCompareCommand(a),
	)
	return cmd
}
