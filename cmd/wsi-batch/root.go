package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/animus-labs/wsi-batch/internal/config"
	"github.com/animus-labs/wsi-batch/internal/platform/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

// app carries what the persistent flags resolve to.
type app struct {
	configPath string
	logCfg     logging.Config
	logger     *slog.Logger
}

func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	a := &app{logCfg: logging.ConfigFromEnv()}

	root := &cobra.Command{
		Use:   "wsi-batch",
		Short: "Batch whole-slide image analysis on Slurm",
		Long: "wsi-batch matches catalogued slides to the local archive and submits\n" +
			"a GPU segmentation job and a dependent CPU positive pixel count job per slide.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(a.logCfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "dsa_workflow_config.json", "Pipeline config file (YAML or JSON)")
	f.StringVar(&a.logCfg.Format, "log-format", a.logCfg.Format, "Log format: json or text")
	f.StringVar(&a.logCfg.Level, "log-level", a.logCfg.Level, "Log level: debug, info, warn, error")

	root.AddCommand(newVerifyCmd(a))
	root.AddCommand(newSubmitCmd(a))
	root.AddCommand(newCountCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
