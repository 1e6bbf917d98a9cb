package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/animus-labs/wsi-batch/internal/catalog"
	"github.com/animus-labs/wsi-batch/internal/config"
	"github.com/animus-labs/wsi-batch/internal/domain"
	"github.com/animus-labs/wsi-batch/internal/jobscript"
	"github.com/animus-labs/wsi-batch/internal/pipeline"
	"github.com/animus-labs/wsi-batch/internal/platform/logging"
	"github.com/animus-labs/wsi-batch/internal/scheduler"
)

type submitFlags struct {
	dryRun bool
}

func newSubmitCmd(a *app) *cobra.Command {
	var flags submitFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Build and submit the GPU and CPU jobs for every matched slide",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return runSubmit(cmd, a, cfg, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Write scripts and manifest without calling sbatch")
	return cmd
}

func runSubmit(cmd *cobra.Command, a *app, cfg config.Config, flags submitFlags) error {
	ctx := cmd.Context()
	logger := logging.Component(a.logger, "submit")

	records, err := catalog.Load(cfg.CatalogPath())
	if err != nil {
		return err
	}
	builder, err := jobscript.NewBuilder(jobscript.OptionsFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("job script options: %w", err)
	}

	var gateway scheduler.Gateway
	if flags.dryRun {
		gateway = scheduler.NewDryRun(1)
		logger.Info("dry run: sbatch will not be called")
	} else {
		gateway, err = scheduler.NewSlurm(cfg.Slurm.SbatchBin,
			scheduler.WithTimeout(cfg.Slurm.SubmitTimeout),
			scheduler.WithLogger(logging.Component(a.logger, "scheduler")),
		)
		if err != nil {
			return err
		}
	}

	b, err := openBackends(ctx, logger, cfg, flags.dryRun)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("close backends", "error", err)
		}
	}()

	driver, err := pipeline.New(pipeline.Deps{
		Builder:   builder,
		Gateway:   gateway,
		Sinks:     b.sinks,
		Recorders: b.recorders,
		Logger:    logging.Component(a.logger, "pipeline"),
	})
	if err != nil {
		return err
	}

	m, err := driver.Run(ctx, records)
	printSummary(cmd.OutOrStdout(), m, cfg.ManifestPath())
	if err != nil {
		return fmt.Errorf("run %s: %w", m.RunID, err)
	}
	return ctx.Err()
}

func printSummary(w io.Writer, m domain.Manifest, manifestPath string) {
	for _, r := range m.Results {
		if r.Succeeded() {
			fmt.Fprintf(w, "%s\tgpu=%s\tcpu=%s\n", r.Image, r.GPUJobID, r.CPUJobID)
			continue
		}
		msg := r.GPUMessage
		if msg == "" {
			msg = r.CPUMessage
		}
		fmt.Fprintf(w, "%s\tFAILED\t%s\n", r.Image, msg)
	}
	fmt.Fprintf(w, "run %s: %d submitted, %d failed, %d skipped without local match; manifest %s\n",
		m.RunID, len(m.Results)-m.Failed(), m.Failed(), m.Skipped, manifestPath)
}
