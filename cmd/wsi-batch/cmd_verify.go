package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/animus-labs/wsi-batch/internal/catalog"
	"github.com/animus-labs/wsi-batch/internal/platform/logging"
)

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Match catalogued slides to files in the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Global.LocalFileStore == "" {
				return fmt.Errorf("global.local_file_store is required for verify")
			}
			logger := logging.Component(a.logger, "verify")
			in, out := cfg.VerifyPaths()

			records, err := catalog.Load(in)
			if err != nil {
				return err
			}
			checks := catalog.Checks{
				Readable:   cfg.Step2.FileChecks.Readable,
				Writable:   cfg.Step2.FileChecks.Writable,
				Executable: cfg.Step2.FileChecks.Executable,
			}
			enriched, err := catalog.MatchLocal(cmd.Context(), records, cfg.Global.LocalFileStore, checks)
			if err != nil {
				return err
			}
			if err := catalog.Save(out, enriched); err != nil {
				return err
			}

			var matched, duplicates int
			for _, r := range enriched {
				if r.HasLocalMatch {
					matched++
				}
				if r.IsDuplicate {
					duplicates++
				}
			}
			logger.Info("catalog verified", "images", len(enriched), "matched", matched,
				"duplicates", duplicates, "output", out)
			fmt.Fprintf(cmd.OutOrStdout(), "%d/%d images matched locally (%d duplicates), written to %s\n",
				matched, len(enriched), duplicates, out)
			return nil
		},
	}
}
