package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/animus-labs/wsi-batch/internal/annotation"
)

// errSkipLabels makes `count --decide` exit non-zero so the job script
// skips the label image run.
var errSkipLabels = errors.New("no positive pixels: label image skipped")

type countFlags struct {
	anot     string
	fallback string
	decide   bool
}

// newCountCmd is what the CPU job calls between its two quantification
// runs. It always prints three integers. With --decide it exits zero only
// when the label image should be rendered.
func newCountCmd(a *app) *cobra.Command {
	var flags countFlags
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Print positive, weak and strong pixel counts of an annotation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			counts, used := annotation.CountPreferred(flags.anot, flags.fallback)
			render := annotation.ShouldRenderLabels(counts)
			a.logger.Debug("annotation counted", "path", used, "positive", counts.Positive,
				"weak", counts.Weak, "strong", counts.Strong, "render", render)
			fmt.Fprintln(cmd.OutOrStdout(), counts.String())
			if flags.decide && !render {
				return errSkipLabels
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.anot, "anot", "", "Preferred annotation file (required)")
	cmd.Flags().StringVar(&flags.fallback, "fallback", "", "Annotation file read when --anot does not exist")
	cmd.Flags().BoolVar(&flags.decide, "decide", false, "Exit non-zero when the label image should be skipped")
	_ = cmd.MarkFlagRequired("anot")
	return cmd
}
