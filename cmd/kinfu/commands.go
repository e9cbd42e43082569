package main

import (
	"fmt"
	"io"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/kinfu/config"
	"go.viam.com/kinfu/input"
	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/pipeline"
	"go.viam.com/kinfu/rimage"
)

func runCommand(c *cli.Context, logger logging.Logger) (err error) {
	cfg := config.DefaultConfig()
	if path := c.String(flagConfig); path != "" {
		if cfg, err = config.Read(path); err != nil {
			return err
		}
	}
	if c.IsSet(flagOutput) {
		cfg.Output.Directory = c.String(flagOutput)
	}
	if !c.Bool(flagDebug) {
		logger.SetLevel(cfg.LogLevel)
	}
	ctx := c.Context

	src, err := input.NewSource(ctx, cfg.Source, logger.Sublogger("input"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, src.Close(ctx))
	}()

	p, err := pipeline.New(ctx, cfg, logger.Sublogger("pipeline"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, p.Close(ctx))
	}()

	var display pipeline.Display
	if cfg.Output.Directory != "" {
		if display, err = pipeline.NewFileDisplay(
			cfg.Output.Directory, cfg.Output.Format, cfg.Render.Width, cfg.Render.Height, logger.Sublogger("display"),
		); err != nil {
			return err
		}
	}

	runErr := p.Run(ctx, src, display, c.Int(flagFrames))
	if errors.Is(runErr, io.EOF) {
		logger.Info("depth stream ended")
		runErr = nil
	}
	stats := p.Stats()
	logger.Infow("run finished",
		"frames", stats.Frames,
		"tracked", stats.Tracked,
		"lost", stats.Lost,
		"integrated", stats.Integrated,
		"observed_voxels", p.Volume().ObservedCount())
	fmt.Fprintln(c.App.Writer, stageTable(stats))
	return runErr
}

// stageTable lays out the stage timings in pipeline order.
func stageTable(stats pipeline.Stats) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Stage", "Count", "Median", "P95", "Max"})
	for _, stage := range []string{
		pipeline.StageFilter, pipeline.StageFrame, pipeline.StageTrack,
		pipeline.StageIntegrate, pipeline.StageReference, pipeline.StageRender,
	} {
		if st, ok := stats.Stages[stage]; ok {
			t.AppendRow(table.Row{stage, st.Count, st.Median, st.P95, st.Max})
		}
	}
	return t.Render()
}

func depthCommand(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.Errorf("usage: %s", c.Command.UsageText)
	}
	in, out := c.Args().Get(0), c.Args().Get(1)
	minDepth, maxDepth := c.Uint(flagMin), c.Uint(flagMax)
	if maxDepth > uint(rimage.MaxDepth) || minDepth > maxDepth {
		return errors.Errorf("invalid depth range [%d, %d]", minDepth, maxDepth)
	}

	dm, err := rimage.ParseDepthMap(in)
	if err != nil {
		return err
	}
	img := dm.ToPrettyPicture(rimage.Depth(minDepth), rimage.Depth(maxDepth))
	if err := rimage.WriteImageToFile(out, img); err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "%s: %dx%d\n", in, dm.Width(), dm.Height())
	summary, err := rimage.Summarize(dm)
	if err != nil {
		fmt.Fprintf(w, "no valid readings\n")
		return nil
	}
	fmt.Fprintf(w, "valid: %d (%.1f%%)\n", summary.Valid, 100*float64(summary.Valid)/float64(dm.Width()*dm.Height()))
	fmt.Fprintf(w, "min: %.0f max: %.0f mean: %.1f median: %.1f\n", summary.Min, summary.Max, summary.Mean, summary.Median)

	bins := c.Int(flagBins)
	if bins <= 0 {
		return nil
	}
	values := make([]float64, 0, summary.Valid)
	for _, d := range dm.Data() {
		if d != 0 {
			values = append(values, float64(d))
		}
	}
	return histogram.Fprint(w, histogram.Hist(bins, values), histogram.Linear(40))
}
