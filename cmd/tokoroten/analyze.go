package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokoroten/tokoroten/internal/analysis"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <files...>",
	Short: "Extract tempo, key, spectral and segment features",
	Long: `Extract the FeatureSet of one or more audio files as JSON.

A file that cannot be analyzed still yields a FeatureSet with default
values and an "error" field.

Examples:
  tokoroten analyze track.wav
  tokoroten analyze *.mp3 -o features.json --workers 4`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

var (
	analyzeOutput  string
	analyzeWorkers int
)

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOutput, "output", "o", "", "Output JSON file (default: stdout)")
	analyzeCmd.Flags().IntVar(&analyzeWorkers, "workers", 0, "Files analyzed in parallel (default: CPUs - 1)")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	_, log, orch, err := setup(cmd, io.Discard)
	if err != nil {
		return err
	}
	defer log.Sync()

	workers := analyzeWorkers
	if workers <= 0 {
		workers = max(1, runtime.NumCPU()-1)
	}

	var bar *mpb.Bar
	var p *mpb.Progress
	if len(args) > 1 {
		p = mpb.New(mpb.WithWidth(64), mpb.WithOutput(os.Stderr))
		bar = p.AddBar(int64(len(args)),
			mpb.PrependDecorators(
				decor.Name("Analyzing: "),
				decor.CountersNoUnit("%d / %d"),
			),
			mpb.AppendDecorators(
				decor.Percentage(),
				decor.AverageETA(decor.ET_STYLE_GO),
			),
		)
	}

	ctx := cmd.Context()
	results := make([]analysis.FeatureSet, len(args))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, path := range args {
		g.Go(func() error {
			results[i] = orch.Analyze(ctx, path)
			if results[i].HasError() {
				log.Warn("analysis used defaults", zap.String("file", path), zap.String("error", results[i].Error))
			}
			if bar != nil {
				bar.Increment()
			}
			return nil
		})
	}
	_ = g.Wait()
	if p != nil {
		p.Wait()
	}

	if len(results) == 1 {
		return printJSON(analyzeOutput, results[0])
	}
	failed := 0
	for _, fs := range results {
		if fs.HasError() {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d files fell back to default features\n", failed, len(results))
	}
	return printJSON(analyzeOutput, results)
}
