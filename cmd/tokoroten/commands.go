package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tokoroten/tokoroten/internal/audio"
	"github.com/tokoroten/tokoroten/internal/insight"
	"github.com/tokoroten/tokoroten/internal/pipeline"
)

var separateCmd = &cobra.Command{
	Use:   "separate <input>",
	Short: "Split audio into vocals, drums, bass and other stems",
	Long: `Separate an audio file into four stem WAV files.

When the separation backend is unavailable or fails, every stem is a
copy of the input and the outcome is reported as degraded.

Example:
  tokoroten separate track.mp3 -o ./stems`,
	Args: cobra.ExactArgs(1),
	RunE: runSeparate,
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe [input]",
	Short: "Transcribe audio, or a directory of stems, to MIDI",
	Long: `Transcribe one audio file to MIDI, or every WAV in --stems-dir to a
combined multi-track MIDI file with one track per stem.

Examples:
  tokoroten transcribe track.wav -o track.mid
  tokoroten transcribe --stems-dir ./stems -o combined.mid`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTranscribe,
}

var processCmd = &cobra.Command{
	Use:   "process <input>",
	Short: "Run the full pipeline: features, stems and multi-track MIDI",
	Long: `Run the full pipeline on an audio file.

Only failing to write the MIDI file is fatal; every other problem
degrades to a fallback and is reported as a warning.

Examples:
  tokoroten process track.wav -o track.mid
  tokoroten process track.mp3 -o track.mid --stems-out ./stems --features features.json
  tokoroten process track.wav -o track.mid --insight music_theory --persist`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

var insightCmd = &cobra.Command{
	Use:   "insight <input>",
	Short: "Ask a local LLM for commentary on a track's features",
	Long: `Extract features and ask Ollama for an insight of the given type.

Types: general, music_theory, production_feedback, arrangement_analysis.
When Ollama is unreachable a default insight is printed instead.

Example:
  tokoroten insight track.wav --type production_feedback`,
	Args: cobra.ExactArgs(1),
	RunE: runInsight,
}

var (
	outputPath  string
	separateOut string
	stemsOut    string
	stemsDir    string
	featuresOut string
	insightType string
	insightKind string
	persist     bool
	stemWorkers int
)

func init() {
	separateCmd.Flags().StringVarP(&separateOut, "output", "o", "stems", "Output directory for stem WAVs")

	transcribeCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output MIDI file (required)")
	transcribeCmd.Flags().StringVar(&stemsDir, "stems-dir", "", "Transcribe every WAV in this directory")
	transcribeCmd.Flags().IntVar(&stemWorkers, "workers", 0, "Stems transcribed in parallel (default: TOKOROTEN_STEM_WORKERS)")
	transcribeCmd.MarkFlagRequired("output")

	processCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output MIDI file (default: <input>.mid)")
	processCmd.Flags().StringVar(&stemsOut, "stems-out", "", "Also export separated stems to this directory")
	processCmd.Flags().StringVar(&featuresOut, "features", "", "Also write the FeatureSet JSON to this file")
	processCmd.Flags().StringVar(&insightType, "insight", "", "Request an AI insight of this type")
	processCmd.Flags().BoolVar(&persist, "persist", false, "Save the file and its results to the database")
	processCmd.Flags().IntVar(&stemWorkers, "workers", 0, "Stems transcribed in parallel (default: TOKOROTEN_STEM_WORKERS)")

	insightCmd.Flags().StringVarP(&insightKind, "type", "t", string(insight.General), "Insight type")
	insightCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output JSON file (default: stdout)")
}

func runSeparate(cmd *cobra.Command, args []string) error {
	_, log, orch, err := setup(cmd, os.Stderr)
	if err != nil {
		return err
	}
	defer log.Sync()

	set, paths, err := orch.Separate(cmd.Context(), args[0], separateOut)
	if err != nil {
		return err
	}
	if set.Outcome != audio.OutcomeSuccess {
		fmt.Fprintf(os.Stderr, "Warning: separation degraded (%s), stems are copies of the input\n", set.Reason)
	}
	return printJSON("", map[string]any{
		"outcome": set.Outcome,
		"reason":  set.Reason,
		"backend": set.Backend,
		"stems":   paths,
	})
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	if (stemsDir == "") == (len(args) == 0) {
		return fmt.Errorf("give either an input file or --stems-dir")
	}
	cfg, log, orch, err := setup(cmd, os.Stderr)
	if err != nil {
		return err
	}
	defer log.Sync()

	if stemsDir != "" {
		workers := stemWorkers
		if workers <= 0 {
			workers = cfg.StemWorkers
		}
		doc, reports, err := orch.TranscribeStemsDir(cmd.Context(), stemsDir, outputPath, workers)
		if err != nil {
			return err
		}
		for _, r := range reports {
			fmt.Printf("  %-12s %4d notes  (%s)\n", r.Stem, r.Notes, r.Strategy)
		}
		fmt.Printf("Wrote %d tracks, %d notes to %s\n", len(doc.Tracks), doc.NoteCount(), outputPath)
		return nil
	}

	res, err := orch.Transcribe(cmd.Context(), args[0], outputPath)
	if err != nil {
		return err
	}
	if res.Outcome != audio.OutcomeSuccess {
		fmt.Fprintf(os.Stderr, "Warning: transcription degraded (%s), used %s notes\n", res.Reason, res.Strategy)
	}
	doc := res.Document()
	fmt.Printf("Wrote %d tracks, %d notes to %s\n", len(doc.Tracks), doc.NoteCount(), outputPath)
	return nil
}

func runProcess(cmd *cobra.Command, args []string) error {
	input := args[0]
	cfg, log, orch, err := setup(cmd, os.Stdout)
	if err != nil {
		return err
	}
	defer log.Sync()

	if persist {
		st, err := openStore(cfg, log, orch)
		if err != nil {
			return err
		}
		defer st.Close()
	}

	pcfg := pipeline.ConfigFrom(cfg)
	pcfg.InputPath = input
	pcfg.MIDIOutputPath = outputPath
	if pcfg.MIDIOutputPath == "" {
		pcfg.MIDIOutputPath = strings.TrimSuffix(input, filepath.Ext(input)) + ".mid"
	}
	pcfg.StemsOutputDir = stemsOut
	pcfg.FeaturesPath = featuresOut
	pcfg.Persist = persist
	if insightType != "" {
		pcfg.Insight = insight.ParseType(insightType)
	}
	if stemWorkers > 0 {
		pcfg.StemWorkers = stemWorkers
	}

	res, err := orch.Process(cmd.Context(), pcfg)
	if err != nil {
		return err
	}
	if verbose {
		for _, s := range res.Stems {
			fmt.Printf("  %-8s %4d notes  %-9s %s\n", s.Stem, s.Notes, s.Strategy, s.Reason)
		}
	}
	if res.Insight != nil {
		if err := printJSON("", res.Insight); err != nil {
			return err
		}
	}
	if res.AudioFileID != 0 {
		fmt.Printf("Saved as audio file #%d\n", res.AudioFileID)
	}
	return nil
}

func runInsight(cmd *cobra.Command, args []string) error {
	_, log, orch, err := setup(cmd, os.Stderr)
	if err != nil {
		return err
	}
	defer log.Sync()

	fs := orch.Analyze(cmd.Context(), args[0])
	if fs.HasError() {
		fmt.Fprintf(os.Stderr, "Warning: using default features: %s\n", fs.Error)
	}
	ins := orch.Insight().Analyze(cmd.Context(), fs, insight.ParseType(insightKind))
	if ins.Fallback {
		fmt.Fprintf(os.Stderr, "Warning: Ollama unavailable, showing default %s insight\n", ins.Type)
	}
	return printJSON(outputPath, ins)
}
