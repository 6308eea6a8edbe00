package main

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/statement-analyzer/internal/config"
	"github.com/sells-group/statement-analyzer/internal/model"
	"github.com/sells-group/statement-analyzer/internal/pipeline"
)

var analyzeOutput string

var analyzeCmd = &cobra.Command{
	Use:   "analyze <statement.pdf>...",
	Short: "Analyze a batch of statements for one company",
	Long:  "Runs classification, extraction, enrichment and analysis over local statement files and prints the report as JSON.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		docs, err := readDocuments(args)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, config.ModeAnalyze)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Pipeline.Run(ctx, docs)
		if err != nil {
			logStageError(err)
			return eris.Wrap(err, "analyze")
		}

		zap.L().Info("analysis complete",
			zap.String("run_id", report.RunID),
			zap.String("company", report.Company),
			zap.Int("total_tokens", report.TotalTokens),
			zap.Float64("total_cost", report.TotalCost),
		)

		out := io.Writer(os.Stdout)
		if analyzeOutput != "" {
			f, err := os.Create(analyzeOutput)
			if err != nil {
				return eris.Wrap(err, "create output file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}
		return writeReport(out, report)
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOutput, "output", "o", "", "write the report to this file instead of stdout")
	rootCmd.AddCommand(analyzeCmd)
}

// readDocuments loads each path as a Document named by its base name.
func readDocuments(paths []string) ([]model.Document, error) {
	docs := make([]model.Document, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, eris.Wrapf(err, "read %s", p)
		}
		docs = append(docs, model.Document{Name: filepath.Base(p), Data: data})
	}
	return docs, nil
}

func writeReport(w io.Writer, report *model.AnalysisReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func logStageError(err error) {
	var se *pipeline.StageError
	if !errors.As(err, &se) {
		return
	}
	zap.L().Error("analysis failed",
		zap.String("stage", se.Stage),
		zap.String("document", se.Document),
		zap.String("kind", se.Kind()),
		zap.Error(se.Err),
	)
}
