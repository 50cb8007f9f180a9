package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/batch"
	"github.com/casecrawl/casecrawl/internal/ingest"
	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/store"
)

var (
	runFile         string
	runAutoDownload bool
	runCases        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Search and match every case in a CSV or XLSX file",
	Long: `Reads cases from a CSV or XLSX file, runs them as one batch and prints
the batch summary as JSON. Cases that need a human decision are left for
review through the API.

Examples:
  casecrawl run --file cases.csv
  casecrawl run --file cases.xlsx --auto-download=false --cases`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		subs, err := readSubmissions(ctx, runFile)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		auto := cfg.Batch.AutoDownload
		if cmd.Flags().Changed("auto-download") {
			auto = runAutoDownload
		}
		return runBatch(ctx, env.Coordinator, subs, auto, runCases, cmd.OutOrStdout())
	},
}

func readSubmissions(ctx context.Context, path string) ([]model.Submission, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close() //nolint:errcheck

	subs, err := ingest.Read(ctx, filepath.Base(path), "", f)
	if err != nil {
		return nil, err
	}
	zap.L().Info("cases read", zap.String("file", path), zap.Int("rows", len(subs)))
	return subs, nil
}

type runResult struct {
	Batch *model.BatchJob  `json:"batch"`
	Stats model.BatchStats `json:"stats"`
	Cases []model.CaseJob  `json:"cases,omitempty"`
}

// runBatch submits and processes one batch and writes the result as JSON.
func runBatch(ctx context.Context, co *batch.Coordinator, subs []model.Submission, auto, withCases bool, w io.Writer) error {
	id, err := co.Submit(ctx, subs, batch.SubmitOptions{AutoDownload: auto})
	if err != nil {
		return err
	}
	if err := co.Process(ctx, id); err != nil {
		return err
	}

	b, err := co.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	res := runResult{Batch: b, Stats: b.Stats()}
	if withCases {
		res.Cases, err = co.ListCases(ctx, store.CaseFilter{BatchID: id, Limit: b.TotalCases})
		if err != nil {
			return err
		}
	}

	zap.L().Info("batch run complete",
		zap.String("batch_id", id),
		zap.String("status", string(b.Status)),
		zap.Any("counts", b.Counts),
	)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func init() {
	runCmd.Flags().StringVar(&runFile, "file", "", "CSV or XLSX file of cases (required)")
	runCmd.Flags().BoolVar(&runAutoDownload, "auto-download", true, "download unambiguous exact matches (default from config)")
	runCmd.Flags().BoolVar(&runCases, "cases", false, "include every case in the output")
	_ = runCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(runCmd)
}
