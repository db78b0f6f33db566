package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ppiankov/dlpwatch/internal/classify"
	"github.com/ppiankov/dlpwatch/internal/model"
)

var scanFail bool

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolVar(&scanFail, "fail", false, "Exit non-zero when any file has findings")
}

var scanCmd = &cobra.Command{
	Use:   "scan <file>...",
	Short: "Classify files once and print findings as JSON",
	Long:  "Runs the configured detectors over each file and prints one JSON result\nper file. Size and read-window limits come from the config; the extension\nallow list is not applied.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScan,
}

type scanResult struct {
	Path      string          `json:"path"`
	Size      string          `json:"size,omitempty"`
	Severity  model.Severity  `json:"severity,omitempty"`
	Findings  []model.Finding `json:"findings"`
	Hash      string          `json:"file_hash,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	Skipped   string          `json:"skipped,omitempty"`
	Degraded  []string        `json:"degraded,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	cls, err := classify.New(classify.Config{
		MaxFileSize: int64(cfg.MaxFileSize),
		ReadWindow:  int(cfg.ReadWindow),
	}, reg, logger)
	if err != nil {
		return err
	}

	results := scanFiles(cmd.Context(), cls, args)
	if err := writeResults(cmd.OutOrStdout(), results); err != nil {
		return err
	}

	if scanFail {
		flagged := 0
		for _, r := range results {
			if len(r.Findings) > 0 {
				flagged++
			}
		}
		if flagged > 0 {
			return fmt.Errorf("sensitive data found in %d file(s)", flagged)
		}
	}
	return nil
}

func scanFiles(ctx context.Context, cls *classify.Classifier, paths []string) []scanResult {
	if ctx == nil {
		ctx = context.Background()
	}
	results := make([]scanResult, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		res, err := cls.Classify(ctx, model.SettledEvent{Path: abs, Kind: model.Modified})
		r := scanResult{
			Path:      abs,
			Findings:  res.Findings,
			Hash:      res.Hash,
			Truncated: res.Truncated,
			Skipped:   res.Skipped,
		}
		if r.Findings == nil {
			r.Findings = []model.Finding{}
		}
		if res.Size > 0 {
			r.Size = humanize.IBytes(uint64(res.Size))
		}
		if len(r.Findings) > 0 {
			r.Severity = model.SeverityFor(r.Findings)
		}
		for _, f := range res.Degraded {
			r.Degraded = append(r.Degraded, f.Detector)
		}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results
}

func writeResults(w io.Writer, results []scanResult) error {
	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
