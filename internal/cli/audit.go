package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dlpwatch/internal/audit"
)

var (
	tailLines     int
	replayOutcome string
	replayPath    string
	replayFrom    string
	replayTo      string
	replayFormat  string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditReplayCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditReplayCmd.Flags().StringVar(&replayOutcome, "outcome", "", "Only entries with this outcome (enqueued|delivered|evicted|expired)")
	auditReplayCmd.Flags().StringVar(&replayPath, "path", "", "Only entries whose file path has this prefix")
	auditReplayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time filter (RFC3339)")
	auditReplayCmd.Flags().StringVar(&replayTo, "to", "", "End time filter (RFC3339)")
	auditReplayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained classification audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry, and counts reports still\npending delivery. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail <path>",
	Short: "Show recent audit log entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditTail,
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay <path>",
	Short: "Render a timeline of audit entries",
	Long:  "Reads the audit log, applies the outcome, path and time filters and\nrenders a timeline with an outcome and category summary.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditReplay,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(args[0])
	if !result.Valid {
		return fmt.Errorf("audit chain broken at line %d: %s", result.ErrorLine, result.Error)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "OK: %d entries verified\n", result.Lines)
	if result.Pending > 0 || result.Orphaned > 0 {
		fmt.Fprintf(w, "  %d pending, %d without enqueue record\n", result.Pending, result.Orphaned)
	}
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > tailLines {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	w := cmd.OutOrStdout()
	for _, line := range lines {
		var entry audit.AuditEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Fprintln(w, line)
			continue
		}
		out, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Fprintln(w, string(out))
	}
	return nil
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	filter := audit.ReplayFilter{Outcome: replayOutcome, PathPrefix: replayPath}

	if replayFrom != "" {
		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from time %q: %w", replayFrom, err)
		}
		filter.From = from
	}
	if replayTo != "" {
		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to time %q: %w", replayTo, err)
		}
		filter.To = to
	}

	result, err := audit.Replay(args[0], filter)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	switch replayFormat {
	case "json":
		out, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, out)
	default:
		fmt.Fprint(w, audit.FormatTimeline(result))
	}
	return nil
}
