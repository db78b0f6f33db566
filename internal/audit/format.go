package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	if len(result.Entries) == 0 {
		return "No entries found.\n"
	}

	var b strings.Builder
	first := formatDateTime(result.Summary.FirstTimestamp)
	last := formatTimeOnly(result.Summary.LastTimestamp)
	b.WriteString(fmt.Sprintf("Audit: %s–%s UTC\n", first, last))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		b.WriteString(fmt.Sprintf("%-10s %-10s %-9s %-9s %-40s %s\n",
			formatTimeOnly(e.Timestamp),
			strings.ToUpper(e.Outcome),
			e.Severity,
			e.Kind,
			truncate(e.Path, 40),
			strings.Join(e.Categories, ",")))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))
	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatDateTime(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	var parts []string
	for _, o := range []string{OutcomeEnqueued, OutcomeDelivered, OutcomeEvicted, OutcomeExpired} {
		if n := s.Outcomes[o]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, o))
		}
	}

	cats := make([]string, 0, len(s.Categories))
	for c := range s.Categories {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	var catParts []string
	for _, c := range cats {
		catParts = append(catParts, fmt.Sprintf("%s=%d", c, s.Categories[c]))
	}
	if len(catParts) == 0 {
		catParts = []string{"none"}
	}

	return fmt.Sprintf("Summary: %s | Critical: %d | Categories: %s\n",
		strings.Join(parts, ", "), s.Critical, strings.Join(catParts, " "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-(max-3):]
}
