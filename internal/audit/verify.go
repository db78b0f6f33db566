package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult holds the outcome of a hash chain verification together
// with per-outcome counts for the entries read before the first break.
type VerifyResult struct {
	Valid     bool           `json:"valid"`
	Lines     int            `json:"lines"`
	Outcomes  map[string]int `json:"outcomes"`
	Pending   int            `json:"pending"`  // enqueued, no terminal outcome yet
	Orphaned  int            `json:"orphaned"` // terminal outcome without an enqueue record
	Error     string         `json:"error,omitempty"`
	ErrorLine int            `json:"error_line,omitempty"`
}

// Verify reads a JSONL audit log and validates the hash chain, stopping at
// the first broken link.
func Verify(path string) VerifyResult {
	res := VerifyResult{Outcomes: make(map[string]int)}

	f, err := os.Open(path)
	if err != nil {
		res.Error = fmt.Sprintf("open: %v", err)
		return res
	}
	defer f.Close()

	open := make(map[string]bool)
	fail := func(line int, format string, args ...any) VerifyResult {
		res.Error = fmt.Sprintf(format, args...)
		res.ErrorLine = line
		return res
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), maxLine)
	prev := GenesisHash
	for scanner.Scan() {
		n := res.Lines + 1
		raw := scanner.Bytes()

		var e AuditEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fail(n, "line is not an audit entry: %v", err)
		}
		switch {
		case e.PrevHash == prev:
		case n == 1:
			return fail(1, "first entry does not start from the genesis hash (prev_hash %q)", e.PrevHash)
		default:
			return fail(n, "chain broken: prev_hash %s does not match previous line %s", short(e.PrevHash), short(prev))
		}
		prev = HashLine(raw)
		res.Lines = n

		res.Outcomes[e.Outcome]++
		switch e.Outcome {
		case OutcomeEnqueued:
			open[e.EventID] = true
		case OutcomeDelivered, OutcomeEvicted, OutcomeExpired:
			if open[e.EventID] {
				delete(open, e.EventID)
			} else {
				res.Orphaned++
			}
		default:
			return fail(n, "unknown outcome %q", e.Outcome)
		}
	}
	if err := scanner.Err(); err != nil {
		res.Error = fmt.Sprintf("read: %v", err)
		return res
	}

	res.Pending = len(open)
	res.Valid = true
	return res
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
