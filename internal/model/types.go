package model

import "time"

// SchemaVersion is stamped on every ClassifiedEvent sent to the server.
const SchemaVersion = "1"

// Severity is the coarse risk level reported with a classified event.
type Severity string

const (
	SevLow      Severity = "low"
	SevMedium   Severity = "medium"
	SevHigh     Severity = "high"
	SevCritical Severity = "critical"
)

// SevRank maps severity to a comparable integer for monotonic escalation.
var SevRank = map[Severity]int{
	SevLow:      0,
	SevMedium:   1,
	SevHigh:     2,
	SevCritical: 3,
}

// Max returns the higher of two severities.
func (s Severity) Max(other Severity) Severity {
	if SevRank[other] > SevRank[s] {
		return other
	}
	return s
}

// Category identifies a class of sensitive data.
type Category string

const (
	CategoryCreditCard Category = "credit_card"
	CategorySSN        Category = "ssn"
	CategoryEmail      Category = "email"
	CategoryAPIKey     Category = "api_key"
	CategoryPrivateKey Category = "private_key"
	CategoryPassword   Category = "password"
)

// categorySeverity follows the severities the server dashboard expects.
// Operator-defined categories default to high.
var categorySeverity = map[Category]Severity{
	CategoryCreditCard: SevCritical,
	CategorySSN:        SevCritical,
	CategoryPrivateKey: SevCritical,
	CategoryAPIKey:     SevHigh,
	CategoryPassword:   SevHigh,
	CategoryEmail:      SevMedium,
}

// Severity returns the severity a finding of this category contributes.
func (c Category) Severity() Severity {
	if s, ok := categorySeverity[c]; ok {
		return s
	}
	return SevHigh
}

// Label returns the upper-case label used in the classification summary.
func (c Category) Label() string {
	switch c {
	case CategoryCreditCard:
		return "PAN"
	case CategorySSN:
		return "SSN"
	case CategoryEmail:
		return "EMAIL"
	case CategoryAPIKey:
		return "API_KEY"
	case CategoryPrivateKey:
		return "PRIVATE_KEY"
	case CategoryPassword:
		return "PASSWORD"
	}
	b := []byte(c)
	for i, ch := range b {
		if ch >= 'a' && ch <= 'z' {
			b[i] = ch - 'a' + 'A'
		}
	}
	return string(b)
}

// MonitoredPath is one configured directory tree.
type MonitoredPath struct {
	Path      string   `yaml:"path" json:"path"`
	Recursive bool     `yaml:"recursive" json:"recursive"`
	Exclude   []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// Finding is one detected instance of sensitive data in a file.
// Sample is a masked preview; the matched value itself is never stored.
type Finding struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Sample     string   `json:"sample"`
	Detector   string   `json:"detector"`
}

// ClassifiedEvent is the unit placed on the delivery queue.
type ClassifiedEvent struct {
	ID            string       `json:"event_id"`
	Event         SettledEvent `json:"event"`
	Findings      []Finding    `json:"findings"`
	Degraded      []string     `json:"degraded,omitempty"`
	Hash          string       `json:"file_hash,omitempty"`
	Truncated     bool         `json:"truncated,omitempty"` // only the read window was scanned
	Severity      Severity     `json:"severity"`
	AgentID       string       `json:"agent_id"`
	AgentName     string       `json:"agent_name"`
	SchemaVersion string       `json:"schema_version"`
	ClassifiedAt  time.Time    `json:"classified_at"`
}

// Categories returns the distinct categories of the event's findings
// in first-seen order.
func (e *ClassifiedEvent) Categories() []Category {
	seen := make(map[Category]bool, len(e.Findings))
	var out []Category
	for _, f := range e.Findings {
		if seen[f.Category] {
			continue
		}
		seen[f.Category] = true
		out = append(out, f.Category)
	}
	return out
}

// SeverityFor derives the event severity from its findings.
func SeverityFor(findings []Finding) Severity {
	sev := SevLow
	for _, f := range findings {
		sev = sev.Max(f.Category.Severity())
	}
	return sev
}
