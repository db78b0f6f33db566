package report

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/ppiankov/dlpwatch/internal/model"
)

// Path redaction modes for outbound reports.
const (
	RedactNone     = "none"
	RedactBasename = "basename"
	RedactHash     = "hash"
)

// cleanScore is reported for events with no findings.
const cleanScore = 0.1

// ValidRedactMode reports whether mode is a known path redaction mode.
func ValidRedactMode(mode string) bool {
	switch mode {
	case "", RedactNone, RedactBasename, RedactHash:
		return true
	}
	return false
}

// Identity describes the reporting agent and host.
type Identity struct {
	AgentID   string
	AgentName string
	Hostname  string
	Username  string
}

// LocalIdentity fills host and user from the running process.
func LocalIdentity(agentID, agentName string) Identity {
	host, _ := os.Hostname()
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	if agentName == "" {
		agentName = host
	}
	return Identity{AgentID: agentID, AgentName: agentName, Hostname: host, Username: username}
}

// Payload is the JSON body posted to {server_url}/events.
type Payload struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	EventSubtype   string          `json:"event_subtype"`
	AgentID        string          `json:"agent_id"`
	AgentName      string          `json:"agent_name"`
	SourceType     string          `json:"source_type"`
	Hostname       string          `json:"hostname"`
	Username       string          `json:"username"`
	UserEmail      string          `json:"user_email"`
	Description    string          `json:"description"`
	Severity       model.Severity  `json:"severity"`
	Action         string          `json:"action"`
	FilePath       string          `json:"file_path"`
	FromPath       string          `json:"from_path,omitempty"`
	FileName       string          `json:"file_name"`
	FileSize       int64           `json:"file_size"`
	FileHash       string          `json:"file_hash,omitempty"`
	Truncated      bool            `json:"truncated,omitempty"`
	Findings       []model.Finding `json:"findings"`
	Classification Classification  `json:"classification"`
	Degraded       []string        `json:"degraded,omitempty"`
	SchemaVersion  string          `json:"schema_version"`
	Timestamp      string          `json:"timestamp"`
}

// Classification summarizes the findings for the server.
type Classification struct {
	Labels   []string       `json:"labels"`
	Severity model.Severity `json:"severity"`
	Score    float64        `json:"score"`
	Method   string         `json:"method"`
}

// BuildPayload converts a classified event to its wire form. Finding
// samples are already masked; paths are redacted per mode.
func BuildPayload(ev model.ClassifiedEvent, id Identity, mode string) Payload {
	subtype := "file_" + string(ev.Event.Kind)
	name := filepath.Base(ev.Event.Path)

	labels := make([]string, 0, len(ev.Findings))
	for _, c := range ev.Categories() {
		labels = append(labels, c.Label())
	}
	score := cleanScore
	for _, f := range ev.Findings {
		score = max(score, f.Confidence)
	}

	findings := ev.Findings
	if findings == nil {
		findings = []model.Finding{}
	}

	agentID := ev.AgentID
	if agentID == "" {
		agentID = id.AgentID
	}
	agentName := ev.AgentName
	if agentName == "" {
		agentName = id.AgentName
	}
	ts := ev.ClassifiedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	p := Payload{
		EventID:      ev.ID,
		EventType:    "file",
		EventSubtype: subtype,
		AgentID:      agentID,
		AgentName:    agentName,
		SourceType:   "agent",
		Hostname:     id.Hostname,
		Username:     id.Username,
		UserEmail:    fmt.Sprintf("%s@%s", id.Username, id.Hostname),
		Description:  fmt.Sprintf("%s: %s", subtype, name),
		Severity:     ev.Severity,
		Action:       "logged",
		FilePath:     RedactPath(ev.Event.Path, mode),
		FileName:     name,
		FileSize:     ev.Event.Size,
		FileHash:     ev.Hash,
		Truncated:    ev.Truncated,
		Findings:     findings,
		Classification: Classification{
			Labels:   labels,
			Severity: ev.Severity,
			Score:    score,
			Method:   "regex",
		},
		Degraded:      ev.Degraded,
		SchemaVersion: ev.SchemaVersion,
		Timestamp:     ts.UTC().Format(time.RFC3339Nano),
	}
	if ev.Event.From != "" {
		p.FromPath = RedactPath(ev.Event.From, mode)
	}
	if p.SchemaVersion == "" {
		p.SchemaVersion = model.SchemaVersion
	}
	return p
}

// RedactPath applies a path redaction mode. Hash mode replaces the
// directory with a stable digest and keeps the file name.
func RedactPath(path, mode string) string {
	switch mode {
	case RedactBasename:
		return filepath.Base(path)
	case RedactHash:
		sum := sha256.Sum256([]byte(filepath.Dir(path)))
		return "sha256:" + hex.EncodeToString(sum[:8]) + "/" + filepath.Base(path)
	default:
		return path
	}
}
