// Package config loads and validates the agent configuration.
//
// The configuration is a YAML document. Missing fields take defaults, a
// .env file next to the config (or in the working directory) may supply
// environment variables, and DLPWATCH_* variables override the file.
package config

import (
	goerrors "errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/go-errors"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/dlpwatch/internal/detect"
	"github.com/ppiankov/dlpwatch/internal/model"
	"github.com/ppiankov/dlpwatch/internal/report"
)

// ErrCodeConfigInvalid marks a configuration the agent cannot start with.
const ErrCodeConfigInvalid = "DLP_CONFIG_INVALID"

// ErrCodeIdentityUnsaved marks a generated agent id that could not be
// written to agent_id_file.
const ErrCodeIdentityUnsaved = "DLP_IDENTITY_UNSAVED"

// agentIDFileName is the default agent_id_file name, placed next to the
// spool or, without one, next to the config file.
const agentIDFileName = "agent_id"

// DefaultPath is used when no config path is given.
const DefaultPath = "/etc/dlpwatch/agent.yaml"

// Environment overrides.
const (
	EnvServerURL = "DLPWATCH_SERVER_URL"
	EnvAgentID   = "DLPWATCH_AGENT_ID"
	EnvAPIToken  = "DLPWATCH_API_TOKEN"
	EnvLogLevel  = "DLPWATCH_LOG_LEVEL"
)

// ByteSize is a size in bytes written as "10MB", "100KB" or a plain number.
type ByteSize int64

// UnmarshalYAML accepts humanized sizes and integers.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", value.Line)
	}
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid byte size %q: %w", value.Line, value.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML writes the size in the shortest exact humanized form.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

func (b ByteSize) String() string {
	if b <= 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	for _, s := range []string{humanize.IBytes(uint64(b)), humanize.Bytes(uint64(b))} {
		if n, err := humanize.ParseBytes(s); err == nil && n == uint64(b) {
			return strings.ReplaceAll(s, " ", "")
		}
	}
	return strconv.FormatInt(int64(b), 10)
}

// MonitoredPath is one monitored directory. A bare string is accepted and
// means a recursive watch.
type MonitoredPath struct {
	Path      string   `yaml:"path"`
	Recursive bool     `yaml:"recursive"`
	Exclude   []string `yaml:"exclude,omitempty"`
}

// UnmarshalYAML accepts either a mapping or a bare path.
func (m *MonitoredPath) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*m = MonitoredPath{Path: value.Value, Recursive: true}
		return nil
	}
	type plain MonitoredPath
	p := plain{Recursive: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*m = MonitoredPath(p)
	return nil
}

// Retry holds the delivery backoff schedule.
type Retry struct {
	Base        time.Duration `yaml:"base"`
	Factor      float64       `yaml:"factor"`
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Breaker holds the delivery circuit breaker settings.
type Breaker struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// Config is the full agent configuration. It is not modified after the
// agent starts.
type Config struct {
	ServerURL         string            `yaml:"server_url"`
	AgentID           string            `yaml:"agent_id"`
	AgentName         string            `yaml:"agent_name"`
	AgentIDFile       string            `yaml:"agent_id_file"`
	APIToken          string            `yaml:"api_token"`
	Headers           map[string]string `yaml:"headers,omitempty"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`

	MonitoredPaths []MonitoredPath `yaml:"monitored_paths"`
	ExcludePaths   []string        `yaml:"exclude_paths"`
	FileExtensions []string        `yaml:"file_extensions"`
	MaxFileSize    ByteSize        `yaml:"max_file_size"`
	ReadWindow     ByteSize        `yaml:"read_window"`

	DebounceWindow  time.Duration `yaml:"debounce_window"`
	Workers         int           `yaml:"workers"`
	QueueCapacity   int           `yaml:"queue_capacity"`
	Retry           Retry         `yaml:"retry"`
	Breaker         Breaker       `yaml:"breaker"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RedactPaths  string   `yaml:"redact_paths"`
	Detectors    []string `yaml:"detectors"`
	PatternsFile string   `yaml:"patterns_file"`

	SpoolPath    string        `yaml:"spool_path"`
	AuditLog     string        `yaml:"audit_log"`
	PollMode     bool          `yaml:"poll_mode"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ScanOnStart  bool          `yaml:"scan_on_start"`
	ReportClean  bool          `yaml:"report_clean"`
	LogLevel     string        `yaml:"log_level"`

	identityErr error
}

// Default returns the built-in configuration. AgentID and AgentName are
// left empty and filled in by Load.
func Default() *Config {
	return &Config{
		ServerURL:         "http://localhost:8000/api/v1",
		HeartbeatInterval: 60 * time.Second,
		MonitoredPaths: []MonitoredPath{
			{Path: "/home", Recursive: true},
		},
		ExcludePaths: []string{
			"/home/*/.cache",
			"/home/*/.local/share",
			"/home/*/snap",
		},
		FileExtensions: []string{
			".pdf", ".docx", ".xlsx", ".txt", ".csv", ".json", ".xml", ".sql", ".conf",
		},
		MaxFileSize:     10 << 20,
		ReadWindow:      100000,
		DebounceWindow:  2 * time.Second,
		Workers:         4,
		QueueCapacity:   1000,
		Retry:           Retry{Base: 5 * time.Second, Factor: 2, Cap: 5 * time.Minute, MaxAttempts: 10},
		Breaker:         Breaker{Threshold: 5, Cooldown: time.Minute},
		RequestTimeout:  10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		RedactPaths:     report.RedactNone,
		PollInterval:    5 * time.Second,
		ReportClean:     true,
		LogLevel:        "info",
	}
}

// Load reads the YAML config at path (DefaultPath when empty), applies
// environment overrides, fills the agent identity and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, ErrCodeConfigInvalid, "parse config").
				WithContext("path", path)
		}
	case os.IsNotExist(err):
	default:
		return nil, errors.Wrap(err, ErrCodeConfigInvalid, "read config").
			WithContext("path", path)
	}

	if err := loadDotEnv(filepath.Dir(path)); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.fillIdentity(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env files from dir and the working directory. Variables
// already set in the environment are not overwritten.
func loadDotEnv(dir string) error {
	seen := map[string]bool{}
	for _, p := range []string{filepath.Join(dir, ".env"), ".env"} {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return errors.Wrap(err, ErrCodeConfigInvalid, "load env file").
				WithContext("path", abs)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvServerURL); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv(EnvAgentID); v != "" {
		c.AgentID = v
	}
	if v := os.Getenv(EnvAPIToken); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// fillIdentity resolves agent_id_file and, when agent_id is not set,
// reuses the id stored there or generates and stores a new one.
func (c *Config) fillIdentity(configDir string) {
	if c.AgentIDFile == "" {
		dir := configDir
		if c.SpoolPath != "" {
			dir = filepath.Dir(c.SpoolPath)
		}
		c.AgentIDFile = filepath.Join(dir, agentIDFileName)
	}
	if c.AgentID == "" {
		c.AgentID, c.identityErr = loadOrCreateAgentID(c.AgentIDFile)
	}
	if c.AgentName == "" {
		if host, err := os.Hostname(); err == nil {
			c.AgentName = host
		}
	}
}

// loadOrCreateAgentID returns the id stored at path. When the file is
// missing or does not hold a UUID a new id is generated and written there.
// The returned id is always usable; a non-nil error means it could not be
// stored and will change on the next start.
func loadOrCreateAgentID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return id, errors.Wrap(err, ErrCodeIdentityUnsaved, "create agent id directory").
			WithContext("path", path)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return id, errors.Wrap(err, ErrCodeIdentityUnsaved, "store agent id").
			WithContext("path", path)
	}
	return id, nil
}

// IdentityErr reports that a generated agent id could not be stored.
func (c *Config) IdentityErr() error { return c.identityErr }

// Validate checks the configuration and returns the first problem as a
// DLP_CONFIG_INVALID error naming the offending field.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if c.ServerURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("server_url", c.ServerURL, "must be an absolute http(s) URL")
	}

	if len(c.MonitoredPaths) == 0 {
		return invalid("monitored_paths", "", "at least one monitored path is required")
	}
	for i, mp := range c.MonitoredPaths {
		field := fmt.Sprintf("monitored_paths[%d]", i)
		if !filepath.IsAbs(mp.Path) {
			return invalid(field, mp.Path, "monitored path must be absolute")
		}
		if err := checkGlobs(field+".exclude", mp.Exclude); err != nil {
			return err
		}
	}
	if err := checkGlobs("exclude_paths", c.ExcludePaths); err != nil {
		return err
	}

	positive := []struct {
		field string
		ok    bool
		value any
	}{
		{"max_file_size", c.MaxFileSize > 0, c.MaxFileSize},
		{"read_window", c.ReadWindow > 0, c.ReadWindow},
		{"debounce_window", c.DebounceWindow > 0, c.DebounceWindow},
		{"workers", c.Workers > 0, c.Workers},
		{"queue_capacity", c.QueueCapacity > 0, c.QueueCapacity},
		{"heartbeat_interval", c.HeartbeatInterval > 0, c.HeartbeatInterval},
		{"retry.base", c.Retry.Base > 0, c.Retry.Base},
		{"retry.cap", c.Retry.Cap > 0, c.Retry.Cap},
		{"retry.max_attempts", c.Retry.MaxAttempts > 0, c.Retry.MaxAttempts},
		{"breaker.threshold", c.Breaker.Threshold > 0, c.Breaker.Threshold},
		{"breaker.cooldown", c.Breaker.Cooldown > 0, c.Breaker.Cooldown},
		{"request_timeout", c.RequestTimeout > 0, c.RequestTimeout},
		{"shutdown_timeout", c.ShutdownTimeout > 0, c.ShutdownTimeout},
	}
	for _, p := range positive {
		if !p.ok {
			return invalid(p.field, p.value, "must be positive")
		}
	}
	if c.ReadWindow > c.MaxFileSize {
		return invalid("read_window", c.ReadWindow, "must not exceed max_file_size")
	}
	if c.PollMode && c.PollInterval <= 0 {
		return invalid("poll_interval", c.PollInterval, "must be positive")
	}
	if c.Retry.Factor < 1 {
		return invalid("retry.factor", c.Retry.Factor, "must be at least 1")
	}
	if c.Retry.Cap < c.Retry.Base {
		return invalid("retry.cap", c.Retry.Cap, "must not be below retry.base")
	}

	if !report.ValidRedactMode(c.RedactPaths) {
		return invalid("redact_paths", c.RedactPaths, "must be none, basename or hash")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return invalid("log_level", c.LogLevel, err.Error())
	}

	if _, err := c.Registry(); err != nil {
		return err
	}
	return nil
}

// Registry builds the detector registry: built-ins plus operator patterns,
// restricted to the enabled detector names.
func (c *Config) Registry() (*detect.Registry, error) {
	reg := detect.Default()
	pf, err := detect.LoadPatterns(c.PatternsFile)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeConfigInvalid, "load patterns").
			WithContext("patterns_file", c.PatternsFile)
	}
	custom, err := detect.CompilePatterns(pf)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeConfigInvalid, "compile patterns").
			WithContext("patterns_file", c.PatternsFile)
	}
	for _, d := range custom {
		reg.Register(d)
	}
	enabled, err := reg.Enabled(c.Detectors)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeConfigInvalid, "select detectors").
			WithContext("detectors", strings.Join(c.Detectors, ","))
	}
	return enabled, nil
}

// Roots returns the monitored paths with the global exclude list merged
// into each root's own excludes.
func (c *Config) Roots() []model.MonitoredPath {
	roots := make([]model.MonitoredPath, len(c.MonitoredPaths))
	for i, mp := range c.MonitoredPaths {
		excl := make([]string, 0, len(mp.Exclude)+len(c.ExcludePaths))
		excl = append(excl, mp.Exclude...)
		excl = append(excl, c.ExcludePaths...)
		roots[i] = model.MonitoredPath{
			Path:      filepath.Clean(mp.Path),
			Recursive: mp.Recursive,
			Exclude:   excl,
		}
	}
	return roots
}

// YAML renders the resolved configuration with the API token masked.
func (c *Config) YAML() ([]byte, error) {
	out := *c
	if out.APIToken != "" {
		out.APIToken = detect.Mask(out.APIToken)
	}
	return yaml.Marshal(&out)
}

func checkGlobs(field string, patterns []string) error {
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return invalid(field, p, "invalid glob pattern")
		}
	}
	return nil
}

func invalid(field string, value any, msg string) error {
	return errors.New(ErrCodeConfigInvalid, field+": "+msg).
		WithContext("field", field).
		WithContext("value", fmt.Sprint(value))
}

// IsInvalid reports whether err is a configuration error.
func IsInvalid(err error) bool {
	var ec errors.ErrorCoder
	return goerrors.As(err, &ec) && string(ec.ErrorCode()) == ErrCodeConfigInvalid
}
