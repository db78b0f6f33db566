package systemd

import (
	"bytes"
	"path/filepath"
	"sort"
	"text/template"
)

const (
	// DefaultUnitPath is where the agent unit is installed.
	DefaultUnitPath = "/etc/systemd/system/dlpwatch.service"
	// DefaultBinary is the installed agent binary.
	DefaultBinary = "/usr/local/bin/dlpwatch"
)

// UnitOptions parameterise the agent unit file.
type UnitOptions struct {
	Binary     string
	ConfigPath string
	// StateFiles are files the agent writes (spool, audit log, agent id). Their
	// directories are granted write access under ProtectSystem=strict.
	StateFiles []string
}

var unitTmpl = template.Must(template.New("unit").Parse(`[Unit]
Description=dlpwatch endpoint DLP agent
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.Binary}} run --config {{.ConfigPath}}
Restart=on-failure
RestartSec=5
TimeoutStopSec=30
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
{{- range .WritePaths}}
ReadWritePaths={{.}}
{{- end}}

[Install]
WantedBy=multi-user.target
`))

// AgentUnit renders the systemd unit for the agent. Home directories stay
// readable because they are the usual monitored roots.
func AgentUnit(opts UnitOptions) (string, error) {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	seen := map[string]bool{}
	var dirs []string
	for _, f := range opts.StateFiles {
		if f == "" {
			continue
		}
		d := filepath.Dir(filepath.Clean(f))
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	sort.Strings(dirs)

	var buf bytes.Buffer
	err := unitTmpl.Execute(&buf, struct {
		Binary     string
		ConfigPath string
		WritePaths []string
	}{opts.Binary, opts.ConfigPath, dirs})
	return buf.String(), err
}
