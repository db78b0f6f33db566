package detect

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/dlpwatch/internal/model"
)

// defaultPatternConfidence applies when a pattern omits confidence.
const defaultPatternConfidence = 0.6

// PatternFile holds operator-defined detectors.
type PatternFile struct {
	Patterns []PatternDef `yaml:"patterns"`
}

// PatternDef defines a custom regex detector from config. If the regex has
// a capture group, the first group is the reported span.
type PatternDef struct {
	Name       string  `yaml:"name"`
	Category   string  `yaml:"category"`
	Regex      string  `yaml:"regex"`
	Confidence float64 `yaml:"confidence"`
}

// LoadPatterns reads a pattern file. An empty path returns nil.
func LoadPatterns(path string) (*PatternFile, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern file: %w", err)
	}
	var pf PatternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse pattern file: %w", err)
	}
	return &pf, nil
}

// CompilePatterns validates and compiles pattern definitions.
func CompilePatterns(pf *PatternFile) ([]Detector, error) {
	if pf == nil {
		return nil, nil
	}

	var detectors []Detector
	for i, def := range pf.Patterns {
		if def.Name == "" {
			return nil, fmt.Errorf("patterns[%d]: name is required", i)
		}
		if def.Regex == "" {
			return nil, fmt.Errorf("patterns[%d]: regex is required", i)
		}
		re, err := regexp.Compile(def.Regex)
		if err != nil {
			return nil, fmt.Errorf("patterns[%d] %q: invalid regex: %w", i, def.Name, err)
		}
		conf := def.Confidence
		if conf == 0 {
			conf = defaultPatternConfidence
		}
		if conf < 0 || conf > 1 {
			return nil, fmt.Errorf("patterns[%d] %q: confidence must be in [0,1]", i, def.Name)
		}
		cat := def.Category
		if cat == "" {
			cat = def.Name
		}
		detectors = append(detectors, &regexDetector{
			name:       def.Name,
			category:   model.Category(strings.ToLower(cat)),
			re:         re,
			confidence: conf,
		})
	}
	return detectors, nil
}

// regexDetector is an operator-defined detector.
type regexDetector struct {
	name       string
	category   model.Category
	re         *regexp.Regexp
	confidence float64
}

func (d *regexDetector) Name() string             { return d.name }
func (d *regexDetector) Category() model.Category { return d.category }

func (d *regexDetector) Evaluate(data []byte) ([]Span, error) {
	var spans []Span
	for _, m := range d.re.FindAllSubmatchIndex(data, -1) {
		start, end := m[0], m[1]
		if len(m) >= 4 && m[2] >= 0 {
			start, end = m[2], m[3]
		}
		if start == end {
			continue
		}
		spans = append(spans, Span{Start: start, End: end, Confidence: d.confidence})
	}
	return spans, nil
}
