// Package detect holds the sensitive-data detectors and the registry that
// evaluates them against file content.
package detect

import (
	"fmt"
	"sort"

	"github.com/ppiankov/dlpwatch/internal/model"
)

// Span is one match reported by a detector. Offsets are byte offsets into
// the evaluated buffer. Sample may be left empty, in which case the
// registry masks the matched bytes.
type Span struct {
	Start      int
	End        int
	Confidence float64
	Sample     string
}

// Detector is a pure function from bytes to matches for one category.
type Detector interface {
	Name() string
	Category() model.Category
	Evaluate(data []byte) ([]Span, error)
}

// Failure records a detector that errored or panicked during evaluation.
type Failure struct {
	Detector string
	Err      error
}

func (f Failure) Error() string {
	return fmt.Sprintf("detector %s: %v", f.Detector, f.Err)
}

// Registry is an ordered set of detectors. It is safe for concurrent use
// once built; detectors must not keep state between calls.
type Registry struct {
	detectors []Detector
	byName    map[string]Detector
}

// NewRegistry creates a registry from the given detectors. Later detectors
// with a duplicate name replace earlier ones.
func NewRegistry(detectors ...Detector) *Registry {
	r := &Registry{byName: make(map[string]Detector)}
	for _, d := range detectors {
		r.Register(d)
	}
	return r
}

// Default returns a registry with every built-in detector.
func Default() *Registry {
	return NewRegistry(Builtin()...)
}

// Register adds or replaces a detector.
func (r *Registry) Register(d Detector) {
	if _, exists := r.byName[d.Name()]; exists {
		for i, cur := range r.detectors {
			if cur.Name() == d.Name() {
				r.detectors[i] = d
			}
		}
	} else {
		r.detectors = append(r.detectors, d)
	}
	r.byName[d.Name()] = d
}

// Names returns detector names in evaluation order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.detectors))
	for i, d := range r.detectors {
		names[i] = d.Name()
	}
	return names
}

// Has reports whether a detector with this name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Enabled returns a new registry restricted to the named detectors.
// An empty list keeps every detector. Unknown names are an error.
func (r *Registry) Enabled(names []string) (*Registry, error) {
	if len(names) == 0 {
		return r, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if !r.Has(n) {
			return nil, fmt.Errorf("unknown detector %q", n)
		}
		want[n] = true
	}
	out := NewRegistry()
	for _, d := range r.detectors {
		if want[d.Name()] {
			out.Register(d)
		}
	}
	return out, nil
}

// Evaluate runs every detector against data. A failing detector is recorded
// in the returned failures and does not stop the others. Findings are
// sorted by position, earliest first.
func (r *Registry) Evaluate(data []byte) ([]model.Finding, []Failure) {
	var findings []model.Finding
	var failures []Failure

	for _, d := range r.detectors {
		spans, err := evaluate(d, data)
		if err != nil {
			failures = append(failures, Failure{Detector: d.Name(), Err: err})
			continue
		}
		for _, s := range spans {
			if s.Start < 0 || s.End > len(data) || s.Start >= s.End {
				continue
			}
			sample := s.Sample
			if sample == "" {
				sample = Mask(string(data[s.Start:s.End]))
			}
			findings = append(findings, model.Finding{
				Category:   d.Category(),
				Confidence: s.Confidence,
				Start:      s.Start,
				End:        s.End,
				Sample:     sample,
				Detector:   d.Name(),
			})
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Start < findings[j].Start
	})
	return findings, failures
}

// evaluate invokes one detector behind a recover boundary.
func evaluate(d Detector, data []byte) (spans []Span, err error) {
	defer func() {
		if p := recover(); p != nil {
			spans = nil
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return d.Evaluate(data)
}
