package detect

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/ppiankov/dlpwatch/internal/model"
)

// Compiled patterns for the built-in detectors.
var (
	// Digit groups joined by single spaces or dashes. Card candidates are
	// built from consecutive whole groups inside one run.
	digitRunRe = regexp.MustCompile(`\d+(?:[ -]\d+)*`)

	// US social security numbers in the canonical dashed form.
	ssnRe = regexp.MustCompile(`\b(\d{3})-(\d{2})-(\d{4})\b`)

	emailRe = regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)

	// Provider tokens with a fixed, documented prefix: AWS access key ids,
	// GitHub, Slack, Stripe, Google, GitLab and OpenAI keys.
	tokenRes = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
		regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,255}\b`),
		regexp.MustCompile(`\bxox[abpr]-[A-Za-z0-9-]{10,72}\b`),
		regexp.MustCompile(`\b(?:sk|rk)_live_[A-Za-z0-9]{20,99}\b`),
		regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`),
		regexp.MustCompile(`\bglpat-[A-Za-z0-9_\-]{20}\b`),
		regexp.MustCompile(`\bsk-(?:proj-)?[A-Za-z0-9_\-]{20,}T3BlbkFJ[A-Za-z0-9_\-]{20,}\b`),
	}

	// key = value assignments where the key names an API secret.
	apiAssignRe = regexp.MustCompile(`(?i)\b(?:api[_-]?key|apikey|secret[_-]?key|access[_-]?token|auth[_-]?token|client[_-]?secret)["']?[ \t]*[:=][ \t]*["']?([A-Za-z0-9_\-./+=]{8,})`)

	passwordRe = regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)["']?[ \t]*[:=][ \t]*["']?([^\s"',;]{4,})`)

	pemHeaderRe = regexp.MustCompile(`-----BEGIN ((?:RSA |DSA |EC |OPENSSH |ENCRYPTED |PGP )?PRIVATE KEY(?: BLOCK)?)-----`)
)

// Confidence levels for built-in detectors.
const (
	confCardKnownBrand = 0.95
	confCardUnknown    = 0.7
	confSSN            = 0.85
	confEmail          = 0.8
	confTokenPrefix    = 0.95
	confAPIAssign      = 0.7
	confPassword       = 0.6
	confPEMComplete    = 0.99
	confPEMHeaderOnly  = 0.7
)

// testDomains are documentation domains whose addresses are not reported.
var testDomains = map[string]bool{
	"example.com": true,
	"example.org": true,
	"example.net": true,
}

// funcDetector adapts a match function to the Detector interface.
type funcDetector struct {
	name     string
	category model.Category
	fn       func(data []byte) []Span
}

func (d funcDetector) Name() string             { return d.name }
func (d funcDetector) Category() model.Category { return d.category }

func (d funcDetector) Evaluate(data []byte) ([]Span, error) {
	return d.fn(data), nil
}

// Builtin returns the built-in detectors in evaluation order.
func Builtin() []Detector {
	return []Detector{
		funcDetector{"credit_card", model.CategoryCreditCard, findCards},
		funcDetector{"ssn", model.CategorySSN, findSSNs},
		funcDetector{"email", model.CategoryEmail, findEmails},
		funcDetector{"api_key", model.CategoryAPIKey, findAPIKeys},
		funcDetector{"private_key", model.CategoryPrivateKey, findPrivateKeys},
		funcDetector{"password", model.CategoryPassword, findPasswords},
	}
}

type group struct{ start, end int }

// findCards reports Luhn-valid digit sequences of card length. A sequence
// failing the checksum is never reported.
func findCards(data []byte) []Span {
	var spans []Span
	for _, loc := range digitRunRe.FindAllIndex(data, -1) {
		groups := digitGroups(data, loc[0], loc[1])
		for i := 0; i < len(groups); {
			end, digits := cardAt(data, groups[i:])
			if end < 0 {
				i++
				continue
			}
			conf := confCardUnknown
			if cardBrand(digits) != "" {
				conf = confCardKnownBrand
			}
			last := groups[i+end]
			spans = append(spans, Span{
				Start:      groups[i].start,
				End:        last.end,
				Confidence: conf,
				Sample:     Mask(digits),
			})
			i += end + 1
		}
	}
	return spans
}

// cardAt tries to build a 13–19 digit Luhn-valid number from the leading
// groups. It returns the index of the last group used and the digits, or -1.
func cardAt(data []byte, groups []group) (int, string) {
	var b strings.Builder
	for j, g := range groups {
		b.Write(data[g.start:g.end])
		n := b.Len()
		if n > 19 {
			break
		}
		if n >= 13 && Luhn(b.String()) {
			// Prefer the longest valid number in this window.
			best, digits := j, b.String()
			var ext strings.Builder
			ext.WriteString(digits)
			for k := j + 1; k < len(groups); k++ {
				ext.Write(data[groups[k].start:groups[k].end])
				if ext.Len() > 19 {
					break
				}
				if Luhn(ext.String()) {
					best, digits = k, ext.String()
				}
			}
			return best, digits
		}
	}
	return -1, ""
}

func digitGroups(data []byte, start, end int) []group {
	var groups []group
	gs := start
	for i := start; i < end; i++ {
		if data[i] == ' ' || data[i] == '-' {
			groups = append(groups, group{gs, i})
			gs = i + 1
		}
	}
	return append(groups, group{gs, end})
}

func findSSNs(data []byte) []Span {
	var spans []Span
	for _, m := range ssnRe.FindAllSubmatchIndex(data, -1) {
		area := string(data[m[2]:m[3]])
		grp := string(data[m[4]:m[5]])
		serial := string(data[m[6]:m[7]])
		if area == "000" || area == "666" || area[0] == '9' || grp == "00" || serial == "0000" {
			continue
		}
		spans = append(spans, Span{Start: m[0], End: m[1], Confidence: confSSN})
	}
	return spans
}

func findEmails(data []byte) []Span {
	var spans []Span
	for _, loc := range emailRe.FindAllIndex(data, -1) {
		addr := string(data[loc[0]:loc[1]])
		at := strings.LastIndexByte(addr, '@')
		if testDomains[strings.ToLower(addr[at+1:])] {
			continue
		}
		spans = append(spans, Span{
			Start:      loc[0],
			End:        loc[1],
			Confidence: confEmail,
			Sample:     MaskEmail(addr),
		})
	}
	return spans
}

func findAPIKeys(data []byte) []Span {
	var spans []Span
	for _, re := range tokenRes {
		for _, loc := range re.FindAllIndex(data, -1) {
			spans = append(spans, Span{Start: loc[0], End: loc[1], Confidence: confTokenPrefix})
		}
	}
	for _, m := range apiAssignRe.FindAllSubmatchIndex(data, -1) {
		if isPlaceholder(data[m[2]:m[3]]) {
			continue
		}
		spans = append(spans, Span{Start: m[2], End: m[3], Confidence: confAPIAssign})
	}
	return spans
}

func findPasswords(data []byte) []Span {
	var spans []Span
	for _, m := range passwordRe.FindAllSubmatchIndex(data, -1) {
		if isPlaceholder(data[m[2]:m[3]]) {
			continue
		}
		spans = append(spans, Span{Start: m[2], End: m[3], Confidence: confPassword})
	}
	return spans
}

// findPrivateKeys matches PEM armor. A header followed by its footer is a
// complete key; a lone header is reported at lower confidence.
func findPrivateKeys(data []byte) []Span {
	var spans []Span
	for _, m := range pemHeaderRe.FindAllSubmatchIndex(data, -1) {
		label := string(data[m[2]:m[3]])
		footer := []byte("-----END " + label + "-----")
		span := Span{
			Start:      m[0],
			End:        m[1],
			Confidence: confPEMHeaderOnly,
			Sample:     "-----BEGIN " + label + "-----",
		}
		if idx := bytes.Index(data[m[1]:], footer); idx >= 0 {
			span.End = m[1] + idx + len(footer)
			span.Confidence = confPEMComplete
		}
		spans = append(spans, span)
	}
	return spans
}

// isPlaceholder reports values that are masks or template references
// rather than secrets.
func isPlaceholder(v []byte) bool {
	s := string(v)
	if strings.Trim(s, "*xX") == "" {
		return true
	}
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "{{") || strings.HasPrefix(s, "<")
}
