// Package classify reads a bounded window of a settled file and runs the
// detector registry against it.
package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ppiankov/dlpwatch/internal/detect"
	"github.com/ppiankov/dlpwatch/internal/model"
)

// Default classifier limits.
const (
	DefaultMaxFileSize    = 10 << 20
	DefaultReadWindow     = 100000
	DefaultDedupTolerance = 8
	DefaultCacheSize      = 4096

	nameConfidence = 0.5
)

// Config holds classifier limits.
type Config struct {
	MaxFileSize    int64    // files above this size are skipped entirely
	ReadWindow     int      // bytes read from the start of the file
	Extensions     []string // allow list, empty means every file
	DedupTolerance int      // byte distance within which same-category findings merge
	CacheSize      int      // entries in the path+hash result cache
}

// Result is the outcome of classifying one file.
type Result struct {
	Findings  []model.Finding
	Degraded  []detect.Failure
	Hash      string
	Size      int64
	Truncated bool   // the file was larger than the read window
	Skipped   string // non-empty when the file was not scanned
	Cached    bool
}

// Classifier runs detectors over file content. Safe for concurrent use.
type Classifier struct {
	cfg      Config
	registry *detect.Registry
	exts     map[string]bool
	cache    *lru.Cache[string, []model.Finding]
	log      *slog.Logger
}

// New creates a classifier. Zero config fields take defaults.
func New(cfg Config, registry *detect.Registry, logger *slog.Logger) (*Classifier, error) {
	if registry == nil {
		return nil, fmt.Errorf("detector registry is required")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.ReadWindow <= 0 {
		cfg.ReadWindow = DefaultReadWindow
	}
	if cfg.DedupTolerance < 0 {
		cfg.DedupTolerance = 0
	} else if cfg.DedupTolerance == 0 {
		cfg.DedupTolerance = DefaultDedupTolerance
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := lru.New[string, []model.Finding](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}

	var exts map[string]bool
	if len(cfg.Extensions) > 0 {
		exts = make(map[string]bool, len(cfg.Extensions))
		for _, e := range cfg.Extensions {
			e = strings.ToLower(e)
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			exts[e] = true
		}
	}

	return &Classifier{
		cfg:      cfg,
		registry: registry,
		exts:     exts,
		cache:    cache,
		log:      logger.With("component", "classify"),
	}, nil
}

// Accepts reports whether path passes the extension allow list.
func (c *Classifier) Accepts(path string) bool {
	if c.exts == nil {
		return true
	}
	return c.exts[strings.ToLower(filepath.Ext(path))]
}

// Classify reads the settled file and returns its findings.
//
// A file above the size cutoff returns an empty, skipped result. Binary
// content returns the filename heuristics with a Binary error.
func (c *Classifier) Classify(ctx context.Context, ev model.SettledEvent) (Result, error) {
	path := ev.Path
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, &Error{Kind: Unreadable, Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return Result{}, &Error{Kind: Unreadable, Path: path, Err: errors.New("not a regular file")}
	}

	res := Result{Size: info.Size()}
	if info.Size() > c.cfg.MaxFileSize {
		res.Skipped = "size"
		c.log.Warn("skipping file above size cutoff",
			"path", path,
			"size", humanize.IBytes(uint64(info.Size())),
			"limit", humanize.IBytes(uint64(c.cfg.MaxFileSize)))
		return res, nil
	}

	content, hash, err := c.read(ctx, path, info.Size())
	if err != nil {
		return Result{}, err
	}
	res.Hash = hash
	res.Truncated = info.Size() > int64(c.cfg.ReadWindow)

	key := path + "\x00" + hash
	if cached, ok := c.cache.Get(key); ok {
		res.Findings = cached
		res.Cached = true
		return res, nil
	}

	if isUTF16(content) {
		decoded, err := decodeUTF16(content)
		if err != nil {
			res.Degraded = append(res.Degraded, detect.Failure{Detector: "utf16", Err: err})
		} else {
			content = decoded
		}
	}

	if isBinary(content) && !inspectable(path) {
		res.Findings = nameFindings(path)
		return res, &Error{Kind: Binary, Path: path}
	}

	findings, failures := c.registry.Evaluate(content)
	res.Degraded = append(res.Degraded, failures...)
	if len(failures) > 0 {
		for _, f := range failures {
			c.log.Warn("detector failed", "path", path, "detector", f.Detector, "error", f.Err)
		}
		if len(failures) == len(c.registry.Names()) {
			return res, &Error{Kind: DetectorFailure, Path: path, Err: fmt.Errorf("%d detectors failed", len(failures))}
		}
	}

	if !hasCategory(findings, model.CategoryPrivateKey) {
		findings = append(findings, nameFindings(path)...)
	}
	res.Findings = Dedup(findings, c.cfg.DedupTolerance)

	if len(res.Degraded) == 0 {
		c.cache.Add(key, res.Findings)
	}
	return res, nil
}

// read returns the first ReadWindow bytes and the hex SHA-256 of the whole
// file. The buffer is sized to the smaller of the window and size.
func (c *Classifier) read(ctx context.Context, path string, size int64) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", &Error{Kind: Unreadable, Path: path, Err: err}
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, min(int64(c.cfg.ReadWindow), max(size, 0)))
	n, err := io.ReadFull(io.TeeReader(f, h), buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, "", &Error{Kind: Unreadable, Path: path, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return nil, "", &Error{Kind: Unreadable, Path: path, Err: err}
	}
	return buf[:n], hex.EncodeToString(h.Sum(nil)), nil
}

// Dedup collapses overlapping findings of the same category, and those
// whose bounds lie within tolerance bytes of each other, keeping the
// highest confidence one.
// Findings without a span (filename heuristics) are kept as-is.
// The result is sorted by position.
func Dedup(findings []model.Finding, tolerance int) []model.Finding {
	if len(findings) < 2 {
		return findings
	}
	sorted := make([]model.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Category != sorted[j].Category {
			return sorted[i].Category < sorted[j].Category
		}
		return sorted[i].Start < sorted[j].Start
	})

	out := make([]model.Finding, 0, len(sorted))
	for _, f := range sorted {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Category == f.Category && nearDuplicate(*last, f, tolerance) {
				start, end := last.Start, max(last.End, f.End)
				if f.Confidence > last.Confidence {
					*last = f
				}
				last.Start, last.End = start, end
				continue
			}
		}
		out = append(out, f)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// nearDuplicate reports spans that overlap, or whose start and end both
// lie within tolerance of each other.
func nearDuplicate(a, b model.Finding, tolerance int) bool {
	if a.End <= a.Start || b.End <= b.Start {
		return false
	}
	if b.Start < a.End {
		return true
	}
	return abs(b.Start-a.Start) <= tolerance && abs(b.End-a.End) <= tolerance
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func hasCategory(findings []model.Finding, cat model.Category) bool {
	for _, f := range findings {
		if f.Category == cat {
			return true
		}
	}
	return false
}
