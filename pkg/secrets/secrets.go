// Package secrets detects and scrubs credentials from context content
// before it is persisted or indexed, using the Gitleaks SDK rule set.
package secrets

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Finding is a detected secret with its location. Line is a zero-based
// line index; StartCol and EndCol are byte offsets into that line, with
// EndCol exclusive, so the secret is line[StartCol:EndCol].
type Finding struct {
	RuleID      string // Gitleaks rule ID (e.g. "aws-access-token")
	Description string
	Line        int
	StartCol    int
	EndCol      int
	Secret      string
}

// ScrubResult holds scrubbed content plus its audit trail. The audit never
// contains full secret values.
type ScrubResult struct {
	Content string
	Audit   AuditLog
}

// Scrubber scans content with the default Gitleaks rules, minus whatever
// the allowlist excludes. A nil Scrubber passes content through untouched,
// so callers can wire it optionally.
type Scrubber struct {
	allowlist *Allowlist
}

// NewScrubber creates a scrubber. allowlist may be nil.
func NewScrubber(allowlist *Allowlist) *Scrubber {
	return &Scrubber{allowlist: allowlist}
}

// Detect scans content and returns findings with position information.
func (s *Scrubber) Detect(content string) ([]Finding, error) {
	if s == nil || content == "" {
		return nil, nil
	}
	// The default config carries 800+ rules; a fresh detector per call
	// keeps the accumulated findings state from growing in the daemon.
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}
	if s.allowlist != nil {
		applyAllowlist(&detector.Config, s.allowlist)
	}

	// DetectString reports zero-based lines, one-based start columns, and
	// an end column one byte short of the match end. Normalize into slice
	// coordinates here so downstream code never repeats the conversion.
	raw := detector.DetectString(content)
	findings := make([]Finding, 0, len(raw))
	for _, f := range raw {
		findings = append(findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			StartCol:    f.StartColumn - 1,
			EndCol:      f.EndColumn + 1,
			Secret:      f.Secret,
		})
	}
	return findings, nil
}

// Scrub replaces detected secrets with [REDACTED:rule-id:preview] markers.
// The marker keeps semantic context for search while hiding the value.
func (s *Scrubber) Scrub(content string) (ScrubResult, error) {
	start := time.Now()
	findings, err := s.Detect(content)
	if err != nil {
		return ScrubResult{}, err
	}
	result := ScrubResult{
		Content: content,
		Audit:   buildAuditLog(findings, time.Since(start)),
	}
	if len(findings) > 0 {
		result.Content = replaceFindings(content, findings)
	}
	return result, nil
}

// replaceFindings rewrites secrets into markers, walking findings in
// reverse position order so earlier replacements do not shift later
// columns.
func replaceFindings(content string, findings []Finding) string {
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Line != sorted[j].Line {
			return sorted[i].Line > sorted[j].Line
		}
		return sorted[i].StartCol > sorted[j].StartCol
	})

	lines := strings.Split(content, "\n")
	for _, f := range sorted {
		if f.Line < 0 || f.Line >= len(lines) {
			continue
		}
		line := lines[f.Line]
		if f.StartCol < 0 || f.EndCol > len(line) || f.StartCol > f.EndCol {
			continue
		}
		marker := fmt.Sprintf("[REDACTED:%s:%s]", f.RuleID, preview(f.Secret, 4))
		lines[f.Line] = line[:f.StartCol] + marker + line[f.EndCol:]
	}
	return strings.Join(lines, "\n")
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// applyAllowlist merges user patterns into the Gitleaks config. Patterns
// were validated at load time; a compile failure here is a bug.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "directord allowlist",
	}
	for _, pattern := range allowlist.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic("unvalidated allowlist path pattern: " + pattern + ": " + err.Error())
		}
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic("unvalidated allowlist content pattern: " + pattern + ": " + err.Error())
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}
