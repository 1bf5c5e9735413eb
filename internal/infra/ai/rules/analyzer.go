// Package rules is the local inference engine: a regex rule set run over the
// submitted code with a cancellation checkpoint and a progress beat per rule.
package rules

import (
	"context"
	"regexp"
	"strings"

	"github.com/bryanwahyu/automaton-review/internal/domain/ai"
	"github.com/bryanwahyu/automaton-review/internal/infra/ai/prompt"
)

const (
	engineName = "rules"
	maxPerRule = 5
	sampleLen  = 64
)

// Rule is one detector. Empty Languages means every language.
type Rule struct {
	ID             string
	Title          string
	Severity       string
	Pattern        *regexp.Regexp
	Recommendation string
	Languages      []string
}

func (r Rule) appliesTo(language string) bool {
	if len(r.Languages) == 0 {
		return true
	}
	for _, l := range r.Languages {
		if l == language {
			return true
		}
	}
	return false
}

type Analyzer struct {
	rules []Rule
}

// New returns an analyzer with DefaultRules, or the given rules when non-empty.
func New(rules ...Rule) *Analyzer {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Analyzer{rules: rules}
}

// Analyze runs every applicable rule. Options:
//   - min_severity: drop findings below this severity (critical|high|medium|low|info)
func (a *Analyzer) Analyze(ctx context.Context, req ai.Request, progress ai.ProgressFunc) (string, error) {
	if progress == nil {
		progress = func(any) {}
	}
	language := normalizeLanguage(req.Language)
	minRank := severityRank(prompt.SeverityInfo)
	if v, ok := req.Options["min_severity"]; ok {
		minRank = severityRank(prompt.NormalizeSeverity(v))
	}

	applicable := make([]Rule, 0, len(a.rules))
	for _, r := range a.rules {
		if r.appliesTo(language) {
			applicable = append(applicable, r)
		}
	}

	report := prompt.NewReport(engineName, language)
	content := req.Code
	for i, r := range applicable {
		// checkpoint per rule
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if severityRank(r.Severity) >= minRank {
			for _, loc := range r.Pattern.FindAllStringIndex(content, maxPerRule) {
				report.Add(prompt.Finding{
					RuleID:         r.ID,
					Title:          r.Title,
					Severity:       r.Severity,
					Line:           strings.Count(content[:loc[0]], "\n") + 1,
					Summary:        "Example: " + trim(content[loc[0]:loc[1]], sampleLen),
					Recommendation: r.Recommendation,
				})
			}
		}
		progress(map[string]any{
			"stage":    engineName,
			"rule":     r.ID,
			"done":     i + 1,
			"total":    len(applicable),
			"findings": len(report.Findings),
		})
	}
	return report.JSON()
}

func trim(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func normalizeLanguage(l string) string {
	l = strings.ToLower(strings.TrimSpace(l))
	switch l {
	case "golang":
		return "go"
	case "js", "jsx", "node", "nodejs":
		return "javascript"
	case "ts", "tsx":
		return "typescript"
	case "py", "python3":
		return "python"
	}
	return l
}

func severityRank(s string) int {
	switch s {
	case prompt.SeverityCritical:
		return 4
	case prompt.SeverityHigh:
		return 3
	case prompt.SeverityMedium:
		return 2
	case prompt.SeverityLow:
		return 1
	}
	return 0
}
