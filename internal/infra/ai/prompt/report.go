package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity values used across engines
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// MaxFindings keeps reports compact.
const MaxFindings = 50

type Finding struct {
	RuleID         string `json:"rule_id,omitempty"`
	Title          string `json:"title"`
	Severity       string `json:"severity"`
	Line           int    `json:"line,omitempty"`
	Summary        string `json:"summary"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Counts follows the system prompt schema: info is tracked but not part of total.
type Counts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

// Report is the result payload every engine produces.
type Report struct {
	Engine    string    `json:"engine"`
	Language  string    `json:"language,omitempty"`
	Counts    Counts    `json:"counts"`
	Findings  []Finding `json:"findings"`
	Truncated bool      `json:"truncated,omitempty"`
	Advice    string    `json:"advice"`
}

func NewReport(engine, language string) *Report {
	return &Report{Engine: engine, Language: language, Findings: []Finding{}}
}

// NormalizeSeverity maps tool-specific labels onto the five report severities.
func NormalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical
	case "high", "error":
		return SeverityHigh
	case "medium", "moderate", "warning":
		return SeverityMedium
	case "low", "note":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Add appends a finding and updates counts. It returns false once the report is full.
func (r *Report) Add(f Finding) bool {
	if len(r.Findings) >= MaxFindings {
		r.Truncated = true
		return false
	}
	f.Severity = NormalizeSeverity(f.Severity)
	r.Findings = append(r.Findings, f)
	switch f.Severity {
	case SeverityCritical:
		r.Counts.Critical++
	case SeverityHigh:
		r.Counts.High++
	case SeverityMedium:
		r.Counts.Medium++
	case SeverityLow:
		r.Counts.Low++
	default:
		r.Counts.Info++
	}
	return true
}

// Finalize fixes the total and composes advice.
func (r *Report) Finalize() {
	r.Counts.Total = r.Counts.Critical + r.Counts.High + r.Counts.Medium + r.Counts.Low
	switch {
	case r.Counts.Critical > 0:
		r.Advice = "Immediate action required: rotate exposed credentials and fix critical issues before merging."
	case r.Counts.High+r.Counts.Medium > 0:
		r.Advice = "Address the high and medium findings, then re-run the review."
	case r.Counts.Low > 0:
		r.Advice = "Only minor issues found; clean them up when convenient."
	default:
		r.Advice = "No issues detected by this engine. False negatives are possible."
	}
}

// JSON finalizes and marshals the report.
func (r *Report) JSON() (string, error) {
	r.Finalize()
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	return string(b), nil
}
