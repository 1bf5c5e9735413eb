package docker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bryanwahyu/automaton-review/internal/infra/ai/prompt"
)

const engineName = "semgrep"

type sarifDoc struct {
	Runs []struct {
		Tool struct {
			Driver struct {
				Rules []struct {
					ID               string `json:"id"`
					ShortDescription struct {
						Text string `json:"text"`
					} `json:"shortDescription"`
					Help struct {
						Text string `json:"text"`
					} `json:"help"`
				} `json:"rules"`
			} `json:"driver"`
		} `json:"tool"`
		Results []struct {
			RuleID  string `json:"ruleId"`
			Level   string `json:"level"`
			Message struct {
				Text string `json:"text"`
			} `json:"message"`
			Locations []struct {
				PhysicalLocation struct {
					Region struct {
						StartLine int `json:"startLine"`
					} `json:"region"`
				} `json:"physicalLocation"`
			} `json:"locations"`
			Properties map[string]any `json:"properties"`
		} `json:"results"`
	} `json:"runs"`
}

// ParseSARIF converts a SARIF 2.1 document into a report. Severity comes from
// result properties when present, otherwise from the SARIF level.
func ParseSARIF(raw []byte, language string) (*prompt.Report, error) {
	var doc sarifDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode sarif: %w", err)
	}
	report := prompt.NewReport(engineName, strings.ToLower(language))
	for _, run := range doc.Runs {
		titles := make(map[string]string, len(run.Tool.Driver.Rules))
		help := make(map[string]string, len(run.Tool.Driver.Rules))
		for _, r := range run.Tool.Driver.Rules {
			titles[r.ID] = r.ShortDescription.Text
			help[r.ID] = r.Help.Text
		}
		for _, res := range run.Results {
			sev := propertySeverity(res.Properties)
			if sev == "" {
				sev = res.Level
			}
			if sev == "" {
				// SARIF default level
				sev = "warning"
			}
			title := titles[res.RuleID]
			if title == "" {
				title = res.RuleID
			}
			line := 0
			if len(res.Locations) > 0 {
				line = res.Locations[0].PhysicalLocation.Region.StartLine
			}
			report.Add(prompt.Finding{
				RuleID:         res.RuleID,
				Title:          title,
				Severity:       sev,
				Line:           line,
				Summary:        res.Message.Text,
				Recommendation: help[res.RuleID],
			})
		}
	}
	return report, nil
}

func propertySeverity(props map[string]any) string {
	for _, k := range []string{"severity", "Severity"} {
		if v, ok := props[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
