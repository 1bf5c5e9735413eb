package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// maxPromptCode caps how much source goes into one prompt.
const maxPromptCode = 48 * 1024

// GetSystemPrompt provides strict directions and schema for JSON output.
func GetSystemPrompt() string {
	return `You are a senior code reviewer focused on security and correctness. You must produce one valid JSON object only (no markdown, no commentary) that follows the schema below. Do not include code fences.

Requirements:
- Output must be a single JSON object.
- Use lowercase severity values: critical, high, medium, low, info.
- counts.total must equal counts.critical + counts.high + counts.medium + counts.low.
- findings is an array of objects; include at least a title, severity, and summary. Keep items concise.
- line is the 1-based line number in the submitted code when a finding points at a specific line, otherwise 0.
- Only report issues you can point at in the submitted code. Do not invent files or context.

Schema (example with empty values):
{
  "engine": "openai",
  "language": "<string>",
  "counts": {"critical": 0, "high": 0, "medium": 0, "low": 0, "info": 0, "total": 0},
  "findings": [
    {
      "rule_id": "<string>",
      "title": "<string>",
      "severity": "<critical|high|medium|low|info>",
      "line": 0,
      "summary": "<string>",
      "recommendation": "<string>"
    }
  ],
  "advice": "<string>"
}`
}

// GetUserPrompt builds the user message around the submitted code. Long code is truncated.
func GetUserPrompt(code, language string, options map[string]string) string {
	if language == "" {
		language = "unknown"
	}
	truncated := ""
	if len(code) > maxPromptCode {
		code = code[:maxPromptCode]
		truncated = "\n(The code was truncated; review only what is shown.)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Review the following %s code and respond with the JSON per schema.", language)
	if len(options) > 0 {
		keys := make([]string, 0, len(options))
		for k := range options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nReviewer options:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, options[k])
		}
	}
	b.WriteString(truncated)
	b.WriteString("\n\n<code>\n")
	b.WriteString(code)
	b.WriteString("\n</code>")
	return b.String()
}
