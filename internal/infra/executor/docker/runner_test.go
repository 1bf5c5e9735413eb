package docker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-review/internal/domain/ai"
	"github.com/bryanwahyu/automaton-review/internal/infra/ai/prompt"
)

const sampleSARIF = `{
  "version": "2.1.0",
  "runs": [{
    "tool": {"driver": {"name": "Semgrep", "rules": [
      {"id": "go.lang.security.audit.sqli", "shortDescription": {"text": "SQL injection"}, "help": {"text": "Use query args."}},
      {"id": "generic.secrets.api-key", "shortDescription": {"text": "Hardcoded API key"}}
    ]}},
    "results": [
      {"ruleId": "go.lang.security.audit.sqli", "level": "error", "message": {"text": "query built from input"},
       "locations": [{"physicalLocation": {"region": {"startLine": 12}}}]},
      {"ruleId": "generic.secrets.api-key", "level": "note", "message": {"text": "api key literal"},
       "properties": {"severity": "CRITICAL"}},
      {"ruleId": "style.unused", "message": {"text": "unused var"}}
    ]
  }]
}`

func TestParseSARIF(t *testing.T) {
	rep, err := ParseSARIF([]byte(sampleSARIF), "Go")
	require.NoError(t, err)
	require.Len(t, rep.Findings, 3)

	sqli := rep.Findings[0]
	assert.Equal(t, "SQL injection", sqli.Title)
	assert.Equal(t, prompt.SeverityHigh, sqli.Severity)
	assert.Equal(t, 12, sqli.Line)
	assert.Equal(t, "Use query args.", sqli.Recommendation)

	assert.Equal(t, prompt.SeverityCritical, rep.Findings[1].Severity)
	// no level means warning
	assert.Equal(t, prompt.SeverityMedium, rep.Findings[2].Severity)
	assert.Equal(t, "style.unused", rep.Findings[2].Title)

	assert.Equal(t, "go", rep.Language)
	assert.Equal(t, "semgrep", rep.Engine)
}

func TestParseSARIF_Invalid(t *testing.T) {
	_, err := ParseSARIF([]byte("<html>"), "go")
	assert.Error(t, err)
}

func mountDir(t *testing.T, args []string) string {
	t.Helper()
	for i, a := range args {
		if a == "-v" && i+1 < len(args) {
			return strings.TrimSuffix(args[i+1], ":/src")
		}
	}
	t.Fatal("no volume flag")
	return ""
}

func TestRunner_Analyze(t *testing.T) {
	rules := t.TempDir()
	r := NewRunner(Config{
		TempDir:         t.TempDir(),
		RulesDir:        rules,
		AllowedRulesets: []string{"/rules/python.yml"},
		Heartbeat:       time.Hour,
	})
	var gotArgs []string
	var gotCode string
	r.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		assert.Equal(t, "docker", name)
		gotArgs = args
		dir := mountDir(t, args)
		code, err := os.ReadFile(filepath.Join(dir, "code.py"))
		if err != nil {
			return nil, err
		}
		gotCode = string(code)
		return nil, os.WriteFile(filepath.Join(dir, reportName), []byte(sampleSARIF), 0o600)
	}

	var beats int
	out, err := r.Analyze(context.Background(), ai.Request{
		Code:     "import os\n",
		Language: "python",
		Options:  map[string]string{"ruleset": "/rules/python.yml"},
	}, func(any) { beats++ })
	require.NoError(t, err)

	var rep prompt.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Len(t, rep.Findings, 3)
	assert.Equal(t, 3, rep.Counts.Total)
	assert.Equal(t, "import os\n", gotCode)
	assert.Equal(t, "/rules/python.yml", flagValue(gotArgs, "--config"))
	assert.Contains(t, gotArgs, rules+":/rules:ro")
	assert.Contains(t, gotArgs, defaultImage)
	assert.Contains(t, gotArgs, "none")
	assert.Equal(t, 1, beats)

	// scratch dir removed
	entries, err := os.ReadDir(r.cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func flagValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestRunner_RulesetAllowList(t *testing.T) {
	r := NewRunner(Config{TempDir: t.TempDir(), AllowedRulesets: []string{"/rules/go.yml"}})
	var configs []string
	r.run = func(_ context.Context, _ string, args ...string) ([]byte, error) {
		configs = append(configs, flagValue(args, "--config"))
		return nil, os.WriteFile(filepath.Join(mountDir(t, args), reportName), []byte(`{"runs":[]}`), 0o600)
	}

	for _, opt := range []string{"", " ", RulesMount, "/rules/go.yml"} {
		_, err := r.Analyze(context.Background(), ai.Request{Code: "x", Options: map[string]string{"ruleset": opt}}, nil)
		require.NoError(t, err, opt)
	}
	assert.Equal(t, []string{RulesMount, RulesMount, RulesMount, "/rules/go.yml"}, configs)

	// registry configs need network the container does not have
	for _, opt := range []string{"auto", "p/default", "/etc"} {
		_, err := r.Analyze(context.Background(), ai.Request{Code: "x", Options: map[string]string{"ruleset": opt}}, nil)
		assert.ErrorIs(t, err, ErrRulesetNotAllowed, opt)
	}
	assert.Len(t, configs, 4)

	abs, err := filepath.Abs(defaultRulesDir)
	require.NoError(t, err)
	assert.Contains(t, r.args("/w", abs, "code.go", RulesMount), abs+":/rules:ro")
}

func TestRunner_FailsWithoutReport(t *testing.T) {
	r := NewRunner(Config{TempDir: t.TempDir()})
	r.run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("Cannot connect to the Docker daemon"), errors.New("exit status 125")
	}
	_, err := r.Analyze(context.Background(), ai.Request{Code: "x", Language: "go"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Docker daemon")
}

func TestRunner_HeartbeatWhileRunning(t *testing.T) {
	r := NewRunner(Config{TempDir: t.TempDir(), Heartbeat: 5 * time.Millisecond})
	r.run = func(_ context.Context, _ string, args ...string) ([]byte, error) {
		time.Sleep(60 * time.Millisecond)
		return nil, os.WriteFile(filepath.Join(mountDir(t, args), reportName), []byte(`{"runs":[]}`), 0o600)
	}
	var beats int
	_, err := r.Analyze(context.Background(), ai.Request{Code: "x", Language: "go"}, func(any) { beats++ })
	require.NoError(t, err)
	assert.Greater(t, beats, 2)
}

func TestRunner_CancelledContext(t *testing.T) {
	r := NewRunner(Config{TempDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	r.run = func(context.Context, string, ...string) ([]byte, error) {
		cancel()
		return nil, context.Canceled
	}
	_, err := r.Analyze(ctx, ai.Request{Code: "x"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".go", extensionFor("Golang"))
	assert.Equal(t, ".ts", extensionFor("ts"))
	assert.Equal(t, ".txt", extensionFor("cobol"))
}
