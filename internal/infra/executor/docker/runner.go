package docker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bryanwahyu/automaton-review/internal/domain/ai"
)

const (
	defaultImage     = "semgrep/semgrep:latest"
	defaultRulesDir  = "./rules"
	defaultHeartbeat = 5 * time.Second
	reportName       = "report.sarif"

	// RulesMount is where RulesDir appears inside the container.
	RulesMount = "/rules"
)

// ErrRulesetNotAllowed rejects an options.ruleset outside Config.AllowedRulesets.
var ErrRulesetNotAllowed = errors.New("ruleset not allowed")

// The container runs without network, so semgrep registry configs (auto, p/...)
// cannot be fetched. Rules come from RulesDir or from the image itself.
type Config struct {
	Binary   string // default "docker"
	Image    string // default semgrep/semgrep:latest
	RulesDir string // host dir mounted read-only at /rules, default ./rules
	Ruleset  string // default semgrep --config value, default /rules

	// AllowedRulesets are the extra --config values a request may pick through
	// options.ruleset. The default Ruleset is always allowed.
	AllowedRulesets []string

	TempDir   string        // default ./temp
	Heartbeat time.Duration // progress beat while the container runs
}

// Runner executes semgrep in a throwaway container against the submitted code.
type Runner struct {
	cfg Config
	// run is swapped in tests
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewRunner(cfg Config) *Runner {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.RulesDir == "" {
		cfg.RulesDir = defaultRulesDir
	}
	if cfg.Ruleset == "" {
		cfg.Ruleset = RulesMount
	}
	// Use ./temp directory instead of system temp
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(".", "temp")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	return &Runner{cfg: cfg, run: combinedOutput}
}

func combinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (r *Runner) args(workDir, rulesDir, file, ruleset string) []string {
	return []string{
		"run", "--rm", "--network", "none",
		"-v", fmt.Sprintf("%s:/src", workDir),
		"-v", fmt.Sprintf("%s:%s:ro", rulesDir, RulesMount),
		r.cfg.Image,
		"semgrep", "scan",
		"--config", ruleset,
		"--sarif", "--output", "/src/" + reportName,
		"--metrics", "off", "--quiet",
		"/src/" + file,
	}
}

// ruleset picks the --config value for a request.
func (r *Runner) ruleset(opts map[string]string) (string, error) {
	v := strings.TrimSpace(opts["ruleset"])
	if v == "" || v == r.cfg.Ruleset {
		return r.cfg.Ruleset, nil
	}
	for _, allowed := range r.cfg.AllowedRulesets {
		if v == allowed {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrRulesetNotAllowed, v)
}

// Analyze writes the code to a scratch dir, runs the container and converts the
// SARIF report. Options: ruleset picks one of the allowed semgrep --config values.
func (r *Runner) Analyze(ctx context.Context, req ai.Request, progress ai.ProgressFunc) (string, error) {
	if progress == nil {
		progress = func(any) {}
	}
	ruleset, err := r.ruleset(req.Options)
	if err != nil {
		return "", err
	}
	rulesDir, err := filepath.Abs(r.cfg.RulesDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.cfg.TempDir, 0o750); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	workDir, err := os.MkdirTemp(r.cfg.TempDir, "semgrep-")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)
	absDir, err := filepath.Abs(workDir)
	if err != nil {
		return "", err
	}

	file := "code" + extensionFor(req.Language)
	if err := os.WriteFile(filepath.Join(absDir, file), []byte(req.Code), 0o640); err != nil {
		return "", fmt.Errorf("write code: %w", err)
	}

	// heartbeat selama container jalan
	stop := make(chan struct{})
	hbDone := make(chan struct{})
	start := time.Now()
	go func() {
		defer close(hbDone)
		t := time.NewTicker(r.cfg.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				progress(map[string]any{"stage": "semgrep", "elapsed_ms": time.Since(start).Milliseconds()})
			}
		}
	}()
	out, runErr := r.run(ctx, r.cfg.Binary, r.args(absDir, rulesDir, file, ruleset)...)
	close(stop)
	<-hbDone

	if err := ctx.Err(); err != nil {
		return "", err
	}
	// semgrep exits non-zero on findings with some flags; the report decides.
	raw, readErr := os.ReadFile(filepath.Join(absDir, reportName))
	if readErr != nil {
		var ee *exec.ExitError
		if runErr != nil && errors.As(runErr, &ee) {
			return "", fmt.Errorf("semgrep exited %d: %s", ee.ExitCode(), strings.TrimSpace(string(out)))
		}
		if runErr != nil {
			return "", fmt.Errorf("run error: %v, output=%s", runErr, string(out))
		}
		return "", fmt.Errorf("semgrep produced no report: %w", readErr)
	}

	report, err := ParseSARIF(raw, req.Language)
	if err != nil {
		return "", err
	}
	progress(map[string]any{"stage": "semgrep", "findings": len(report.Findings), "elapsed_ms": time.Since(start).Milliseconds()})
	return report.JSON()
}

func extensionFor(language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "go", "golang":
		return ".go"
	case "python", "py":
		return ".py"
	case "javascript", "js", "node":
		return ".js"
	case "typescript", "ts":
		return ".ts"
	case "java":
		return ".java"
	case "ruby", "rb":
		return ".rb"
	case "php":
		return ".php"
	case "c":
		return ".c"
	case "cpp", "c++":
		return ".cpp"
	case "csharp", "c#":
		return ".cs"
	case "rust":
		return ".rs"
	case "kotlin":
		return ".kt"
	case "yaml", "yml":
		return ".yaml"
	}
	return ".txt"
}
