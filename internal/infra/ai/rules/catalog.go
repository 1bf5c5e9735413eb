package rules

import "regexp"

var jsFamily = []string{"javascript", "typescript"}

// DefaultRules is the built-in catalog: credential detectors plus common unsafe code patterns.
func DefaultRules() []Rule {
	return []Rule{
		// Secret and credential detectors
		{ID: "private-key", Title: "Private key material committed", Severity: "critical",
			Pattern:        regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
			Recommendation: "Remove private keys from the code; use a secrets manager and rotate affected keys immediately."},
		{ID: "aws-access-key", Title: "AWS access key exposed", Severity: "critical",
			Pattern:        regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
			Recommendation: "Revoke the access key and load credentials from IAM roles or a secret manager."},
		{ID: "aws-secret-key", Title: "AWS secret access key exposed", Severity: "critical",
			Pattern:        regexp.MustCompile(`(?i)aws_secret_access_key\s*[:=]\s*["']?[A-Za-z0-9/+=]{20,}`),
			Recommendation: "Rotate the secret, audit usage, and move to role-based access."},
		{ID: "github-token", Title: "GitHub token exposed", Severity: "critical",
			Pattern:        regexp.MustCompile(`(?:gh[pousr]_|github_pat_)[A-Za-z0-9_]{20,}`),
			Recommendation: "Revoke the token and inject a narrowly scoped one from CI secrets."},
		{ID: "google-api-key", Title: "Google API key exposed", Severity: "critical",
			Pattern:        regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`),
			Recommendation: "Restrict and rotate the key, then move it to secret management."},
		{ID: "slack-token", Title: "Slack token exposed", Severity: "critical",
			Pattern:        regexp.MustCompile(`xox[baprs]-[A-Za-z0-9\-]{10,}`),
			Recommendation: "Revoke the token in Slack admin and scope the replacement minimally."},
		{ID: "stripe-secret-key", Title: "Stripe secret key exposed", Severity: "critical",
			Pattern:        regexp.MustCompile(`sk_(?:live|test)_[0-9A-Za-z]{10,}`),
			Recommendation: "Rotate the key in the Stripe dashboard and keep it server-side."},
		{ID: "openai-api-key", Title: "OpenAI API key exposed", Severity: "critical",
			Pattern:        regexp.MustCompile(`\bsk-(?:proj-)?[A-Za-z0-9_\-]{20,}`),
			Recommendation: "Revoke and rotate the key; keep keys in the environment or a secret manager."},
		{ID: "jwt", Title: "JWT token present", Severity: "high",
			Pattern:        regexp.MustCompile(`eyJ[A-Za-z0-9_\-]{5,}\.eyJ[A-Za-z0-9_\-]{5,}\.[A-Za-z0-9_\-]{10,}`),
			Recommendation: "Do not commit tokens; invalidate the session and prefer short-lived tokens."},
		{ID: "url-credentials", Title: "Credentials embedded in URL", Severity: "high",
			Pattern:        regexp.MustCompile(`[a-z][a-z0-9+.\-]*://[^\s/:@"']+:[^\s/@"']+@`),
			Recommendation: "Strip credentials from URLs; pass them via configuration or a secret store."},
		{ID: "hardcoded-secret", Title: "Sensitive credential literal detected", Severity: "high",
			Pattern:        regexp.MustCompile(`(?i)\b(?:api[_-]?key|client[_-]?secret|secret|token|password|passwd)\b\s*[:=]+\s*["'][^\s"']{8,}["']`),
			Recommendation: "Do not hardcode secrets. Read them from the environment or a secret manager."},

		// Unsafe code patterns
		{ID: "tls-skip-verify", Title: "TLS certificate verification disabled", Severity: "high",
			Pattern:        regexp.MustCompile(`InsecureSkipVerify:\s*true|verify\s*=\s*False|rejectUnauthorized:\s*false`),
			Recommendation: "Keep certificate verification on; trust a private CA explicitly if needed."},
		{ID: "sql-concat", Title: "SQL built by string concatenation", Severity: "high",
			Pattern:        regexp.MustCompile(`(?i)["'\x60]\s*(?:select|insert\s+into|update|delete\s+from)\b[^"'\x60]*["'\x60]\s*\+`),
			Recommendation: "Use parameterized queries or prepared statements."},
		{ID: "sql-sprintf", Title: "SQL built with fmt.Sprintf", Severity: "high",
			Pattern:        regexp.MustCompile(`(?i)fmt\.Sprintf\(\s*["\x60]\s*(?:select|insert|update|delete)\b`),
			Recommendation: "Pass values as query arguments instead of formatting them into SQL.",
			Languages:      []string{"go"}},
		{ID: "shell-exec", Title: "Command executed through a shell", Severity: "medium",
			Pattern:        regexp.MustCompile(`exec\.Command(?:Context)?\([^)]*"(?:sh|bash)",\s*"-c"`),
			Recommendation: "Invoke the binary directly with an argument list; never interpolate input into a shell string.",
			Languages:      []string{"go"}},
		{ID: "python-shell", Title: "Command executed through a shell", Severity: "high",
			Pattern:        regexp.MustCompile(`os\.system\(|subprocess\.[a-z_]+\([^)]*shell\s*=\s*True`),
			Recommendation: "Use subprocess with an argument list and shell=False.",
			Languages:      []string{"python"}},
		{ID: "python-eval", Title: "Dynamic code evaluation", Severity: "high",
			Pattern:        regexp.MustCompile(`\b(?:eval|exec)\(`),
			Recommendation: "Avoid eval/exec on anything derived from input; use ast.literal_eval or a parser.",
			Languages:      []string{"python"}},
		{ID: "python-pickle", Title: "Unsafe deserialization", Severity: "high",
			Pattern:        regexp.MustCompile(`pickle\.loads?\(`),
			Recommendation: "Do not unpickle untrusted data; prefer JSON or a schema-checked format.",
			Languages:      []string{"python"}},
		{ID: "js-eval", Title: "Dynamic code evaluation", Severity: "high",
			Pattern:        regexp.MustCompile(`\beval\(|new Function\(`),
			Recommendation: "Remove eval; parse data with JSON.parse or a dedicated parser.",
			Languages:      jsFamily},
		{ID: "js-inner-html", Title: "Unescaped HTML sink", Severity: "medium",
			Pattern:        regexp.MustCompile(`\.innerHTML\s*=|dangerouslySetInnerHTML`),
			Recommendation: "Use textContent or sanitize the HTML before inserting it.",
			Languages:      jsFamily},
		{ID: "weak-hash", Title: "Weak hash algorithm", Severity: "medium",
			Pattern:        regexp.MustCompile(`\b(?:md5|sha1)\.(?:New|Sum)\b|hashlib\.(?:md5|sha1)\(|createHash\(\s*["'](?:md5|sha1)["']`),
			Recommendation: "Use SHA-256 or better; use bcrypt/argon2 for passwords."},
		{ID: "insecure-http-api", Title: "Insecure HTTP reference", Severity: "medium",
			Pattern:        regexp.MustCompile(`(?i)http://[^\s"'\x60]*api[^\s"'\x60]*`),
			Recommendation: "Prefer HTTPS for all API endpoints."},
		{ID: "unresolved-todo", Title: "Unresolved TODO", Severity: "info",
			Pattern:        regexp.MustCompile(`\b(?:TODO|FIXME|XXX)\b`),
			Recommendation: "Track the follow-up in an issue or resolve it before merging."},
	}
}
