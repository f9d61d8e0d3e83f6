package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmeyers35/twiddle/internal/sandbox"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "twiddle.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.BaseURL != want.BaseURL || cfg.Model != want.Model {
		t.Fatalf("cfg = %+v, want defaults %+v", cfg, want)
	}
	if cfg.SandboxMode != sandbox.ReadOnly {
		t.Fatalf("SandboxMode = %v, want ReadOnly", cfg.SandboxMode)
	}
	if cfg.ApprovalPolicy != OnRequest {
		t.Fatalf("ApprovalPolicy = %v, want OnRequest", cfg.ApprovalPolicy)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "twiddle.toml")
	contents := `
base_url = "https://example.invalid/api"
model = "custom/model"
sandbox_mode = "workspace-write"
approval_policy = "never"

[observability]
metrics_addr = ":9090"

[transcript]
sqlite_path = "/tmp/twiddle.db"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseURL != "https://example.invalid/api" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.Model != "custom/model" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if cfg.SandboxMode != sandbox.WorkspaceWrite {
		t.Errorf("SandboxMode = %v", cfg.SandboxMode)
	}
	if cfg.ApprovalPolicy != Never {
		t.Errorf("ApprovalPolicy = %v", cfg.ApprovalPolicy)
	}
	if cfg.Observability.MetricsAddr != ":9090" {
		t.Errorf("Observability.MetricsAddr = %q", cfg.Observability.MetricsAddr)
	}
	if cfg.Transcript.SQLitePath != "/tmp/twiddle.db" {
		t.Errorf("Transcript.SQLitePath = %q", cfg.Transcript.SQLitePath)
	}
}

func TestLoadAPIKeyFallsBackToEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key-value")
	dir := t.TempDir()
	path := filepath.Join(dir, "twiddle.toml")
	if err := os.WriteFile(path, []byte(`model = "custom/model"`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "env-key-value" {
		t.Fatalf("APIKey = %q, want env fallback", cfg.APIKey)
	}
}

func TestLoadFileAPIKeyTakesPrecedenceOverEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key-value")
	dir := t.TempDir()
	path := filepath.Join(dir, "twiddle.toml")
	if err := os.WriteFile(path, []byte(`api_key = "file-key-value"`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "file-key-value" {
		t.Fatalf("APIKey = %q, want file value", cfg.APIKey)
	}
}

func TestLoadConfigTooLarge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "twiddle.toml")
	oversized := "base_url = \"https://example.invalid\"\n# " + strings.Repeat("x", maxConfigBytes+1) + "\n"
	if err := os.WriteFile(path, []byte(oversized), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(path)
	var cfgErr *Error
	if err == nil {
		t.Fatal("expected error for oversized config")
	}
	if !asError(err, &cfgErr) || cfgErr.Kind != KindConfigTooLarge {
		t.Fatalf("err = %v, want KindConfigTooLarge", err)
	}
}

func TestLoadMalformedTOMLIsParseFailed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "twiddle.toml")
	if err := os.WriteFile(path, []byte("base_url = ["), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(path)
	var cfgErr *Error
	if err == nil {
		t.Fatal("expected error for malformed TOML")
	}
	if !asError(err, &cfgErr) || cfgErr.Kind != KindConfigParseFailed {
		t.Fatalf("err = %v, want KindConfigParseFailed", err)
	}
}

func TestLoadUnknownSandboxModeIsParseFailed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "twiddle.toml")
	if err := os.WriteFile(path, []byte(`sandbox_mode = "sudo-everything"`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(path)
	var cfgErr *Error
	if err == nil {
		t.Fatal("expected error for unknown sandbox_mode")
	}
	if !asError(err, &cfgErr) || cfgErr.Kind != KindConfigParseFailed {
		t.Fatalf("err = %v, want KindConfigParseFailed", err)
	}
}

func TestLoadUnknownApprovalPolicyIsParseFailed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "twiddle.toml")
	if err := os.WriteFile(path, []byte(`approval_policy = "ask-nicely"`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(path)
	var cfgErr *Error
	if err == nil {
		t.Fatal("expected error for unknown approval_policy")
	}
	if !asError(err, &cfgErr) || cfgErr.Kind != KindConfigParseFailed {
		t.Fatalf("err = %v, want KindConfigParseFailed", err)
	}
}

func TestLoadUnknownKeysAreIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "twiddle.toml")
	if err := os.WriteFile(path, []byte("model = \"custom/model\"\nfuture_key = \"whatever\"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "custom/model" {
		t.Fatalf("Model = %q", cfg.Model)
	}
}

func TestParseApprovalPolicyRoundTrip(t *testing.T) {
	for _, s := range []string{"on-request", "never"} {
		p, err := ParseApprovalPolicy(s)
		if err != nil {
			t.Fatalf("ParseApprovalPolicy(%q): %v", s, err)
		}
		if p.String() != s {
			t.Fatalf("String() = %q, want %q", p.String(), s)
		}
	}
	if _, err := ParseApprovalPolicy("bogus"); err == nil {
		t.Fatal("expected error for unknown approval policy")
	}
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if ok {
		*target = e
	}
	return ok
}
