// Package config loads twiddle's single TOML configuration file, applying
// environment-variable fallbacks and documented defaults so the core agent
// loop runs unconfigured.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/jmeyers35/twiddle/internal/sandbox"
)

// maxConfigBytes is the hard cap on twiddle.toml's size before it is even
// handed to the TOML decoder.
const maxConfigBytes = 64 * 1024

// ApprovalPolicy controls whether workspace-write tool calls prompt the
// operator before running.
type ApprovalPolicy int

const (
	// OnRequest prompts on the first workspace-write escalation each
	// session.
	OnRequest ApprovalPolicy = iota
	// Never short-circuits every workspace-write escalation to failure
	// without prompting.
	Never
)

// ParseApprovalPolicy parses the TOML-facing enum spelling of an approval
// policy.
func ParseApprovalPolicy(s string) (ApprovalPolicy, error) {
	switch s {
	case "on-request":
		return OnRequest, nil
	case "never":
		return Never, nil
	default:
		return 0, fmt.Errorf("config: unknown approval_policy %q", s)
	}
}

func (p ApprovalPolicy) String() string {
	switch p {
	case OnRequest:
		return "on-request"
	case Never:
		return "never"
	default:
		return "unknown"
	}
}

// ObservabilityConfig configures the optional metrics listener and trace
// exporter. Both fields are absent (empty) by default.
type ObservabilityConfig struct {
	MetricsAddr   string `toml:"metrics_addr"`
	TraceEndpoint string `toml:"trace_endpoint"`
}

// TranscriptConfig configures the optional session transcript store.
type TranscriptConfig struct {
	SQLitePath string `toml:"sqlite_path"`
}

// MCPConfig configures the optional Model Context Protocol bridge.
type MCPConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// rawConfig mirrors twiddle.toml's on-disk shape, with the two enum fields
// left as strings so malformed values can be reported as ConfigParseFailed
// rather than silently zero-valued by the TOML decoder.
type rawConfig struct {
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	APIKey         string `toml:"api_key"`
	SandboxMode    string `toml:"sandbox_mode"`
	ApprovalPolicy string `toml:"approval_policy"`

	Observability ObservabilityConfig `toml:"observability"`
	Transcript    TranscriptConfig    `toml:"transcript"`
	MCP           MCPConfig           `toml:"mcp"`
}

// Config is twiddle's fully resolved, validated configuration.
type Config struct {
	BaseURL        string
	Model          string
	APIKey         string
	SandboxMode    sandbox.Mode
	ApprovalPolicy ApprovalPolicy

	Observability ObservabilityConfig
	Transcript    TranscriptConfig
	MCP           MCPConfig
}

// ErrorKind names a configuration failure without embedding a message, so
// callers can map it to the exit-code taxonomy.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindConfigTooLarge means the file on disk exceeded maxConfigBytes.
	KindConfigTooLarge
	// KindConfigParseFailed means the TOML was malformed, or an enum
	// field held an unrecognized value.
	KindConfigParseFailed
)

// Error is a typed configuration failure.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// DefaultPath returns the platform-appropriate twiddle.toml location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".twiddle", "twiddle.toml"), nil
}

// Default returns twiddle's documented zero-configuration defaults.
func Default() Config {
	return Config{
		BaseURL:        "https://openrouter.ai/api",
		Model:          "openai/gpt-5-codex",
		SandboxMode:    sandbox.ReadOnly,
		ApprovalPolicy: OnRequest,
	}
}

// Load reads and validates the TOML file at path, falling back to Default()
// for any field the file omits. A missing file is not an error: it yields
// the defaults unchanged. api_key falls back to the OPENAI_API_KEY
// environment variable when the file omits it; a completely absent key is
// not validated here (ApiKeyMissing is raised lazily, at first use, so
// --help never requires a key).
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return applyEnvFallback(cfg), nil
	}
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Config{}, err
	}
	if info.Size() > maxConfigBytes {
		return Config{}, &Error{Kind: KindConfigTooLarge, Msg: fmt.Sprintf("config: twiddle.toml is %d bytes, exceeds %d byte limit", info.Size(), maxConfigBytes)}
	}

	data, err := io.ReadAll(io.LimitReader(f, maxConfigBytes+1))
	if err != nil {
		return Config{}, err
	}
	if len(data) > maxConfigBytes {
		return Config{}, &Error{Kind: KindConfigTooLarge, Msg: fmt.Sprintf("config: twiddle.toml exceeds %d byte limit", maxConfigBytes)}
	}

	var raw rawConfig
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return Config{}, &Error{Kind: KindConfigParseFailed, Msg: fmt.Sprintf("config: malformed twiddle.toml: %v", err)}
	}

	if raw.BaseURL != "" {
		cfg.BaseURL = raw.BaseURL
	}
	if raw.Model != "" {
		cfg.Model = raw.Model
	}
	if raw.APIKey != "" {
		cfg.APIKey = raw.APIKey
	}
	if raw.SandboxMode != "" {
		mode, err := sandbox.ParseMode(raw.SandboxMode)
		if err != nil {
			return Config{}, &Error{Kind: KindConfigParseFailed, Msg: fmt.Sprintf("config: %v", err)}
		}
		cfg.SandboxMode = mode
	}
	if raw.ApprovalPolicy != "" {
		policy, err := ParseApprovalPolicy(raw.ApprovalPolicy)
		if err != nil {
			return Config{}, &Error{Kind: KindConfigParseFailed, Msg: fmt.Sprintf("config: %v", err)}
		}
		cfg.ApprovalPolicy = policy
	}

	cfg.Observability = raw.Observability
	cfg.Transcript = raw.Transcript
	cfg.MCP = raw.MCP

	return applyEnvFallback(cfg), nil
}

func applyEnvFallback(cfg Config) Config {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg
}
