// Command twiddle is a terminal coding agent: it drives a streamed
// chat-completion loop against a configured model, executing sandboxed
// file-system tools (directory listing, file reading, search, patching) on
// the model's behalf under an operator-controlled approval policy.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmeyers35/twiddle/internal/chat"
	"github.com/jmeyers35/twiddle/internal/config"
	"github.com/jmeyers35/twiddle/internal/convo"
	"github.com/jmeyers35/twiddle/internal/credential"
	"github.com/jmeyers35/twiddle/internal/executor"
	"github.com/jmeyers35/twiddle/internal/mcpserver"
	"github.com/jmeyers35/twiddle/internal/observability"
	"github.com/jmeyers35/twiddle/internal/sandbox"
	"github.com/jmeyers35/twiddle/internal/session"
	"github.com/jmeyers35/twiddle/internal/tracer"
	"github.com/jmeyers35/twiddle/internal/transcript"
)

// maxPromptFileBytes bounds --prompt-file, per the documented CLI surface.
const maxPromptFileBytes = 512 * 1024

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  logLevelFromEnv(),
		Format: "json",
		Output: logOutput(),
	})
	slog.SetDefault(slog.New(logger.Handler()))

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logLevelFromEnv() string {
	if os.Getenv("TWIDDLE_DEBUG") != "" {
		return "debug"
	}
	return "info"
}

// logOutput returns stderr, the process's default log sink, tee'd to
// TWIDDLE_LOG_FILE in append mode when that environment variable names a
// writable path.
func logOutput() io.Writer {
	path := os.Getenv("TWIDDLE_LOG_FILE")
	if path == "" {
		return os.Stderr
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "twiddle: TWIDDLE_LOG_FILE: %v\n", err)
		return os.Stderr
	}
	return io.MultiWriter(os.Stderr, f)
}

// runtime bundles everything a prompt/REPL/MCP session needs, assembled
// once per process invocation from configuration and flags.
type runtime struct {
	cfg        config.Config
	sb         *sandbox.Sandbox
	exec       *executor.Executor
	client     *chat.Client
	conv       *convo.Conversation
	store      *transcript.Store
	bus        *tracer.Bus
	otelTracer *observability.Tracer
	shutdown   func(context.Context) error
}

func (rt *runtime) Close() {
	if rt.store != nil {
		_ = rt.store.Close()
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.shutdown != nil {
		_ = rt.shutdown(context.Background())
	}
}

func buildRootCmd() *cobra.Command {
	var (
		configPath string
		prompt     string
		promptFile string
		resumeID   string
		mcpMode    bool
	)

	cmd := &cobra.Command{
		Use:     "twiddle",
		Short:   "A terminal coding agent that drives a sandboxed tool-executing chat loop",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage: errors at runtime (a failed turn, a rejected
		// patch) aren't usage errors and shouldn't dump the help text.
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMain(cmd, configPath, prompt, promptFile, resumeID, mcpMode)
		},
	}

	defaultConfigPath, _ := config.DefaultPath()
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to twiddle.toml")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Run a single headless turn with this text, then exit")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "Run a single headless turn reading the prompt from this file (max 512 KiB)")
	cmd.Flags().StringVar(&resumeID, "resume", "", "Reload a prior session's messages from the configured transcript store")
	cmd.Flags().BoolVar(&mcpMode, "mcp", false, "Run the MCP tool bridge over stdio instead of a REPL")

	return cmd
}

func runMain(cmd *cobra.Command, configPath, prompt, promptFile, resumeID string, mcpMode bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("twiddle: %w", err)
	}

	rt, err := newRuntime(cmd.Context(), cfg, resumeID)
	if err != nil {
		return err
	}
	defer rt.Close()

	if mcpMode {
		bridge := mcpserver.New(rt.exec, os.Stdin, os.Stdout)
		return bridge.Serve(cmd.Context())
	}

	runner := buildRunner(rt, cmd.OutOrStdout(), cmd.InOrStdin())

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case promptFile != "":
		text, err := readPromptFile(promptFile)
		if err != nil {
			return fmt.Errorf("twiddle: %w", err)
		}
		return runner.RunPrompt(ctx, text)
	case prompt != "":
		return runner.RunPrompt(ctx, prompt)
	default:
		return runREPL(ctx, runner, cmd.OutOrStdout(), cmd.InOrStdin())
	}
}

// newRuntime wires every optional component per configuration: the chat
// client's OTel/metrics observers, the transcript store, the event bus and
// its consumer goroutine, and (when configured) the Prometheus HTTP
// listener. Every piece stays nil when unconfigured, so an unconfigured
// process carries zero observability overhead.
func newRuntime(ctx context.Context, cfg config.Config, resumeID string) (*runtime, error) {
	sb, err := sandbox.New(".", cfg.SandboxMode)
	if err != nil {
		return nil, fmt.Errorf("twiddle: %w", err)
	}
	exec := executor.New(sb)

	rt := &runtime{cfg: cfg, sb: sb, exec: exec}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = observability.NewMetrics(reg)
		go serveMetrics(cfg.Observability.MetricsAddr, reg)
	}

	var otelTracer *observability.Tracer
	if cfg.Observability.TraceEndpoint != "" {
		otelTracer, rt.shutdown = observability.NewTracer(observability.TraceConfig{
			ServiceName: "twiddle",
			Endpoint:    cfg.Observability.TraceEndpoint,
		})
	}
	rt.otelTracer = otelTracer

	chatOpts := []chat.Option{}
	if otelTracer != nil {
		chatOpts = append(chatOpts, chat.WithTracer(otelTracer))
	}
	if metrics != nil {
		chatOpts = append(chatOpts, chat.WithMetrics(metrics))
	}
	rt.client = chat.New(cfg.BaseURL, cfg.Model, credential.New(cfg.APIKey), chatOpts...)

	if metrics != nil || otelTracer != nil {
		rt.bus = tracer.NewBus(256, slog.Default())
		timeline := tracer.New(0)
		go observability.ConsumeEvents(ctx, rt.bus, timeline, metrics)
	}

	conv := convo.New()
	if cfg.Transcript.SQLitePath != "" {
		store, err := transcript.Open(cfg.Transcript.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("twiddle: %w", err)
		}
		rt.store = store
		if resumeID != "" {
			loaded, err := transcript.Load(ctx, cfg.Transcript.SQLitePath, resumeID)
			if err != nil {
				return nil, fmt.Errorf("twiddle: %w", err)
			}
			conv = loaded
		}
	}
	rt.conv = conv

	return rt, nil
}

func buildRunner(rt *runtime, display io.Writer, input io.Reader) *session.Runner {
	opts := []session.Option{}
	if rt.store != nil {
		opts = append(opts, session.WithTranscript(rt.store))
	}
	if rt.bus != nil {
		opts = append(opts, session.WithEventBus(rt.bus))
	}
	if rt.otelTracer != nil {
		opts = append(opts, session.WithTracer(rt.otelTracer))
	}
	return session.New(rt.client, rt.exec, rt.sb, rt.conv, rt.cfg.ApprovalPolicy, systemPrompt, display, input, opts...)
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics listener stopped", "error", err)
	}
}

const systemPrompt = `You are twiddle, a terminal coding agent. You can list directories, read files with indentation-aware line numbers, search the workspace with ripgrep or ast-grep, and apply structured patches. Only use the tools you are offered, and always check the sandbox mode before proposing a write.`

func readPromptFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() > maxPromptFileBytes {
		return "", fmt.Errorf("prompt file %s is %d bytes, exceeds %d byte limit", path, info.Size(), maxPromptFileBytes)
	}
	data, err := io.ReadAll(io.LimitReader(f, maxPromptFileBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxPromptFileBytes {
		return "", fmt.Errorf("prompt file %s exceeds %d byte limit", path, maxPromptFileBytes)
	}
	return string(data), nil
}

// runREPL drives the interactive loop: read a line, run it as a prompt,
// print the result, repeat until the "exit" sentinel or EOF.
func runREPL(ctx context.Context, runner *session.Runner, display io.Writer, input io.Reader) error {
	fmt.Fprintln(display, "twiddle interactive session. Type 'exit' to quit.")
	reader := bufio.NewReader(input)
	for {
		fmt.Fprint(display, "twiddle> ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return nil
		}
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if text == "exit" {
			return nil
		}
		if err := runner.RunPrompt(ctx, text); err != nil {
			fmt.Fprintf(display, "error: %v\n", err)
		}
	}
}
