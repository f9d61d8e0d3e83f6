// Package executor dispatches a single tool invocation to its underlying
// tool core, mapping typed errors onto the short human-readable failure
// strings returned to the model.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmeyers35/twiddle/internal/sandbox"
	"github.com/jmeyers35/twiddle/internal/toolschema"
	"github.com/jmeyers35/twiddle/internal/tools/listdir"
	"github.com/jmeyers35/twiddle/internal/tools/patch"
	"github.com/jmeyers35/twiddle/internal/tools/reader"
	"github.com/jmeyers35/twiddle/internal/tools/search"
)

// Invocation is a single tool call ready for dispatch.
type Invocation struct {
	ID            string
	Name          string
	ArgumentsJSON string
}

// Outcome is the envelope recorded as a tool message's content, and the
// summary line shown to the operator.
type Outcome struct {
	Success bool
	Payload json.RawMessage
	Message string // human-readable failure reason, empty on success
}

// ErrorKind names an executor-level failure, distinct from the underlying
// tool core's own ErrorKind, so callers can distinguish "bad tool call" from
// "tool executed and reported failure".
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindUnknownTool
	KindInvalidArguments
	KindPermissionRequired
)

// Error pairs an ErrorKind with a message.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Executor dispatches invocations against a single sandbox.
type Executor struct {
	sb *sandbox.Sandbox
}

// New returns an Executor bound to sb.
func New(sb *sandbox.Sandbox) *Executor {
	return &Executor{sb: sb}
}

// Execute looks up inv's schema, enforces its permission requirement, parses
// its JSON arguments, dispatches to the matching tool core, and returns a
// success- or failure-shaped Outcome. A non-nil error indicates the
// invocation itself was malformed (unknown tool, bad JSON, missing
// escalation) rather than a tool-level failure, which is instead reported as
// Outcome{Success: false}.
func (e *Executor) Execute(ctx context.Context, inv Invocation) (Outcome, error) {
	schema, ok := toolschema.Find(inv.Name)
	if !ok {
		return Outcome{}, &Error{Kind: KindUnknownTool, Msg: fmt.Sprintf("unknown tool: %s", inv.Name)}
	}
	if schema.Permission == toolschema.WorkspaceWrite && !e.sb.WorkspaceWriteEnabled() {
		return Outcome{}, &Error{Kind: KindPermissionRequired, Msg: "workspace_write permission required but not granted"}
	}

	switch schema.Kind {
	case toolschema.KindListDirectory:
		return e.execListDirectory(inv)
	case toolschema.KindReadFile:
		return e.execReadFile(inv)
	case toolschema.KindSearch:
		return e.execSearch(ctx, inv)
	case toolschema.KindApplyPatch:
		return e.execApplyPatch(inv)
	default:
		return Outcome{}, &Error{Kind: KindUnknownTool, Msg: fmt.Sprintf("unroutable tool: %s", inv.Name)}
	}
}

func fail(msg string) Outcome {
	return Outcome{Success: false, Message: msg}
}

func succeed(v any) (Outcome, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Outcome{}, &Error{Kind: KindInvalidArguments, Msg: "failed to encode tool result: " + err.Error()}
	}
	return Outcome{Success: true, Payload: payload}, nil
}

func (e *Executor) execListDirectory(inv Invocation) (Outcome, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal([]byte(inv.ArgumentsJSON), &args); err != nil {
		return Outcome{}, &Error{Kind: KindInvalidArguments, Msg: "invalid list_directory arguments: " + err.Error()}
	}
	resolved, err := e.sb.Resolve(args.Path)
	if err != nil {
		return fail(sandboxErrorMessage(err)), nil
	}
	entries, err := listdir.List(resolved)
	if err != nil {
		return fail(listdirErrorMessage(err)), nil
	}
	return succeed(struct {
		Entries []listdir.Entry `json:"entries"`
	}{entries})
}

func (e *Executor) execReadFile(inv Invocation) (Outcome, error) {
	var args struct {
		FilePath        string `json:"file_path"`
		Mode            string `json:"mode"`
		Offset          int    `json:"offset"`
		Limit           int    `json:"limit"`
		AnchorLine      int    `json:"anchor_line"`
		MaxLevels       int    `json:"max_levels"`
		MaxLines        int    `json:"max_lines"`
		IncludeSiblings *bool  `json:"include_siblings"`
		IncludeHeader   *bool  `json:"include_header"`
	}
	if err := json.Unmarshal([]byte(inv.ArgumentsJSON), &args); err != nil {
		return Outcome{}, &Error{Kind: KindInvalidArguments, Msg: "invalid read_file arguments: " + err.Error()}
	}
	resolved, err := e.sb.Resolve(args.FilePath)
	if err != nil {
		return fail(sandboxErrorMessage(err)), nil
	}

	switch args.Mode {
	case "slice":
		result, err := reader.Slice(resolved, reader.SliceParams{Offset: args.Offset, Limit: args.Limit})
		if err != nil {
			return fail(readerErrorMessage(err)), nil
		}
		return succeed(result)
	case "indentation":
		// include_siblings and include_header default to true when the
		// model omits them.
		includeSiblings := true
		if args.IncludeSiblings != nil {
			includeSiblings = *args.IncludeSiblings
		}
		includeHeader := true
		if args.IncludeHeader != nil {
			includeHeader = *args.IncludeHeader
		}
		result, err := reader.Indentation(resolved, reader.IndentationParams{
			AnchorLine:      args.AnchorLine,
			Offset:          args.Offset,
			MaxLevels:       args.MaxLevels,
			MaxLines:        args.MaxLines,
			Limit:           args.Limit,
			IncludeSiblings: includeSiblings,
			IncludeHeader:   includeHeader,
		})
		if err != nil {
			return fail(readerErrorMessage(err)), nil
		}
		return succeed(result)
	default:
		return Outcome{}, &Error{Kind: KindInvalidArguments, Msg: fmt.Sprintf("invalid read_file mode: %q", args.Mode)}
	}
}

func (e *Executor) execSearch(ctx context.Context, inv Invocation) (Outcome, error) {
	var args struct {
		Pattern       string   `json:"pattern"`
		Engine        string   `json:"engine"`
		Paths         []string `json:"paths"`
		IncludeGlobs  []string `json:"include_globs"`
		ExcludeGlobs  []string `json:"exclude_globs"`
		CaseSensitive bool     `json:"case_sensitive"`
		Regex         bool     `json:"regex"`
		ContextBefore int      `json:"context_before"`
		ContextAfter  int      `json:"context_after"`
		Limit         int      `json:"limit"`
		AstLanguage   string   `json:"ast_language"`
	}
	if err := json.Unmarshal([]byte(inv.ArgumentsJSON), &args); err != nil {
		return Outcome{}, &Error{Kind: KindInvalidArguments, Msg: "invalid search arguments: " + err.Error()}
	}
	roots := args.Paths
	if len(roots) == 0 {
		roots = []string{"."}
	}
	resolvedRoots := make([]string, 0, len(roots))
	labels := make([]string, 0, len(roots))
	for _, r := range roots {
		resolved, err := e.sb.Resolve(r)
		if err != nil {
			return fail(sandboxErrorMessage(err)), nil
		}
		resolvedRoots = append(resolvedRoots, resolved)
		labels = append(labels, r)
	}

	engine := search.EngineRipgrep
	if args.Engine == string(search.EngineAstGrep) {
		engine = search.EngineAstGrep
	}

	result, err := search.Run(ctx, search.Params{
		Pattern:       args.Pattern,
		Engine:        engine,
		Roots:         resolvedRoots,
		RootLabels:    labels,
		IncludeGlobs:  args.IncludeGlobs,
		ExcludeGlobs:  args.ExcludeGlobs,
		CaseSensitive: args.CaseSensitive,
		Regex:         args.Regex,
		ContextBefore: args.ContextBefore,
		ContextAfter:  args.ContextAfter,
		Limit:         args.Limit,
		AstLanguage:   args.AstLanguage,
	})
	if err != nil {
		return fail(searchErrorMessage(err)), nil
	}
	return succeed(result)
}

func (e *Executor) execApplyPatch(inv Invocation) (Outcome, error) {
	var args struct {
		Input   string `json:"input"`
		Workdir string `json:"workdir"`
	}
	if err := json.Unmarshal([]byte(inv.ArgumentsJSON), &args); err != nil {
		return Outcome{}, &Error{Kind: KindInvalidArguments, Msg: "invalid apply_patch arguments: " + err.Error()}
	}
	ops, err := patch.Parse(args.Input)
	if err != nil {
		return fail(patchErrorMessage(err)), nil
	}
	changes, err := patch.Apply(e.sb, ops, args.Workdir)
	if err != nil {
		return fail(patchErrorMessage(err)), nil
	}
	return succeed(struct {
		Changes []patch.Change `json:"changes"`
	}{changes})
}

func sandboxErrorMessage(err error) string {
	e, ok := err.(*sandbox.Error)
	if !ok {
		return err.Error()
	}
	switch e.Kind {
	case sandbox.KindPathOutsideSandbox:
		return "path escapes the sandbox root"
	case sandbox.KindPathNotFound:
		return "path not found"
	case sandbox.KindPathNotDirectory:
		return "path is not a directory"
	case sandbox.KindPathNotFile:
		return "path is not a file"
	case sandbox.KindPermissionDenied:
		return "permission denied"
	default:
		return "io failure resolving path"
	}
}

func listdirErrorMessage(err error) string {
	e, ok := err.(*listdir.Error)
	if !ok {
		return err.Error()
	}
	if e.Kind == listdir.KindNotDirectory {
		return "path is not a directory"
	}
	return "io failure listing directory"
}

func readerErrorMessage(err error) string {
	e, ok := err.(*reader.Error)
	if !ok {
		return err.Error()
	}
	switch e.Kind {
	case reader.KindOffsetExceedsLength:
		return "offset exceeds file length"
	case reader.KindAnchorExceedsLength:
		return "anchor line exceeds file length"
	case reader.KindInvalidPayload:
		return "invalid read_file arguments"
	default:
		return "io failure reading file"
	}
}

func searchErrorMessage(err error) string {
	e, ok := err.(*search.Error)
	if !ok {
		return err.Error()
	}
	switch e.Kind {
	case search.KindInvalidPayload:
		return "invalid search arguments"
	case search.KindBinaryUnavailable:
		return "search binary not available"
	case search.KindCommandFailed:
		return "search command failed"
	case search.KindToolLimitExceeded:
		return "search output exceeded the 512KiB cap"
	case search.KindPathNotFound:
		return "path not found"
	case search.KindPermissionDenied:
		return "permission denied"
	default:
		return "search failed"
	}
}

func patchErrorMessage(err error) string {
	e, ok := err.(*patch.Error)
	if !ok {
		return err.Error()
	}
	switch e.Kind {
	case patch.KindInvalidPatch:
		return "invalid patch envelope: " + e.Msg
	case patch.KindPatchConflict:
		return "patch conflict: " + e.Msg
	case patch.KindPathOutsideSandbox:
		return "path escapes the sandbox root"
	default:
		return "io failure applying patch"
	}
}
