// Package toolschema holds the compile-time catalogue of tool descriptors
// the chat client advertises to the model and the executor dispatches
// against.
package toolschema

// Permission is the strongest sandbox permission a tool requires.
type Permission int

const (
	ReadOnly Permission = iota
	WorkspaceWrite
)

// Kind names the dispatch target a schema routes to.
type Kind int

const (
	KindListDirectory Kind = iota
	KindReadFile
	KindSearch
	KindApplyPatch
)

// Parameter describes one property of a tool's JSON-object argument.
type Parameter struct {
	Name        string
	Type        string // "string", "boolean", "integer", "array"
	Description string
	Required    bool
	Enum        []string
	Items       string // element type, when Type == "array"
}

// Schema is a static, compile-time tool descriptor.
type Schema struct {
	ID          string
	Kind        Kind
	Summary     string
	Permission  Permission
	Parameters  []Parameter
	Description string
}

// registry is the single source of truth for the model-facing tool
// catalogue and the dispatch kind consumed by the executor.
var registry = []Schema{
	{
		ID:          "list_directory",
		Kind:        KindListDirectory,
		Summary:     "List directory entries",
		Permission:  ReadOnly,
		Description: "List files and subdirectories under a sandbox-relative path.",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Sandbox-relative directory path.", Required: true},
		},
	},
	{
		ID:          "read_file",
		Kind:        KindReadFile,
		Summary:     "Read a window of a file",
		Permission:  ReadOnly,
		Description: "Read a file by line range (slice mode) or by an indentation-anchored structural slice (indentation mode).",
		Parameters: []Parameter{
			{Name: "file_path", Type: "string", Description: "Sandbox-relative file path.", Required: true},
			{Name: "mode", Type: "string", Description: "slice or indentation.", Required: true, Enum: []string{"slice", "indentation"}},
			{Name: "offset", Type: "integer", Description: "1-based starting line (slice mode) or default anchor (indentation mode)."},
			{Name: "limit", Type: "integer", Description: "Maximum lines to return."},
			{Name: "anchor_line", Type: "integer", Description: "1-based anchor line (indentation mode)."},
			{Name: "max_levels", Type: "integer", Description: "Indentation levels of upward context; 0 means unbounded."},
			{Name: "max_lines", Type: "integer", Description: "Hard cap on returned lines (indentation mode)."},
			{Name: "include_siblings", Type: "boolean", Description: "Include more than one record at the minimum indent per direction."},
			{Name: "include_header", Type: "boolean", Description: "Unconditionally include leading comment lines of the enclosing block."},
		},
	},
	{
		ID:          "search",
		Kind:        KindSearch,
		Summary:     "Search files with ripgrep or ast-grep",
		Permission:  ReadOnly,
		Description: "Search the sandbox for a text or structural pattern using ripgrep or ast-grep.",
		Parameters: []Parameter{
			{Name: "pattern", Type: "string", Description: "Search pattern.", Required: true},
			{Name: "engine", Type: "string", Description: "ripgrep or ast-grep.", Enum: []string{"ripgrep", "ast-grep"}},
			{Name: "paths", Type: "array", Items: "string", Description: "Sandbox-relative roots to search."},
			{Name: "include_globs", Type: "array", Items: "string"},
			{Name: "exclude_globs", Type: "array", Items: "string"},
			{Name: "case_sensitive", Type: "boolean"},
			{Name: "regex", Type: "boolean", Description: "Treat pattern as a regular expression (ripgrep only)."},
			{Name: "context_before", Type: "integer"},
			{Name: "context_after", Type: "integer"},
			{Name: "limit", Type: "integer"},
			{Name: "ast_language", Type: "string"},
		},
	},
	{
		ID:          "apply_patch",
		Kind:        KindApplyPatch,
		Summary:     "Apply a structured patch",
		Permission:  WorkspaceWrite,
		Description: "Apply an add/delete/update patch envelope (*** Begin Patch ... *** End Patch) to the sandbox.",
		Parameters: []Parameter{
			{Name: "input", Type: "string", Description: "The patch envelope text.", Required: true},
			{Name: "workdir", Type: "string", Description: "Relative or absolute base directory for patch paths."},
		},
	},
}

// All returns the ordered list of registered schemas.
func All() []Schema {
	return registry
}

// Find performs a linear scan for the schema with the given id.
func Find(id string) (Schema, bool) {
	for _, s := range registry {
		if s.ID == id {
			return s, true
		}
	}
	return Schema{}, false
}
