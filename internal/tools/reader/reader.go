// Package reader implements the indentation-aware file reader: a window of
// a file returned either by explicit line range (slice mode) or by
// indentation-anchored structural expansion (indentation mode).
package reader

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

const (
	// HardLineCap bounds the number of physical lines ever read into memory.
	HardLineCap = 4000
	// DefaultLimit is used when a caller omits limit.
	DefaultLimit = 2000
	// MaxLineLength is the truncation bound, in Unicode code points.
	MaxLineLength = 500
	// TabWidth is the indent contribution of a tab byte.
	TabWidth = 4
)

// ErrorKind names a reader-specific failure.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindOffsetExceedsLength
	KindAnchorExceedsLength
	KindInvalidPayload
	KindIoFailure
)

// Error pairs a Kind with a descriptive message.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Result is the `{mode, lines, truncated}` envelope shared by both modes.
type Result struct {
	Mode      string   `json:"mode"`
	Lines     []string `json:"lines"`
	Truncated bool     `json:"truncated"`
}

// SliceParams configures slice mode.
type SliceParams struct {
	Offset int // 1-based
	Limit  int
}

// IndentationParams configures indentation mode.
type IndentationParams struct {
	AnchorLine      int // 1-based; 0 means "use Offset as default"
	Offset          int
	MaxLevels       int
	MaxLines        int // 0 means unbounded (subject to HardLineCap/limit)
	Limit           int
	IncludeSiblings bool
	IncludeHeader   bool
}

type lineRecord struct {
	number          int
	raw             string
	display         string
	indent          int
	effectiveIndent int
	blank           bool
}

// ReadFile loads path and returns its line records, capped at HardLineCap.
func readLines(path string) ([]lineRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: KindIoFailure, Msg: fmt.Sprintf("read file: %v", err)}
	}
	text := string(data)
	text = strings.TrimSuffix(text, "\n")
	var raws []string
	if text == "" {
		raws = nil
	} else {
		raws = strings.Split(text, "\n")
	}
	records := make([]lineRecord, 0, len(raws))
	lastEffective := 0
	for i, raw := range raws {
		if i >= HardLineCap {
			break
		}
		indent, blank := computeIndent(raw)
		effective := indent
		if blank {
			effective = lastEffective
		} else {
			lastEffective = indent
		}
		records = append(records, lineRecord{
			number:          i + 1,
			raw:             raw,
			display:         renderDisplay(raw),
			indent:          indent,
			effectiveIndent: effective,
			blank:           blank,
		})
	}
	return records, nil
}

func computeIndent(raw string) (int, bool) {
	indent := 0
	for _, b := range []byte(raw) {
		switch b {
		case ' ':
			indent++
		case '\t':
			indent += TabWidth
		default:
			return indent, false
		}
	}
	return indent, true
}

// renderDisplay replaces invalid UTF-8 and truncates to MaxLineLength code
// points.
func renderDisplay(raw string) string {
	valid := toValidUTF8(raw)
	if utf8.RuneCountInString(valid) <= MaxLineLength {
		return valid
	}
	var b strings.Builder
	count := 0
	for _, r := range valid {
		if count >= MaxLineLength {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}

func toValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}

func format(n int, display string) string {
	return fmt.Sprintf("L%d: %s", n, display)
}

// Slice implements slice mode.
func Slice(path string, p SliceParams) (Result, error) {
	records, err := readLines(path)
	if err != nil {
		return Result{}, err
	}
	total := len(records)
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if p.Offset < 1 || p.Offset > total {
		return Result{}, &Error{Kind: KindOffsetExceedsLength, Msg: "offset exceeds file length"}
	}
	start := p.Offset - 1
	end := start + limit
	if end > total {
		end = total
	}
	lines := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		lines = append(lines, format(records[i].number, records[i].display))
	}
	truncated := end < total
	return Result{Mode: "slice", Lines: lines, Truncated: truncated}, nil
}

// Indentation implements indentation mode: a two-way priority expansion
// from an anchor line bounded by indentation levels, with a sibling policy
// and header-comment inclusion.
func Indentation(path string, p IndentationParams) (Result, error) {
	records, err := readLines(path)
	if err != nil {
		return Result{}, err
	}
	total := len(records)

	anchorLine := p.AnchorLine
	if anchorLine == 0 {
		anchorLine = p.Offset
	}
	anchorIdx := anchorLine - 1
	if anchorIdx < 0 || anchorIdx >= total {
		return Result{}, &Error{Kind: KindAnchorExceedsLength, Msg: "anchor line exceeds file length"}
	}

	minIndent := 0
	if p.MaxLevels > 0 {
		minIndent = records[anchorIdx].effectiveIndent - p.MaxLevels*TabWidth
		if minIndent < 0 {
			minIndent = 0
		}
	}

	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	finalLimit := limit
	if p.MaxLines > 0 && p.MaxLines < finalLimit {
		finalLimit = p.MaxLines
	}
	if total < finalLimit {
		finalLimit = total
	}

	lo, hi := anchorIdx, anchorIdx
	taken := 1
	truncated := false

	// Upward expansion: grow while the candidate's effective indent is at
	// or above the floor. When include_siblings is false, at most one
	// record at exactly the floor may be taken, after which upward
	// expansion stops.
	upSiblingTaken := false
upward:
	for lo > 0 {
		if taken >= finalLimit {
			truncated = true
			break
		}
		cand := records[lo-1]
		if cand.effectiveIndent < minIndent {
			break
		}
		if cand.effectiveIndent == minIndent && !p.IncludeSiblings {
			if upSiblingTaken {
				break upward
			}
			upSiblingTaken = true
		}
		lo--
		taken++
	}

	// Header carve-out: a leading comment block belongs to the enclosing
	// statement's header even when it falls outside the indentation
	// floor or past the sibling cap, so contiguous header-comment lines
	// above the current top are admitted unconditionally.
	if p.IncludeHeader {
		for lo > 0 && taken < finalLimit {
			if !isHeaderComment(records[lo-1].raw) {
				break
			}
			lo--
			taken++
		}
	}

	// Downward expansion uses the same floor rule. A record at exactly
	// the floor halts expansion without being admitted even when
	// include_siblings is false and no downward sibling has been taken
	// yet; this matches the observed one-line under-admission on the
	// downward side and is intentionally asymmetric with the upward case.
	for hi < total-1 {
		if taken >= finalLimit {
			truncated = true
			break
		}
		cand := records[hi+1]
		if cand.effectiveIndent < minIndent {
			break
		}
		if cand.effectiveIndent == minIndent && !p.IncludeSiblings {
			break
		}
		hi++
		taken++
	}

	if !truncated && taken >= finalLimit && (lo > 0 || hi < total-1) {
		truncated = true
	}

	out := trimBlankEdges(records[lo : hi+1])

	lines := make([]string, 0, len(out))
	for _, r := range out {
		lines = append(lines, format(r.number, r.display))
	}
	return Result{Mode: "indentation", Lines: lines, Truncated: truncated}, nil
}

func isHeaderComment(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	return strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "--")
}

func trimBlankEdges(records []lineRecord) []lineRecord {
	start, end := 0, len(records)
	for start < end && records[start].blank {
		start++
	}
	for end > start && records[end-1].blank {
		end--
	}
	return records[start:end]
}
