package sse

import (
	"fmt"
	"strings"

	"github.com/jmeyers35/twiddle/internal/convo"
)

// PartialToolCall is one in-progress entry of the accumulator, indexed by
// the stream-provided integer index.
type PartialToolCall struct {
	id        string
	idSet     bool
	name      string
	nameSet   bool
	arguments strings.Builder
}

// Accumulator merges partial, index-keyed tool-call fragments into
// well-formed ToolCalls. It is modeled as a sparse ordered map from integer
// index to partial state, backed by a dynamic slice with holes filled by
// zero-value defaults.
type Accumulator struct {
	partials []*PartialToolCall
	seenAny  bool
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Apply merges one raw fragment into the accumulator's state. It returns
// ErrStreamFormat if the fragment's id or name conflicts with a
// previously-set value, or if an implicit index is used when the list is
// already non-empty.
func (a *Accumulator) Apply(f RawToolCallFragment) error {
	index := 0
	if f.HasIndex {
		index = f.Index
	} else if a.seenAny {
		return fmt.Errorf("%w: fragment missing index after list is non-empty", ErrStreamFormat)
	}
	a.seenAny = true

	p := a.acquire(index)
	if f.HasID {
		if err := setOnce(&p.id, &p.idSet, f.ID); err != nil {
			return err
		}
	}
	if f.HasName {
		if f.Name == "" {
			return fmt.Errorf("%w: empty tool name", ErrStreamFormat)
		}
		if err := setOnce(&p.name, &p.nameSet, f.Name); err != nil {
			return err
		}
	}
	if f.HasArguments {
		p.arguments.WriteString(f.Arguments)
	}
	return nil
}

func setOnce(dst *string, isSet *bool, value string) error {
	if !*isSet {
		*dst = value
		*isSet = true
		return nil
	}
	if *dst != value {
		return fmt.Errorf("%w: conflicting value %q vs %q", ErrStreamFormat, *dst, value)
	}
	return nil
}

func (a *Accumulator) acquire(index int) *PartialToolCall {
	for len(a.partials) <= index {
		a.partials = append(a.partials, &PartialToolCall{})
	}
	return a.partials[index]
}

// Take finalizes the accumulated partials into ToolCalls in index order,
// requiring each to have a non-empty id and name. The accumulator is reset
// regardless of outcome.
func (a *Accumulator) Take() ([]convo.ToolCall, error) {
	partials := a.partials
	a.partials = nil
	a.seenAny = false

	calls := make([]convo.ToolCall, 0, len(partials))
	for i, p := range partials {
		if !p.idSet || p.id == "" || !p.nameSet || p.name == "" {
			return nil, fmt.Errorf("%w: partial tool call at index %d missing id or name", ErrStreamFormat, i)
		}
		calls = append(calls, convo.ToolCall{
			ID:            p.id,
			Name:          p.name,
			ArgumentsJSON: p.arguments.String(),
		})
	}
	return calls, nil
}
