package sse

import "testing"

func TestAccumulatorMergesInterleavedFragments(t *testing.T) {
	a := NewAccumulator()
	if err := a.Apply(RawToolCallFragment{HasIndex: true, Index: 0, HasID: true, ID: "a", HasName: true, Name: "read_file", HasArguments: true, Arguments: `{"`}); err != nil {
		t.Fatal(err)
	}
	if err := a.Apply(RawToolCallFragment{HasIndex: true, Index: 0, HasArguments: true, Arguments: `file_path":"x"}`}); err != nil {
		t.Fatal(err)
	}
	calls, err := a.Take()
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(calls))
	}
	want := `{"file_path":"x"}`
	if calls[0].ID != "a" || calls[0].Name != "read_file" || calls[0].ArgumentsJSON != want {
		t.Errorf("got %+v, want id=a name=read_file args=%s", calls[0], want)
	}
}

func TestAccumulatorConflictingIDIsStreamFormatError(t *testing.T) {
	a := NewAccumulator()
	_ = a.Apply(RawToolCallFragment{HasIndex: true, Index: 0, HasID: true, ID: "a"})
	err := a.Apply(RawToolCallFragment{HasIndex: true, Index: 0, HasID: true, ID: "b"})
	if err == nil {
		t.Fatal("expected conflicting id error")
	}
}

func TestAccumulatorImplicitIndexZeroOnlyWhenEmpty(t *testing.T) {
	a := NewAccumulator()
	if err := a.Apply(RawToolCallFragment{HasID: true, ID: "a", HasName: true, Name: "read_file"}); err != nil {
		t.Fatalf("first implicit-index fragment should succeed: %v", err)
	}
	if err := a.Apply(RawToolCallFragment{HasArguments: true, Arguments: "{}"}); err != nil {
		t.Fatal("second implicit-index fragment with non-empty list should still succeed: list already has index 0 and no HasIndex collision check needed for same index 0")
	}
}

func TestAccumulatorMissingIndexAfterExplicitIndexIsError(t *testing.T) {
	a := NewAccumulator()
	_ = a.Apply(RawToolCallFragment{HasIndex: true, Index: 1, HasID: true, ID: "a", HasName: true, Name: "read_file"})
	err := a.Apply(RawToolCallFragment{HasID: true, ID: "b"})
	if err == nil {
		t.Fatal("expected error: implicit index 0 not allowed once list is non-empty")
	}
}

func TestAccumulatorTakeResetsState(t *testing.T) {
	a := NewAccumulator()
	_ = a.Apply(RawToolCallFragment{HasIndex: true, Index: 0, HasID: true, ID: "a", HasName: true, Name: "read_file"})
	if _, err := a.Take(); err != nil {
		t.Fatal(err)
	}
	calls, err := a.Take()
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 0 {
		t.Fatalf("expected accumulator reset, got %d calls", len(calls))
	}
}

func TestAccumulatorTakeRejectsMissingName(t *testing.T) {
	a := NewAccumulator()
	_ = a.Apply(RawToolCallFragment{HasIndex: true, Index: 0, HasID: true, ID: "a"})
	if _, err := a.Take(); err == nil {
		t.Fatal("expected error for missing name")
	}
}
