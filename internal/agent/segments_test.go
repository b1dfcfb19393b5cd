package agent

import (
	"reflect"
	"testing"
)

func TestSplitSegments_PrefixAndVisible(t *testing.T) {
	text := "<thinking>plan</thinking>hello"
	segments, phantom := SplitSegments(text)
	if phantom != "" {
		t.Errorf("phantom = %q, want empty", phantom)
	}
	want := []ContentSegment{{Prefix: "<thinking>plan</thinking>", Visible: "hello"}}
	if !reflect.DeepEqual(segments, want) {
		t.Errorf("segments = %+v, want %+v", segments, want)
	}
}

func TestSplitSegments_TrailingInvisibleBecomesSuffix(t *testing.T) {
	text := "hello<function_calls><invoke name=\"x\"></invoke></function_calls>"
	segments, _ := SplitSegments(text)
	if len(segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(segments))
	}
	if segments[0].Visible != "hello" {
		t.Errorf("visible = %q", segments[0].Visible)
	}
	if segments[0].Suffix != "<function_calls><invoke name=\"x\"></invoke></function_calls>" {
		t.Errorf("suffix = %q", segments[0].Suffix)
	}
}

func TestSplitSegments_Phantom(t *testing.T) {
	text := "<thinking>only thoughts</thinking>\n<function_results>\n<result>\n<name>a</name>\n<output>b</output>\n</result>\n</function_results>"
	segments, phantom := SplitSegments(text)
	if len(segments) != 0 {
		t.Fatalf("segments = %+v, want none", segments)
	}
	if phantom != text {
		t.Errorf("phantom = %q, want full input", phantom)
	}
}

func TestSplitSegments_MultipleSegments(t *testing.T) {
	text := "<thinking>a</thinking>one<function_calls>c</function_calls>two"
	segments, _ := SplitSegments(text)
	if len(segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(segments))
	}
	if segments[0].Visible != "one" || segments[1].Visible != "two" {
		t.Errorf("visibles = %q, %q", segments[0].Visible, segments[1].Visible)
	}
	if segments[1].Prefix != "<function_calls>c</function_calls>" {
		t.Errorf("second prefix = %q", segments[1].Prefix)
	}
}

func TestSplitSegments_UnclosedRegionIsInvisible(t *testing.T) {
	text := "said something<thinking>never closed"
	segments, _ := SplitSegments(text)
	if len(segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(segments))
	}
	if segments[0].Visible != "said something" {
		t.Errorf("visible = %q", segments[0].Visible)
	}
	if segments[0].Suffix != "<thinking>never closed" {
		t.Errorf("suffix = %q", segments[0].Suffix)
	}
}

func TestSplitSegments_LegacyResultsInvisible(t *testing.T) {
	text := "before System: <results>old</results> after"
	segments, _ := SplitSegments(text)
	if len(segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(segments))
	}
	if segments[1].Prefix != "System: <results>old</results>" {
		t.Errorf("prefix = %q", segments[1].Prefix)
	}
}

// Reassembling the segments must reproduce the input byte for byte.
func TestSplitSegments_Partition(t *testing.T) {
	cases := []string{
		"<thinking>plan</thinking>hello",
		"plain text only",
		"a<thinking>t</thinking>\n  \n<function_calls>c</function_calls>b<function_results>r</function_results>",
		"lead <thinking>x</thinking> mid <thinking>y</thinking> tail",
	}
	for _, text := range cases {
		segments, phantom := SplitSegments(text)
		got := Reassemble(segments) + phantom
		if got != text {
			t.Errorf("partition broken:\n in: %q\nout: %q", text, got)
		}
	}
}

func TestTruncateAtParticipant_StartHallucination(t *testing.T) {
	got, reason := TruncateAtParticipant("Alice: I think so", "Claude", []string{"Alice", "Bob"}, nil)
	if got != "" {
		t.Errorf("text = %q, want discarded", got)
	}
	if !IsStartHallucination(reason) {
		t.Errorf("reason = %q", reason)
	}
}

func TestTruncateAtParticipant_MidResponse(t *testing.T) {
	got, reason := TruncateAtParticipant("sure thing\nAlice: thanks", "Claude", []string{"Alice"}, nil)
	if got != "sure thing" {
		t.Errorf("text = %q", got)
	}
	if reason != TruncationMidResponse {
		t.Errorf("reason = %q", reason)
	}
}

func TestTruncateAtParticipant_EarliestCutWins(t *testing.T) {
	got, _ := TruncateAtParticipant("x\nBob: b\nAlice: a", "Claude", []string{"Alice", "Bob"}, nil)
	if got != "x" {
		t.Errorf("text = %q, want cut at earliest participant", got)
	}
}

func TestTruncateAtParticipant_ExtraStops(t *testing.T) {
	got, reason := TruncateAtParticipant("hello <END> world", "Claude", nil, []string{"<END>"})
	if got != "hello " || reason != TruncationMidResponse {
		t.Errorf("got %q reason %q", got, reason)
	}
}

func TestTruncateAtParticipant_OwnNamePasses(t *testing.T) {
	got, reason := TruncateAtParticipant("fine\nClaude: more", "Claude", []string{"Claude", "Alice"}, nil)
	if reason != TruncationNone || got != "fine\nClaude: more" {
		t.Errorf("got %q reason %q", got, reason)
	}
}
