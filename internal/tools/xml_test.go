package tools

import (
	"strings"
	"testing"
)

const sampleBlock = `<function_calls>
<invoke name="echo">
<parameter name="text">hello</parameter>
</invoke>
</function_calls>`

func TestParseCalls_SingleInvoke(t *testing.T) {
	text := "Let me check.\n" + sampleBlock
	parsed := ParseCalls(text)
	if parsed == nil {
		t.Fatal("ParseCalls returned nil")
	}
	if parsed.BeforeText != "Let me check.\n" {
		t.Errorf("BeforeText = %q", parsed.BeforeText)
	}
	if parsed.FullMatch != sampleBlock {
		t.Errorf("FullMatch = %q", parsed.FullMatch)
	}
	if len(parsed.Calls) != 1 {
		t.Fatalf("len(Calls) = %d, want 1", len(parsed.Calls))
	}
	call := parsed.Calls[0]
	if call.Name != "echo" {
		t.Errorf("Name = %q, want echo", call.Name)
	}
	if call.Input["text"] != "hello" {
		t.Errorf("Input[text] = %q, want hello", call.Input["text"])
	}
	if call.ID == "" {
		t.Error("call id is empty")
	}
}

func TestParseCalls_MultipleInvokes(t *testing.T) {
	text := `<function_calls>
<invoke name="a">
<parameter name="x">1</parameter>
</invoke>
<invoke name="b">
<parameter name="y">2</parameter>
<parameter name="z">3</parameter>
</invoke>
</function_calls>`
	parsed := ParseCalls(text)
	if parsed == nil {
		t.Fatal("ParseCalls returned nil")
	}
	if len(parsed.Calls) != 2 {
		t.Fatalf("len(Calls) = %d, want 2", len(parsed.Calls))
	}
	if parsed.Calls[1].Input["z"] != "3" {
		t.Errorf("second call z = %q, want 3", parsed.Calls[1].Input["z"])
	}
}

func TestParseCalls_NoBlock(t *testing.T) {
	if parsed := ParseCalls("just text, no tools"); parsed != nil {
		t.Errorf("ParseCalls = %+v, want nil", parsed)
	}
}

func TestParseCalls_IncompleteBlock(t *testing.T) {
	text := "thinking...\n<function_calls>\n<invoke name=\"echo\">"
	if parsed := ParseCalls(text); parsed != nil {
		t.Errorf("ParseCalls on incomplete block = %+v, want nil", parsed)
	}
	if !HasIncompleteCall(text) {
		t.Error("HasIncompleteCall = false, want true")
	}
}

func TestHasIncompleteCall_ClosedBlock(t *testing.T) {
	if HasIncompleteCall(sampleBlock) {
		t.Error("HasIncompleteCall on closed block = true, want false")
	}
	if HasIncompleteCall("no tools here") {
		t.Error("HasIncompleteCall on plain text = true, want false")
	}
}

func TestFormatResultsForInjection(t *testing.T) {
	got := FormatResultsForInjection([]CallResult{{Name: "echo", Result: "hello"}})
	want := "\n<function_results>\n<result>\n<name>echo</name>\n<output>hello</output>\n</result>\n</function_results>"
	if got != want {
		t.Errorf("FormatResultsForInjection = %q, want %q", got, want)
	}
}

func TestStripToolXML(t *testing.T) {
	text := "before " + sampleBlock + FormatResultsForInjection([]CallResult{{Name: "echo", Result: "hi"}}) + " after"
	got := StripToolXML(text)
	if strings.Contains(got, "<function_calls>") || strings.Contains(got, "<function_results>") {
		t.Errorf("StripToolXML left tool tags: %q", got)
	}
	if !strings.Contains(got, "before") || !strings.Contains(got, "after") {
		t.Errorf("StripToolXML removed surrounding text: %q", got)
	}
}

func TestStripToolXML_LegacyResults(t *testing.T) {
	text := "a System: <results>old stuff</results> b"
	got := StripToolXML(text)
	if strings.Contains(got, "<results>") {
		t.Errorf("legacy results block not stripped: %q", got)
	}
}
