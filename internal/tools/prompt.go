package tools

import "strings"

// FormatSpecsForPrompt renders the tool instructions appended to the
// system prompt. Tools are grouped by server, matching the registry's
// stable spec ordering.
func FormatSpecsForPrompt(specs []Spec) string {
	if len(specs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("You may call tools by emitting a block of the form:\n")
	b.WriteString("<function_calls>\n<invoke name=\"TOOL\">\n<parameter name=\"NAME\">VALUE</parameter>\n</invoke>\n</function_calls>\n\n")
	b.WriteString("Available tools:\n")
	currentServer := ""
	for _, s := range specs {
		if s.Server != currentServer {
			currentServer = s.Server
			b.WriteString("\n[" + currentServer + "]\n")
		}
		b.WriteString("- " + s.Name + ": " + s.Description + "\n")
		if len(s.InputSchema) > 0 {
			b.WriteString("  input schema: " + string(s.InputSchema) + "\n")
		}
	}
	return b.String()
}
