// Package trace writes one JSONL file per activation so a failed or
// surprising run can be replayed offline.
package trace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends timestamped records for a single activation. A nil
// Writer is valid and drops everything, so callers never branch on
// tracing being enabled.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

type record struct {
	At   string `json:"at"`
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// NewWriter opens a trace file under dir named after the activation.
// Returns nil (not an error) when dir is empty: tracing is optional.
func NewWriter(dir, activationID string, logger *slog.Logger) *Writer {
	if dir == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("trace dir unavailable", "dir", dir, "error", err)
		return nil
	}
	name := fmt.Sprintf("%s-%s.jsonl", time.Now().UTC().Format("20060102T150405"), activationID)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Warn("trace file unavailable", "error", err)
		return nil
	}
	return &Writer{file: f, logger: logger}
}

// Record appends one entry. Failures are logged, never returned; a
// broken trace must not fail the activation.
func (w *Writer) Record(kind string, data any) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	line, err := json.Marshal(record{
		At:   time.Now().UTC().Format(time.RFC3339Nano),
		Kind: kind,
		Data: data,
	})
	if err != nil {
		w.logger.Warn("trace record not serializable", "kind", kind, "error", err)
		return
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		w.logger.Warn("trace write failed", "error", err)
	}
}

// Trigger records the trigger decision for the activation.
func (w *Writer) Trigger(triggerType, anchorMessageID string) {
	w.Record("trigger", map[string]string{"type": triggerType, "anchorMessageId": anchorMessageID})
}

// FetchedMessages records the raw transport window.
func (w *Writer) FetchedMessages(count int, oldestID, newestID string) {
	w.Record("fetch", map[string]any{"count": count, "oldest": oldestID, "newest": newestID})
}

// ContextBuild records the outcome of a context build.
func (w *Writer) ContextBuild(messageCount int, didRoll bool, cacheMarker string, totalChars int) {
	w.Record("context_build", map[string]any{
		"messages":    messageCount,
		"didRoll":     didRoll,
		"cacheMarker": cacheMarker,
		"totalChars":  totalChars,
	})
}

// LLMCall records one provider round trip.
func (w *Writer) LLMCall(provider, model string, elapsed time.Duration, stopReason string, inputTokens, outputTokens int64) {
	w.Record("llm_call", map[string]any{
		"provider":     provider,
		"model":        model,
		"elapsedMs":    elapsed.Milliseconds(),
		"stopReason":   stopReason,
		"inputTokens":  inputTokens,
		"outputTokens": outputTokens,
	})
}

// ToolExecution records one tool call and its outcome.
func (w *Writer) ToolExecution(name string, input map[string]string, outputLen int, errText string, elapsed time.Duration) {
	w.Record("tool_execution", map[string]any{
		"name":      name,
		"input":     input,
		"outputLen": outputLen,
		"error":     errText,
		"elapsedMs": elapsed.Milliseconds(),
	})
}

// Outcome records the final disposition of the activation.
func (w *Writer) Outcome(status string, sentMessageIDs []string, err error) {
	data := map[string]any{"status": status, "sentMessageIds": sentMessageIDs}
	if err != nil {
		data["error"] = err.Error()
	}
	w.Record("outcome", data)
}

// Close flushes and closes the trace file.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Close(); err != nil {
		w.logger.Warn("trace close failed", "error", err)
	}
}
