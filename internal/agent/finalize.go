package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

var thinkingRe = regexp.MustCompile(`(?s)<thinking>(.*?)</thinking>`)

// finalize persists the run: tool-cache entries stamped with the final
// accumulated text, bot-message-id stamps, activation message contexts,
// and optional thinking debug emission.
func (r *run) finalize(ctx context.Context) error {
	r.in.Trace.Outcome(string(r.outcome), r.sentIDs, nil)

	if r.outcome == OutcomeHallucination {
		// Nothing sent, nothing persisted; record the empty run when an
		// activation exists so the outcome is visible in the log.
		if r.in.ActivationID != "" && r.loop.Activations != nil {
			if err := r.loop.Activations.CompleteActivation(ctx, r.in.ActivationID); err != nil {
				r.loop.Logger.Warn("completing activation failed", "error", err)
			}
		}
		return nil
	}

	if r.loop.ToolCache != nil {
		for _, rec := range r.pendingTools {
			err := r.loop.ToolCache.PersistToolUse(ctx, r.in.Bot.ID, r.in.ChannelID,
				rec.call, rec.result, r.in.TriggerMessageID, r.accumulated)
			if err != nil {
				return fmt.Errorf("persist tool use: %w", err)
			}
		}
		if len(r.callIDs) > 0 {
			err := r.loop.ToolCache.UpdateBotMessageIDs(ctx, r.in.Bot.ID, r.in.ChannelID, r.callIDs, r.sentIDs)
			if err != nil {
				return fmt.Errorf("stamp bot message ids: %w", err)
			}
		}
	}

	if r.in.ActivationID != "" && r.loop.Activations != nil {
		for id, mc := range r.contexts {
			if mc.Prefix == "" && mc.Suffix == "" {
				continue
			}
			if err := r.loop.Activations.SetMessageContext(ctx, r.in.ActivationID, id, mc); err != nil {
				return fmt.Errorf("record message context: %w", err)
			}
		}
		if err := r.loop.Activations.CompleteActivation(ctx, r.in.ActivationID); err != nil {
			return fmt.Errorf("complete activation: %w", err)
		}
	}

	if r.in.Bot.DebugThinking {
		r.emitThinkingDebug(ctx)
	}
	return nil
}

// emitThinkingDebug posts the extracted thinking blocks as a dotted
// webhook, or as a .md attachment when long.
func (r *run) emitThinkingDebug(ctx context.Context) {
	matches := thinkingRe.FindAllStringSubmatch(r.accumulated, -1)
	if len(matches) == 0 {
		return
	}
	var parts []string
	for _, m := range matches {
		if t := strings.TrimSpace(m[1]); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return
	}
	joined := strings.Join(parts, "\n\n")
	if len(joined) > debugThinkingAttachmentThreshold {
		_, err := r.loop.Adapter.SendFileAttachment(ctx, r.in.ChannelID, "thinking.md", []byte(joined), ".")
		if err != nil {
			r.loop.Logger.Warn("thinking attachment failed", "error", err)
		}
		return
	}
	if _, err := r.loop.Adapter.SendWebhook(ctx, r.in.ChannelID, r.in.Bot.Name, ". "+joined); err != nil {
		r.loop.Logger.Warn("thinking webhook failed", "error", err)
	}
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func extForMime(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
