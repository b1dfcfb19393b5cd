package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/cordial/internal/activations"
	"github.com/haasonsaas/cordial/internal/config"
	"github.com/haasonsaas/cordial/internal/llm"
	"github.com/haasonsaas/cordial/internal/observability"
	"github.com/haasonsaas/cordial/internal/toolcache"
	"github.com/haasonsaas/cordial/internal/tools"
	"github.com/haasonsaas/cordial/internal/trace"
	"github.com/haasonsaas/cordial/internal/transport"
)

// recoveryBudget bounds the stop-sequence recovery sub-loop: extra
// continuation calls issued to close a dangling thinking or tool block.
const recoveryBudget = 3

// maxDepthNotice is delivered to the channel when the tool loop hits
// its depth limit so readers can see why the response stopped.
const maxDepthNotice = "[Max tool depth reached]"

// maxDepthSuffix is the accumulated-text form of the notice.
const maxDepthSuffix = "\n" + maxDepthNotice

// debugThinkingAttachmentThreshold switches long thinking dumps from a
// dotted webhook to a .md attachment.
const debugThinkingAttachmentThreshold = 1500

// RunOutcome classifies how an inline run ended.
type RunOutcome string

const (
	OutcomeOK            RunOutcome = "ok"
	OutcomeHallucination RunOutcome = "hallucination"
	OutcomeRefusal       RunOutcome = "refusal"
	OutcomeMaxToolDepth  RunOutcome = "max_tool_depth"
)

// RunInput is one activation's inline-loop parameters.
type RunInput struct {
	Bot              config.BotConfig
	ChannelID        string
	TriggerMessageID string
	Request          *llm.Request

	// Participants are the names seen in the fetched window, used for
	// post-hoc truncation.
	Participants []string

	// UserIDByName rewrites <@name> mentions back to platform ids at
	// send time.
	UserIDByName map[string]string

	// ActivationID is set when preserve_thinking_context records this
	// run in the activation store.
	ActivationID string

	Trace *trace.Writer
}

// RunResult is what the scheduler needs after the loop terminates.
type RunResult struct {
	Outcome         RunOutcome
	AccumulatedText string
	SentMessageIDs  []string
	ToolExecutions  int
	MessageContexts map[string]activations.MessageContext
}

// InlineLoop drives a single assistant turn with embedded tool calls,
// executing each inline and continuing the completion in place.
type InlineLoop struct {
	Provider    llm.Provider
	Executor    *tools.Executor
	Adapter     transport.Adapter
	ToolCache   *toolcache.Store
	Activations *activations.Store
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// pendingToolRecord is a tool execution awaiting persistence, stamped
// with the final accumulated text at finalize.
type pendingToolRecord struct {
	call   tools.Call
	result tools.Result
}

type pendingImage struct {
	toolName string
	img      tools.ResultImage
}

// run is the mutable state of one inline execution.
//
// accumulated holds the full assistant text and feeds the prefill;
// unprocessed is its tail not yet segmented (recovery passes);
// carryInvisible is processed invisible text (tool XML and results)
// waiting to become the next sent message's prefix.
type run struct {
	loop *InlineLoop
	in   RunInput

	accumulated    string
	unprocessed    string
	carryInvisible string

	sentIDs            []string
	contexts           map[string]activations.MessageContext
	pendingTools       []pendingToolRecord
	pendingImages      []pendingImage
	callIDs            []string
	toolDepth          int
	recoveriesLeft     int
	completionBoundary int
	outcome            RunOutcome
}

// Run executes the inline loop to completion and finalizes.
func (l *InlineLoop) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	if l.Logger == nil {
		l.Logger = slog.Default()
	}
	r := &run{
		loop:           l,
		in:             in,
		contexts:       make(map[string]activations.MessageContext),
		recoveriesLeft: recoveryBudget,
		outcome:        OutcomeOK,
	}
	if err := r.execute(ctx); err != nil {
		return nil, err
	}
	if err := r.finalize(ctx); err != nil {
		return nil, err
	}
	return &RunResult{
		Outcome:         r.outcome,
		AccumulatedText: r.accumulated,
		SentMessageIDs:  r.sentIDs,
		ToolExecutions:  len(r.pendingTools),
		MessageContexts: r.contexts,
	}, nil
}

func (r *run) execute(ctx context.Context) error {
	first := true
	for {
		req := r.continuationRequest(first)
		started := time.Now()
		completion, err := r.loop.Provider.Complete(ctx, req)
		if err != nil {
			return fmt.Errorf("completion: %w", err)
		}
		if r.loop.Metrics != nil {
			provider := r.loop.Provider.Name()
			r.loop.Metrics.LLMCallDuration.WithLabelValues(provider, req.Config.Model).
				Observe(time.Since(started).Seconds())
			usage := completion.Usage
			r.loop.Metrics.LLMTokens.WithLabelValues(provider, req.Config.Model, "input").Add(float64(usage.InputTokens))
			r.loop.Metrics.LLMTokens.WithLabelValues(provider, req.Config.Model, "output").Add(float64(usage.OutputTokens))
			r.loop.Metrics.LLMTokens.WithLabelValues(provider, req.Config.Model, "cache_read").Add(float64(usage.CacheReadTokens))
			r.loop.Metrics.LLMTokens.WithLabelValues(provider, req.Config.Model, "cache_creation").Add(float64(usage.CacheCreationTokens))
		}
		r.in.Trace.LLMCall(r.loop.Provider.Name(), completion.Model, time.Since(started),
			string(completion.StopReason), int64(completion.Usage.InputTokens), int64(completion.Usage.OutputTokens))

		chunk := completion.Text()
		if first && r.in.Bot.Model.PrefillThinking {
			chunk = "<thinking>" + chunk
		}

		if completion.StopReason == llm.StopRefusal {
			// A refusal is an ordinary final completion: its visible text
			// still ships and its context is still recorded.
			r.outcome = OutcomeRefusal
			if _, err := r.processChunk(ctx, chunk, first); err != nil {
				return err
			}
			r.flushCarry()
			return nil
		}

		if completion.StopReason == llm.StopStopSequence {
			if completion.StopSequence == tools.CallsClose {
				chunk += tools.CallsClose
				if r.needsRecovery(chunk) {
					r.accumulated += chunk
					r.unprocessed += chunk
					continue
				}
			} else if tools.HasIncompleteCall(r.accumulated + chunk) {
				// Participant stop inside a tool parameter (a username
				// in an argument). The sequence belongs to the text.
				chunk += completion.StopSequence
				if r.recoveriesLeft > 0 {
					r.recoveriesLeft--
					r.accumulated += chunk
					r.unprocessed += chunk
					continue
				}
			}
		}

		done, err := r.processChunk(ctx, chunk, first)
		if err != nil || done {
			r.flushCarry()
			return err
		}
		first = false
		if r.toolDepth >= r.in.Bot.MaxToolDepth {
			r.outcome = OutcomeMaxToolDepth
			// Pending invisible content rides as the notice's prefix so
			// reconstruction holds even when nothing was sent before it.
			prefix := r.carryInvisible
			r.carryInvisible = ""
			r.accumulated += maxDepthSuffix
			if err := r.sendSegments(ctx, []ContentSegment{{Prefix: prefix + "\n", Visible: maxDepthNotice}}, ""); err != nil {
				return err
			}
			r.recordCompletion(ctx, maxDepthSuffix)
			return nil
		}
	}
}

// needsRecovery reports a dangling thinking block or tool tag that a
// bounded continuation pass should close before parsing.
func (r *run) needsRecovery(chunk string) bool {
	if r.recoveriesLeft <= 0 {
		return false
	}
	whole := r.accumulated + chunk
	dangling := strings.Count(whole, "<thinking>") > strings.Count(whole, "</thinking>") ||
		(r.in.Bot.Model.PrefillThinking && !strings.Contains(whole, "</thinking>")) ||
		tools.HasIncompleteCall(whole)
	if dangling {
		r.recoveriesLeft--
	}
	return dangling
}

// continuationRequest clones the base request with the accumulated
// text as the assistant prefill and any pending tool-result images as
// user turns just before the continuation.
func (r *run) continuationRequest(first bool) *llm.Request {
	req := r.in.Request.Clone()
	req.StopSequences = append(req.StopSequences, tools.CallsClose)

	prefill := strings.TrimRight(r.accumulated, " \t\n")
	if first && r.in.Bot.Model.PrefillThinking && prefill == "" {
		prefill = "<thinking>"
	}

	last := len(req.Messages) - 1
	if len(r.pendingImages) > 0 {
		// Insert before the trailing assistant placeholder.
		placeholder := req.Messages[last]
		req.Messages = req.Messages[:last]
		for _, pi := range r.pendingImages {
			req.Messages = append(req.Messages, llm.ParticipantMessage{
				Participant: "System<[" + pi.toolName + "]>",
				Content:     []llm.ContentBlock{llm.Image(pi.img.MimeType, pi.img.Data)},
			})
		}
		req.Messages = append(req.Messages, placeholder)
		last = len(req.Messages) - 1
		r.pendingImages = nil
	}
	if prefill != "" {
		req.Messages[last].Content = []llm.ContentBlock{llm.Text(prefill)}
	}
	return req
}

// processChunk parses, sends, and executes one completion chunk.
// Returns done=true when the loop should finalize.
func (r *run) processChunk(ctx context.Context, chunk string, first bool) (bool, error) {
	full := r.unprocessed + chunk
	r.unprocessed = ""
	// accumulated ends with the recovery text already appended; base is
	// everything before it. The processed form of full replaces it.
	base := r.accumulated[:len(r.accumulated)-(len(full)-len(chunk))]

	parsed := tools.ParseCalls(full)
	preTool := full
	if parsed != nil {
		preTool = parsed.BeforeText
	}

	carry := r.carryInvisible
	r.carryInvisible = ""
	segments, phantom := SplitSegments(carry + preTool)

	if first && len(r.sentIDs) == 0 {
		visible := strings.TrimLeft(combinedVisible(segments), " \t\n")
		for _, name := range r.in.Participants {
			if name == r.in.Bot.Name || name == "" {
				continue
			}
			if strings.HasPrefix(visible, name+":") {
				r.outcome = OutcomeHallucination
				r.accumulated = ""
				r.loop.Logger.Warn("discarded response-start hallucination",
					"bot", r.in.Bot.ID, "participant", name)
				return true, nil
			}
		}
	}

	truncated := false
	for i := range segments {
		cut, reason := TruncateAtParticipant(segments[i].Visible, r.in.Bot.Name, r.in.Participants, r.in.Bot.Model.StopSequences)
		if reason == TruncationMidResponse {
			segments[i].Visible = cut
			segments[i].Suffix = ""
			segments = segments[:i+1]
			truncated = true
			break
		}
	}

	finalizing := truncated || parsed == nil

	// While the loop continues, trailing invisible content belongs to
	// the next sent message's prefix, not this one's suffix.
	var trailing string
	if !finalizing {
		if len(segments) > 0 {
			trailing = segments[len(segments)-1].Suffix
			segments[len(segments)-1].Suffix = ""
		} else {
			trailing = phantom
			phantom = ""
		}
	}

	if err := r.sendSegments(ctx, segments, phantom); err != nil {
		return true, err
	}

	if finalizing {
		// processed reflects truncation so persistence sees the same
		// bytes the channel did. carry is already part of accumulated.
		processed := preTool
		if truncated {
			processed = Reassemble(segments)[len(carry):]
		}
		r.accumulated = base + processed
		r.recordCompletion(ctx, processed)
		return true, nil
	}

	formatted, err := r.executeCalls(ctx, parsed.Calls)
	if err != nil {
		return true, err
	}
	r.carryInvisible = trailing + parsed.FullMatch + formatted
	r.accumulated = base + preTool + parsed.FullMatch + formatted
	r.recordCompletion(ctx, preTool+parsed.FullMatch+formatted)
	r.toolDepth++
	return false, nil
}

func combinedVisible(segments []ContentSegment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(s.Visible)
	}
	return b.String()
}

// flushCarry attaches any leftover invisible content to the last sent
// message so reconstruction stays complete.
func (r *run) flushCarry() {
	if r.carryInvisible != "" {
		r.appendSuffixToLastSent(r.carryInvisible)
		r.carryInvisible = ""
	}
}

// sendSegments delivers visible text progressively, splitting over the
// transport's message length and recording invisible context per sent
// message. Phantom content attaches to the last previously sent
// message.
func (r *run) sendSegments(ctx context.Context, segments []ContentSegment, phantom string) error {
	if len(segments) == 0 {
		if phantom != "" {
			r.appendSuffixToLastSent(phantom)
		}
		return nil
	}
	for _, seg := range segments {
		content := r.outgoingText(strings.TrimSpace(seg.Visible))
		if content == "" {
			r.appendSuffixToLastSent(seg.Prefix + seg.Visible + seg.Suffix)
			continue
		}
		replyTo := ""
		if len(r.sentIDs) == 0 {
			replyTo = r.in.TriggerMessageID
		}
		ids, err := r.loop.Adapter.SendMessage(ctx, r.in.ChannelID, content, replyTo)
		if err != nil {
			return fmt.Errorf("send segment: %w", err)
		}
		for i, id := range ids {
			mc := activations.MessageContext{}
			if i == 0 {
				mc.Prefix = seg.Prefix
			}
			if i == len(ids)-1 {
				mc.Suffix = seg.Suffix
			}
			r.contexts[id] = mc
			r.sentIDs = append(r.sentIDs, id)
		}
	}
	return nil
}

// outgoingText rewrites participant-name mentions back to platform ids
// and strips a leading reply prefix before sending.
func (r *run) outgoingText(text string) string {
	if strings.HasPrefix(text, "<reply:@") {
		if end := strings.Index(text, "> "); end >= 0 {
			text = text[end+2:]
		}
	}
	return mentionNameRe.ReplaceAllStringFunc(text, func(m string) string {
		name := m[2 : len(m)-1]
		if id, ok := r.in.UserIDByName[name]; ok {
			return "<@" + id + ">"
		}
		return m
	})
}

var mentionNameRe = regexp.MustCompile(`<@([^>]+)>`)

func (r *run) appendSuffixToLastSent(suffix string) {
	if len(r.sentIDs) == 0 || suffix == "" {
		return
	}
	last := r.sentIDs[len(r.sentIDs)-1]
	mc := r.contexts[last]
	mc.Suffix += suffix
	r.contexts[last] = mc
}

// executeCalls runs each parsed call, collects result images for the
// next continuation, and formats the results for injection.
func (r *run) executeCalls(ctx context.Context, calls []tools.Call) (string, error) {
	results := make([]tools.CallResult, 0, len(calls))
	for _, call := range calls {
		started := time.Now()
		result := r.loop.Executor.Execute(ctx, call)
		r.in.Trace.ToolExecution(call.Name, call.Input, len(result.Output), result.Error, time.Since(started))
		if r.loop.Metrics != nil {
			status := "success"
			if result.Error != "" {
				status = "error"
			}
			r.loop.Metrics.ToolExecutions.WithLabelValues(call.Name, status).Inc()
		}

		r.pendingTools = append(r.pendingTools, pendingToolRecord{call: call, result: result})
		r.callIDs = append(r.callIDs, call.ID)
		for _, img := range result.Images {
			r.pendingImages = append(r.pendingImages, pendingImage{toolName: call.Name, img: img})
		}
		results = append(results, tools.CallResult{Name: call.Name, Result: result.Text()})

		if r.in.Bot.ToolOutputVisible {
			r.postToolWebhook(ctx, call, result)
		}
	}
	return tools.FormatResultsForInjection(results), nil
}

// postToolWebhook shows a dotted (context-excluded) tool transcript in
// the channel.
func (r *run) postToolWebhook(ctx context.Context, call tools.Call, result tools.Result) {
	output := strings.ReplaceAll(result.Text(), "\n", " ")
	if len(output) > 500 {
		output = output[:500] + "…"
	}
	content := fmt.Sprintf(". **%s** %s → %s", call.Name, string(call.InputJSON()), output)
	if _, err := r.loop.Adapter.SendWebhook(ctx, r.in.ChannelID, r.in.Bot.Name, content); err != nil {
		r.loop.Logger.Warn("tool webhook failed", "tool", call.Name, "error", err)
	}
	for i, img := range result.Images {
		data, err := decodeBase64(img.Data)
		if err != nil {
			continue
		}
		name := fmt.Sprintf("%s-%d%s", call.Name, i, extForMime(img.MimeType))
		if _, err := r.loop.Adapter.SendImageAttachment(ctx, r.in.ChannelID, name, data, "."); err != nil {
			r.loop.Logger.Warn("tool image attachment failed", "tool", call.Name, "error", err)
		}
	}
}

// recordCompletion appends one completion to the activation store.
func (r *run) recordCompletion(ctx context.Context, text string) {
	if r.in.ActivationID == "" || r.loop.Activations == nil {
		return
	}
	sent := append([]string(nil), r.sentIDs[r.completionBoundary:]...)
	if err := r.loop.Activations.AddCompletion(ctx, r.in.ActivationID, text, sent); err != nil {
		r.loop.Logger.Warn("recording completion failed", "activation", r.in.ActivationID, "error", err)
	}
	r.completionBoundary = len(r.sentIDs)
}
