package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/haasonsaas/cordial/internal/activations"
	"github.com/haasonsaas/cordial/internal/config"
	"github.com/haasonsaas/cordial/internal/contextbuilder"
	"github.com/haasonsaas/cordial/internal/credits"
	"github.com/haasonsaas/cordial/internal/events"
	"github.com/haasonsaas/cordial/internal/llm"
	"github.com/haasonsaas/cordial/internal/observability"
	"github.com/haasonsaas/cordial/internal/state"
	"github.com/haasonsaas/cordial/internal/toolcache"
	"github.com/haasonsaas/cordial/internal/tools"
	"github.com/haasonsaas/cordial/internal/trace"
	"github.com/haasonsaas/cordial/internal/transport"
)

// TriggerType classifies why an activation fired.
type TriggerType string

const (
	TriggerMCommand TriggerType = "m_command"
	TriggerMention  TriggerType = "mention"
	TriggerReply    TriggerType = "reply"
	TriggerRandom   TriggerType = "random"
)

// chargeable reports whether the trigger kind goes through credit
// gating. Random activations are the bot's own initiative and free.
func chargeable(t TriggerType) bool { return t != TriggerRandom }

// Scheduler gates activation for one bot: trigger evaluation,
// per-channel mutual exclusion, credit policy, and driving an
// activation to completion.
type Scheduler struct {
	BotConfig func() config.BotConfig
	Adapter   transport.Adapter
	Provider  llm.Provider
	Executor  *tools.Executor

	State       *state.Store
	ToolCache   *toolcache.Store
	Activations *activations.Store
	Credits     *credits.Client
	Builder     *contextbuilder.Builder
	Metrics     *observability.Metrics
	Injections  func(channelID string) []contextbuilder.Injection

	// Tracer emits one span per activation. Nil falls back to a no-op.
	Tracer oteltrace.Tracer

	TracesDir string
	Logger    *slog.Logger

	// Intn is the random source for the random trigger; overridable in
	// tests. Defaults to math/rand.
	Intn func(n int) int

	mu     sync.Mutex
	active map[string]bool
	sent   map[string]bool

	// wg tracks in-flight activations for orderly shutdown.
	wg sync.WaitGroup
}

type trigger struct {
	kind     TriggerType
	message  transport.Message
	mCommand *transport.Message
}

func (s *Scheduler) init() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		s.active = make(map[string]bool)
	}
	if s.sent == nil {
		s.sent = make(map[string]bool)
	}
	if s.Intn == nil {
		s.Intn = rand.Intn
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
}

// Wait blocks until all launched activations have finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// ProcessBatch evaluates one drained event batch. The activation
// itself runs asynchronously; this returns as soon as the decision is
// made so queue draining never waits on LLM latency.
func (s *Scheduler) ProcessBatch(ctx context.Context, batch []events.Event) {
	s.init()
	bot := s.BotConfig()

	for _, ev := range batch {
		if ev.Kind == events.KindDelete && s.ToolCache != nil && ev.Message.Author.ID == s.Adapter.BotUserID() {
			err := s.ToolCache.RemoveEntriesByBotMessageID(ctx, bot.ID, ev.Message.ChannelID, ev.Message.ID)
			if err != nil {
				s.Logger.Warn("tool cache cleanup failed", "message_id", ev.Message.ID, "error", err)
			}
		}
	}

	trig, ok := s.shouldActivate(ctx, bot, batch)
	if !ok {
		return
	}

	if trig.mCommand != nil {
		if err := s.Adapter.DeleteMessage(ctx, trig.mCommand.ChannelID, trig.mCommand.ID); err != nil {
			s.Logger.Warn("m-command deletion failed", "message_id", trig.mCommand.ID, "error", err)
		}
	}

	channelID := trig.message.ChannelID
	if !s.tryAcquire(channelID) {
		s.Logger.Debug("channel busy, dropping activation", "channel", channelID)
		if s.Metrics != nil {
			s.Metrics.EventDrops.WithLabelValues("channel_locked").Inc()
		}
		return
	}

	transactionID, allowed := s.checkCredits(ctx, bot, trig)
	if !allowed {
		s.release(channelID)
		if s.Metrics != nil {
			s.Metrics.ActivationCounter.WithLabelValues(bot.ID, "blocked").Inc()
		}
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(channelID)
		s.runActivation(ctx, bot, trig, transactionID)
	}()
}

// shouldActivate evaluates the trigger rules per message event in
// batch order.
func (s *Scheduler) shouldActivate(ctx context.Context, bot config.BotConfig, batch []events.Event) (trigger, bool) {
	if bot.APIOnly {
		return trigger{}, false
	}
	botUserID := s.Adapter.BotUserID()

	anchor := firstTriggeringMessage(batch, botUserID)
	if anchor == nil {
		return trigger{}, false
	}

	for _, ev := range batch {
		if ev.Kind != events.KindMessage {
			continue
		}
		m := ev.Message
		if m.System || m.Author.ID == botUserID {
			continue
		}
		addressed := s.mentionsBot(&m) || s.isReplyToBot(&m)
		if m.Author.Bot && !addressed {
			continue
		}

		if content := stripReplyPrefix(m.Content); strings.HasPrefix(content, "m ") {
			if addressed {
				cmd := m
				return trigger{kind: TriggerMCommand, message: *anchor, mCommand: &cmd}, true
			}
			// A command aimed at another bot silences this batch.
			return trigger{}, false
		}

		if s.mentionsBot(&m) {
			depth, err := s.Adapter.ReplyChainDepth(ctx, m.ChannelID, &m)
			if err != nil {
				s.Logger.Warn("reply chain walk failed", "error", err)
			}
			if err == nil && depth >= bot.ReplyChainLimit {
				if err := s.Adapter.AddReaction(ctx, m.ChannelID, m.ID, bot.Reactions.ChainLimit); err != nil {
					s.Logger.Warn("chain-limit reaction failed", "error", err)
				}
				continue
			}
			return trigger{kind: TriggerMention, message: m}, true
		}

		if !m.Author.Bot && s.isReplyToBot(&m) {
			return trigger{kind: TriggerReply, message: m}, true
		}
	}

	if bot.ReplyOnRandom > 0 && s.Intn(bot.ReplyOnRandom) == 0 {
		return trigger{kind: TriggerRandom, message: *anchor}, true
	}
	return trigger{}, false
}

// firstTriggeringMessage picks the batch's anchor: the first
// non-system, non-self message event, falling back to any message
// event.
func firstTriggeringMessage(batch []events.Event, botUserID string) *transport.Message {
	var fallback *transport.Message
	for i := range batch {
		if batch[i].Kind != events.KindMessage {
			continue
		}
		m := &batch[i].Message
		if fallback == nil {
			fallback = m
		}
		if !m.System && m.Author.ID != botUserID {
			return m
		}
	}
	return fallback
}

func (s *Scheduler) mentionsBot(m *transport.Message) bool {
	return strings.Contains(m.Content, "<@"+s.Adapter.BotUsername()+">")
}

func (s *Scheduler) isReplyToBot(m *transport.Message) bool {
	if m.ReferencedMessageID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[m.ReferencedMessageID]
}

func (s *Scheduler) tryAcquire(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[channelID] {
		return false
	}
	s.active[channelID] = true
	return true
}

func (s *Scheduler) release(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, channelID)
}

func (s *Scheduler) tracer() oteltrace.Tracer {
	if s.Tracer != nil {
		return s.Tracer
	}
	return noop.NewTracerProvider().Tracer("cordial")
}

func (s *Scheduler) trackSent(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.sent[id] = true
	}
}

// checkCredits runs the gate for chargeable triggers. Returns the
// transaction id (possibly empty) and whether the activation may
// proceed.
func (s *Scheduler) checkCredits(ctx context.Context, bot config.BotConfig, trig trigger) (string, bool) {
	if s.Credits == nil || !chargeable(trig.kind) {
		return "", true
	}
	result := s.Credits.CheckAndDeduct(ctx, credits.CheckRequest{
		UserID:      trig.message.Author.ID,
		ServerID:    trig.message.GuildID,
		ChannelID:   trig.message.ChannelID,
		BotID:       bot.ID,
		MessageID:   trig.message.ID,
		TriggerType: string(trig.kind),
		UserRoles:   trig.message.Author.Roles,
	})
	if result.Allowed {
		return result.TransactionID, true
	}
	if result.Reason == credits.ReasonBotNotConfigured {
		err := s.Adapter.AddReaction(ctx, trig.message.ChannelID, trig.message.ID, bot.Reactions.ConfigNeeded)
		if err != nil {
			s.Logger.Warn("config-needed reaction failed", "error", err)
		}
	}
	return "", false
}

// runActivation drives one activation end to end: fetch, build, inline
// loop, state updates. Errors refund the credit transaction.
func (s *Scheduler) runActivation(ctx context.Context, bot config.BotConfig, trig trigger, transactionID string) {
	started := time.Now()
	channelID := trig.message.ChannelID

	ctx, span := s.tracer().Start(ctx, "activation",
		oteltrace.WithAttributes(observability.ActivationAttrs(bot.ID, channelID, string(trig.kind))...))
	defer span.End()

	stopTyping := s.Adapter.StartTyping(channelID)
	defer stopTyping()

	activationID := ""
	var tw *trace.Writer
	if s.Activations != nil && bot.PreserveThinkingContext {
		act, err := s.Activations.StartActivation(ctx, bot.ID, channelID, string(trig.kind), trig.message.ID)
		if err != nil {
			s.Logger.Error("starting activation record failed", "error", err)
		} else {
			activationID = act.ID
		}
	}
	tw = trace.NewWriter(s.TracesDir, traceName(bot.ID, channelID), s.Logger)
	defer tw.Close()
	tw.Trigger(string(trig.kind), trig.message.ID)

	result, err := s.activate(ctx, bot, trig, activationID, tw)
	outcome := "completed"
	switch {
	case err != nil:
		outcome = "failed"
		s.Logger.Error("activation failed", "bot", bot.ID, "channel", channelID, "error", err)
		tw.Outcome("error", nil, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "activation failed")
		if transactionID != "" {
			s.Credits.Refund(ctx, transactionID, "inference_failed")
		}
	case result.Outcome == OutcomeHallucination:
		outcome = "hallucination"
	case result.Outcome == OutcomeRefusal:
		// The stop reaction lands on what the bot said; the trigger only
		// carries it when nothing was sent.
		targets := result.SentMessageIDs
		if len(targets) == 0 {
			targets = []string{trig.message.ID}
		}
		for _, id := range targets {
			if err := s.Adapter.AddReaction(ctx, channelID, id, bot.Reactions.Stop); err != nil {
				s.Logger.Warn("refusal reaction failed", "error", err)
			}
		}
	}
	span.SetAttributes(attribute.String("outcome", outcome))

	if s.Metrics != nil {
		s.Metrics.ActivationCounter.WithLabelValues(bot.ID, outcome).Inc()
		s.Metrics.ActivationDuration.WithLabelValues(bot.ID).Observe(time.Since(started).Seconds())
	}
	if result != nil && len(result.SentMessageIDs) > 0 {
		s.trackSent(result.SentMessageIDs)
		s.Credits.TrackMessage(ctx, credits.TrackRequest{
			MessageID:        result.SentMessageIDs[0],
			ChannelID:        channelID,
			ServerID:         trig.message.GuildID,
			BotID:            bot.ID,
			TriggerUserID:    trig.message.Author.ID,
			TriggerMessageID: trig.message.ID,
		})
	}
}

// activate fetches context, builds the request, and runs the inline
// loop. Split from runActivation so the error path stays in one place.
func (s *Scheduler) activate(ctx context.Context, bot config.BotConfig, trig trigger, activationID string, tw *trace.Writer) (*RunResult, error) {
	channelID := trig.message.ChannelID
	chState := s.State.GetOrInitialize(bot.ID, channelID, nil)

	fetched, err := s.Adapter.FetchContext(ctx, transport.FetchOptions{
		ChannelID:       channelID,
		Depth:           bot.FetchDepth,
		FirstMessageID:  chState.CacheOldestMessageID,
		TargetMessageID: trig.message.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch context: %w", err)
	}
	if len(fetched.Messages) == 0 {
		return nil, fmt.Errorf("empty fetch window")
	}
	if chState.CacheOldestMessageID != "" && !fetched.FirstMessageFound {
		// Leave the anchor in place; the next roll replaces it.
		s.Logger.Warn("cache anchor not reached in fetch window",
			"channel", channelID, "anchor", chState.CacheOldestMessageID)
	}
	tw.FetchedMessages(len(fetched.Messages), fetched.Messages[0].ID, fetched.Messages[len(fetched.Messages)-1].ID)

	existing := make(map[string]bool, len(fetched.Messages))
	for i := range fetched.Messages {
		existing[fetched.Messages[i].ID] = true
	}

	var toolEntries []toolcache.Entry
	if s.ToolCache != nil {
		toolEntries, err = s.ToolCache.LoadCacheWithResults(ctx, bot.ID, channelID, existing)
		if err != nil {
			return nil, fmt.Errorf("load tool cache: %w", err)
		}
		if err := s.State.PruneToolCache(ctx, s.ToolCache, bot.ID, channelID, fetched.Messages[0].ID); err != nil {
			s.Logger.Warn("tool cache prune failed", "error", err)
		}
	}

	var priorActivations []activations.Activation
	if bot.PreserveThinkingContext && s.Activations != nil {
		priorActivations, err = s.Activations.LoadActivationsForChannel(ctx, bot.ID, channelID, existing)
		if err != nil {
			return nil, fmt.Errorf("load activations: %w", err)
		}
	}

	var injections []contextbuilder.Injection
	if s.Injections != nil {
		injections = s.Injections(channelID)
	}

	specs := s.Executor.Specs(ctx)
	out, err := s.Builder.Build(contextbuilder.Input{
		Bot:          bot,
		BotUserID:    s.Adapter.BotUserID(),
		BotUsername:  s.Adapter.BotUsername(),
		SystemPrompt: systemPrompt(bot, fetched.PinnedConfigs, specs),
		Tools:        toLLMSpecs(specs),
		Messages:     fetched.Messages,
		Images:       fetched.Images,
		Documents:    fetched.Documents,
		ToolCache:    toolEntries,
		Activations:  priorActivations,
		Injections:   injections,
		State: contextbuilder.State{
			LastCacheMarker:      chState.LastCacheMarker,
			CacheOldestMessageID: chState.CacheOldestMessageID,
			MessagesSinceRoll:    chState.MessagesSinceRoll,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}

	chars := 0
	for i := range out.Request.Messages {
		chars += out.Request.Messages[i].TextLen()
	}
	tw.ContextBuild(len(out.Request.Messages), out.DidRoll, out.CacheMarker, chars)

	if out.DidRoll {
		s.State.ResetMessageCount(bot.ID, channelID)
		s.State.UpdateCacheOldestMessageID(bot.ID, channelID, out.OldestMessageID)
		if s.Metrics != nil {
			s.Metrics.ContextRolls.WithLabelValues(bot.ID).Inc()
		}
	} else {
		s.State.IncrementMessageCount(bot.ID, channelID)
	}
	if out.CacheMarker != "" {
		s.State.UpdateCacheMarker(bot.ID, channelID, out.CacheMarker)
	}

	loop := &InlineLoop{
		Provider:    s.Provider,
		Executor:    s.Executor,
		Adapter:     s.Adapter,
		ToolCache:   s.ToolCache,
		Activations: s.Activations,
		Metrics:     s.Metrics,
		Logger:      s.Logger,
	}
	return loop.Run(ctx, RunInput{
		Bot:              bot,
		ChannelID:        channelID,
		TriggerMessageID: trig.message.ID,
		Request:          out.Request,
		Participants:     participantNames(fetched.Messages, bot.Name),
		UserIDByName:     userIDsByName(fetched.Messages),
		ActivationID:     activationID,
		Trace:            tw,
	})
}

// systemPrompt assembles the base prompt, pinned channel configs, and
// tool instructions.
func systemPrompt(bot config.BotConfig, pinned []string, specs []tools.Spec) string {
	parts := []string{bot.Model.SystemPrompt}
	parts = append(parts, pinned...)
	if toolBlock := tools.FormatSpecsForPrompt(specs); toolBlock != "" {
		parts = append(parts, toolBlock)
	}
	var nonEmpty []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

func toLLMSpecs(specs []tools.Spec) []llm.ToolSpec {
	out := make([]llm.ToolSpec, 0, len(specs))
	for _, sp := range specs {
		out = append(out, llm.ToolSpec{
			Name:        sp.Name,
			Description: sp.Description,
			InputSchema: sp.InputSchema,
			Server:      sp.Server,
		})
	}
	return out
}

func participantNames(msgs []transport.Message, botName string) []string {
	seen := map[string]bool{botName: true}
	var names []string
	for i := range msgs {
		name := msgs[i].Author.DisplayName
		if name == "" {
			name = msgs[i].Author.Username
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

func userIDsByName(msgs []transport.Message) map[string]string {
	out := make(map[string]string)
	for i := range msgs {
		a := msgs[i].Author
		if a.Username != "" {
			out[a.Username] = a.ID
		}
		if a.DisplayName != "" {
			out[a.DisplayName] = a.ID
		}
	}
	return out
}

func traceName(botID, channelID string) string {
	return botID + "-" + channelID
}

func stripReplyPrefix(content string) string {
	if strings.HasPrefix(content, "<reply:@") {
		if end := strings.Index(content, "> "); end >= 0 {
			return content[end+2:]
		}
	}
	return content
}
