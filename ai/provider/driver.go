package provider

import (
	stdcontext "context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	aictx "github.com/anima-research/animachat/ai/context"
	"github.com/anima-research/animachat/chat"
	"github.com/anima-research/animachat/config"
	"github.com/anima-research/animachat/internal/errs"
)

// defaultStreamTimeout bounds one upstream stream wall-clock.
const defaultStreamTimeout = 10 * time.Minute

// GenerationSlot is the room manager's at-most-one-generation gate.
type GenerationSlot interface {
	StartGeneration(convID, userID, messageID string) bool
	EndGeneration(convID string)
}

// Metrics is the exporter surface the driver reports finished generations to.
type Metrics interface {
	ObserveGeneration(provider, model string, failed bool, seconds float64, inputTokens, outputTokens int, cost float64, currency string)
}

// OnChunk receives streamed output: incremental text while streaming, then a
// final call with done=true carrying the complete content blocks.
type OnChunk func(text string, blocks []chat.ContentBlock, done bool)

// GenerateParams describes one generation request.
type GenerateParams struct {
	ConversationID string
	UserID         string
	UserGroup      string
	MessageID      string
	BranchID       string
	ModelID        string
	ParticipantID  string
	// Continue resumes the existing branch content instead of starting fresh.
	Continue bool
}

// Driver runs one streaming generation end to end: slot, context
// preparation, profile selection, upstream stream, persistence, accounting.
// Branch content accumulates in memory during the stream; only the terminal
// outcome is persisted.
type Driver struct {
	svc      *chat.Service
	engine   *aictx.Engine
	selector *Selector
	loader   *config.Loader
	slot     GenerationSlot
	timeout  time.Duration
	metrics  Metrics

	// newUpstream is swappable in tests.
	newUpstream func(providerName string, p *config.Profile) Upstream

	mu      sync.Mutex
	cancels map[string]stdcontext.CancelFunc
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithStreamTimeout sets the wall-clock bound for one stream. Profiles with
// their own timeoutSeconds override it per request.
func WithStreamTimeout(d time.Duration) DriverOption {
	return func(dr *Driver) {
		if d > 0 {
			dr.timeout = d
		}
	}
}

// WithMetrics wires the exporter.
func WithMetrics(mx Metrics) DriverOption {
	return func(dr *Driver) { dr.metrics = mx }
}

// NewDriver wires a driver.
func NewDriver(svc *chat.Service, engine *aictx.Engine, selector *Selector, loader *config.Loader, slot GenerationSlot, opts ...DriverOption) *Driver {
	d := &Driver{
		svc:         svc,
		engine:      engine,
		selector:    selector,
		loader:      loader,
		slot:        slot,
		timeout:     defaultStreamTimeout,
		newUpstream: defaultUpstream,
		cancels:     make(map[string]stdcontext.CancelFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func defaultUpstream(providerName string, p *config.Profile) Upstream {
	if providerName == "anthropic" {
		return NewAnthropic(p)
	}
	return NewOpenAI(p)
}

// Cancel cooperatively stops the in-flight generation of a conversation.
// Returns whether one was running.
func (d *Driver) Cancel(convID string) bool {
	d.mu.Lock()
	cancel, ok := d.cancels[convID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Generate streams one completion into the target branch. It returns after
// the terminal event is durable; onChunk has already seen every delta.
func (d *Driver) Generate(ctx stdcontext.Context, p GenerateParams, onChunk OnChunk) error {
	conv := d.svc.Registry().Conversation(p.ConversationID)
	if conv == nil {
		return errs.New(errs.KindNotFound, "conversation %s not found", p.ConversationID)
	}
	snap := d.loader.Current()

	modelID := p.ModelID
	if modelID == "" {
		modelID = conv.DefaultModelID
	}
	if modelID == "" {
		modelID = snap.Config.DefaultModel
	}
	if modelID == "" {
		return errs.New(errs.KindValidation, "no model configured for conversation %s", p.ConversationID)
	}

	if !d.slot.StartGeneration(p.ConversationID, p.UserID, p.MessageID) {
		return errs.New(errs.KindBusy, "a generation is already running in conversation %s", p.ConversationID)
	}
	defer d.slot.EndGeneration(p.ConversationID)

	gctx, cancel := stdcontext.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.cancels[p.ConversationID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.cancels, p.ConversationID)
		d.mu.Unlock()
	}()

	entries, prefill, err := d.svc.PathForGeneration(ctx, p.ConversationID, p.MessageID, p.BranchID, p.Continue)
	if err != nil {
		return err
	}
	participant := findParticipant(conv, p.ParticipantID)
	prepared := d.engine.Prepare(conv, participant, entries, nil)

	upstreamID := snap.Models.UpstreamID(modelID)
	providerName := providerFor(&snap.Models, modelID, upstreamID)
	profile, err := d.selector.Pick(providerName, snap.Config.Providers[providerName],
		modelID, upstreamID, p.UserGroup, snap.Config.LoadBalancing.Strategy)
	if err != nil {
		return err
	}

	sctx, tcancel := stdcontext.WithTimeout(gctx, d.streamTimeout(profile))
	defer tcancel()

	req := Request{
		Model:            upstreamID,
		System:           prepared.System,
		Messages:         prepared.Messages,
		StopSequences:    prepared.Hints.StopSequences,
		CacheAnchorIndex: prepared.Hints.CacheAnchorIndex,
		Prefill:          prefill,
		Temperature:      participantTemperature(participant),
	}
	if m := snap.Models.Model(modelID); m != nil {
		req.MaxTokens = m.MaxTokens
	}

	var text, thinking, signature strings.Builder
	started := time.Now()
	usage, streamErr := d.newUpstream(providerName, profile).Stream(sctx, req, func(delta Delta) {
		if delta.Text != "" {
			text.WriteString(delta.Text)
			onChunk(delta.Text, nil, false)
		}
		if delta.Thinking != "" {
			thinking.WriteString(delta.Thinking)
		}
		if delta.Signature != "" {
			signature.WriteString(delta.Signature)
		}
	})
	duration := time.Since(started)

	// Timeout expiry is a cancellation, not a failure: partial output is
	// persisted and the stream completes normally.
	cause := stdcontext.Cause(sctx)
	cancelled := streamErr != nil &&
		(cause == stdcontext.Canceled || cause == stdcontext.DeadlineExceeded)
	final := prefill + text.String()
	blocks := buildBlocks(thinking.String(), signature.String(), final)

	if usage.InputTokens == 0 {
		usage.InputTokens = prepared.Metadata.TotalTokens + aictx.EstimateText(prepared.System)
		usage.Estimated = true
	}
	if usage.OutputTokens == 0 && text.Len() > 0 {
		usage.OutputTokens = aictx.EstimateText(text.String())
		usage.Estimated = true
	}

	// Persist whatever the stream produced. A failed stream with zero output
	// leaves the branch empty for a later retry.
	if streamErr == nil || cancelled || text.Len() > 0 {
		patch := chat.BranchUpdatedPayload{
			MessageID:        p.MessageID,
			BranchID:         p.BranchID,
			Content:          &final,
			ContentBlocks:    blocks,
			Model:            &modelID,
			ThoughtSignature: ptr(signature.String()),
			DebugRequest:     debugRequest(&req, profile),
			DebugResponse:    debugResponse(usage, streamErr),
		}
		if err := d.svc.UpdateBranch(ctx, p.ConversationID, patch); err != nil {
			return err
		}
	}

	cost, currency := Cost(profile, modelID, upstreamID, usage)
	metrics := chat.MetricsAddedPayload{
		MessageID:        p.MessageID,
		BranchID:         p.BranchID,
		Provider:         providerName,
		ProfileID:        profile.ID,
		Model:            modelID,
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadTokens,
		CacheWriteTokens: usage.CacheWriteTokens,
		Cost:             cost,
		Currency:         currency,
		DurationMs:       duration.Milliseconds(),
		Failed:           streamErr != nil && !cancelled,
		InputEstimated:   usage.Estimated,
	}
	if err := d.svc.RecordMetrics(ctx, p.ConversationID, metrics); err != nil {
		slog.Error("recording generation metrics failed",
			"conversation_id", p.ConversationID, "error", err)
	}
	if d.metrics != nil {
		d.metrics.ObserveGeneration(providerName, modelID, metrics.Failed,
			duration.Seconds(), usage.InputTokens, usage.OutputTokens, cost, currency)
	}

	if streamErr != nil && !cancelled {
		return streamErr
	}
	onChunk("", blocks, true)
	return nil
}

// streamTimeout resolves the wall-clock bound for one stream: the profile's
// timeoutSeconds when set, the driver's configured timeout otherwise.
func (d *Driver) streamTimeout(p *config.Profile) time.Duration {
	if p != nil && p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return d.timeout
}

// Cost prices a generation against the profile's cost table. Unpriced models
// cost zero; the currency defaults to credit.
func Cost(p *config.Profile, modelID, upstreamID string, u Usage) (float64, string) {
	mc, ok := p.ModelCosts[upstreamID]
	if !ok {
		mc, ok = p.ModelCosts[modelID]
	}
	if !ok {
		return 0, "credit"
	}
	currency := mc.Currency
	if currency == "" {
		currency = "credit"
	}
	cost := float64(u.InputTokens)*mc.InputPerMTok/1e6 +
		float64(u.OutputTokens)*mc.OutputPerMTok/1e6 +
		float64(u.CacheReadTokens)*mc.CacheReadPerMTok/1e6 +
		float64(u.CacheWriteTokens)*mc.CacheWritePerMTok/1e6
	return cost, currency
}

func providerFor(catalog *config.Catalog, modelID, upstreamID string) string {
	if m := catalog.Model(modelID); m != nil && m.Provider != "" {
		return m.Provider
	}
	if strings.HasPrefix(upstreamID, "claude") {
		return "anthropic"
	}
	return "openai"
}

func findParticipant(conv *chat.Conversation, id string) *chat.Participant {
	if id == "" {
		return nil
	}
	for _, p := range conv.Participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func participantTemperature(p *chat.Participant) float64 {
	if p == nil || len(p.Settings) == 0 {
		return 0
	}
	var s struct {
		Temperature float64 `json:"temperature"`
	}
	if err := json.Unmarshal(p.Settings, &s); err != nil {
		return 0
	}
	return s.Temperature
}

func buildBlocks(thinking, signature, text string) []chat.ContentBlock {
	var blocks []chat.ContentBlock
	if thinking != "" {
		blocks = append(blocks, chat.ContentBlock{Type: "thinking", Thinking: thinking, Signature: signature})
	}
	if text != "" {
		blocks = append(blocks, chat.TextBlock(text))
	}
	return blocks
}

func debugRequest(req *Request, profile *config.Profile) json.RawMessage {
	raw, err := json.Marshal(map[string]any{
		"model":         req.Model,
		"profileId":     profile.ID,
		"system":        req.System,
		"messages":      len(req.Messages),
		"stopSequences": req.StopSequences,
		"cacheAnchor":   req.CacheAnchorIndex,
	})
	if err != nil {
		return nil
	}
	return raw
}

func debugResponse(u Usage, streamErr error) json.RawMessage {
	payload := map[string]any{"usage": u}
	if streamErr != nil {
		payload["error"] = streamErr.Error()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return raw
}

func ptr(s string) *string { return &s }
