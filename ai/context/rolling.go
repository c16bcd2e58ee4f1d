package context

import (
	"log/slog"

	"github.com/anima-research/animachat/chat"
)

// rollingState is the per-conversation memory of the rolling strategy.
// A branch-signature change discards it: navigating to a fork must not carry
// the grace state of an unrelated timeline.
type rollingState struct {
	inGracePeriod       bool
	baselineTokens      int
	lastBranchSignature string
	lastMessageCount    int
}

// rollingResult is the outcome of one rolling evaluation.
type rollingResult struct {
	entries         []chat.PathEntry
	totalTokens     int
	inGracePeriod   bool
	droppedMessages int
}

// evaluate runs the rolling window over the active path. Evaluation order is
// fixed: rotate past the grace ceiling, otherwise grace past maxTokens,
// otherwise normal. Exactly maxTokens is normal; exactly the grace ceiling
// stays in grace.
func (st *rollingState) evaluate(entries []chat.PathEntry, cfg chat.ContextConfig) rollingResult {
	sig := branchSignature(entries)
	if sig != st.lastBranchSignature {
		st.inGracePeriod = false
		st.baselineTokens = 0
		st.lastBranchSignature = sig
	}

	total := 0
	for _, e := range entries {
		total += EstimateEntry(e)
	}

	res := rollingResult{entries: entries, totalTokens: total}
	switch {
	case total > cfg.MaxTokens+cfg.MaxGraceTokens:
		kept := entries
		for len(kept) > 0 && total > cfg.MaxTokens {
			total -= EstimateEntry(kept[0])
			kept = kept[1:]
			res.droppedMessages++
		}
		st.inGracePeriod = false
		st.baselineTokens = 0
		res.entries = kept
		res.totalTokens = total
		slog.Debug("rolling window rotated",
			"dropped", res.droppedMessages, "total_tokens", total)
	case total > cfg.MaxTokens:
		if !st.inGracePeriod {
			st.inGracePeriod = true
			st.baselineTokens = total
		}
		res.inGracePeriod = true
	default:
		st.inGracePeriod = false
		st.baselineTokens = 0
	}
	res.inGracePeriod = st.inGracePeriod
	st.lastMessageCount = len(res.entries)
	return res
}

// branchSignature concatenates branch IDs along the path; a cheap fingerprint
// of which timeline is being prepared.
func branchSignature(entries []chat.PathEntry) string {
	var sig string
	for _, e := range entries {
		sig += e.Branch.ID
	}
	return sig
}
