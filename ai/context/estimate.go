// Package context prepares provider prompts from the active conversation
// path, applying the configured context-management strategy and marking cache
// anchors.
package context

import (
	"github.com/anima-research/animachat/chat"
)

// charsPerToken is the deterministic estimation ratio. Conservative on
// purpose: pricing reconciles against provider-reported counts afterwards.
const charsPerToken = 4

// imageTokenCost is the flat estimate charged per image block.
const imageTokenCost = 1568

// EstimateText returns the token estimate for a string: ceil(len/4).
func EstimateText(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// EstimateBlocks sums the estimate over content blocks.
func EstimateBlocks(blocks []chat.ContentBlock) int {
	total := 0
	for _, b := range blocks {
		switch b.Type {
		case "image":
			total += imageTokenCost
		case "thinking":
			total += EstimateText(b.Thinking)
		default:
			total += EstimateText(b.Text)
		}
	}
	return total
}

// EstimateEntry returns the token estimate for one path entry.
func EstimateEntry(e chat.PathEntry) int {
	if len(e.Branch.ContentBlocks) > 0 {
		return EstimateBlocks(e.Branch.ContentBlocks)
	}
	return EstimateText(e.Branch.Content)
}
