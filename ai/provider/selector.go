// Package provider selects upstream profiles and runs streaming generations
// against them.
package provider

import (
	"math/rand"
	"sync"

	"github.com/anima-research/animachat/config"
	"github.com/anima-research/animachat/internal/errs"
)

// Strategy names accepted by the selector.
const (
	StrategyFirst      = "first"
	StrategyRoundRobin = "round-robin"
	StrategyLeastUsed  = "least-used"
	StrategyRandom     = "random"
)

// Selector picks the best eligible profile for a request. Its tie-break
// counters are in-process and best-effort; they are never persisted.
type Selector struct {
	mu       sync.Mutex
	rrIndex  map[string]int // provider -> round-robin cursor
	useCount map[string]int // profile ID -> picks
	randFn   func(n int) int
}

// NewSelector returns a selector with fresh counters.
func NewSelector() *Selector {
	return &Selector{
		rrIndex:  make(map[string]int),
		useCount: make(map[string]int),
		randFn:   rand.Intn,
	}
}

// Eligible reports whether a profile may serve the given model and user
// group. upstreamID is the model resolved to its provider-side ID.
func Eligible(p *config.Profile, modelID, upstreamID, userGroup string) bool {
	switch {
	case len(p.AllowedModels) > 0:
		if !containsAny(p.AllowedModels, modelID, upstreamID) {
			return false
		}
	case len(p.ModelCosts) > 0:
		if _, ok := p.ModelCosts[upstreamID]; !ok {
			if _, ok := p.ModelCosts[modelID]; !ok {
				return false
			}
		}
	}
	if len(p.AllowedUserGroups) > 0 {
		if !containsAny(p.AllowedUserGroups, userGroup) {
			return false
		}
	}
	return true
}

// Pick chooses among a provider's profiles: filter by eligibility, keep the
// lowest priority tier, break ties with the configured strategy.
func (s *Selector) Pick(providerName string, profiles []config.Profile, modelID, upstreamID, userGroup, strategy string) (*config.Profile, error) {
	var tier []*config.Profile
	for i := range profiles {
		p := &profiles[i]
		if !Eligible(p, modelID, upstreamID, userGroup) {
			continue
		}
		switch {
		case len(tier) == 0 || p.Priority < tier[0].Priority:
			tier = []*config.Profile{p}
		case p.Priority == tier[0].Priority:
			tier = append(tier, p)
		}
	}
	if len(tier) == 0 {
		return nil, errs.New(errs.KindNotEligible, "no eligible profile for model %s on provider %s", modelID, providerName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var chosen *config.Profile
	switch strategy {
	case StrategyFirst:
		chosen = tier[0]
	case StrategyRoundRobin:
		idx := s.rrIndex[providerName] % len(tier)
		chosen = tier[idx]
		s.rrIndex[providerName]++
	case StrategyLeastUsed:
		chosen = tier[0]
		for _, p := range tier[1:] {
			if s.useCount[p.ID] < s.useCount[chosen.ID] {
				chosen = p
			}
		}
	default:
		chosen = tier[s.randFn(len(tier))]
	}
	s.useCount[chosen.ID]++
	return chosen, nil
}

func containsAny(haystack []string, needles ...string) bool {
	for _, h := range haystack {
		for _, n := range needles {
			if n != "" && h == n {
				return true
			}
		}
	}
	return false
}
