// Package selector implements the Target Selector (C5): given a resolved
// alias and a session key, it chooses a concrete target via stickiness,
// weighted random, and highest-weight fallback, skipping cooled-down targets
// unless a thinking lock forces reuse. Grounded on the selection branches of
// the http.createServer handler and the pickRetryTarget/weightedRandom/
// selectHighestWeightTarget helpers in
// original_source/codegen/lb_codegen.py, restructured in the struct+New+Select
// shape of the teacher's internal/scheduler/scheduler.go.
package selector

import (
	"math/rand"

	"github.com/routingcore/llmrouter/internal/factors"
	"github.com/routingcore/llmrouter/internal/routetable"
	"github.com/routingcore/llmrouter/internal/state"
)

// Decision tags, used verbatim in access-log records (spec.md GLOSSARY).
const (
	TagThinkingCrossModelLocked  = "thinking_sticky_cross_model_locked"
	TagThinkingSessionLocked     = "sticky_session_model_thinking_locked"
	TagThinkingPrimaryLocked     = "thinking_primary_locked"
	TagThinkingPrimaryNoSession  = "thinking_primary_locked_no_session"
	TagStickySessionModel        = "sticky_session_model"
	TagWeightedRandom            = "weighted_random"
	TagWeightedRandomNoSession   = "weighted_random_no_session"
	TagDefaultNoSelected         = "default_target_no_selected"
	cooldownSuffix               = "_all_targets_in_cooldown"
)

// Selection is the outcome of Select.
type Selection struct {
	Alias    string // the alias actually used; may differ from resolvedAlias under a cross-model lock
	Target   routetable.Target
	Found    bool
	Decision string
}

// Selector reads sticky/cooldown state to pick targets; it holds no targets
// of its own (the RouteTable is passed in per call since it never changes).
type Selector struct {
	store *state.Store
	rng   *rand.Rand
}

func New(store *state.Store) *Selector {
	return &Selector{store: store, rng: rand.New(rand.NewSource(rand.Int63()))}
}

// Select implements spec.md §4.4. exclude holds target identities already
// tried this request (used by the retry controller); pass nil on the first
// attempt.
func (s *Selector) Select(rt *routetable.RouteTable, resolvedAlias string, f factors.Factors, sessionKey string, exclude map[string]bool) Selection {
	if f.HasThinkingSignature {
		if sel, ok := s.selectThinking(rt, resolvedAlias, sessionKey, exclude); ok {
			return sel
		}
	} else {
		if sel, ok := s.selectNonThinking(rt, resolvedAlias, sessionKey, exclude); ok {
			return sel
		}
	}
	return Selection{Decision: TagDefaultNoSelected}
}

func (s *Selector) selectThinking(rt *routetable.RouteTable, resolvedAlias, sessionKey string, exclude map[string]bool) (Selection, bool) {
	// Cross-model lock: scan every alias for a live sticky, ignoring cooldown.
	if sessionKey != "" {
		if alias, entry, ok := s.store.FindStickyAcrossAliases(sessionKey, rt.Aliases()); ok {
			if t, found := targetFor(rt, alias, entry, exclude); found {
				return Selection{Alias: alias, Target: t, Found: true, Decision: TagThinkingCrossModelLocked}, true
			}
		}
	}

	// Same-alias sticky, ignoring cooldown (keeps a running reasoning trace intact).
	if sessionKey != "" {
		if entry, ok := s.store.GetSticky(sessionKey, resolvedAlias); ok {
			if t, found := targetFor(rt, resolvedAlias, entry, exclude); found {
				return Selection{Alias: resolvedAlias, Target: t, Found: true, Decision: TagThinkingSessionLocked}, true
			}
		}
	}

	// No sticky hit: highest-weight non-cooled candidate, falling back to the
	// cooled pool if every candidate is cooled.
	candidates := filterExcluded(rt.Candidates(resolvedAlias), exclude)
	tag := TagThinkingPrimaryLocked
	if sessionKey == "" {
		tag = TagThinkingPrimaryNoSession
	}
	nonCooled := filterCooled(s.store, resolvedAlias, candidates)
	if t, ok := highestWeight(nonCooled); ok {
		return Selection{Alias: resolvedAlias, Target: t, Found: true, Decision: tag}, true
	}
	if t, ok := highestWeight(candidates); ok {
		return Selection{Alias: resolvedAlias, Target: t, Found: true, Decision: tag + cooldownSuffix}, true
	}
	return Selection{}, false
}

func (s *Selector) selectNonThinking(rt *routetable.RouteTable, resolvedAlias, sessionKey string, exclude map[string]bool) (Selection, bool) {
	candidates := filterExcluded(rt.Candidates(resolvedAlias), exclude)

	if sessionKey != "" {
		if entry, ok := s.store.GetSticky(sessionKey, resolvedAlias); ok {
			if t, found := targetForCooldownAware(s.store, rt, resolvedAlias, entry, exclude); found {
				return Selection{Alias: resolvedAlias, Target: t, Found: true, Decision: TagStickySessionModel}, true
			}
		}
	}

	nonCooled := filterCooled(s.store, resolvedAlias, candidates)
	tag := TagWeightedRandom
	if sessionKey == "" {
		tag = TagWeightedRandomNoSession
	}
	if t, ok := s.weightedRandom(nonCooled); ok {
		return Selection{Alias: resolvedAlias, Target: t, Found: true, Decision: tag}, true
	}
	return Selection{}, false
}

// weightedRandom is the classical roulette wheel: r in [0, sum(weights)),
// walk and subtract, tie-break by target order (spec.md §4.4).
func (s *Selector) weightedRandom(candidates []routetable.Target) (routetable.Target, bool) {
	if len(candidates) == 0 {
		return routetable.Target{}, false
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}
	total := 0
	for _, t := range candidates {
		total += t.EffectiveWeight()
	}
	if total <= 0 {
		return candidates[0], true
	}
	r := s.rng.Intn(total)
	for _, t := range candidates {
		w := t.EffectiveWeight()
		if r < w {
			return t, true
		}
		r -= w
	}
	return candidates[len(candidates)-1], true
}

func highestWeight(candidates []routetable.Target) (routetable.Target, bool) {
	if len(candidates) == 0 {
		return routetable.Target{}, false
	}
	best := candidates[0]
	for _, t := range candidates[1:] {
		if t.EffectiveWeight() > best.EffectiveWeight() {
			best = t
		}
	}
	return best, true
}

func filterExcluded(candidates []routetable.Target, exclude map[string]bool) []routetable.Target {
	if len(exclude) == 0 {
		return candidates
	}
	out := make([]routetable.Target, 0, len(candidates))
	for _, t := range candidates {
		if !exclude[t.Identity()] {
			out = append(out, t)
		}
	}
	return out
}

func filterCooled(store *state.Store, alias string, candidates []routetable.Target) []routetable.Target {
	out := make([]routetable.Target, 0, len(candidates))
	for _, t := range candidates {
		if !store.IsCoolingDown(alias, t.Identity()) {
			out = append(out, t)
		}
	}
	return out
}

// targetFor resolves a sticky entry back to its live Target definition,
// ignoring cooldown state entirely (thinking-lock paths).
func targetFor(rt *routetable.RouteTable, alias string, entry state.StickyEntry, exclude map[string]bool) (routetable.Target, bool) {
	for _, t := range rt.Candidates(alias) {
		if exclude[t.Identity()] {
			continue
		}
		if matchesSticky(t, entry) {
			return t, true
		}
	}
	return routetable.Target{}, false
}

// targetForCooldownAware additionally requires the resolved target not be
// currently cooling down (ordinary sticky reads honour cooldown).
func targetForCooldownAware(store *state.Store, rt *routetable.RouteTable, alias string, entry state.StickyEntry, exclude map[string]bool) (routetable.Target, bool) {
	t, ok := targetFor(rt, alias, entry, exclude)
	if !ok {
		return routetable.Target{}, false
	}
	if store.IsCoolingDown(alias, t.Identity()) {
		return routetable.Target{}, false
	}
	return t, true
}

func matchesSticky(t routetable.Target, e state.StickyEntry) bool {
	return t.ProviderInstance == e.ProviderInstance && t.BackendURL == e.BackendURL && t.UpstreamModel == e.UpstreamModel
}
