// Package routetable holds the immutable alias → targets mapping the engine
// is built around (spec.md §3 "RouteTable", C1). Built once at startup from
// internal/routerconfig; never reshaped at runtime.
package routetable

import (
	"fmt"

	"github.com/routingcore/llmrouter/internal/state"
)

// Params is the per-target parameter override bag (spec.md §3 "Target").
type Params struct {
	ReasoningEffort   string
	ThinkingBudgetMax int
	MaxTokensMax      int
	MaxTokensDefault  int
	ThinkingLevel     string
	AnthropicBeta     string
	ExtraHeaders      map[string]string
}

// forbiddenHeaders may never be set via ExtraHeaders (spec.md §3).
var forbiddenHeaders = map[string]bool{"host": true, "content-length": true}

// Target is a concrete (backend, upstream_model, params) routable endpoint.
type Target struct {
	BackendURL       string
	UpstreamModel    string
	Weight           int
	ProviderTag      string
	ProviderInstance string
	Params           Params
}

// Identity is the deduplication key (provider_instance, backend_url,
// upstream_model) used for tried-target tracking and cooldowns.
func (t Target) Identity() string {
	return fmt.Sprintf("%s\x00%s\x00%s", t.ProviderInstance, t.BackendURL, t.UpstreamModel)
}

// EffectiveWeight returns the target's weight, defaulting missing/non-positive
// weights to 1 (spec.md §4.4 "Weighted random").
func (t Target) EffectiveWeight() int {
	if t.Weight <= 0 {
		return 1
	}
	return t.Weight
}

// SanitizedExtraHeaders drops any forbidden header name.
func (t Target) SanitizedExtraHeaders() map[string]string {
	if len(t.Params.ExtraHeaders) == 0 {
		return nil
	}
	out := make(map[string]string, len(t.Params.ExtraHeaders))
	for k, v := range t.Params.ExtraHeaders {
		if forbiddenHeaders[normalizeHeaderName(k)] {
			continue
		}
		out[k] = v
	}
	return out
}

func normalizeHeaderName(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// RouteTable is the immutable alias → targets mapping plus its derived
// signature-group index.
type RouteTable struct {
	routes    map[string][]Target
	sigGroups map[string][]string // group -> aliases that can serve it
}

// Build constructs a RouteTable from a raw alias->targets map, deriving the
// signature-group index by walking every target once (spec.md §9).
func Build(routes map[string][]Target) *RouteTable {
	rt := &RouteTable{
		routes:    routes,
		sigGroups: make(map[string][]string),
	}
	for alias, targets := range routes {
		seen := make(map[string]bool)
		for _, t := range targets {
			group := state.SignatureGroupOf(t.UpstreamModel)
			if seen[group] {
				continue
			}
			seen[group] = true
			rt.sigGroups[group] = append(rt.sigGroups[group], alias)
		}
	}
	return rt
}

// Candidates returns the configured targets for an alias, or nil if the
// alias is unknown.
func (rt *RouteTable) Candidates(alias string) []Target {
	return rt.routes[alias]
}

// Has reports whether alias is a known route.
func (rt *RouteTable) Has(alias string) bool {
	_, ok := rt.routes[alias]
	return ok
}

// Aliases returns every configured alias, used by the cross-model thinking
// lock to scan for a live sticky on any alias.
func (rt *RouteTable) Aliases() []string {
	out := make([]string, 0, len(rt.routes))
	for a := range rt.routes {
		out = append(out, a)
	}
	return out
}

// AliasesForSignatureGroup returns the aliases whose targets can serve the
// given signature group, used by signature recovery (spec.md §4.9).
func (rt *RouteTable) AliasesForSignatureGroup(group string) []string {
	return rt.sigGroups[group]
}
