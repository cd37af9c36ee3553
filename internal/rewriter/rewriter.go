// Package rewriter implements the Request Rewriter (C6): clones the parsed
// body per attempt, substitutes the model, clamps/merges per-target
// parameter overrides, and rewrites headers. Grounded on
// applyTargetHeaders/applyTargetParamsToPayload/cloneRequestPayloadForTarget/
// mergeCommaHeader in original_source/codegen/lb_codegen.py, with the header
// style of the teacher's internal/identity/headers.go.
package rewriter

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/routingcore/llmrouter/internal/routetable"
)

var thinkingSuffixPattern = regexp.MustCompile(`\([^()]*\)\s*$`)

// CloneBody returns an independent deep copy of a parsed JSON body so that
// each retry attempt mutates its own payload (spec.md §9 "Deep-clone per
// attempt"). A JSON round trip is sufficient: request bodies are plain JSON
// trees with no cycles.
func CloneBody(body map[string]any) map[string]any {
	raw, err := json.Marshal(body)
	if err != nil {
		return map[string]any{}
	}
	var clone map[string]any
	if err := json.Unmarshal(raw, &clone); err != nil {
		return map[string]any{}
	}
	return clone
}

// Rewrite applies spec.md §4.5 to a cloned body in place and returns it.
func Rewrite(body map[string]any, target routetable.Target) map[string]any {
	model := target.UpstreamModel
	if target.Params.ThinkingLevel != "" && !thinkingSuffixPattern.MatchString(model) {
		model = model + "(" + target.Params.ThinkingLevel + ")"
	}
	body["model"] = model

	if target.Params.ReasoningEffort != "" {
		body["reasoning_effort"] = target.Params.ReasoningEffort
	}

	maxTokens, hasMaxTokens := numberField(body, "max_tokens")

	if thinking, ok := body["thinking"].(map[string]any); ok {
		if budget, ok := numberField(thinking, "budget_tokens"); ok && target.Params.ThinkingBudgetMax > 0 {
			if budget > float64(target.Params.ThinkingBudgetMax) {
				thinking["budget_tokens"] = target.Params.ThinkingBudgetMax
			}
		}
	}

	if target.Params.MaxTokensMax > 0 && hasMaxTokens && maxTokens > float64(target.Params.MaxTokensMax) {
		body["max_tokens"] = target.Params.MaxTokensMax
		maxTokens = float64(target.Params.MaxTokensMax)
		hasMaxTokens = true
	}
	if target.Params.MaxTokensDefault > 0 && !hasMaxTokens {
		body["max_tokens"] = target.Params.MaxTokensDefault
		maxTokens = float64(target.Params.MaxTokensDefault)
		hasMaxTokens = true
	}

	if hasMaxTokens {
		if thinking, ok := body["thinking"].(map[string]any); ok {
			if budget, ok := numberField(thinking, "budget_tokens"); ok && budget >= maxTokens {
				reduced := maxTokens - 1
				if reduced <= 0 {
					delete(thinking, "budget_tokens")
				} else {
					thinking["budget_tokens"] = reduced
				}
			}
		}
	}

	if target.ProviderTag == "minimax" {
		delete(body, "metadata")
	}

	return body
}

func numberField(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// RewriteHeaders builds the outbound header set from the request's baseline
// headers (captured once per request) plus the target's overrides.
func RewriteHeaders(baseline http.Header, target routetable.Target, bodySize int) http.Header {
	out := baseline.Clone()
	if out == nil {
		out = make(http.Header)
	}

	if target.Params.AnthropicBeta != "" {
		out.Set("anthropic-beta", mergeCommaHeader(out.Get("anthropic-beta"), target.Params.AnthropicBeta))
	}

	for name, value := range target.SanitizedExtraHeaders() {
		out.Set(name, value)
	}

	out.Set("Content-Length", strconv.Itoa(bodySize))
	return out
}

// mergeCommaHeader merges two comma-separated header values, deduplicating
// case-insensitively while preserving first-seen order.
func mergeCommaHeader(existing, addition string) string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(existing+","+addition, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		key := strings.ToLower(p)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return strings.Join(out, ",")
}
