// Package classifier implements the Response Classifier (C8): a pure
// function from (status, decoded body, had-thinking-signature, cooldown table)
// to {kind, clear_sticky, cooldown_ms}. Grounded on parseErrorSummary /
// classifyResponse in original_source/codegen/lb_codegen.py.
package classifier

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind is the internal failure taxonomy; never exposed to the client
// directly (spec.md §7).
type Kind string

const (
	KindSuccess   Kind = "success"
	KindAuth      Kind = "auth"
	KindSignature Kind = "signature"
	KindTransient Kind = "transient"
	KindClient    Kind = "client"
	KindOther     Kind = "other"
)

// Cooldowns are the tunables of spec.md §6; callers may override them via
// config, and DefaultCooldowns returns the documented defaults.
type Cooldowns struct {
	Auth           time.Duration
	Validation     time.Duration
	Quota          time.Duration
	Transient      time.Duration
	TransientHeavy time.Duration
	Signature      time.Duration
}

func DefaultCooldowns() Cooldowns {
	return Cooldowns{
		Auth:           5 * time.Minute,
		Validation:     12 * time.Hour,
		Quota:          12 * time.Hour,
		Transient:      1 * time.Minute,
		TransientHeavy: 2 * time.Minute,
		Signature:      2 * time.Minute,
	}
}

// Outcome is the classifier's verdict for one attempt.
type Outcome struct {
	Kind         Kind
	ClearSticky  bool
	CooldownMs   time.Duration
	Summary      string
}

var quotaUnion = []string{"insufficient_quota", "quota exceeded", "quote_exceeded", "subscription quota", "quota limit", "quota refresh"}

// Classify implements spec.md §4.7. hadThinkingSignature reflects the
// *request's* Factors.HasThinkingSignature, not the response.
func Classify(status int, body []byte, hadThinkingSignature bool, cd Cooldowns) Outcome {
	if status >= 200 && status < 300 {
		return Outcome{Kind: KindSuccess}
	}

	summary := parseErrorSummary(body)

	isValidation := status == 403 && containsAny(summary, "validation_required", "verify your account", "validation_url")
	isAuth := containsAny(summary, "auth_unavailable", "auth_not_found") || status == 401 || status == 403
	if isAuth {
		cooldown := cd.Auth
		switch {
		case isValidation:
			cooldown = cd.Validation
		case containsAny(summary, quotaUnion...):
			cooldown = cd.Quota
		}
		return Outcome{Kind: KindAuth, ClearSticky: true, CooldownMs: cooldown, Summary: summary}
	}
	if hadThinkingSignature && isStatusIn(status, 400, 422, 500) && strings.Contains(summary, "signature") {
		return Outcome{Kind: KindSignature, ClearSticky: true, CooldownMs: cd.Signature, Summary: summary}
	}
	if isStatusIn(status, 408, 429, 500, 502, 503, 504) {
		cooldown := cd.Transient
		if status == 429 || status == 503 {
			cooldown = cd.TransientHeavy
		}
		return Outcome{Kind: KindTransient, ClearSticky: true, CooldownMs: cooldown, Summary: summary}
	}
	if status == 400 || status == 422 {
		return Outcome{Kind: KindClient, Summary: summary}
	}

	out := Outcome{Kind: KindOther, Summary: summary}
	if status >= 500 {
		out.ClearSticky = true
		out.CooldownMs = cd.Transient
	}
	return out
}

// parseErrorSummary extracts a lowercased summary string from the usual
// error-field shapes, or a raw body preview if nothing structured is found.
func parseErrorSummary(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
			Type    string `json:"type"`
			Status  string `json:"status"`
			Reason  string `json:"reason"`
			Details []struct {
				Reason string `json:"reason"`
				Domain string `json:"domain"`
			} `json:"details"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		var parts []string
		for _, s := range []string{
			parsed.Error.Message, parsed.Error.Code, parsed.Error.Type,
			parsed.Error.Status, parsed.Error.Reason, parsed.Message,
		} {
			if s != "" {
				parts = append(parts, s)
			}
		}
		for _, d := range parsed.Error.Details {
			if d.Reason != "" {
				parts = append(parts, d.Reason)
			}
			if d.Domain != "" {
				parts = append(parts, d.Domain)
			}
		}
		if len(parts) > 0 {
			return strings.ToLower(strings.Join(parts, " "))
		}
	}
	preview := body
	if len(preview) > 500 {
		preview = preview[:500]
	}
	return strings.ToLower(string(preview))
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func isStatusIn(status int, candidates ...int) bool {
	for _, c := range candidates {
		if status == c {
			return true
		}
	}
	return false
}
