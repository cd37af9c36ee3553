// Package autoupgrade implements the Auto-Upgrade heuristic (C4): an
// independent post-router rewrite of the resolved alias, grounded on
// resolveAutoUpgradeModel in original_source/codegen/lb_codegen.py.
package autoupgrade

import "github.com/routingcore/llmrouter/internal/factors"

// Config is the per-alias upgrade mapping plus its activation thresholds.
type Config struct {
	Enabled               bool
	Mapping               map[string]string // currentAlias -> upgradedAlias
	MessagesThreshold     int
	ToolsThreshold        int
	FailureStreakThreshold int
	SignatureUpgrade      bool
}

// RouteTableChecker is the minimal surface Resolve needs from the route table.
type RouteTableChecker interface {
	Has(alias string) bool
}

// Decision captures why (if at all) the alias was upgraded.
type Decision struct {
	Triggered     bool
	Source        string
	Target        string
	Reasons       []string
	MessagesCount int
	ToolsCount    int
	FailureStreak int
}

// Resolve implements spec.md §4.3. currentAlias is the router's resolved
// alias; failureStreak comes from the session's HealthEntry.
func Resolve(cfg Config, currentAlias string, f factors.Factors, failureStreak int, rt RouteTableChecker) Decision {
	d := Decision{
		Source:        currentAlias,
		MessagesCount: f.MessagesCount,
		ToolsCount:    f.ToolsCount,
		FailureStreak: failureStreak,
	}
	if !cfg.Enabled {
		return d
	}
	upgraded, hasMapping := cfg.Mapping[currentAlias]
	if !hasMapping || !rt.Has(upgraded) {
		return d
	}

	var reasons []string
	if cfg.MessagesThreshold > 0 && f.MessagesCount >= cfg.MessagesThreshold {
		reasons = append(reasons, "messages_count")
	}
	if cfg.ToolsThreshold > 0 && f.ToolsCount >= cfg.ToolsThreshold {
		reasons = append(reasons, "tools_count")
	}
	if cfg.FailureStreakThreshold > 0 && failureStreak >= cfg.FailureStreakThreshold {
		reasons = append(reasons, "failure_streak")
	}
	if cfg.SignatureUpgrade && f.HasThinkingSignature {
		reasons = append(reasons, "thinking_signature")
	}
	if len(reasons) == 0 {
		return d
	}

	d.Triggered = true
	d.Target = upgraded
	d.Reasons = reasons
	return d
}
