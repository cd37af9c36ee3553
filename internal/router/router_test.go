package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/routingcore/llmrouter/internal/factors"
)

type fakeRouteTable map[string]bool

func (f fakeRouteTable) Has(alias string) bool { return f[alias] }

func TestResolve_Disabled(t *testing.T) {
	d := Resolve(Config{Enabled: false}, "claude-sonnet", factors.Factors{}, fakeRouteTable{})
	assert.Equal(t, "disabled", d.Tag)
	assert.False(t, d.Applied)
	assert.Equal(t, "claude-sonnet", d.SuggestedModel)
}

func TestResolve_NotActivated(t *testing.T) {
	cfg := Config{Enabled: true, ActivationModels: map[string]bool{"claude-opus": true}}
	d := Resolve(cfg, "claude-sonnet", factors.Factors{}, fakeRouteTable{})
	assert.Equal(t, "not_activated", d.Tag)
	assert.False(t, d.Applied)
}

func TestResolve_CategorySignalHit(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Categories: []Category{
			{Name: "coding", Priority: 10, TargetModel: "coder-alias", Signals: []string{"tool_profile:coding"}},
		},
	}
	rt := fakeRouteTable{"coder-alias": true}
	d := Resolve(cfg, "claude-sonnet", factors.Factors{ToolProfile: factors.ProfileCoding}, rt)
	assert.Equal(t, "category_hit_coding", d.Tag)
	assert.True(t, d.Applied)
	assert.Equal(t, "coder-alias", d.SuggestedModel)
}

func TestResolve_CategoryRejectedWhenTargetNotInRouteTable(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Categories: []Category{
			{Name: "coding", Priority: 10, TargetModel: "missing-alias", Signals: []string{"tool_profile:coding"}},
		},
		DefaultModel: "",
	}
	d := Resolve(cfg, "claude-sonnet", factors.Factors{ToolProfile: factors.ProfileCoding}, fakeRouteTable{})
	assert.Equal(t, "no_rule", d.Tag)
	assert.False(t, d.Applied)
}

func TestResolve_ShadowOnlyNeverApplies(t *testing.T) {
	cfg := Config{
		Enabled:    true,
		ShadowOnly: true,
		Categories: []Category{
			{Name: "coding", Priority: 10, TargetModel: "coder-alias", Signals: []string{"tool_profile:coding"}},
		},
	}
	rt := fakeRouteTable{"coder-alias": true}
	d := Resolve(cfg, "claude-sonnet", factors.Factors{ToolProfile: factors.ProfileCoding}, rt)
	assert.Equal(t, "category_hit_coding", d.Tag)
	assert.False(t, d.Applied)
	assert.Equal(t, "coder-alias", d.SuggestedModel)
}

func TestResolve_RuleMatchAll(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Rules: []Rule{
			{
				Name: "long-convo", Priority: 5, TargetModel: "strong-alias", Match: "all",
				When: []Condition{
					{Field: "messages_count", Op: ">=", Value: 10},
					{Field: "has_code_context", Op: "==", Value: true},
				},
			},
		},
	}
	rt := fakeRouteTable{"strong-alias": true}

	hit := Resolve(cfg, "claude-sonnet", factors.Factors{MessagesCount: 12, HasCodeContext: true}, rt)
	assert.Equal(t, "rule_hit_long-convo", hit.Tag)
	assert.True(t, hit.Applied)

	miss := Resolve(cfg, "claude-sonnet", factors.Factors{MessagesCount: 12, HasCodeContext: false}, rt)
	assert.Equal(t, "no_rule", miss.Tag)
}

func TestResolve_RuleMatchAny(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Rules: []Rule{
			{
				Name: "any-signal", Priority: 5, TargetModel: "strong-alias", Match: "any",
				When: []Condition{
					{Field: "prompt_chars", Op: ">", Value: 5000},
					{Field: "has_code_context", Op: "==", Value: true},
				},
			},
		},
	}
	rt := fakeRouteTable{"strong-alias": true}
	d := Resolve(cfg, "claude-sonnet", factors.Factors{HasCodeContext: true}, rt)
	assert.Equal(t, "rule_hit_any-signal", d.Tag)
}

func TestResolve_DefaultModelFallback(t *testing.T) {
	cfg := Config{Enabled: true, DefaultModel: "default-alias"}
	rt := fakeRouteTable{"default-alias": true}
	d := Resolve(cfg, "claude-sonnet", factors.Factors{}, rt)
	assert.Equal(t, "default_model", d.Tag)
	assert.True(t, d.Applied)
}

func TestResolve_NoRuleWhenNothingMatches(t *testing.T) {
	d := Resolve(Config{Enabled: true}, "claude-sonnet", factors.Factors{}, fakeRouteTable{})
	assert.Equal(t, "no_rule", d.Tag)
	assert.False(t, d.Applied)
	assert.Equal(t, "claude-sonnet", d.SuggestedModel)
}

func TestEvaluateComparatorSignal(t *testing.T) {
	ok, _ := evaluateComparatorSignal(30, ">=25")
	assert.True(t, ok)

	ok, _ = evaluateComparatorSignal(10, ">=25")
	assert.False(t, ok)

	ok, _ = evaluateComparatorSignal(25, "25")
	assert.True(t, ok)

	_, reason := evaluateComparatorSignal(25, "not-a-number")
	assert.Equal(t, "invalid_threshold", reason)
}

func TestScalarEquals_CoercesStringNumbers(t *testing.T) {
	assert.True(t, scalarEquals("5", 5))
	assert.True(t, scalarEquals("true", true))
	assert.False(t, scalarEquals("5", 6))
}
