package autoupgrade

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/routingcore/llmrouter/internal/factors"
)

type fakeRouteTable map[string]bool

func (f fakeRouteTable) Has(alias string) bool { return f[alias] }

func TestResolve_DisabledNeverTriggers(t *testing.T) {
	d := Resolve(Config{Enabled: false}, "claude-sonnet", factors.Factors{MessagesCount: 100}, 0, fakeRouteTable{"claude-opus": true})
	assert.False(t, d.Triggered)
}

func TestResolve_NoMappingNeverTriggers(t *testing.T) {
	cfg := Config{Enabled: true, MessagesThreshold: 5}
	d := Resolve(cfg, "claude-sonnet", factors.Factors{MessagesCount: 100}, 0, fakeRouteTable{})
	assert.False(t, d.Triggered)
}

func TestResolve_TargetNotInRouteTableNeverTriggers(t *testing.T) {
	cfg := Config{Enabled: true, Mapping: map[string]string{"claude-sonnet": "claude-opus"}, MessagesThreshold: 5}
	d := Resolve(cfg, "claude-sonnet", factors.Factors{MessagesCount: 100}, 0, fakeRouteTable{})
	assert.False(t, d.Triggered)
}

func TestResolve_MessagesThresholdTriggers(t *testing.T) {
	cfg := Config{Enabled: true, Mapping: map[string]string{"claude-sonnet": "claude-opus"}, MessagesThreshold: 20}
	d := Resolve(cfg, "claude-sonnet", factors.Factors{MessagesCount: 25}, 0, fakeRouteTable{"claude-opus": true})
	assert.True(t, d.Triggered)
	assert.Equal(t, "claude-opus", d.Target)
	assert.Contains(t, d.Reasons, "messages_count")
}

func TestResolve_FailureStreakTriggers(t *testing.T) {
	cfg := Config{Enabled: true, Mapping: map[string]string{"claude-sonnet": "claude-opus"}, FailureStreakThreshold: 3}
	d := Resolve(cfg, "claude-sonnet", factors.Factors{}, 4, fakeRouteTable{"claude-opus": true})
	assert.True(t, d.Triggered)
	assert.Contains(t, d.Reasons, "failure_streak")
}

func TestResolve_SignatureUpgradeTriggers(t *testing.T) {
	cfg := Config{Enabled: true, Mapping: map[string]string{"claude-sonnet": "claude-opus"}, SignatureUpgrade: true}
	d := Resolve(cfg, "claude-sonnet", factors.Factors{HasThinkingSignature: true}, 0, fakeRouteTable{"claude-opus": true})
	assert.True(t, d.Triggered)
	assert.Contains(t, d.Reasons, "thinking_signature")
}

func TestResolve_BelowAllThresholdsNeverTriggers(t *testing.T) {
	cfg := Config{
		Enabled: true, Mapping: map[string]string{"claude-sonnet": "claude-opus"},
		MessagesThreshold: 50, ToolsThreshold: 10, FailureStreakThreshold: 5,
	}
	d := Resolve(cfg, "claude-sonnet", factors.Factors{MessagesCount: 3, ToolsCount: 1}, 0, fakeRouteTable{"claude-opus": true})
	assert.False(t, d.Triggered)
}
