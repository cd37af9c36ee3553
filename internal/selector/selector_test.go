package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/routingcore/llmrouter/internal/factors"
	"github.com/routingcore/llmrouter/internal/routetable"
	"github.com/routingcore/llmrouter/internal/state"
)

func testStore() *state.Store {
	return state.New(state.Tunables{StickyTTL: time.Minute, ModelHealthTTL: time.Minute})
}

func TestSelect_NonThinking_WeightedRandomNoSession(t *testing.T) {
	rt := routetable.Build(map[string][]routetable.Target{
		"coder": {{BackendURL: "https://a", UpstreamModel: "claude-3-opus", Weight: 1}},
	})
	sel := New(testStore())
	s := sel.Select(rt, "coder", factors.Factors{}, "", nil)
	assert.True(t, s.Found)
	assert.Equal(t, TagWeightedRandomNoSession, s.Decision)
}

func TestSelect_NonThinking_StickySessionHonoursCooldown(t *testing.T) {
	rt := routetable.Build(map[string][]routetable.Target{
		"coder": {
			{BackendURL: "https://a", UpstreamModel: "claude-3-opus", Weight: 1},
			{BackendURL: "https://b", UpstreamModel: "claude-3-opus", Weight: 1},
		},
	})
	store := testStore()
	sticky := state.StickyEntry{BackendURL: "https://a", UpstreamModel: "claude-3-opus"}
	store.SetSticky("sess-1", "coder", sticky)

	target := rt.Candidates("coder")[0]
	store.SetCooldown("coder", target.Identity(), time.Minute)

	sel := New(store)
	s := sel.Select(rt, "coder", factors.Factors{}, "sess-1", nil)
	assert.True(t, s.Found)
	assert.Equal(t, TagWeightedRandom, s.Decision)
	assert.Equal(t, "https://b", s.Target.BackendURL)
}

func TestSelect_ThinkingLock_PrimaryWithoutSession(t *testing.T) {
	rt := routetable.Build(map[string][]routetable.Target{
		"coder": {
			{BackendURL: "https://a", UpstreamModel: "claude-3-opus", Weight: 1},
			{BackendURL: "https://b", UpstreamModel: "claude-3-opus", Weight: 5},
		},
	})
	sel := New(testStore())
	s := sel.Select(rt, "coder", factors.Factors{HasThinkingSignature: true}, "", nil)
	assert.True(t, s.Found)
	assert.Equal(t, TagThinkingPrimaryNoSession, s.Decision)
	assert.Equal(t, "https://b", s.Target.BackendURL)
}

func TestSelect_ThinkingLock_CrossModelSwitchesAlias(t *testing.T) {
	rt := routetable.Build(map[string][]routetable.Target{
		"coder":  {{BackendURL: "https://a", UpstreamModel: "claude-3-opus"}},
		"writer": {{BackendURL: "https://b", UpstreamModel: "claude-3-5-sonnet"}},
	})
	store := testStore()
	store.SetSticky("sess-1", "writer", state.StickyEntry{BackendURL: "https://b", UpstreamModel: "claude-3-5-sonnet"})

	sel := New(store)
	s := sel.Select(rt, "coder", factors.Factors{HasThinkingSignature: true}, "sess-1", nil)
	assert.True(t, s.Found)
	assert.Equal(t, "writer", s.Alias)
	assert.Equal(t, TagThinkingCrossModelLocked, s.Decision)
}

func TestSelect_NoCandidatesReturnsDefaultNoSelected(t *testing.T) {
	rt := routetable.Build(map[string][]routetable.Target{"coder": nil})
	sel := New(testStore())
	s := sel.Select(rt, "coder", factors.Factors{}, "", nil)
	assert.False(t, s.Found)
	assert.Equal(t, TagDefaultNoSelected, s.Decision)
}

func TestSelect_ExcludeFiltersTriedTargets(t *testing.T) {
	rt := routetable.Build(map[string][]routetable.Target{
		"coder": {{BackendURL: "https://a", UpstreamModel: "claude-3-opus"}},
	})
	sel := New(testStore())
	tried := rt.Candidates("coder")[0].Identity()
	s := sel.Select(rt, "coder", factors.Factors{}, "", map[string]bool{tried: true})
	assert.False(t, s.Found)
}
