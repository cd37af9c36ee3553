package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testTunables() Tunables {
	return Tunables{
		StickyTTL:      time.Minute,
		MaxStickyKeys:  5,
		ModelHealthTTL: time.Minute,
	}
}

func TestStore_SetGetClearSticky(t *testing.T) {
	s := New(testTunables())
	_, ok := s.GetSticky("sess-1", "claude-sonnet")
	assert.False(t, ok)

	s.SetSticky("sess-1", "claude-sonnet", StickyEntry{BackendURL: "https://a", UpstreamModel: "claude-3-opus"})
	e, ok := s.GetSticky("sess-1", "claude-sonnet")
	assert.True(t, ok)
	assert.Equal(t, "https://a", e.BackendURL)

	s.ClearSticky("sess-1", "claude-sonnet")
	_, ok = s.GetSticky("sess-1", "claude-sonnet")
	assert.False(t, ok)
}

func TestStore_SetSticky_EvictsOverCapacity(t *testing.T) {
	s := New(testTunables())
	for i := 0; i < 6; i++ {
		s.SetSticky(string(rune('a'+i)), "claude-sonnet", StickyEntry{})
	}
	assert.LessOrEqual(t, s.sticky.Len(), 5)
}

func TestStore_FindStickyAcrossAliases(t *testing.T) {
	s := New(testTunables())
	s.SetSticky("sess-1", "writer-alias", StickyEntry{BackendURL: "https://b"})

	alias, entry, ok := s.FindStickyAcrossAliases("sess-1", []string{"coder-alias", "writer-alias"})
	assert.True(t, ok)
	assert.Equal(t, "writer-alias", alias)
	assert.Equal(t, "https://b", entry.BackendURL)

	_, _, ok = s.FindStickyAcrossAliases("", []string{"writer-alias"})
	assert.False(t, ok)
}

func TestStore_CooldownLifecycle(t *testing.T) {
	s := New(testTunables())
	assert.False(t, s.IsCoolingDown("alias", "target-1"))

	s.SetCooldown("alias", "target-1", time.Minute)
	assert.True(t, s.IsCoolingDown("alias", "target-1"))

	s.SetCooldown("alias", "target-2", 0)
	assert.False(t, s.IsCoolingDown("alias", "target-2"))
}

func TestStore_RecordSuccessResetsFailureStreak(t *testing.T) {
	s := New(testTunables())
	s.RecordFailure("sess-1", "alias")
	s.RecordFailure("sess-1", "alias")
	h := s.Health("sess-1", "alias")
	assert.Equal(t, 2, h.FailureStreak)

	s.RecordSuccess("sess-1", "alias")
	h = s.Health("sess-1", "alias")
	assert.Equal(t, 0, h.FailureStreak)
	assert.Equal(t, 1, h.SuccessStreak)
}

func TestSignatureGroupOf(t *testing.T) {
	assert.Equal(t, "claude", SignatureGroupOf("claude-3-5-sonnet-latest"))
	assert.Equal(t, "gpt", SignatureGroupOf("gpt-4o-mini"))
	assert.Equal(t, "gemini", SignatureGroupOf("gemini-1.5-pro"))
	assert.Equal(t, "llama-3-70b", SignatureGroupOf("llama-3-70b"))
}
