package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLMap_SetGet(t *testing.T) {
	m := NewTTLMap[string]()
	m.Set("a", "value", time.Minute)
	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestTTLMap_ExpiredEntryIsAbsent(t *testing.T) {
	m := NewTTLMap[string]()
	m.Set("a", "value", -time.Second)
	_, ok := m.Get("a")
	assert.False(t, ok)
}

func TestTTLMap_Update(t *testing.T) {
	m := NewTTLMap[int]()
	assert.False(t, m.Update("missing", func(v *int) { *v++ }, time.Minute))

	m.Set("counter", 1, time.Minute)
	assert.True(t, m.Update("counter", func(v *int) { *v++ }, time.Minute))
	v, _ := m.Get("counter")
	assert.Equal(t, 2, v)
}

func TestTTLMap_Cleanup_RemovesOnlyExpired(t *testing.T) {
	m := NewTTLMap[string]()
	m.Set("live", "v", time.Minute)
	m.Set("dead", "v", -time.Second)
	removed := m.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.Len())
}

func TestTTLMap_EvictEarliest(t *testing.T) {
	m := NewTTLMap[string]()
	m.Set("oldest", "v", time.Second)
	m.Set("middle", "v", time.Minute)
	m.Set("newest", "v", time.Hour)

	n := m.EvictEarliest(1)
	assert.Equal(t, 1, n)
	_, ok := m.Get("oldest")
	assert.False(t, ok)
	_, ok = m.Get("middle")
	assert.True(t, ok)
	_, ok = m.Get("newest")
	assert.True(t, ok)
}

func TestTTLMap_EvictEarliest_ClampsToMapSize(t *testing.T) {
	m := NewTTLMap[string]()
	m.Set("only", "v", time.Minute)
	assert.Equal(t, 1, m.EvictEarliest(10))
	assert.Equal(t, 0, m.Len())
}
