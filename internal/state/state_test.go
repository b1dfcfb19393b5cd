package state

import (
	"context"
	"testing"

	"github.com/haasonsaas/cordial/internal/toolcache"
)

func TestGetOrInitialize_CreatesOnce(t *testing.T) {
	s := NewStore()
	seed := []toolcache.Entry{{ID: "c1", Name: "echo", TriggeringMessageID: "100"}}

	st := s.GetOrInitialize("bot", "chan", seed)
	if len(st.ToolCache) != 1 {
		t.Fatalf("ToolCache len = %d, want 1", len(st.ToolCache))
	}
	if st.MessagesSinceRoll != 0 {
		t.Errorf("MessagesSinceRoll = %d, want 0", st.MessagesSinceRoll)
	}

	// A second call with a different seed returns the existing state.
	again := s.GetOrInitialize("bot", "chan", nil)
	if again != st {
		t.Error("GetOrInitialize returned a new state for the same channel")
	}
	if len(again.ToolCache) != 1 {
		t.Error("existing state was reseeded")
	}
}

func TestStore_IsolatesByBotAndChannel(t *testing.T) {
	s := NewStore()
	a := s.GetOrInitialize("bot1", "chan", nil)
	b := s.GetOrInitialize("bot2", "chan", nil)
	c := s.GetOrInitialize("bot1", "chan2", nil)
	if a == b || a == c || b == c {
		t.Error("states shared across (bot, channel) keys")
	}
}

func TestCounters(t *testing.T) {
	s := NewStore()
	st := s.GetOrInitialize("bot", "chan", nil)

	s.IncrementMessageCount("bot", "chan")
	s.IncrementMessageCount("bot", "chan")
	if st.MessagesSinceRoll != 2 {
		t.Errorf("MessagesSinceRoll = %d, want 2", st.MessagesSinceRoll)
	}
	s.ResetMessageCount("bot", "chan")
	if st.MessagesSinceRoll != 0 {
		t.Errorf("MessagesSinceRoll after reset = %d, want 0", st.MessagesSinceRoll)
	}

	s.UpdateCacheMarker("bot", "chan", "m-42")
	s.UpdateCacheOldestMessageID("bot", "chan", "m-1")
	if st.LastCacheMarker != "m-42" || st.CacheOldestMessageID != "m-1" {
		t.Errorf("markers = %q / %q", st.LastCacheMarker, st.CacheOldestMessageID)
	}
}

func TestPruneToolCache_InMemory(t *testing.T) {
	s := NewStore()
	st := s.GetOrInitialize("bot", "chan", []toolcache.Entry{
		{ID: "a", TriggeringMessageID: "100"},
		{ID: "b", TriggeringMessageID: "300"},
	})

	if err := s.PruneToolCache(context.Background(), nil, "bot", "chan", "200"); err != nil {
		t.Fatal(err)
	}
	if len(st.ToolCache) != 1 || st.ToolCache[0].ID != "b" {
		t.Errorf("ToolCache after prune = %+v", st.ToolCache)
	}
}
