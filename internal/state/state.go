// Package state holds the per-channel conversation state that keeps
// prompt-cache prefixes stable across activations.
package state

import (
	"context"
	"sync"

	"github.com/haasonsaas/cordial/internal/toolcache"
)

// ChannelState tracks where the cache marker sits and how far the
// conversation has moved since the last context roll. It is mutated
// only while the channel's activation lock is held.
type ChannelState struct {
	// LastCacheMarker is the message id the ephemeral cache-control
	// block was placed on in the previous request.
	LastCacheMarker string
	// CacheOldestMessageID pins the oldest message of the built
	// context; fetches extend backward to reach it until a roll.
	CacheOldestMessageID string
	// MessagesSinceRoll counts activations since the context last
	// rolled. Resets to zero on every roll.
	MessagesSinceRoll int
	// ToolCache is the channel's tool history as loaded at state
	// initialization. The durable copy lives in the toolcache store.
	ToolCache []toolcache.Entry
}

type channelKey struct {
	botID     string
	channelID string
}

// Store keeps ChannelState per (bot, channel) for the process
// lifetime. It is not persisted; the durable pieces (tool cache,
// activations) have their own stores.
type Store struct {
	mu       sync.Mutex
	channels map[channelKey]*ChannelState
}

func NewStore() *Store {
	return &Store{channels: make(map[channelKey]*ChannelState)}
}

// GetOrInitialize returns the channel's state, creating it on first
// activation with the given tool cache seed.
func (s *Store) GetOrInitialize(botID, channelID string, toolCache []toolcache.Entry) *ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := channelKey{botID: botID, channelID: channelID}
	if st, ok := s.channels[key]; ok {
		return st
	}
	st := &ChannelState{ToolCache: toolCache}
	s.channels[key] = st
	return st
}

// UpdateCacheMarker records the message the cache-control block was
// placed on, so the next build can detect marker movement.
func (s *Store) UpdateCacheMarker(botID, channelID, messageID string) {
	if st := s.get(botID, channelID); st != nil {
		st.LastCacheMarker = messageID
	}
}

// UpdateCacheOldestMessageID pins the context's oldest message.
func (s *Store) UpdateCacheOldestMessageID(botID, channelID, messageID string) {
	if st := s.get(botID, channelID); st != nil {
		st.CacheOldestMessageID = messageID
	}
}

// ResetMessageCount zeroes the since-roll counter after a roll.
func (s *Store) ResetMessageCount(botID, channelID string) {
	if st := s.get(botID, channelID); st != nil {
		st.MessagesSinceRoll = 0
	}
}

// IncrementMessageCount bumps the since-roll counter for a non-rolling
// activation.
func (s *Store) IncrementMessageCount(botID, channelID string) {
	if st := s.get(botID, channelID); st != nil {
		st.MessagesSinceRoll++
	}
}

// PruneToolCache drops in-memory entries whose triggering message fell
// out of the fetch window and forwards the prune to the durable store.
func (s *Store) PruneToolCache(ctx context.Context, store *toolcache.Store, botID, channelID, oldestFetchedMessageID string) error {
	if st := s.get(botID, channelID); st != nil && oldestFetchedMessageID != "" {
		kept := st.ToolCache[:0]
		for _, e := range st.ToolCache {
			if !snowflakeLess(e.TriggeringMessageID, oldestFetchedMessageID) {
				kept = append(kept, e)
			}
		}
		st.ToolCache = kept
	}
	if store == nil {
		return nil
	}
	_, err := store.PruneToolCache(ctx, botID, channelID, oldestFetchedMessageID)
	return err
}

func (s *Store) get(botID, channelID string) *ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[channelKey{botID: botID, channelID: channelID}]
}

func snowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
