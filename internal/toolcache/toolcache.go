// Package toolcache persists tool executions per (bot, channel) so the
// context builder can replay tool history across restarts.
package toolcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/cordial/internal/tools"
)

// Entry is one recorded tool execution. BotMessageIDs are the Discord
// messages the bot sent while this call was in flight; if all of them
// are later deleted the entry is filtered from context builds but stays
// on disk until pruned by the fetch window.
type Entry struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	Input               string       `json:"input"`
	Result              tools.Result `json:"result"`
	TriggeringMessageID string       `json:"triggeringMessageId"`
	BotMessageIDs       []string     `json:"botMessageIds"`
	OriginalText        string       `json:"originalAssistantText"`
	Timestamp           time.Time    `json:"timestamp"`
}

// Store is the durable tool cache backed by sqlite. All methods are
// safe for concurrent use; per-channel ordering comes from the rowid.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tool_cache (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_id TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	call_id TEXT NOT NULL,
	name TEXT NOT NULL,
	input TEXT NOT NULL,
	result_json TEXT NOT NULL,
	triggering_message_id TEXT NOT NULL,
	bot_message_ids TEXT NOT NULL DEFAULT '[]',
	original_text TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_cache_chan ON tool_cache(bot_id, channel_id);
CREATE INDEX IF NOT EXISTS idx_tool_cache_call ON tool_cache(bot_id, channel_id, call_id);
`

// Open creates or opens the store at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open tool cache db: %w", err)
	}
	// modernc sqlite serializes writes; one connection avoids
	// SQLITE_BUSY under concurrent channels.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init tool cache schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// PersistToolUse appends an executed call. The entry is stamped with
// the triggering message and the assistant text accumulated so far;
// bot message ids are filled in later by UpdateBotMessageIDs.
func (s *Store) PersistToolUse(ctx context.Context, botID, channelID string, call tools.Call, result tools.Result, triggeringMessageID, originalText string) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal tool result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_cache (bot_id, channel_id, call_id, name, input, result_json, triggering_message_id, original_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		botID, channelID, call.ID, call.Name, call.InputJSON(), string(resultJSON),
		triggeringMessageID, originalText, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist tool use: %w", err)
	}
	return nil
}

// UpdateBotMessageIDs stamps the given calls with the Discord message
// ids the bot produced for the completion that contained them.
func (s *Store) UpdateBotMessageIDs(ctx context.Context, botID, channelID string, callIDs, botMessageIDs []string) error {
	if len(callIDs) == 0 {
		return nil
	}
	idsJSON, err := json.Marshal(botMessageIDs)
	if err != nil {
		return err
	}
	for _, callID := range callIDs {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE tool_cache SET bot_message_ids = ?
			WHERE bot_id = ? AND channel_id = ? AND call_id = ?`,
			string(idsJSON), botID, channelID, callID); err != nil {
			return fmt.Errorf("update bot message ids: %w", err)
		}
	}
	return nil
}

// RemoveEntriesByBotMessageID drops a deleted bot message from every
// entry that references it. Entries left with no bot messages remain on
// disk; the loader filters them from context builds.
func (s *Store) RemoveEntriesByBotMessageID(ctx context.Context, botID, channelID, messageID string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, bot_message_ids FROM tool_cache
		WHERE bot_id = ? AND channel_id = ?`, botID, channelID)
	if err != nil {
		return err
	}
	type update struct {
		seq int64
		ids []string
	}
	var updates []update
	for rows.Next() {
		var seq int64
		var idsJSON string
		if err := rows.Scan(&seq, &idsJSON); err != nil {
			rows.Close()
			return err
		}
		var ids []string
		if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
			continue
		}
		filtered := ids[:0]
		removed := false
		for _, id := range ids {
			if id == messageID {
				removed = true
				continue
			}
			filtered = append(filtered, id)
		}
		if removed {
			updates = append(updates, update{seq: seq, ids: append([]string(nil), filtered...)})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, u := range updates {
		idsJSON, err := json.Marshal(u.ids)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE tool_cache SET bot_message_ids = ? WHERE seq = ?`,
			string(idsJSON), u.seq); err != nil {
			return err
		}
	}
	return nil
}

// LoadCacheWithResults returns the channel's entries in insertion
// order. When existingMessageIDs is non-nil, entries whose triggering
// message or recorded bot messages are gone from the window are
// filtered out of the returned slice but kept on disk.
func (s *Store) LoadCacheWithResults(ctx context.Context, botID, channelID string, existingMessageIDs map[string]bool) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, name, input, result_json, triggering_message_id, bot_message_ids, original_text, created_at
		FROM tool_cache
		WHERE bot_id = ? AND channel_id = ?
		ORDER BY seq`, botID, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var resultJSON, idsJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.Name, &e.Input, &resultJSON, &e.TriggeringMessageID, &idsJSON, &e.OriginalText, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(resultJSON), &e.Result); err != nil {
			return nil, fmt.Errorf("decode tool result for %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(idsJSON), &e.BotMessageIDs); err != nil {
			e.BotMessageIDs = nil
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
		if existingMessageIDs != nil && !entryVisible(e, existingMessageIDs) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// entryVisible reports whether the entry may appear in a context built
// from the given fetch window. The triggering message must be present,
// and if the entry recorded bot messages at least one must survive.
func entryVisible(e Entry, existing map[string]bool) bool {
	if !existing[e.TriggeringMessageID] {
		return false
	}
	if len(e.BotMessageIDs) == 0 {
		return true
	}
	for _, id := range e.BotMessageIDs {
		if existing[id] {
			return true
		}
	}
	return false
}

// PruneToolCache deletes entries whose triggering message fell before
// the oldest message still reachable by the fetch window. Message ids
// are Discord snowflakes, so lexical comparison on equal-length ids is
// chronological; differing lengths compare by length first.
func (s *Store) PruneToolCache(ctx context.Context, botID, channelID, oldestFetchedMessageID string) (int64, error) {
	if oldestFetchedMessageID == "" {
		return 0, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, triggering_message_id FROM tool_cache
		WHERE bot_id = ? AND channel_id = ?`, botID, channelID)
	if err != nil {
		return 0, err
	}
	var stale []int64
	for rows.Next() {
		var seq int64
		var trigger string
		if err := rows.Scan(&seq, &trigger); err != nil {
			rows.Close()
			return 0, err
		}
		if snowflakeLess(trigger, oldestFetchedMessageID) {
			stale = append(stale, seq)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	var pruned int64
	for _, seq := range stale {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tool_cache WHERE seq = ?`, seq)
		if err != nil {
			return pruned, err
		}
		n, _ := res.RowsAffected()
		pruned += n
	}
	return pruned, nil
}

func snowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return strings.Compare(a, b) < 0
}
