// Package activations persists per-activation assistant output so bots
// configured with preserve_thinking_context can rebuild their own
// thinking and tool XML on later turns.
package activations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Completion is one LLM turn's full text, including the invisible
// regions that never reached Discord. An empty SentMessageIDs marks a
// phantom completion.
type Completion struct {
	Text           string   `json:"text"`
	SentMessageIDs []string `json:"sentMessageIds"`
}

// MessageContext carries the invisible text surrounding one sent
// Discord message. Concatenating prefix + message content + suffix per
// sent message reconstructs the original assistant text.
type MessageContext struct {
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix,omitempty"`
}

// Activation is one scheduled run of the bot on a channel.
type Activation struct {
	ID              string                    `json:"id"`
	BotID           string                    `json:"botId"`
	ChannelID       string                    `json:"channelId"`
	TriggerType     string                    `json:"triggerType"`
	AnchorMessageID string                    `json:"anchorMessageId"`
	Completions     []Completion              `json:"completions"`
	MessageContexts map[string]MessageContext `json:"messageContexts"`
	StartedAt       time.Time                 `json:"startedAt"`
	Completed       bool                      `json:"completed"`
}

// Store is the durable activation log backed by sqlite.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS activations (
	id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	anchor_message_id TEXT NOT NULL,
	completions TEXT NOT NULL DEFAULT '[]',
	message_contexts TEXT NOT NULL DEFAULT '{}',
	started_at TEXT NOT NULL,
	completed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_activations_chan ON activations(bot_id, channel_id, started_at);
`

// Open creates or opens the store at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open activation db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init activation schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// StartActivation records a new activation and returns it.
func (s *Store) StartActivation(ctx context.Context, botID, channelID, triggerType, anchorMessageID string) (*Activation, error) {
	a := &Activation{
		ID:              uuid.NewString(),
		BotID:           botID,
		ChannelID:       channelID,
		TriggerType:     triggerType,
		AnchorMessageID: anchorMessageID,
		MessageContexts: make(map[string]MessageContext),
		StartedAt:       time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activations (id, bot_id, channel_id, trigger_type, anchor_message_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.BotID, a.ChannelID, a.TriggerType, a.AnchorMessageID,
		a.StartedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("start activation: %w", err)
	}
	return a, nil
}

// AddCompletion appends one completion to the activation.
func (s *Store) AddCompletion(ctx context.Context, activationID, text string, sentMessageIDs []string) error {
	a, err := s.load(ctx, activationID)
	if err != nil {
		return err
	}
	if sentMessageIDs == nil {
		sentMessageIDs = []string{}
	}
	a.Completions = append(a.Completions, Completion{Text: text, SentMessageIDs: sentMessageIDs})
	return s.saveJSON(ctx, activationID, a)
}

// SetMessageContext records the invisible prefix/suffix around a sent
// message. Overwrites any earlier context for the same message.
func (s *Store) SetMessageContext(ctx context.Context, activationID, messageID string, mc MessageContext) error {
	a, err := s.load(ctx, activationID)
	if err != nil {
		return err
	}
	a.MessageContexts[messageID] = mc
	return s.saveJSON(ctx, activationID, a)
}

// CompleteActivation marks the activation finished.
func (s *Store) CompleteActivation(ctx context.Context, activationID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE activations SET completed = 1 WHERE id = ?`, activationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("activation %s not found", activationID)
	}
	return nil
}

// LoadActivationsForChannel returns completed activations whose anchor
// or any sent message is still in the current window, ordered by start
// time. Activations that no longer touch the window are skipped, not
// deleted.
func (s *Store) LoadActivationsForChannel(ctx context.Context, botID, channelID string, existingMessageIDs map[string]bool) ([]Activation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_type, anchor_message_id, completions, message_contexts, started_at, completed
		FROM activations
		WHERE bot_id = ? AND channel_id = ? AND completed = 1
		ORDER BY started_at`, botID, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Activation
	for rows.Next() {
		a := Activation{BotID: botID, ChannelID: channelID}
		var completions, contexts, startedAt string
		var completed int
		if err := rows.Scan(&a.ID, &a.TriggerType, &a.AnchorMessageID, &completions, &contexts, &startedAt, &completed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(completions), &a.Completions); err != nil {
			return nil, fmt.Errorf("decode completions for %s: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(contexts), &a.MessageContexts); err != nil {
			return nil, fmt.Errorf("decode message contexts for %s: %w", a.ID, err)
		}
		a.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		a.Completed = completed == 1
		if existingMessageIDs != nil && !activationVisible(a, existingMessageIDs) {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func activationVisible(a Activation, existing map[string]bool) bool {
	if existing[a.AnchorMessageID] {
		return true
	}
	for _, c := range a.Completions {
		for _, id := range c.SentMessageIDs {
			if existing[id] {
				return true
			}
		}
	}
	return false
}

func (s *Store) load(ctx context.Context, id string) (*Activation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT completions, message_contexts FROM activations WHERE id = ?`, id)
	var completions, contexts string
	if err := row.Scan(&completions, &contexts); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("activation %s not found", id)
		}
		return nil, err
	}
	a := &Activation{ID: id, MessageContexts: make(map[string]MessageContext)}
	if err := json.Unmarshal([]byte(completions), &a.Completions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contexts), &a.MessageContexts); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) saveJSON(ctx context.Context, id string, a *Activation) error {
	completions, err := json.Marshal(a.Completions)
	if err != nil {
		return err
	}
	contexts, err := json.Marshal(a.MessageContexts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE activations SET completions = ?, message_contexts = ? WHERE id = ?`,
		string(completions), string(contexts), id)
	return err
}
