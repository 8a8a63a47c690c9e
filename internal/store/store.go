package store

import (
	"context"
	"errors"
	"sort"

	"github.com/sukoon-app/sukoon-backend/internal/models"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrNotEnoughMessages = errors.New("session has fewer than 3 messages")
)

// Store is the durable backend for sessions, messages and language
// preferences, keyed by (userId, sessionId). Implementations: Mongo for
// production, Memory for tests and for running without a database.
type Store interface {
	// CreateSession persists a new session record, including any initial
	// message already embedded in it, as one logical operation.
	CreateSession(ctx context.Context, session models.Session) error

	// SaveMessage appends a message to the session's log. Appending an id
	// that is already present is a no-op, not an overwrite. The stored
	// messageCount is recomputed from the persisted log after the append.
	SaveMessage(ctx context.Context, userID, sessionID string, msg models.Message) error

	LoadSession(ctx context.Context, userID, sessionID string) (*models.Session, error)

	// LoadSessionMessages returns the session's messages in append order.
	LoadSessionMessages(ctx context.Context, userID, sessionID string) ([]models.Message, error)

	// GetLatestSession returns the most recently updated session for the
	// user, or ErrSessionNotFound if they have none.
	GetLatestSession(ctx context.Context, userID string) (*models.Session, error)

	// GetChatHistory lists up to limit sessions, most recent first.
	GetChatHistory(ctx context.Context, userID string, limit int) ([]models.SessionSummary, error)

	// UpdateSessionMetadata merges the given fields into the session record
	// and always refreshes lastUpdated.
	UpdateSessionMetadata(ctx context.Context, userID, sessionID string, fields map[string]any) error

	// LoadPreferences returns the user's durable language keys, or nil
	// (no error) when none have been written yet.
	LoadPreferences(ctx context.Context, userID string) (*models.Preferences, error)

	SavePreferences(ctx context.Context, prefs models.Preferences) error
}

// sortBySeq restores append order. Fire-and-forget saves may land in the
// store out of order; the logical sequence number is authoritative.
func sortBySeq(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Seq < messages[j].Seq
	})
}

// preview renders the first message of a session as a history-row preview,
// truncated to 100 runes.
func preview(messages []models.Message) string {
	first := -1
	for i := range messages {
		if first < 0 || messages[i].Seq < messages[first].Seq {
			first = i
		}
	}
	if first < 0 {
		return ""
	}
	runes := []rune(messages[first].Content)
	if len(runes) <= 100 {
		return messages[first].Content
	}
	return string(runes[:100]) + "..."
}
