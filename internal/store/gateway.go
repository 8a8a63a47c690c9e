package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sukoon-app/sukoon-backend/internal/models"
)

const (
	saveAttempts   = 3
	summaryMaxLen  = 150
	summaryMinMsgs = 3
)

// CompletionFunc asks the chat engine for a raw completion. The gateway only
// uses it to produce session summaries.
type CompletionFunc func(ctx context.Context, prompt string) (string, error)

// Gateway fronts a Store with the durability policy the rest of the service
// relies on: bounded retries on message appends, summary generation, and
// session close. Failures are logged here and returned as plain errors;
// callers decide whether to absorb them.
type Gateway struct {
	store   Store
	log     zerolog.Logger
	backoff time.Duration
}

func NewGateway(store Store, log zerolog.Logger) *Gateway {
	return &Gateway{
		store:   store,
		log:     log.With().Str("component", "store").Logger(),
		backoff: time.Second,
	}
}

// SetBackoff overrides the fixed retry backoff. Tests use this to avoid
// real one-second sleeps.
func (g *Gateway) SetBackoff(d time.Duration) {
	g.backoff = d
}

func (g *Gateway) CreateSession(ctx context.Context, session models.Session) error {
	if err := g.store.CreateSession(ctx, session); err != nil {
		g.log.Error().Err(err).Str("sessionId", session.SessionID).Msg("failed to create session")
		return err
	}
	return nil
}

// SaveMessage appends one message, retrying up to 3 times with a fixed
// backoff before giving up. A duplicate id is a silent no-op in the store.
func (g *Gateway) SaveMessage(ctx context.Context, userID, sessionID string, msg models.Message) error {
	var lastErr error
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		lastErr = g.store.SaveMessage(ctx, userID, sessionID, msg)
		if lastErr == nil {
			return nil
		}
		g.log.Warn().Err(lastErr).
			Str("sessionId", sessionID).
			Str("messageId", msg.ID).
			Int("attempt", attempt).
			Msg("message save failed")
		if attempt < saveAttempts {
			select {
			case <-time.After(g.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("save message after %d attempts: %w", saveAttempts, lastErr)
}

func (g *Gateway) LoadSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	return g.store.LoadSession(ctx, userID, sessionID)
}

func (g *Gateway) LoadSessionMessages(ctx context.Context, userID, sessionID string) ([]models.Message, error) {
	return g.store.LoadSessionMessages(ctx, userID, sessionID)
}

func (g *Gateway) GetLatestSession(ctx context.Context, userID string) (*models.Session, error) {
	return g.store.GetLatestSession(ctx, userID)
}

func (g *Gateway) GetChatHistory(ctx context.Context, userID string, limit int) ([]models.SessionSummary, error) {
	return g.store.GetChatHistory(ctx, userID, limit)
}

func (g *Gateway) UpdateSessionMetadata(ctx context.Context, userID, sessionID string, fields map[string]any) error {
	if err := g.store.UpdateSessionMetadata(ctx, userID, sessionID, fields); err != nil {
		g.log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to update session metadata")
		return err
	}
	return nil
}

func (g *Gateway) LoadPreferences(ctx context.Context, userID string) (*models.Preferences, error) {
	return g.store.LoadPreferences(ctx, userID)
}

func (g *Gateway) SavePreferences(ctx context.Context, prefs models.Preferences) error {
	if err := g.store.SavePreferences(ctx, prefs); err != nil {
		g.log.Warn().Err(err).Str("userId", prefs.UserID).Msg("failed to save language preferences")
		return err
	}
	return nil
}

// GenerateSessionSummary builds a transcript of the session, asks the engine
// for an empathetic one-line summary and persists it. Sessions with fewer
// than 3 messages are not worth summarizing.
func (g *Gateway) GenerateSessionSummary(ctx context.Context, userID, sessionID string, complete CompletionFunc) (string, error) {
	messages, err := g.store.LoadSessionMessages(ctx, userID, sessionID)
	if err != nil {
		return "", err
	}
	if len(messages) < summaryMinMsgs {
		return "", ErrNotEnoughMessages
	}

	summary, err := complete(ctx, summaryPrompt(messages))
	if err != nil {
		g.log.Warn().Err(err).Str("sessionId", sessionID).Msg("summary completion failed")
		return "", err
	}

	summary = strings.TrimSpace(summary)
	if runes := []rune(summary); len(runes) > summaryMaxLen {
		summary = string(runes[:summaryMaxLen])
	}

	if err := g.store.UpdateSessionMetadata(ctx, userID, sessionID, map[string]any{"summary": summary}); err != nil {
		return "", err
	}
	return summary, nil
}

// CloseSession marks the session inactive with a close timestamp, optionally
// generating a final summary first. A failed summary does not stop the close.
func (g *Gateway) CloseSession(ctx context.Context, userID, sessionID string, complete CompletionFunc) error {
	if complete != nil {
		if _, err := g.GenerateSessionSummary(ctx, userID, sessionID, complete); err != nil {
			g.log.Warn().Err(err).Str("sessionId", sessionID).Msg("final summary skipped")
		}
	}

	return g.UpdateSessionMetadata(ctx, userID, sessionID, map[string]any{
		"isActive": false,
		"closedAt": time.Now().UTC(),
	})
}

func summaryPrompt(messages []models.Message) string {
	var b strings.Builder
	b.WriteString("Summarize this wellness conversation in one empathetic line of at most 150 characters. ")
	b.WriteString("Reply with the summary only.\n\n")
	for _, msg := range messages {
		switch msg.Type {
		case models.RoleUser:
			b.WriteString("User: ")
		case models.RoleAI:
			b.WriteString("Sukoon: ")
		default:
			b.WriteString("System: ")
		}
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}
