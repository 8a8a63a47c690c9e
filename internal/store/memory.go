package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sukoon-app/sukoon-backend/internal/models"
)

// Memory is an in-memory Store. It backs tests and lets the server run
// without MongoDB configured; contents do not survive a restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session // key: userID + "/" + sessionID
	prefs    map[string]models.Preferences
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*models.Session),
		prefs:    make(map[string]models.Preferences),
	}
}

func sessionKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

func (m *Memory) CreateSession(_ context.Context, session models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session.MessageCount = len(session.Messages)
	copied := session
	copied.Messages = append([]models.Message(nil), session.Messages...)
	m.sessions[sessionKey(session.UserID, session.SessionID)] = &copied
	return nil
}

func (m *Memory) SaveMessage(_ context.Context, userID, sessionID string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionKey(userID, sessionID)]
	if !ok {
		return ErrSessionNotFound
	}

	for _, existing := range session.Messages {
		if existing.ID == msg.ID {
			// Duplicate append: already durable, nothing to do.
			return nil
		}
	}

	msg.Saved = false
	session.Messages = append(session.Messages, msg)
	session.MessageCount = len(session.Messages)
	session.LastUpdated = time.Now().UTC()
	return nil
}

func (m *Memory) LoadSession(_ context.Context, userID, sessionID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionKey(userID, sessionID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *session
	copied.Messages = append([]models.Message(nil), session.Messages...)
	return &copied, nil
}

func (m *Memory) LoadSessionMessages(_ context.Context, userID, sessionID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionKey(userID, sessionID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	messages := append([]models.Message(nil), session.Messages...)
	sortBySeq(messages)
	return messages, nil
}

func (m *Memory) GetLatestSession(_ context.Context, userID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.Session
	for _, session := range m.sessions {
		if session.UserID != userID {
			continue
		}
		if latest == nil || session.LastUpdated.After(latest.LastUpdated) {
			latest = session
		}
	}
	if latest == nil {
		return nil, ErrSessionNotFound
	}
	copied := *latest
	copied.Messages = append([]models.Message(nil), latest.Messages...)
	return &copied, nil
}

func (m *Memory) GetChatHistory(_ context.Context, userID string, limit int) ([]models.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []*models.Session
	for _, session := range m.sessions {
		if session.UserID == userID {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUpdated.After(sessions[j].LastUpdated)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}

	summaries := make([]models.SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, models.SessionSummary{
			SessionID:    session.SessionID,
			CreatedAt:    session.CreatedAt,
			LastUpdated:  session.LastUpdated,
			MessageCount: session.MessageCount,
			Language:     session.LanguagePreference,
			Preview:      preview(session.Messages),
			Summary:      session.Summary,
			IsActive:     session.IsActive,
		})
	}
	return summaries, nil
}

func (m *Memory) UpdateSessionMetadata(_ context.Context, userID, sessionID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionKey(userID, sessionID)]
	if !ok {
		return ErrSessionNotFound
	}

	for key, value := range fields {
		switch key {
		case "summary":
			if s, ok := value.(string); ok {
				session.Summary = s
			}
		case "isActive":
			if b, ok := value.(bool); ok {
				session.IsActive = b
			}
		case "introSent":
			if b, ok := value.(bool); ok {
				session.IntroSent = b
			}
		case "languagePreference":
			if l, ok := value.(models.Language); ok {
				session.LanguagePreference = l
			}
		case "closedAt":
			if t, ok := value.(time.Time); ok {
				closed := t
				session.ClosedAt = &closed
			}
		}
	}
	session.LastUpdated = time.Now().UTC()
	return nil
}

func (m *Memory) LoadPreferences(_ context.Context, userID string) (*models.Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefs, ok := m.prefs[userID]
	if !ok {
		return nil, nil
	}
	copied := prefs
	return &copied, nil
}

func (m *Memory) SavePreferences(_ context.Context, prefs models.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefs.UpdatedAt = time.Now().UTC()
	m.prefs[prefs.UserID] = prefs
	return nil
}
