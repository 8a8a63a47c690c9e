package models

import "time"

// Language is a locked working language for a session.
type Language string

const (
	LanguageEnglish  Language = "english"
	LanguageHindi    Language = "hindi"
	LanguageHinglish Language = "hinglish"
)

// LanguageChoice is the user-facing dropdown value. Unlike Language it
// includes Auto, which defers the working language to first-message detection.
type LanguageChoice string

const (
	ChoiceEnglish  LanguageChoice = "english"
	ChoiceHindi    LanguageChoice = "hindi"
	ChoiceHinglish LanguageChoice = "hinglish"
	ChoiceAuto     LanguageChoice = "auto"
)

// Language converts a non-Auto choice into a Language. ok is false for Auto
// or unrecognized values.
func (c LanguageChoice) Language() (Language, bool) {
	switch c {
	case ChoiceEnglish:
		return LanguageEnglish, true
	case ChoiceHindi:
		return LanguageHindi, true
	case ChoiceHinglish:
		return LanguageHinglish, true
	}
	return "", false
}

// Session is one continuous conversation thread. Messages are embedded in
// the session document; MessageCount is recomputed from the stored array on
// every append rather than incremented.
type Session struct {
	SessionID          string     `json:"sessionId" bson:"_id"`
	UserID             string     `json:"userId" bson:"userId"`
	CreatedAt          time.Time  `json:"createdAt" bson:"createdAt"`
	LastUpdated        time.Time  `json:"lastUpdated" bson:"lastUpdated"`
	LanguagePreference Language   `json:"languagePreference,omitempty" bson:"languagePreference,omitempty"`
	Summary            string     `json:"summary,omitempty" bson:"summary,omitempty"`
	IsActive           bool       `json:"isActive" bson:"isActive"`
	IntroSent          bool       `json:"introSent" bson:"introSent"`
	MessageCount       int        `json:"messageCount" bson:"messageCount"`
	ClosedAt           *time.Time `json:"closedAt,omitempty" bson:"closedAt,omitempty"`
	Messages           []Message  `json:"-" bson:"messages"`
}

// SessionSummary is one row of the chat-history listing.
type SessionSummary struct {
	SessionID    string    `json:"sessionId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUpdated  time.Time `json:"lastUpdated"`
	MessageCount int       `json:"messageCount"`
	Language     Language  `json:"language,omitempty"`
	Preview      string    `json:"preview"`
	Summary      string    `json:"summary,omitempty"`
	IsActive     bool      `json:"isActive"`
}

// Preferences are the two durable per-user language keys, read at machine
// init and written on every change so the lock survives reloads.
type Preferences struct {
	UserID          string         `json:"userId" bson:"_id"`
	UILanguage      LanguageChoice `json:"uiLanguage" bson:"uiLanguage"`
	SessionLanguage Language       `json:"sessionLanguage,omitempty" bson:"sessionLanguage,omitempty"`
	UpdatedAt       time.Time      `json:"updatedAt" bson:"updatedAt"`
}

type CreateSessionRequest struct {
	Language  string `json:"language" validate:"omitempty,oneof=english hindi hinglish auto"`
	SkipIntro bool   `json:"skipIntro"`
}

type ResumeSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type SetLanguageRequest struct {
	Language string `json:"language" validate:"required,oneof=english hindi hinglish auto"`
}

type SessionResponse struct {
	Session  *Session  `json:"session"`
	Messages []Message `json:"messages"`
}
