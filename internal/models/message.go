package models

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
)

// Message is a single turn in a session transcript. Annotation fields are
// only set on "ai" messages. Saved tracks durable persistence and is never
// stored itself: anything read back from the store is saved by definition.
type Message struct {
	ID             string    `json:"id" bson:"id"`
	Type           Role      `json:"type" bson:"type"`
	Content        string    `json:"content" bson:"content"`
	Timestamp      time.Time `json:"timestamp" bson:"timestamp"`
	Seq            int       `json:"seq" bson:"seq"`
	Emotion        string    `json:"emotion,omitempty" bson:"emotion,omitempty"`
	Suggestions    []string  `json:"suggestions,omitempty" bson:"suggestions,omitempty"`
	JournalPrompt  string    `json:"journalPrompt,omitempty" bson:"journalPrompt,omitempty"`
	MoodContext    string    `json:"moodContext,omitempty" bson:"moodContext,omitempty"`
	CrisisResponse bool      `json:"crisisResponse,omitempty" bson:"crisisResponse,omitempty"`
	Saved          bool      `json:"saved" bson:"-"`
}

type SendMessageRequest struct {
	Message string `json:"message" validate:"required"`
}

type SendMessageResponse struct {
	SessionID string   `json:"sessionId"`
	UserMsg   Message  `json:"userMessage"`
	Reply     Message  `json:"reply"`
	Language  Language `json:"language,omitempty"`
}
