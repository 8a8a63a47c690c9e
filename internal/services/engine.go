package services

import (
	"context"
	"strings"

	"github.com/sukoon-app/sukoon-backend/internal/models"
)

// Request carries everything the engine needs for one reply turn.
type Request struct {
	UserMessage           string
	UserID                string
	Language              models.Language
	History               []models.Message
	UserContext           string
	LanguageSwitchRequest models.Language // zero value means no request
	FirstName             string
}

// Reply is a generated response plus optional annotations.
type Reply struct {
	Message              string          `json:"message"`
	Emotion              string          `json:"emotion,omitempty"`
	CrisisDetected       bool            `json:"crisisDetected,omitempty"`
	Summary              string          `json:"summary,omitempty"`
	Suggestions          []string        `json:"suggestions,omitempty"`
	JournalPrompt        string          `json:"journalPrompt,omitempty"`
	MoodContext          string          `json:"moodContext,omitempty"`
	ShouldSwitchLanguage models.Language `json:"switchLanguage,omitempty"`
}

// Engine generates conversational replies and raw completions. GroqEngine is
// the production implementation; FallbackEngine serves canned replies when
// no API key is configured.
type Engine interface {
	GenerateResponse(ctx context.Context, req Request) (*Reply, error)
	CallCompletion(ctx context.Context, prompt string) (string, error)
}

// detectCrisis performs a simple keyword check for acute distress, as a net
// under the model's own crisis flag.
func detectCrisis(text string) bool {
	lower := strings.ToLower(text)
	keywords := []string{
		"suicide",
		"suicidal",
		"kill myself",
		"end my life",
		"want to die",
		"self harm",
		"hurt myself",
		"no reason to live",
		"overdose",
	}
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
