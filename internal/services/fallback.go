package services

import (
	"context"

	"github.com/sukoon-app/sukoon-backend/internal/models"
)

// FallbackEngine serves fixed supportive replies when no model API key is
// configured, so the rest of the service keeps working in development.
type FallbackEngine struct{}

func NewFallbackEngine() *FallbackEngine {
	return &FallbackEngine{}
}

var fallbackReplies = map[models.Language]string{
	models.LanguageEnglish:  "I'm here with you. Tell me a little more about how today has been.",
	models.LanguageHindi:    "मैं आपके साथ हूँ। बताइए, आज का दिन कैसा रहा?",
	models.LanguageHinglish: "Main aapke saath hoon. Batao, aaj ka din kaisa raha?",
}

func (f *FallbackEngine) GenerateResponse(_ context.Context, req Request) (*Reply, error) {
	lang := req.Language
	if req.LanguageSwitchRequest != "" {
		lang = req.LanguageSwitchRequest
	}
	message, ok := fallbackReplies[lang]
	if !ok {
		message = fallbackReplies[models.LanguageEnglish]
	}

	reply := &Reply{
		Message: message,
		Emotion: "neutral",
	}
	if req.LanguageSwitchRequest != "" {
		reply.ShouldSwitchLanguage = req.LanguageSwitchRequest
	}
	if detectCrisis(req.UserMessage) {
		reply.CrisisDetected = true
	}
	return reply, nil
}

func (f *FallbackEngine) CallCompletion(_ context.Context, _ string) (string, error) {
	return "A gentle check-in about how the user has been feeling.", nil
}
