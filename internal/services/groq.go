package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/sukoon-app/sukoon-backend/internal/models"
)

const historyLimit = 20

// GroqEngine talks to the Groq OpenAI-compatible endpoint.
type GroqEngine struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

// NewGroqEngine reads GROQ_API_KEY and GROQ_MODEL from the environment.
// Returns an error instead of an engine when the key is missing; the caller
// decides whether to fall back.
func NewGroqEngine(log zerolog.Logger) (*GroqEngine, error) {
	apiKey := strings.TrimSpace(os.Getenv("GROQ_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("GROQ_API_KEY is not set")
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = "https://api.groq.com/openai/v1"

	model := strings.TrimSpace(os.Getenv("GROQ_MODEL"))
	if model == "" {
		model = "llama-3.1-70b-versatile"
	}

	return &GroqEngine{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		log:    log.With().Str("component", "engine").Logger(),
	}, nil
}

func (g *GroqEngine) GenerateResponse(ctx context.Context, req Request) (*Reply, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    buildChatMessages(req),
		Temperature: 0.7,
		MaxTokens:   1000,
	})
	if err != nil {
		return nil, fmt.Errorf("groq API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from Groq")
	}

	reply := parseReply(resp.Choices[0].Message.Content)
	if detectCrisis(req.UserMessage) {
		reply.CrisisDetected = true
	}
	g.log.Debug().
		Str("userId", req.UserID).
		Str("language", string(req.Language)).
		Int("length", len(reply.Message)).
		Msg("generated reply")
	return reply, nil
}

func (g *GroqEngine) CallCompletion(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.5,
		MaxTokens:   200,
	})
	if err != nil {
		return "", fmt.Errorf("groq API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from Groq")
	}
	return resp.Choices[0].Message.Content, nil
}

func buildChatMessages(req Request) []openai.ChatCompletionMessage {
	msgs := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: buildSystemPrompt(req),
		},
	}

	history := req.History
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Type == models.RoleAI {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}
	return msgs
}

func buildSystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are Sukoon, a warm mental-wellness companion. Listen with empathy, ")
	b.WriteString("never diagnose, and gently encourage healthy habits. ")

	switch req.Language {
	case models.LanguageHindi:
		b.WriteString("Respond in Hindi (Devanagari script). ")
	case models.LanguageHinglish:
		b.WriteString("Respond in Hinglish: casual Hindi written in Latin script, mixed with English. ")
	default:
		b.WriteString("Respond in English. ")
	}

	if req.LanguageSwitchRequest != "" {
		b.WriteString(fmt.Sprintf(
			"The user explicitly asked to switch the conversation to %s. Honor it, respond in %s, and set switchLanguage accordingly. ",
			req.LanguageSwitchRequest, req.LanguageSwitchRequest))
	}
	if req.FirstName != "" {
		b.WriteString(fmt.Sprintf("Address the user as %s when natural. ", req.FirstName))
	}
	if req.UserContext != "" {
		b.WriteString("Relevant context about the user: ")
		b.WriteString(req.UserContext)
		b.WriteString(" ")
	}

	b.WriteString(`Answer with a single JSON object and nothing else: ` +
		`{"message": "<your reply>", "emotion": "<user's emotion>", "crisisDetected": <bool>, ` +
		`"suggestions": ["..."], "journalPrompt": "...", "moodContext": "...", ` +
		`"switchLanguage": "<english|hindi|hinglish or empty>"}`)
	return b.String()
}

// parseReply decodes the model's JSON envelope, tolerating fenced code
// blocks and surrounding prose. Anything unparseable is treated as a plain
// text reply with no annotations.
func parseReply(raw string) *Reply {
	candidate := strings.TrimSpace(raw)
	candidate = strings.TrimPrefix(candidate, "```json")
	candidate = strings.TrimPrefix(candidate, "```")
	candidate = strings.TrimSuffix(candidate, "```")

	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start >= 0 && end > start {
		var reply Reply
		if err := json.Unmarshal([]byte(candidate[start:end+1]), &reply); err == nil && reply.Message != "" {
			reply.ShouldSwitchLanguage = normalizeLanguage(reply.ShouldSwitchLanguage)
			return &reply
		}
	}
	return &Reply{Message: strings.TrimSpace(raw)}
}

func normalizeLanguage(l models.Language) models.Language {
	switch models.Language(strings.ToLower(string(l))) {
	case models.LanguageEnglish:
		return models.LanguageEnglish
	case models.LanguageHindi:
		return models.LanguageHindi
	case models.LanguageHinglish:
		return models.LanguageHinglish
	}
	return ""
}
