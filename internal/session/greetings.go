package session

import "github.com/sukoon-app/sukoon-backend/internal/models"

// greetings are the fixed per-language opening messages. The Auto entry is a
// neutral bilingual greeting used while no language is locked yet.
var greetings = map[models.LanguageChoice]string{
	models.ChoiceEnglish:  "Hi, I'm Sukoon. This is a safe space — how are you feeling today?",
	models.ChoiceHindi:    "नमस्ते, मैं सुकून हूँ। यह एक सुरक्षित जगह है — आज आप कैसा महसूस कर रहे हैं?",
	models.ChoiceHinglish: "Hi, main Sukoon hoon. Yeh ek safe space hai — aaj aap kaisa feel kar rahe ho?",
	models.ChoiceAuto:     "Hi, I'm Sukoon. नमस्ते! You can talk to me in English, Hindi or Hinglish — how are you feeling today?",
}

func greetingFor(choice models.LanguageChoice) string {
	if text, ok := greetings[choice]; ok {
		return text
	}
	return greetings[models.ChoiceAuto]
}
