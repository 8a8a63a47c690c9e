package language

import (
	"strings"
	"unicode"

	"github.com/sukoon-app/sukoon-backend/internal/models"
)

// Detect classifies a text fragment as English, Hindi or Hinglish using
// script heuristics only; no network calls. Empty or whitespace-only input
// defaults to English.
//
// Any Devanagari character makes the text Hindi, unless Latin-alphabet
// tokens also make up a significant share of the words, in which case the
// text is mixed-script Hinglish.
func Detect(text string) models.Language {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return models.LanguageEnglish
	}

	hasDevanagari := false
	latinTokens := 0
	for _, f := range fields {
		devanagari, latin := scanToken(f)
		if devanagari {
			hasDevanagari = true
		}
		if latin {
			latinTokens++
		}
	}

	if !hasDevanagari {
		return models.LanguageEnglish
	}
	// A third or more Latin words alongside Devanagari reads as Hinglish.
	if latinTokens*3 >= len(fields) {
		return models.LanguageHinglish
	}
	return models.LanguageHindi
}

func scanToken(token string) (devanagari, latin bool) {
	for _, r := range token {
		switch {
		case unicode.Is(unicode.Devanagari, r):
			devanagari = true
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			latin = true
		}
		if devanagari && latin {
			return
		}
	}
	return
}

// switchPhrases maps fixed request phrases to the language they ask for.
// Matched case-insensitively as substrings; first hit wins in table order.
var switchPhrases = []struct {
	phrase string
	lang   models.Language
}{
	{"reply in hindi", models.LanguageHindi},
	{"reply in english", models.LanguageEnglish},
	{"reply in hinglish", models.LanguageHinglish},
	{"switch to hindi", models.LanguageHindi},
	{"switch to english", models.LanguageEnglish},
	{"switch to hinglish", models.LanguageHinglish},
	{"talk in hindi", models.LanguageHindi},
	{"talk in english", models.LanguageEnglish},
	{"talk in hinglish", models.LanguageHinglish},
	{"hindi please", models.LanguageHindi},
	{"english please", models.LanguageEnglish},
	{"hinglish please", models.LanguageHinglish},
	{"hindi me baat karo", models.LanguageHindi},
	{"english me baat karo", models.LanguageEnglish},
}

// DetectExplicitSwitchRequest scans for a fixed in-message language request
// such as "reply in hindi". It takes priority over script detection; ok is
// false when no phrase matches.
func DetectExplicitSwitchRequest(text string) (models.Language, bool) {
	lower := strings.ToLower(text)
	for _, sp := range switchPhrases {
		if strings.Contains(lower, sp.phrase) {
			return sp.lang, true
		}
	}
	return "", false
}
