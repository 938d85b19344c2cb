// Package langdetect guesses the language of post text when the
// platform payload does not carry one.
package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// Detect returns the lower-case ISO 639-1 code for text, or "" when the
// text is too short or ambiguous to classify. Social markup (links,
// mentions, hashtags) is stripped first so it does not skew detection.
func Detect(text string) string {
	sample := stripSocialTokens(text)
	if sample == "" {
		return ""
	}

	letterCount := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letterCount++
		}
	}
	if letterCount < 6 {
		return ""
	}

	language, exists := getDetector().DetectLanguageOf(sample)
	if !exists {
		return ""
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

func stripSocialTokens(text string) string {
	fields := strings.Fields(text)
	kept := make([]string, 0, len(fields))
	for _, f := range fields {
		switch {
		case strings.HasPrefix(f, "http://"), strings.HasPrefix(f, "https://"):
			continue
		case strings.HasPrefix(f, "@"), strings.HasPrefix(f, "#"):
			continue
		}
		kept = append(kept, f)
	}
	return strings.TrimSpace(strings.Join(kept, " "))
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromAllLanguages().
			WithPreloadedLanguageModels().
			Build()
	})
	return detector
}
