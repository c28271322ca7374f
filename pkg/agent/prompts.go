package agent

import "strings"

const (
	englishInstructions = `You are a helpful voice assistant. Keep your answers short and conversational, one or two sentences. Do not use lists, markdown or emoji; everything you write is spoken aloud.`

	japaneseInstructions = `あなたは親切な音声アシスタントです。丁寧な日本語で、短く自然な会話調で答えてください。箇条書きや記号、絵文字は使わないでください。回答はすべて音声で読み上げられます。`
)

// DefaultInstructions returns the built-in system prompt for a language tag.
func DefaultInstructions(language string) string {
	if strings.HasPrefix(strings.ToLower(language), "ja") {
		return japaneseInstructions
	}
	return englishInstructions
}
