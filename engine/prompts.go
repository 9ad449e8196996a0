package engine

import "strings"

// Persona and profile defaults.
const (
	// DefaultPersona opens the system prompt when no profile is stored.
	DefaultPersona = "You are a helpful AI assistant."

	// ProfileGeneric is used when there is too little history or the
	// profiling call fails.
	ProfileGeneric = "Friendly and articulate communicator who values clarity and respect."

	// ProfileNoCredentials is used when no completion provider is configured.
	ProfileNoCredentials = "Professional, clear, and concise communicator who values efficiency and clarity."
)

const responseInstruction = "You are responding to a message in a chat workspace. " +
	"Keep your responses concise, helpful, and conversational."

const contextInstruction = "Use the following context from earlier messages in this workspace to inform your " +
	"response, but do not reference it explicitly:"

const profilePrompt = `I need you to analyze the following messages from a user and create a concise personality profile. The profile will be used to help generate responses in the user's own communication style.

Here are sample messages from the user:

%s

Based on these messages, create a brief personality profile (2-3 sentences) that describes:
1. The user's tone and communication style (formal/informal, verbose/concise, emotional/reserved)
2. How they typically greet people and sign off
3. Their vocabulary, level of formality, and any phrases, expressions or punctuation habits they use often

Format your response as a simple paragraph without any introduction or explanation.`

// buildSystemPrompt assembles the reply system prompt. The history and
// context blocks are included only when non-empty.
func buildSystemPrompt(profile, history, context string) string {
	var b strings.Builder

	persona := strings.TrimSpace(profile)
	if persona == "" {
		persona = DefaultPersona
	}
	b.WriteString(persona)
	b.WriteString("\n")
	b.WriteString(responseInstruction)

	if history = strings.TrimSpace(history); history != "" {
		b.WriteString("\n\nRecent conversation:\n")
		b.WriteString(history)
	}

	if context = strings.TrimSpace(context); context != "" {
		b.WriteString("\n\n")
		b.WriteString(contextInstruction)
		b.WriteString("\n")
		b.WriteString(context)
	}
	return b.String()
}
