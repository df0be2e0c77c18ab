package agent

// SystemPrompt is sent with every model invocation.
const SystemPrompt = `You are a helpful gaming backlog assistant. You help users manage their game library
and decide what to play next. You have access to their backlog data and can provide
recommendations based on their playing history and preferences.

Be conversational, enthusiastic about games, and help users make decisions without
overwhelming them with choices. When recommending games, explain your reasoning briefly.`

// Caller-visible texts.
const (
	// FallbackText ends a turn that hit the tool depth ceiling without
	// producing any text of its own.
	FallbackText = "I've reached my processing limit. Please try again."

	// ApologyText replaces any upstream failure.
	ApologyText = "I'm sorry, I encountered an error processing your request. Please try again."

	// GenericErrorText is sent for failures that are not the model's.
	GenericErrorText = "An error occurred"
)
