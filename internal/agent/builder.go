package agent

import "github.com/nugget/backlog-assistant/internal/llm"

// BuildTurns returns the turns to send to the model: every logged
// message in order, followed by pending as a user turn when it is not
// empty. The log is not modified.
func BuildTurns(log []llm.Message, pending string) []llm.Message {
	turns := make([]llm.Message, 0, len(log)+1)
	turns = append(turns, log...)
	if pending != "" {
		turns = append(turns, llm.UserText(pending))
	}
	return turns
}
