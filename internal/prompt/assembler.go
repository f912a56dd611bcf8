// Package prompt builds the final prompt string from instructions, retrieved
// context, and token-budget-trimmed conversation history.
package prompt

import (
	"fmt"
	"strings"

	"github.com/Crewdle/mist-connector-llamacpp/pkg/types"
)

// DefaultInstructions is used when a job supplies none.
const DefaultInstructions = "You are a helpful assistant. Answer using the provided context when it is relevant."

// NoRetrievalMarker keeps the prompt shape stable when retrieval is disabled
// or found nothing.
const NoRetrievalMarker = "No relevant information found."

// HistoryBudgetRatio is the share of the model's trained context reserved for
// conversation history, leaving headroom for the preamble and the answer.
const HistoryBudgetRatio = 0.75

// Params carries the assembler inputs for one job.
type Params struct {
	Instructions string
	// Context is the retrieved text; empty means no retrieval was used.
	Context string
	// History is ordered oldest to newest.
	History []types.ChatTurn
	// Message is the new human message.
	Message string
	// TokenBudget bounds the tokenized size of included history.
	TokenBudget int
	// CountTokens measures text with the engine's tokenizer.
	CountTokens func(text string) (int, error)
}

// Assemble renders the prompt:
//
//	instructions
//
//	<retrieved context | marker>
//
//	Conversation:
//	Human: ...
//	AI: ...
//	Human: message
//	AI:
//
// History is walked newest to oldest; the first turn whose inclusion would
// exceed TokenBudget stops the walk, so older turns are dropped whole, never
// truncated mid-turn. Included turns are re-serialized chronologically.
func Assemble(p Params) (string, error) {
	instructions := p.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}
	ragContext := strings.TrimSpace(p.Context)
	if ragContext == "" {
		ragContext = NoRetrievalMarker
	}
	history, err := trimHistory(p.History, p.TokenBudget, p.CountTokens)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\n")
	b.WriteString(ragContext)
	b.WriteString("\n\nConversation:\n")
	for _, turn := range history {
		b.WriteString(renderTurn(turn))
		b.WriteByte('\n')
	}
	b.WriteString("Human: ")
	b.WriteString(p.Message)
	b.WriteString("\nAI:")
	return b.String(), nil
}

// trimHistory returns the newest suffix of history whose cumulative token
// count fits budget, in chronological order.
func trimHistory(history []types.ChatTurn, budget int, count func(string) (int, error)) ([]types.ChatTurn, error) {
	if len(history) == 0 || budget <= 0 {
		if budget <= 0 {
			return nil, nil
		}
		return history, nil
	}
	if count == nil {
		return nil, fmt.Errorf("token counter is required for history trimming")
	}
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n, err := count(renderTurn(history[i]))
		if err != nil {
			return nil, fmt.Errorf("count tokens: %w", err)
		}
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	return history[start:], nil
}

func renderTurn(turn types.ChatTurn) string {
	speaker := "Human"
	if turn.Role == types.RoleAI {
		speaker = "AI"
	}
	return speaker + ": " + turn.Message
}

// HistoryBudget derives the history token budget from a model's trained
// context size.
func HistoryBudget(trainContextSize int) int {
	if trainContextSize <= 0 {
		return 0
	}
	return int(float64(trainContextSize) * HistoryBudgetRatio)
}
