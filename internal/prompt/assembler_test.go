package prompt

import (
	"strings"
	"testing"

	"github.com/Crewdle/mist-connector-llamacpp/pkg/types"
)

// countWords tokenizes by whitespace, one token per word.
func countWords(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

func turns(messages ...string) []types.ChatTurn {
	out := make([]types.ChatTurn, len(messages))
	for i, m := range messages {
		role := types.RoleHuman
		if i%2 == 1 {
			role = types.RoleAI
		}
		out[i] = types.ChatTurn{Role: role, Message: m}
	}
	return out
}

func TestAssembleShape(t *testing.T) {
	out, err := Assemble(Params{
		Instructions: "Be terse.",
		Context:      "doc:\nretrieved text",
		History:      turns("hi", "hello"),
		Message:      "what now",
		TokenBudget:  100,
		CountTokens:  countWords,
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	want := "Be terse.\n\ndoc:\nretrieved text\n\nConversation:\nHuman: hi\nAI: hello\nHuman: what now\nAI:"
	if out != want {
		t.Fatalf("unexpected prompt:\n%q\nwant:\n%q", out, want)
	}
}

func TestAssembleNoRetrievalMarker(t *testing.T) {
	out, err := Assemble(Params{
		Message:     "hi",
		TokenBudget: 10,
		CountTokens: countWords,
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if !strings.Contains(out, NoRetrievalMarker) {
		t.Fatalf("marker missing without retrieval: %q", out)
	}
	if !strings.Contains(out, DefaultInstructions) {
		t.Fatalf("default instructions missing: %q", out)
	}
}

func TestHistoryTrimDropsOldestWholeTurns(t *testing.T) {
	history := turns(
		"one two three four", // 5 tokens rendered ("Human:" + 4)
		"five six",           // 3 tokens
		"seven eight nine",   // 4 tokens
	)
	// Budget fits the two newest turns (3+4=7) but not the oldest (+5).
	got, err := trimHistory(history, 8, countWords)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 turns got %d", len(got))
	}
	if got[0].Message != "five six" || got[1].Message != "seven eight nine" {
		t.Fatalf("wrong turns kept: %+v", got)
	}
}

func TestHistoryTrimBudgetNeverExceeded(t *testing.T) {
	history := turns("a b c", "d e", "f g h i", "j")
	for budget := 0; budget < 20; budget++ {
		got, err := trimHistory(history, budget, countWords)
		if err != nil {
			t.Fatalf("trim: %v", err)
		}
		total := 0
		for _, turn := range got {
			n, _ := countWords(renderTurn(turn))
			total += n
		}
		if total > budget {
			t.Fatalf("budget %d exceeded: %d tokens", budget, total)
		}
		// Kept turns must be a suffix of the original history.
		for i, turn := range got {
			if history[len(history)-len(got)+i] != turn {
				t.Fatalf("kept turns are not the newest suffix: %+v", got)
			}
		}
	}
}

func TestHistoryTrimZeroBudgetDropsAll(t *testing.T) {
	got, err := trimHistory(turns("hello"), 0, countWords)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty history got %+v", got)
	}
}

func TestHistoryBudget(t *testing.T) {
	if got := HistoryBudget(4096); got != 3072 {
		t.Fatalf("expected 3072 got %d", got)
	}
	if got := HistoryBudget(0); got != 0 {
		t.Fatalf("expected 0 got %d", got)
	}
}
