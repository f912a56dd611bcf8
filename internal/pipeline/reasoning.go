package pipeline

import (
	"context"

	"github.com/Crewdle/mist-connector-llamacpp/internal/engine"
)

const (
	// reasoningMinChars is the length below which the first reasoning pass is
	// considered too thin and a refinement pass runs.
	reasoningMinChars = 500

	reasoningOpen  = "[reasoning]\n"
	reasoningClose = "\n[/reasoning]\n"

	reasoningAsk = "\n\nBefore answering, explain your reasoning step by step. " +
		"Do not state a final answer yet."
	reasoningRefine = "\n\nExpand on the reasoning below with additional steps " +
		"and considerations. Do not state a final answer yet.\n\n"
)

// reason runs the internal reasoning sub-protocol: one pass asking for
// reasoning steps without a conclusion, plus a refinement pass seeded with
// the first output when it comes back shorter than reasoningMinChars. It
// returns the delimiter-wrapped reasoning and the prompt for the final
// answer (wrapped reasoning followed by the original prompt). Reasoning
// passes run unconstrained; the caller's grammar or functions apply only to
// the answer.
func reason(ctx context.Context, session engine.Session, assembled string, opts engine.PromptOptions) (wrapped, finalPrompt string, err error) {
	passOpts := opts
	passOpts.Grammar = nil
	passOpts.Functions = nil

	steps, err := session.Prompt(ctx, assembled+reasoningAsk, passOpts)
	if err != nil {
		return "", "", err
	}
	if len(steps) < reasoningMinChars {
		refined, err := session.Prompt(ctx, assembled+reasoningRefine+steps, passOpts)
		if err != nil {
			return "", "", err
		}
		if refined != "" {
			steps = refined
		}
	}
	wrapped = reasoningOpen + steps + reasoningClose
	return wrapped, wrapped + assembled, nil
}
