package pipeline

import "github.com/rs/zerolog"

// resourceGuard releases job resources in the fixed order session, sequence,
// context regardless of exit path. Steps run in reverse push order, each at
// most once; release errors are logged and never mask the job's error.
type resourceGuard struct {
	log   zerolog.Logger
	steps []guardStep
	done  bool
}

type guardStep struct {
	name string
	fn   func() error
}

func newResourceGuard(log zerolog.Logger) *resourceGuard {
	return &resourceGuard{log: log}
}

func (g *resourceGuard) push(name string, fn func() error) {
	g.steps = append(g.steps, guardStep{name: name, fn: fn})
}

func (g *resourceGuard) release() {
	if g.done {
		return
	}
	g.done = true
	for i := len(g.steps) - 1; i >= 0; i-- {
		step := g.steps[i]
		if err := step.fn(); err != nil {
			g.log.Warn().Err(err).Str("resource", step.name).Msg("release failed")
		}
	}
}
