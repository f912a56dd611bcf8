package pipeline

import (
	"context"
	"sync"

	"github.com/Crewdle/mist-connector-llamacpp/pkg/types"
)

// streamBuffer bounds the chunk channel so a stalled consumer applies
// backpressure to the generation instead of growing memory.
const streamBuffer = 16

// Stream is a live streamed job. Chunks arrive on Recv until a chunk with
// Done set (carrying final token counts, or an error message), after which
// the channel closes. Close cancels the underlying generation; it is safe to
// call at any time and from any goroutine.
type Stream struct {
	ch     chan types.StreamChunk
	cancel context.CancelFunc
	once   sync.Once
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{ch: make(chan types.StreamChunk, streamBuffer), cancel: cancel}
}

// Recv returns the chunk channel.
func (s *Stream) Recv() <-chan types.StreamChunk { return s.ch }

// Close cancels the generation. Remaining buffered chunks stay readable
// until the channel closes.
func (s *Stream) Close() { s.once.Do(s.cancel) }

// send delivers chunk unless ctx is cancelled. Returns false once the
// consumer is gone.
func (s *Stream) send(ctx context.Context, chunk types.StreamChunk) bool {
	select {
	case s.ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish emits the terminal chunk and closes the channel. With a non-nil err
// the terminal chunk carries the error message; token counts ride along
// either way.
func (s *Stream) finish(ctx context.Context, usage types.JobResult, err error) {
	chunk := types.StreamChunk{
		Done:         true,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
	if err != nil {
		chunk.Error = err.Error()
	}
	s.send(ctx, chunk)
	close(s.ch)
}
