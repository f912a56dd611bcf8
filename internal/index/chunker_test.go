package index

import (
	"strings"
	"testing"
)

func TestSplitChunksPacksSentences(t *testing.T) {
	content := "First sentence. Second sentence. Third one here."
	chunks := SplitChunks(content, 40)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks got %d: %v", len(chunks), chunks)
	}
	for _, c := range chunks {
		if len([]rune(c)) > 40 {
			t.Fatalf("chunk exceeds max length: %q", c)
		}
	}
	joined := strings.Join(chunks, " ")
	for _, want := range []string{"First sentence.", "Second sentence.", "Third one here."} {
		if !strings.Contains(joined, want) {
			t.Fatalf("lost sentence %q in %q", want, joined)
		}
	}
}

func TestSplitChunksStrideFallback(t *testing.T) {
	long := strings.Repeat("a", 95)
	chunks := SplitChunks(long, 30)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 stride chunks got %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		if len(c) > 30 {
			t.Fatalf("stride chunk too long: %d", len(c))
		}
		total += len(c)
	}
	if total != 95 {
		t.Fatalf("content lost in stride split: %d", total)
	}
}

func TestSplitChunksEmpty(t *testing.T) {
	if chunks := SplitChunks("", 100); len(chunks) != 0 {
		t.Fatalf("expected no chunks got %v", chunks)
	}
	if chunks := SplitChunks("   \n  ", 100); len(chunks) != 0 {
		t.Fatalf("expected no chunks for whitespace got %v", chunks)
	}
}

func TestSplitChunksNewlineBoundary(t *testing.T) {
	chunks := SplitChunks("line one\nline two\n", 100)
	if len(chunks) != 1 {
		t.Fatalf("expected packed chunk got %v", chunks)
	}
	if chunks[0] != "line one line two" {
		t.Fatalf("unexpected chunk %q", chunks[0])
	}
}
