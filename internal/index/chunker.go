package index

import "strings"

// sentenceEnd reports whether r terminates a sentence.
func sentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '\n'
}

// splitSentences performs a basic sentence split on terminal punctuation and
// newlines. Whitespace-only pieces are dropped.
func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if sentenceEnd(r) {
			if s := strings.TrimSpace(b.String()); s != "" {
				sentences = append(sentences, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// SplitChunks slices content into chunks of at most maxLen characters.
// Sentences are packed together until the limit; a sentence longer than
// maxLen falls back to a fixed character stride. The limit is characters,
// not tokens, which is a deliberate approximation.
func SplitChunks(content string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = defaultChunkSize
	}
	var chunks []string
	var b strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, b.String())
			b.Reset()
			curLen = 0
		}
	}
	for _, sentence := range splitSentences(content) {
		runes := []rune(sentence)
		if len(runes) > maxLen {
			flush()
			for start := 0; start < len(runes); start += maxLen {
				end := start + maxLen
				if end > len(runes) {
					end = len(runes)
				}
				chunks = append(chunks, string(runes[start:end]))
			}
			continue
		}
		if curLen > 0 && curLen+1+len(runes) > maxLen {
			flush()
		}
		if curLen > 0 {
			b.WriteByte(' ')
			curLen++
		}
		b.WriteString(sentence)
		curLen += len(runes)
	}
	flush()
	return chunks
}
