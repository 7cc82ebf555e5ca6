package bridge

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// NormalizeReply trims the reply and collapses every whitespace run to one space.
func NormalizeReply(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// TruncateReply cuts text to at most max characters, dropping whitespace left
// dangling at the cut. Text already within the limit is returned as is.
func TruncateReply(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	if max <= 0 {
		return ""
	}
	return strings.TrimRightFunc(string(runes[:max]), unicode.IsSpace)
}

// ChunkText splits text into consecutive segments of size characters; the
// last may be shorter. A non-positive size yields the whole text.
func ChunkText(text string, size int) []string {
	if size <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for i := 0; i < len(runes); i += size {
		end := min(i+size, len(runes))
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// ChunkTextBytes chunks text like ChunkText and then splits any segment
// longer than maxBytes on rune boundaries, so every segment fits one radio
// packet. A non-positive maxBytes applies no byte cap.
func ChunkTextBytes(text string, size, maxBytes int) []string {
	chunks := ChunkText(text, size)
	if maxBytes <= 0 {
		return chunks
	}
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		for len(c) > maxBytes {
			cut := maxBytes
			for cut > 0 && !utf8.RuneStart(c[cut]) {
				cut--
			}
			if cut == 0 {
				// a single rune wider than maxBytes; send it whole
				_, cut = utf8.DecodeRuneInString(c)
			}
			out = append(out, c[:cut])
			c = c[cut:]
		}
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}
