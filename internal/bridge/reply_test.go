package bridge

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNormalizeReply(t *testing.T) {
	got := NormalizeReply("  It is\n\tnoon   now.  ")
	if got != "It is noon now." {
		t.Fatalf("unexpected %q", got)
	}
	if NormalizeReply(" \n\t ") != "" {
		t.Fatal("whitespace-only reply should normalize to empty")
	}
}

func TestTruncateReply_WithinLimitUnchanged(t *testing.T) {
	for _, s := range []string{"", "abc", "exactly10!"} {
		if got := TruncateReply(s, 10); got != s {
			t.Fatalf("TruncateReply(%q) = %q", s, got)
		}
	}
}

func TestTruncateReply_NeverExceedsLimit(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog"
	for n := 0; n <= len(text)+2; n++ {
		got := TruncateReply(text, n)
		if utf8.RuneCountInString(got) > n {
			t.Fatalf("n=%d: %q too long", n, got)
		}
		if len(text) <= n && got != text {
			t.Fatalf("n=%d: expected unchanged text", n)
		}
	}
}

func TestTruncateReply_TrimsTrailingSpaceAtCut(t *testing.T) {
	if got := TruncateReply("hello world", 6); got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestTruncateReply_CountsCharacters(t *testing.T) {
	if got := TruncateReply("héllo wörld", 5); got != "héllo" {
		t.Fatalf("expected rune-based cut, got %q", got)
	}
}

func TestChunkText_Reassembles(t *testing.T) {
	text := strings.Repeat("abcdefghij", 7) + "xyz"
	for n := 1; n <= len(text)+1; n++ {
		chunks := ChunkText(text, n)
		if strings.Join(chunks, "") != text {
			t.Fatalf("n=%d: chunks do not reassemble", n)
		}
		for i, c := range chunks[:len(chunks)-1] {
			if len(c) != n {
				t.Fatalf("n=%d: chunk %d has length %d", n, i, len(c))
			}
		}
		if last := chunks[len(chunks)-1]; len(last) == 0 || len(last) > n {
			t.Fatalf("n=%d: bad last chunk %q", n, last)
		}
	}
}

func TestChunkText_NonPositiveSize(t *testing.T) {
	for _, n := range []int{0, -5} {
		chunks := ChunkText("whole", n)
		if len(chunks) != 1 || chunks[0] != "whole" {
			t.Fatalf("n=%d: expected single segment, got %v", n, chunks)
		}
	}
}

func TestChunkText_Runes(t *testing.T) {
	chunks := ChunkText("ééééé", 2)
	if len(chunks) != 3 || chunks[0] != "éé" || chunks[2] != "é" {
		t.Fatalf("unexpected chunks %v", chunks)
	}
}

func TestChunkTextBytes_CapsMultiByteSegments(t *testing.T) {
	text := strings.Repeat("ж", 153)
	chunks := ChunkTextBytes(text, 200, 233)
	if strings.Join(chunks, "") != text {
		t.Fatal("segments do not reassemble")
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 233 {
			t.Fatalf("segment %d is %d bytes", i, len(c))
		}
		if !utf8.ValidString(c) {
			t.Fatalf("segment %d split a rune: %q", i, c)
		}
	}
	if len(chunks[0]) != 232 {
		t.Fatalf("expected the first cut on the last whole rune (232 bytes), got %d", len(chunks[0]))
	}
}

func TestChunkTextBytes_MixedWidths(t *testing.T) {
	text := strings.Repeat("a€😀", 40)
	for _, max := range []int{4, 5, 7, 16, 233} {
		chunks := ChunkTextBytes(text, 50, max)
		if strings.Join(chunks, "") != text {
			t.Fatalf("max=%d: segments do not reassemble", max)
		}
		for i, c := range chunks {
			if len(c) > max || c == "" || !utf8.ValidString(c) {
				t.Fatalf("max=%d: bad segment %d %q", max, i, c)
			}
			if utf8.RuneCountInString(c) > 50 {
				t.Fatalf("max=%d: segment %d has more than 50 characters", max, i)
			}
		}
	}
}

func TestChunkTextBytes_NoCap(t *testing.T) {
	text := strings.Repeat("ж", 10)
	chunks := ChunkTextBytes(text, 4, 0)
	if len(chunks) != 3 || chunks[0] != "жжжж" {
		t.Fatalf("expected character chunks only, got %v", chunks)
	}
}
