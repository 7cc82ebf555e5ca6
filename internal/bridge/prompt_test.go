package bridge

import (
	"strings"
	"testing"

	"meshbridge/internal/domain"
)

func TestStripTriggerPrefix(t *testing.T) {
	cases := []struct{ text, prefix, want string }{
		{"!ai what time is it", "!ai ", "what time is it"},
		{"!ai    spaced", "!ai ", "spaced"},
		{"!ai ", "!ai ", ""},
		{"hello", "!ai ", "hello"},
		{"  hello", "", "  hello"},
		{"!aiX", "!ai", "X"},
	}
	for _, c := range cases {
		if got := StripTriggerPrefix(c.text, c.prefix); got != c.want {
			t.Errorf("StripTriggerPrefix(%q, %q) = %q, want %q", c.text, c.prefix, got, c.want)
		}
	}
}

func TestBuildPrompt_FullLayout(t *testing.T) {
	ev := domain.InboundEvent{
		Text:            "what time is it",
		SenderID:        "!a1b2c3d4",
		SenderShortName: "ALI",
		SenderLongName:  "Alice Base",
		Channel:         domain.IntPtr(1),
	}
	history := []domain.MessageRecord{
		{Direction: domain.DirectionIn, Text: "hi"},
		{Direction: domain.DirectionOut, Text: "hello"},
	}

	p := BuildPrompt(ev, history, 200)
	want := strings.Join([]string{
		"Sender: ALI",
		"Sender Long Name: Alice Base",
		"Sender ID: !a1b2c3d4",
		"Channel: 1",
		"Message:",
		"what time is it",
		"",
		"Conversation history:",
		"User: hi",
		"Assistant: hello",
		"",
		"Reply in <= 200 characters.",
	}, "\n")
	if p.User != want {
		t.Fatalf("unexpected prompt:\n%s\nwant:\n%s", p.User, want)
	}
	if p.System != SystemPrompt {
		t.Fatalf("unexpected system prompt %q", p.System)
	}
}

func TestBuildPrompt_EmptyHistoryAndUnknownSender(t *testing.T) {
	p := BuildPrompt(domain.InboundEvent{Text: "x", SenderID: "!1"}, nil, 50)
	if !strings.HasPrefix(p.User, "Sender: Unknown\nSender ID: !1\nChannel: unknown\n") {
		t.Fatalf("unexpected header:\n%s", p.User)
	}
	if !strings.Contains(p.User, "Conversation history:\n(none)\n") {
		t.Fatalf("expected (none) history block:\n%s", p.User)
	}
	if !strings.HasSuffix(p.User, "Reply in <= 50 characters.") {
		t.Fatalf("missing reply budget:\n%s", p.User)
	}
}

func TestBuildPrompt_LongNameOnlyWhenDistinct(t *testing.T) {
	p := BuildPrompt(domain.InboundEvent{SenderLongName: "Bob", SenderID: "!2"}, nil, 10)
	if !strings.HasPrefix(p.User, "Sender: Bob\nSender ID: !2") {
		t.Fatalf("long name used as display name should not repeat:\n%s", p.User)
	}
}

func TestBuildPrompt_DMChannelLabel(t *testing.T) {
	p := BuildPrompt(domain.InboundEvent{IsDM: true, Channel: domain.IntPtr(3)}, nil, 10)
	if !strings.Contains(p.User, "Channel: DM\n") {
		t.Fatalf("expected DM label:\n%s", p.User)
	}
}
