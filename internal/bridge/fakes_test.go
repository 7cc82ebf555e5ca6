package bridge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"meshbridge/internal/domain"
	"meshbridge/internal/memory"
)

type sentSegment struct {
	text string
	dest domain.Destination
}

type fakeTransport struct {
	connectErr error
	selfID     string
	sendErr    error

	mu        sync.Mutex
	handler   func(domain.InboundEvent)
	sent      []sentSegment
	closed    int
	disc      chan struct{}
	discOnce  sync.Once
	connected chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{disc: make(chan struct{}), connected: make(chan struct{})}
}

func (f *fakeTransport) Connect(ctx context.Context) (string, error) {
	if f.connectErr != nil {
		return "", f.connectErr
	}
	close(f.connected)
	return "fake0", nil
}

func (f *fakeTransport) OnMessage(h func(domain.InboundEvent)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) IsFromSelf(ev domain.InboundEvent) bool {
	return f.selfID != "" && ev.SenderID == f.selfID
}

func (f *fakeTransport) Send(ctx context.Context, text string, dest domain.Destination) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentSegment{text: text, dest: dest})
	return nil
}

func (f *fakeTransport) Disconnected() <-chan struct{} { return f.disc }

func (f *fakeTransport) disconnect() {
	f.discOnce.Do(func() { close(f.disc) })
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	f.disconnect()
	return nil
}

func (f *fakeTransport) deliver(ev domain.InboundEvent) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(ev)
}

func (f *fakeTransport) segments() []sentSegment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentSegment(nil), f.sent...)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeGenerator struct {
	mu      sync.Mutex
	replies []string
	err     error
	panics  bool
	prompts []domain.PromptParts
}

func (g *fakeGenerator) Generate(ctx context.Context, p domain.PromptParts) (*domain.InferenceResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, p)
	if g.panics {
		panic("generator exploded")
	}
	if g.err != nil {
		return nil, g.err
	}
	reply := fmt.Sprintf("reply %d", len(g.prompts))
	if len(g.replies) > 0 {
		reply = g.replies[0]
		g.replies = g.replies[1:]
	}
	return &domain.InferenceResult{Text: reply, Latency: 12 * time.Millisecond}, nil
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *fakeGenerator) lastPrompt() domain.PromptParts {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts[len(g.prompts)-1]
}

// logBuffer collects JSON log lines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logBuffer) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Count(l.buf.String(), `"msg":"`+event+`"`)
}

func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

type harness struct {
	svc   *Service
	store *memory.SQLiteStore
	gen   domain.Generator
	logs  *logBuffer
}

func newHarness(t *testing.T, opts Options, gen domain.Generator) *harness {
	t.Helper()
	logs := &logBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "bridge.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := NewService(Config{
		Options:   opts,
		Store:     store,
		Generator: gen,
		Logger:    logger,
	})
	return &harness{svc: svc, store: store, gen: gen, logs: logs}
}

func (h *harness) records(t *testing.T, sender string) []domain.MessageRecord {
	t.Helper()
	recs, err := h.store.Recent(context.Background(), sender, 100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	return recs
}

const alice = "!a1b2c3d4"

func broadcastEvent(text string) domain.InboundEvent {
	return domain.InboundEvent{
		Text:            text,
		SenderID:        alice,
		SenderShortName: "ALI",
		Channel:         domain.IntPtr(0),
		RxTime:          time.Now(),
		FromNum:         u32(0xa1b2c3d4),
		FromID:          alice,
		ToID:            "^all",
	}
}
