package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"meshbridge/internal/bus"
	"meshbridge/internal/domain"
	"meshbridge/internal/metrics"
)

const (
	defaultMaxReplyChars  = 200
	defaultMemoryTurns    = 6
	defaultQueueSize      = 32
	defaultChunkBytes     = 233
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// Transport is one mesh connection. A new Transport is created per connect cycle.
type Transport interface {
	Connect(ctx context.Context) (string, error)
	OnMessage(handler func(domain.InboundEvent))
	IsFromSelf(ev domain.InboundEvent) bool
	Send(ctx context.Context, text string, dest domain.Destination) error
	Disconnected() <-chan struct{}
	Close() error
}

// State is the connection lifecycle state of a Service.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Options are the reply and lifecycle settings.
type Options struct {
	TriggerPrefix    string
	RespondToDMsOnly bool
	AllowedChannels  []int
	AllowedSenders   []string
	MaxReplyChars    int
	ChunkChars       int // 0 chunks at MaxReplyChars
	ChunkBytes       int // per-segment byte cap of the transport; 0 uses 233
	MemoryTurns      int
	QueueSize        int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

type Config struct {
	Options
	NewTransport func() Transport
	Store        domain.HistoryStore
	Generator    domain.Generator
	Logger       *slog.Logger
}

// Service runs the connect/listen/reconnect loop and answers inbound messages.
type Service struct {
	opts         Options
	policy       Policy
	newTransport func() Transport
	store        domain.HistoryStore
	gen          domain.Generator
	logger       *slog.Logger

	// sleep waits d or until ctx ends and reports whether the full wait elapsed.
	sleep func(ctx context.Context, d time.Duration) bool

	state    atomic.Int32
	mu       sync.RWMutex
	address  string
	connects int
	lastErr  string
	started  time.Time
}

type inbound struct {
	ev domain.InboundEvent
	tr Transport
}

func NewService(cfg Config) *Service {
	opts := cfg.Options
	if opts.MaxReplyChars <= 0 {
		opts.MaxReplyChars = defaultMaxReplyChars
	}
	if opts.MemoryTurns <= 0 {
		opts.MemoryTurns = defaultMemoryTurns
	}
	if opts.ChunkChars <= 0 {
		opts.ChunkChars = opts.MaxReplyChars
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = defaultChunkBytes
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.InitialBackoff)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		opts: opts,
		policy: Policy{
			TriggerPrefix:   opts.TriggerPrefix,
			DMsOnly:         opts.RespondToDMsOnly,
			AllowedChannels: opts.AllowedChannels,
			AllowedSenders:  opts.AllowedSenders,
		},
		newTransport: cfg.NewTransport,
		store:        cfg.Store,
		gen:          cfg.Generator,
		logger:       logger,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Run connects, listens until the transport drops, and reconnects with
// exponential backoff until ctx is cancelled. Inbound events are handled one
// at a time by a single worker.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	queue := bus.New[inbound](s.opts.QueueSize, s.logger)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.work(ctx, queue)
	}()

	defer func() {
		queue.Close()
		<-workerDone
		s.setState(StateStopped)
		s.logger.Info("shutdown")
	}()

	backoff := s.opts.InitialBackoff
	for {
		if s.cycle(ctx, queue) {
			backoff = s.opts.InitialBackoff
		}
		if ctx.Err() != nil {
			return nil
		}
		s.setState(StateDisconnected)
		s.logger.Debug("reconnect backoff", "wait", backoff)
		if !s.sleep(ctx, backoff) {
			return nil
		}
		backoff = min(backoff*2, s.opts.MaxBackoff)
	}
}

// cycle runs one connect-and-listen pass on a fresh transport, always closing
// it before returning. It reports whether the connect succeeded.
func (s *Service) cycle(ctx context.Context, queue *bus.Queue[inbound]) bool {
	s.setState(StateConnecting)
	tr := s.newTransport()
	defer func() {
		if err := tr.Close(); err != nil {
			s.logger.Debug("transport close", "error", err)
		}
	}()

	tr.OnMessage(func(ev domain.InboundEvent) {
		queue.Publish(inbound{ev: ev, tr: tr})
		metrics.QueueDepth.Set(int64(queue.Len()))
	})

	addr, err := tr.Connect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			metrics.ConnectFailures.Inc()
			s.setLastError(err)
			s.logger.Error("bridge_error", "error", err)
		}
		return false
	}

	s.mu.Lock()
	s.connects++
	if s.connects > 1 {
		metrics.Reconnects.Inc()
	}
	s.address = addr
	s.mu.Unlock()

	s.setState(StateListening)
	s.logger.Info("listening", "port", addr)

	select {
	case <-tr.Disconnected():
	case <-ctx.Done():
	}
	return true
}

func (s *Service) work(ctx context.Context, queue *bus.Queue[inbound]) {
	for it := range queue.Subscribe() {
		metrics.QueueDepth.Set(int64(queue.Len()))
		if ctx.Err() != nil {
			s.logger.Debug("dropping queued event on shutdown", "sender_id", it.ev.SenderID)
			continue
		}
		s.dispatch(ctx, it.tr, it.ev)
	}
}

func (s *Service) setState(st State) {
	s.state.Store(int32(st))
	metrics.ConnectionState.Set(int64(st))
}

func (s *Service) State() State {
	return State(s.state.Load())
}

func (s *Service) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// Status is a point-in-time view of the service for the status endpoint.
type Status struct {
	State     string    `json:"state"`
	Address   string    `json:"address,omitempty"`
	Connects  int       `json:"connects"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		State:     s.State().String(),
		Address:   s.address,
		Connects:  s.connects,
		LastError: s.lastErr,
		StartedAt: s.started,
	}
}
