package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"meshbridge/internal/domain"
	"meshbridge/internal/radio"
)

const defaultRetryDelay = time.Second

// Config selects where a Session connects. TCPHost wins over SerialPort;
// with neither set the dialer's discovered ports are tried in order.
type Config struct {
	SerialPort string
	TCPHost    string
	RetryDelay time.Duration
}

// Session owns one device connection and turns its packets into inbound events.
// A Session connects at most once; reconnecting means a new Session.
type Session struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	mu      sync.Mutex
	dev     Device
	addr    string
	selfNum uint32
	selfID  string
	handler func(domain.InboundEvent)
	closed  bool

	disconnected chan struct{}
	discOnce     sync.Once
	pumpDone     chan struct{}
}

func NewSession(cfg Config, dialer Dialer, logger *slog.Logger) *Session {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:          cfg,
		dialer:       dialer,
		logger:       logger,
		disconnected: make(chan struct{}),
		pumpDone:     make(chan struct{}),
	}
}

// OnMessage registers the single inbound handler. It runs on the session's
// pump goroutine.
func (s *Session) OnMessage(handler func(domain.InboundEvent)) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

func (s *Session) candidates() ([]string, error) {
	if s.cfg.TCPHost != "" {
		return []string{"tcp://" + radio.TCPAddr(s.cfg.TCPHost)}, nil
	}
	if s.cfg.SerialPort != "" {
		return []string{s.cfg.SerialPort}, nil
	}
	ports, err := s.dialer.Discover()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

// Connect tries each candidate address in order and returns the one that
// connected. When every candidate fails the error wraps domain.ErrConnectionFailure.
func (s *Session) Connect(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: session closed", domain.ErrConnectionFailure)
	}
	if s.dev != nil {
		addr := s.addr
		s.mu.Unlock()
		return addr, nil
	}
	s.mu.Unlock()

	cands, err := s.candidates()
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrConnectionFailure, err)
	}
	if len(cands) == 0 {
		return "", fmt.Errorf("%w: no serial ports found", domain.ErrConnectionFailure)
	}

	var lastErr error
	for i, addr := range cands {
		dev, err := s.dialer.Dial(ctx, addr)
		if err == nil {
			if err := s.attach(addr, dev); err != nil {
				dev.Close()
				return "", err
			}
			return addr, nil
		}
		lastErr = err
		s.logger.Warn("connect_failed", "addr", addr, "error", err)
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrConnectionFailure, ctx.Err())
		}
		if i < len(cands)-1 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %w", domain.ErrConnectionFailure, ctx.Err())
			case <-time.After(s.cfg.RetryDelay):
			}
		}
	}
	return "", fmt.Errorf("%w: tried %d candidate(s): %w", domain.ErrConnectionFailure, len(cands), lastErr)
}

func (s *Session) attach(addr string, dev Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: session closed", domain.ErrConnectionFailure)
	}
	s.dev = dev
	s.addr = addr
	s.selfNum = dev.MyNodeNum()
	s.selfID = radio.FormatNodeID(s.selfNum)
	s.logger.Info("connect", "addr", addr, "node_id", s.selfID)
	go s.pump(dev)
	return nil
}

func (s *Session) pump(dev Device) {
	defer close(s.pumpDone)
	for pkt := range dev.Packets() {
		ev, ok := s.decode(dev, pkt)
		if !ok {
			continue
		}
		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(ev)
		}
	}
	s.markDisconnected(dev.Err())
}

func (s *Session) markDisconnected(cause error) {
	s.discOnce.Do(func() {
		attrs := []any{"addr", s.addr}
		if cause != nil && !errors.Is(cause, radio.ErrClosed) {
			attrs = append(attrs, "error", cause)
		}
		s.logger.Info("disconnect", attrs...)
		close(s.disconnected)
	})
}

// Disconnected is closed once, when the device goes away or the session is closed.
func (s *Session) Disconnected() <-chan struct{} {
	return s.disconnected
}

// Address returns the connected address, empty before Connect succeeds.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// SelfID returns the local node id, empty before Connect succeeds.
func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

// IsFromSelf reports whether ev was sent by the local node.
func (s *Session) IsFromSelf(ev domain.InboundEvent) bool {
	s.mu.Lock()
	selfNum, selfID := s.selfNum, s.selfID
	s.mu.Unlock()
	if selfID == "" {
		return false
	}
	if ev.FromNum != nil && *ev.FromNum == selfNum {
		return true
	}
	return ev.SenderID == selfID || ev.FromID == selfID
}

// Send transmits text to dest: a direct message to a node, or a broadcast on a channel.
func (s *Session) Send(ctx context.Context, text string, dest domain.Destination) error {
	s.mu.Lock()
	dev, closed := s.dev, s.closed
	s.mu.Unlock()
	if dev == nil || closed {
		return domain.ErrNotConnected
	}

	to := radio.Broadcast
	channel := uint32(0)
	if dest.DM {
		to = dest.NodeNum
		if dest.NodeID != "" {
			if n, err := radio.ParseNodeID(dest.NodeID); err == nil {
				to = n
			}
		}
	} else if dest.Channel > 0 {
		channel = uint32(dest.Channel)
	}

	if _, err := dev.SendText(ctx, text, to, channel); err != nil {
		if errors.Is(err, radio.ErrClosed) {
			return fmt.Errorf("%w: %w", domain.ErrNotConnected, err)
		}
		return err
	}
	return nil
}

// Close unregisters the handler and releases the device. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.handler = nil
	dev := s.dev
	s.mu.Unlock()

	if dev == nil {
		s.markDisconnected(nil)
		return nil
	}
	err := dev.Close()
	<-s.pumpDone
	return err
}

// decode turns a text packet into an InboundEvent. Other packets are dropped.
func (s *Session) decode(dev Device, p *radio.MeshPacket) (domain.InboundEvent, bool) {
	if p == nil || p.Decoded == nil || p.Decoded.PortNum != radio.PortTextMessage {
		return domain.InboundEvent{}, false
	}
	text := string(p.Decoded.Payload)
	if text == "" {
		return domain.InboundEvent{}, false
	}

	fromNum := p.From
	toNum := p.To
	fromID := radio.FormatNodeID(fromNum)
	toID := "^all"
	if toNum != radio.Broadcast {
		toID = radio.FormatNodeID(toNum)
	}

	ev := domain.InboundEvent{
		Text:     text,
		SenderID: fromID,
		Channel:  domain.IntPtr(int(p.Channel)),
		IsDM:     IsDirect(toID, &toNum),
		RxTime:   time.Now(),
		FromNum:  &fromNum,
		FromID:   fromID,
		ToNum:    &toNum,
		ToID:     toID,
	}
	if p.RxTime != 0 {
		ev.RxTime = time.Unix(int64(p.RxTime), 0)
	}
	if p.ID != 0 {
		ev.MessageID = strconv.FormatUint(uint64(p.ID), 10)
	}

	if u, ok := dev.Node(fromNum); ok {
		ev.SenderShortName, ev.SenderLongName = u.ShortName, u.LongName
	} else if _, u, ok := dev.NodeByID(fromID); ok {
		ev.SenderShortName, ev.SenderLongName = u.ShortName, u.LongName
	}
	return ev, true
}

var broadcastIDs = map[string]bool{"^all": true, "all": true, "broadcast": true}

// IsDirect classifies a destination as a direct message: a non-broadcast id,
// or a numeric destination other than 0 and 0xFFFFFFFF.
func IsDirect(toID string, toNum *uint32) bool {
	if toID != "" && !broadcastIDs[strings.ToLower(toID)] {
		return true
	}
	if toNum != nil && *toNum != 0 && *toNum != radio.Broadcast {
		return true
	}
	return false
}
