package radio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultConfigTimeout = 15 * time.Second
	defaultHopLimit      = 3
	packetBuffer         = 64

	// MaxTextBytes is the largest text payload that fits in one data packet.
	MaxTextBytes = 233
)

var (
	ErrClosed          = errors.New("radio connection closed")
	ErrPayloadTooLarge = errors.New("text payload too large")
)

// Options tunes a Conn.
type Options struct {
	// Wake sends a burst of wake bytes before the handshake (serial devices).
	Wake          bool
	ConfigTimeout time.Duration
	Logger        *slog.Logger
}

// Conn is a connected Meshtastic device speaking the stream API.
type Conn struct {
	rw     io.ReadWriteCloser
	addr   string
	logger *slog.Logger

	wmu sync.Mutex

	mu     sync.RWMutex
	myNum  uint32
	nodes  map[uint32]User
	err    error
	closed bool

	configID   uint32
	configured chan struct{}
	configOnce sync.Once

	packets   chan *MeshPacket
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open runs the config handshake over rw and starts reading. rw is owned by
// the returned Conn; on error it is closed.
func Open(ctx context.Context, rw io.ReadWriteCloser, addr string, opts Options) (*Conn, error) {
	if opts.ConfigTimeout <= 0 {
		opts.ConfigTimeout = defaultConfigTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Conn{
		rw:         rw,
		addr:       addr,
		logger:     opts.Logger.With("component", "radio", "addr", addr),
		nodes:      make(map[uint32]User),
		configID:   rand.Uint32() | 1,
		configured: make(chan struct{}),
		packets:    make(chan *MeshPacket, packetBuffer),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	go c.readLoop()

	if opts.Wake {
		if err := c.write(wakeBytes()); err != nil {
			c.Close()
			return nil, fmt.Errorf("wake device: %w", err)
		}
	}
	if err := c.writeFrame(encodeWantConfig(c.configID)); err != nil {
		c.Close()
		return nil, fmt.Errorf("request config: %w", err)
	}

	timer := time.NewTimer(opts.ConfigTimeout)
	defer timer.Stop()
	select {
	case <-c.configured:
		c.logger.Debug("radio configured", "my_node", FormatNodeID(c.MyNodeNum()), "nodes", c.NodeCount())
		return c, nil
	case <-c.done:
		err := c.Err()
		c.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	case <-timer.C:
		c.Close()
		return nil, fmt.Errorf("handshake: no config from device after %s", opts.ConfigTimeout)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func (c *Conn) Addr() string { return c.addr }

// Packets delivers received mesh packets. It is closed when the connection ends.
func (c *Conn) Packets() <-chan *MeshPacket { return c.packets }

// Closed is closed once the read side has stopped.
func (c *Conn) Closed() <-chan struct{} { return c.done }

// Err reports why the read side stopped, or nil while running.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Conn) MyNodeNum() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.myNum
}

func (c *Conn) Node(num uint32) (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.nodes[num]
	return u, ok
}

func (c *Conn) NodeByID(id string) (uint32, User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for num, u := range c.nodes {
		if u.ID == id {
			return num, u, true
		}
	}
	return 0, User{}, false
}

func (c *Conn) NodeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// SendText queues a text message for transmission. Direct messages request an ack.
func (c *Conn) SendText(ctx context.Context, text string, to, channel uint32) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(text) > MaxTextBytes {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(text))
	}
	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}

	p := &MeshPacket{
		To:       to,
		Channel:  channel,
		ID:       rand.Uint32() | 1,
		HopLimit: defaultHopLimit,
		WantAck:  to != Broadcast,
		Decoded:  &Data{PortNum: PortTextMessage, Payload: []byte(text)},
	}
	if err := c.writeFrame(encodeToRadioPacket(p)); err != nil {
		return 0, fmt.Errorf("send text: %w", err)
	}
	return p.ID, nil
}

// Close stops the connection and waits for the reader to exit. Safe to call twice.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.quit)
		c.closeErr = c.rw.Close()
	})
	<-c.done
	return c.closeErr
}

func (c *Conn) write(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.rw.Write(b)
	return err
}

func (c *Conn) writeFrame(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeFrame(c.rw, payload)
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.packets)

	r := bufio.NewReader(c.rw)
	for {
		payload, err := readFrame(r)
		if err != nil {
			c.fail(err)
			return
		}
		msg, err := decodeFromRadio(payload)
		if err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		if !c.handle(msg) {
			return
		}
	}
}

// handle applies one FromRadio message and reports whether reading should continue.
func (c *Conn) handle(msg *FromRadio) bool {
	switch {
	case msg.HasMyInfo:
		c.mu.Lock()
		c.myNum = msg.MyNodeNum
		c.mu.Unlock()
	case msg.NodeInfo != nil:
		if msg.NodeInfo.User != nil {
			c.setNode(msg.NodeInfo.Num, *msg.NodeInfo.User)
		}
	case msg.ConfigCompleteID != 0:
		if msg.ConfigCompleteID == c.configID {
			c.configOnce.Do(func() { close(c.configured) })
		}
	case msg.Rebooted:
		c.fail(errors.New("device rebooted"))
		return false
	case msg.Packet != nil:
		p := msg.Packet
		if p.Decoded != nil && p.Decoded.PortNum == PortNodeInfo {
			if u, err := decodeUser(p.Decoded.Payload); err == nil {
				c.setNode(p.From, *u)
			}
			return true
		}
		select {
		case c.packets <- p:
		case <-c.quit:
			c.fail(ErrClosed)
			return false
		}
	}
	return true
}

func (c *Conn) setNode(num uint32, u User) {
	c.mu.Lock()
	c.nodes[num] = u
	c.mu.Unlock()
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if c.closed {
		err = ErrClosed
	}
	c.err = err
}

// FormatNodeID renders a node number as the canonical "!xxxxxxxx" id.
func FormatNodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID parses a "!xxxxxxxx" id.
func ParseNodeID(id string) (uint32, error) {
	if !strings.HasPrefix(id, "!") {
		return 0, fmt.Errorf("node id %q: missing '!' prefix", id)
	}
	n, err := strconv.ParseUint(id[1:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("node id %q: %w", id, err)
	}
	return uint32(n), nil
}
