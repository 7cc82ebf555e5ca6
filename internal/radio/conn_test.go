package radio

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeDevice plays the radio side of a net.Pipe.
type fakeDevice struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newPipe(t *testing.T) (net.Conn, *fakeDevice) {
	client, dev := net.Pipe()
	return client, &fakeDevice{t: t, conn: dev, r: bufio.NewReader(dev)}
}

func (d *fakeDevice) send(payload []byte) {
	if err := writeFrame(d.conn, payload); err != nil {
		d.t.Errorf("device write: %v", err)
	}
}

// readToRadio returns the want_config id or the packet from the next ToRadio frame.
func (d *fakeDevice) readToRadio() (uint32, *MeshPacket) {
	payload, err := readFrame(d.r)
	if err != nil {
		d.t.Errorf("device read: %v", err)
		return 0, nil
	}
	var id uint32
	var pkt *MeshPacket
	_ = walkFields(payload, func(f field) error {
		switch f.num {
		case toRadioWantConfigID:
			id = uint32(f.value)
		case toRadioPacket:
			pkt, _ = decodeMeshPacket(f.bytes)
		}
		return nil
	})
	return id, pkt
}

// handshake answers the config request with my_info, one node, and config_complete.
func (d *fakeDevice) handshake(myNum uint32, nodes map[uint32]User) {
	id, _ := d.readToRadio()
	d.send(myInfoMsg(myNum))
	for num, u := range nodes {
		d.send(nodeInfoMsg(num, u))
	}
	d.send(configCompleteMsg(id))
}

func myInfoMsg(num uint32) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, myInfoNodeNum, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(num))
	var b []byte
	b = protowire.AppendTag(b, fromRadioMyInfo, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func encodeUserForTest(u User) []byte {
	var b []byte
	b = protowire.AppendTag(b, userID, protowire.BytesType)
	b = protowire.AppendString(b, u.ID)
	b = protowire.AppendTag(b, userLongName, protowire.BytesType)
	b = protowire.AppendString(b, u.LongName)
	b = protowire.AppendTag(b, userShortName, protowire.BytesType)
	return protowire.AppendString(b, u.ShortName)
}

func nodeInfoMsg(num uint32, u User) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, nodeInfoNum, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(num))
	inner = protowire.AppendTag(inner, nodeInfoUser, protowire.BytesType)
	inner = protowire.AppendBytes(inner, encodeUserForTest(u))
	var b []byte
	b = protowire.AppendTag(b, fromRadioNodeInfo, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func configCompleteMsg(id uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, fromRadioConfigComplete, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(id))
}

func packetMsg(p *MeshPacket) []byte {
	var b []byte
	b = protowire.AppendTag(b, fromRadioPacket, protowire.BytesType)
	return protowire.AppendBytes(b, appendMeshPacket(nil, p))
}

func openTestConn(t *testing.T, client net.Conn) *Conn {
	t.Helper()
	c, err := Open(context.Background(), client, "pipe", Options{ConfigTimeout: 2 * time.Second, Logger: testLogger()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return c
}

func TestOpen_HandshakeRecordsNodes(t *testing.T) {
	client, dev := newPipe(t)
	go dev.handshake(0x11223344, map[uint32]User{
		0xa1b2c3d4: {ID: "!a1b2c3d4", LongName: "Alice Base", ShortName: "ALI"},
	})

	c := openTestConn(t, client)
	defer c.Close()

	if c.MyNodeNum() != 0x11223344 {
		t.Fatalf("unexpected my node num %x", c.MyNodeNum())
	}
	u, ok := c.Node(0xa1b2c3d4)
	if !ok || u.ShortName != "ALI" || u.LongName != "Alice Base" {
		t.Fatalf("node not recorded: %+v %v", u, ok)
	}
	num, _, ok := c.NodeByID("!a1b2c3d4")
	if !ok || num != 0xa1b2c3d4 {
		t.Fatalf("NodeByID failed: %x %v", num, ok)
	}
}

func TestOpen_IgnoresForeignConfigComplete(t *testing.T) {
	client, dev := newPipe(t)
	go func() {
		id, _ := dev.readToRadio()
		dev.send(configCompleteMsg(id + 2))
		dev.send(configCompleteMsg(id))
	}()
	c := openTestConn(t, client)
	c.Close()
}

func TestOpen_HandshakeTimeout(t *testing.T) {
	client, dev := newPipe(t)
	go dev.readToRadio()

	_, err := Open(context.Background(), client, "pipe", Options{ConfigTimeout: 50 * time.Millisecond, Logger: testLogger()})
	if err == nil {
		t.Fatal("expected handshake timeout")
	}
}

func TestOpen_DeviceHangsUp(t *testing.T) {
	client, dev := newPipe(t)
	go func() {
		dev.readToRadio()
		dev.conn.Close()
	}()

	_, err := Open(context.Background(), client, "pipe", Options{ConfigTimeout: 2 * time.Second, Logger: testLogger()})
	if err == nil {
		t.Fatal("expected handshake error after hangup")
	}
}

func TestConn_DeliversTextPackets(t *testing.T) {
	client, dev := newPipe(t)
	go func() {
		dev.handshake(1, nil)
		dev.send([]byte{0xFF, 0xFF}) // malformed, dropped
		dev.send(packetMsg(&MeshPacket{
			From: 0xa1b2c3d4, To: Broadcast, Channel: 2, ID: 77, RxTime: 1700000000,
			Decoded: &Data{PortNum: PortTextMessage, Payload: []byte("hi mesh")},
		}))
	}()

	c := openTestConn(t, client)
	defer c.Close()

	select {
	case p := <-c.Packets():
		if p.From != 0xa1b2c3d4 || p.To != Broadcast || p.Channel != 2 || p.ID != 77 {
			t.Fatalf("unexpected packet header %+v", p)
		}
		if string(p.Decoded.Payload) != "hi mesh" {
			t.Fatalf("unexpected payload %q", p.Decoded.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestConn_NodeInfoPacketUpdatesDirectory(t *testing.T) {
	client, dev := newPipe(t)
	go func() {
		dev.handshake(1, nil)
		dev.send(packetMsg(&MeshPacket{
			From: 0x55, To: Broadcast,
			Decoded: &Data{PortNum: PortNodeInfo, Payload: encodeUserForTest(User{ID: "!00000055", ShortName: "BOB"})},
		}))
		dev.send(packetMsg(&MeshPacket{
			From: 0x55, To: Broadcast,
			Decoded: &Data{PortNum: PortTextMessage, Payload: []byte("after")},
		}))
	}()

	c := openTestConn(t, client)
	defer c.Close()

	<-c.Packets()
	u, ok := c.Node(0x55)
	if !ok || u.ShortName != "BOB" {
		t.Fatalf("expected node directory update, got %+v %v", u, ok)
	}
}

func TestConn_SendText(t *testing.T) {
	client, dev := newPipe(t)
	got := make(chan *MeshPacket, 1)
	go func() {
		dev.handshake(1, nil)
		_, p := dev.readToRadio()
		got <- p
	}()

	c := openTestConn(t, client)
	defer c.Close()

	id, err := c.SendText(context.Background(), "pong", 0xa1b2c3d4, 0)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	p := <-got
	if p == nil {
		t.Fatal("device received no packet")
	}
	if p.To != 0xa1b2c3d4 || !p.WantAck || p.ID != id || p.HopLimit != defaultHopLimit {
		t.Fatalf("unexpected packet %+v", p)
	}
	if p.Decoded == nil || p.Decoded.PortNum != PortTextMessage || string(p.Decoded.Payload) != "pong" {
		t.Fatalf("unexpected payload %+v", p.Decoded)
	}
}

func TestConn_SendBroadcastNoAck(t *testing.T) {
	client, dev := newPipe(t)
	got := make(chan *MeshPacket, 1)
	go func() {
		dev.handshake(1, nil)
		_, p := dev.readToRadio()
		got <- p
	}()

	c := openTestConn(t, client)
	defer c.Close()

	if _, err := c.SendText(context.Background(), "all", Broadcast, 3); err != nil {
		t.Fatalf("send: %v", err)
	}
	p := <-got
	if p.WantAck || p.Channel != 3 || p.To != Broadcast {
		t.Fatalf("unexpected broadcast packet %+v", p)
	}
}

func TestConn_SendTextTooLarge(t *testing.T) {
	client, dev := newPipe(t)
	go dev.handshake(1, nil)
	c := openTestConn(t, client)
	defer c.Close()

	_, err := c.SendText(context.Background(), string(make([]byte, MaxTextBytes+1)), Broadcast, 0)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestConn_DisconnectClosesChannels(t *testing.T) {
	client, dev := newPipe(t)
	go func() {
		dev.handshake(1, nil)
		dev.conn.Close()
	}()

	c := openTestConn(t, client)
	defer c.Close()

	select {
	case <-c.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("expected Closed after hangup")
	}
	if c.Err() == nil {
		t.Fatal("expected a read error")
	}
	if _, ok := <-c.Packets(); ok {
		t.Fatal("expected packets channel closed")
	}
	if _, err := c.SendText(context.Background(), "x", Broadcast, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConn_CloseIdempotent(t *testing.T) {
	client, dev := newPipe(t)
	go dev.handshake(1, nil)
	c := openTestConn(t, client)

	c.Close()
	c.Close()
	if !errors.Is(c.Err(), ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", c.Err())
	}
}

func TestNodeID(t *testing.T) {
	if got := FormatNodeID(0xa1b2c3d4); got != "!a1b2c3d4" {
		t.Fatalf("unexpected format %q", got)
	}
	if got := FormatNodeID(0x1); got != "!00000001" {
		t.Fatalf("expected zero padding, got %q", got)
	}
	n, err := ParseNodeID("!a1b2c3d4")
	if err != nil || n != 0xa1b2c3d4 {
		t.Fatalf("parse: %x %v", n, err)
	}
	if _, err := ParseNodeID("a1b2c3d4"); err == nil {
		t.Fatal("expected error without prefix")
	}
	if _, err := ParseNodeID("!zz"); err == nil {
		t.Fatal("expected error for non-hex id")
	}
}

func TestTCPAddr(t *testing.T) {
	if got := TCPAddr("meshnode.local"); got != "meshnode.local:4403" {
		t.Fatalf("unexpected %q", got)
	}
	if got := TCPAddr("tcp://10.0.0.5:9000"); got != "10.0.0.5:9000" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestIsRadioPort(t *testing.T) {
	for _, p := range []string{"/dev/ttyACM0", "/dev/ttyUSB1"} {
		if !isRadioPort(p) {
			t.Fatalf("expected %s to match", p)
		}
	}
	if isRadioPort("/dev/ttyS0") {
		t.Fatal("builtin UART should not match")
	}
}
