package mesh

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"meshbridge/internal/radio"
)

// Device is a connected radio as seen by a Session.
type Device interface {
	Packets() <-chan *radio.MeshPacket
	Err() error
	MyNodeNum() uint32
	Node(num uint32) (radio.User, bool)
	NodeByID(id string) (uint32, radio.User, bool)
	SendText(ctx context.Context, text string, to, channel uint32) (uint32, error)
	Close() error
}

// Dialer opens devices and lists auto-detected candidates.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Device, error)
	Discover() ([]string, error)
}

// RadioDialer dials serial ports and "tcp://" addresses with the radio driver.
type RadioDialer struct {
	Baud          int
	ConfigTimeout time.Duration
	Logger        *slog.Logger
}

func (d RadioDialer) Dial(ctx context.Context, addr string) (Device, error) {
	opts := radio.Options{ConfigTimeout: d.ConfigTimeout, Logger: d.Logger}
	var (
		conn *radio.Conn
		err  error
	)
	if strings.HasPrefix(addr, "tcp://") {
		conn, err = radio.DialTCP(ctx, addr, opts)
	} else {
		conn, err = radio.DialSerial(ctx, addr, d.Baud, opts)
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (d RadioDialer) Discover() ([]string, error) {
	return radio.DiscoverPorts()
}
