package radio

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultTCPPort is the stream API port of network-attached nodes.
const DefaultTCPPort = 4403

const tcpDialTimeout = 10 * time.Second

// TCPAddr normalizes host or host:port, adding the default port.
func TCPAddr(host string) string {
	host = strings.TrimPrefix(host, "tcp://")
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(DefaultTCPPort))
}

func DialTCP(ctx context.Context, host string, opts Options) (*Conn, error) {
	addr := TCPAddr(host)
	d := net.Dialer{Timeout: tcpDialTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return Open(ctx, conn, "tcp://"+addr, opts)
}
