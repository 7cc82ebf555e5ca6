package radio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaud is the device's stock serial speed.
const DefaultBaud = 115200

// DialSerial opens port at baud and runs the handshake. If the driver
// rejects baud the device default is tried once.
func DialSerial(ctx context.Context, port string, baud int, opts Options) (*Conn, error) {
	p, err := openSerial(port, baud)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", port, err)
	}
	opts.Wake = true
	return Open(ctx, p, port, opts)
}

func openSerial(port string, baud int) (serial.Port, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err == nil {
		return p, nil
	}
	var perr *serial.PortError
	if baud != DefaultBaud && errors.As(err, &perr) && perr.Code() == serial.InvalidSpeed {
		return serial.Open(port, &serial.Mode{BaudRate: DefaultBaud})
	}
	return nil, err
}

// DiscoverPorts lists USB serial ports that look like radios, sorted.
func DiscoverPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	var out []string
	for _, p := range ports {
		if isRadioPort(p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func isRadioPort(name string) bool {
	return strings.HasPrefix(name, "/dev/ttyACM") || strings.HasPrefix(name, "/dev/ttyUSB")
}
