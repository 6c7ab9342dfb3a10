package tunnel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Protocol is the transport used to reach a tunnel target.
type Protocol string

const (
	// TCP opens a stream connection to the target.
	TCP Protocol = "TCP"
	// UDP opens a datagram socket bound to the target as its only peer.
	UDP Protocol = "UDP"
)

var (
	// ErrBlacklisted is returned when the target host is refused by the guard.
	ErrBlacklisted = errors.New("tunnel target is blacklisted")
	// ErrUnsupportedProtocol is returned for protocols other than TCP and UDP.
	ErrUnsupportedProtocol = errors.New("unsupported tunnel protocol")
	// ErrClosed is returned when writing to a closed tunnel.
	ErrClosed = errors.New("tunnel closed")
	// ErrQueueFull is returned when the write queue cannot take more data.
	ErrQueueFull = errors.New("tunnel write queue full")
	// ErrInvalidPort is returned when a port cannot be parsed.
	ErrInvalidPort = errors.New("invalid port")
)

// Port is a target port. In JSON it may be given as a number or a string.
type Port uint16

// ParsePort parses a decimal port number.
func ParsePort(s string) (Port, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	return Port(n), nil
}

func (p *Port) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := ParsePort(s)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}

	var n uint16
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPort, data)
	}
	*p = Port(n)
	return nil
}

// Options describes the target of a tunnel.
type Options struct {
	Protocol Protocol `json:"protocol"`
	Host     string   `json:"host"`
	Port     Port     `json:"port"`
}

// Target returns host:port suitable for dialing.
func (o Options) Target() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(int(o.Port)))
}

func (o Options) String() string {
	return string(o.Protocol) + " " + o.Target()
}
