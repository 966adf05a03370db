package distrib

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gogpu/fractal/node"
)

// ErrBadEndpoint is returned for unparsable worker addresses.
var ErrBadEndpoint = errors.New("distrib: bad endpoint")

// Endpoint is the address of one render node.
type Endpoint struct {
	Host string
	Port int
}

// String returns host:port, bracketing IPv6 hosts.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint parses "host", "host:port" or "[v6]:port". A missing port
// means node.DefaultPort.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("%w: empty", ErrBadEndpoint)
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port. Bare IPv6 literals have colons but no brackets.
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		if strings.Contains(host, ":") && net.ParseIP(host) == nil {
			return Endpoint{}, fmt.Errorf("%w: %q", ErrBadEndpoint, s)
		}
		return Endpoint{Host: host, Port: node.DefaultPort}, nil
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q has no host", ErrBadEndpoint, s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: port %q", ErrBadEndpoint, portStr)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// ParseEndpoints parses a list of addresses.
func ParseEndpoints(list []string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(list))
	for _, s := range list {
		e, err := ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
