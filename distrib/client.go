package distrib

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gogpu/fractal"
	"github.com/gogpu/fractal/internal/wire"
)

// Client is one connection to a render node. A Client is not safe for
// concurrent use.
type Client struct {
	addr string
	conn *wire.Conn
}

// Dial connects to the node at addr. A positive timeout bounds the dial
// and every later request.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("distrib: dial %s: %w", addr, err)
	}
	return &Client{addr: addr, conn: wire.NewConn(c, timeout)}, nil
}

// Addr returns the node address.
func (c *Client) Addr() string { return c.addr }

// roundTrip sends one request and reads the reply.
func (c *Client) roundTrip(cmd wire.Command, send func() error, recv func() error) error {
	if err := c.conn.Begin(); err != nil {
		return err
	}
	if err := c.conn.WriteCommand(cmd); err != nil {
		return fmt.Errorf("distrib: %s: %w", cmd, err)
	}
	if send != nil {
		if err := send(); err != nil {
			return fmt.Errorf("distrib: %s: %w", cmd, err)
		}
	}
	if err := c.conn.Flush(); err != nil {
		return fmt.Errorf("distrib: %s: %w", cmd, err)
	}
	if recv != nil {
		if err := recv(); err != nil {
			return fmt.Errorf("distrib: %s reply: %w", cmd, err)
		}
	}
	return c.conn.Idle()
}

func (c *Client) query(cmd wire.Command) (int, error) {
	var v int32
	err := c.roundTrip(cmd, nil, func() (err error) {
		v, err = c.conn.ReadInt()
		return err
	})
	return int(v), err
}

// Ping sends echo and returns the node's answer, which is echo+1.
func (c *Client) Ping(echo int32) (int32, error) {
	var v int32
	err := c.roundTrip(wire.Ping,
		func() error { return c.conn.WriteInt(echo) },
		func() (err error) {
			v, err = c.conn.ReadInt()
			return err
		})
	return v, err
}

// CPUCount returns the node's render thread count.
func (c *Client) CPUCount() (int, error) { return c.query(wire.QueryCPUCount) }

// BunchSize returns the node's preferred rows per request.
func (c *Client) BunchSize() (int, error) { return c.query(wire.QueryBunchSize) }

// SetParameters sends p for a width×height raster.
func (c *Client) SetParameters(p *fractal.Params, width, height int) error {
	return c.roundTrip(wire.SetParameters,
		func() error { return c.conn.WriteParams(p, width, height) },
		func() error {
			ack, err := c.conn.ReadInt()
			if err != nil {
				return err
			}
			if ack != wire.Ack {
				return fmt.Errorf("%w: %d", wire.ErrBadAck, ack)
			}
			return nil
		})
}

// RenderRows asks for rows [start, end) and reads them into dst, which
// must hold exactly (end-start)·width pixels.
func (c *Client) RenderRows(start, end int, dst []uint32) error {
	return c.roundTrip(wire.RenderRows,
		func() error { return c.conn.WriteRange(start, end) },
		func() error { return c.conn.ReadPixels(dst) })
}

// Close sends CLOSE and closes the connection.
func (c *Client) Close() error {
	err := c.conn.Begin()
	if err == nil {
		err = c.conn.WriteCommand(wire.Close)
	}
	if err == nil {
		err = c.conn.Flush()
	}
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Abort drops the connection without telling the node.
func (c *Client) Abort() error {
	return c.conn.Close()
}

// Ping dials addr, sends one PING and hangs up. It returns the round-trip
// time of the ping.
func Ping(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	c, err := Dial(ctx, addr, timeout)
	if err != nil {
		return 0, err
	}
	defer func() { _ = c.Close() }()

	const echo = 1337
	t0 := time.Now()
	v, err := c.Ping(echo)
	if err != nil {
		return 0, err
	}
	if v != echo+1 {
		return 0, fmt.Errorf("distrib: ping %s: got %d, want %d", addr, v, echo+1)
	}
	return time.Since(t0), nil
}
