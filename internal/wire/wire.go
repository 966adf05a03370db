// Package wire implements the framing shared by render nodes and the
// distribution coordinator.
//
// Every field is a big-endian int32 except the parameter record, which
// has its own fixed layout. There are no length prefixes: each side knows
// what follows a command. Requests are answered before the next one is
// sent.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/gogpu/fractal"
)

// Command is a request opcode.
type Command int32

// Commands. Both ends use the same numbering.
const (
	Close          Command = 0    // no reply; the node closes the connection
	Ping           Command = 1    // int32 echo → int32 echo+1
	QueryCPUCount  Command = 2    // → int32 thread count
	QueryBunchSize Command = 3    // → int32 preferred bunch size
	SetParameters  Command = 1000 // record, int32 width, int32 height → int32 ack
	RenderRows     Command = 1100 // int32 start, int32 end → (end-start)·width pixels
)

func (c Command) String() string {
	switch c {
	case Close:
		return "CLOSE"
	case Ping:
		return "PING"
	case QueryCPUCount:
		return "QUERY_CPU_COUNT"
	case QueryBunchSize:
		return "QUERY_BUNCH_SIZE"
	case SetParameters:
		return "SET_PARAMETERS"
	case RenderRows:
		return "RENDER_ROWS"
	default:
		return fmt.Sprintf("COMMAND(%d)", int32(c))
	}
}

// Ack is the reply to SetParameters.
const Ack int32 = 1

// Protocol errors.
var (
	ErrUnknownCommand = errors.New("wire: unknown command")
	ErrBadRange       = errors.New("wire: bad row range")
	ErrNoParameters   = errors.New("wire: no parameters set")
	ErrBadAck         = errors.New("wire: unexpected acknowledgement")
)

// maxPixels bounds the raster size accepted from a peer.
const maxPixels = math.MaxInt32

// Conn is a buffered protocol connection. A Conn is used by one goroutine
// at a time.
type Conn struct {
	c       net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	timeout time.Duration
	buf     []byte
}

// NewConn wraps c. A positive timeout applies a fresh deadline to every
// exchange started with Begin.
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	return &Conn{
		c:       c,
		r:       bufio.NewReaderSize(c, 64<<10),
		w:       bufio.NewWriterSize(c, 64<<10),
		timeout: timeout,
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.c.RemoteAddr() }

// Begin arms the per-exchange deadline, if any.
func (c *Conn) Begin() error {
	if c.timeout <= 0 {
		return nil
	}
	return c.c.SetDeadline(time.Now().Add(c.timeout))
}

// Idle clears the deadline while waiting for the next request.
func (c *Conn) Idle() error {
	if c.timeout <= 0 {
		return nil
	}
	return c.c.SetDeadline(time.Time{})
}

// Close closes the underlying connection without sending anything.
func (c *Conn) Close() error { return c.c.Close() }

// Flush sends buffered output.
func (c *Conn) Flush() error { return c.w.Flush() }

// WriteInt writes one int32.
func (c *Conn) WriteInt(v int32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	_, err := c.w.Write(b[:])
	return err
}

// ReadInt reads one int32.
func (c *Conn) ReadInt() (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

// WriteCommand writes an opcode.
func (c *Conn) WriteCommand(cmd Command) error { return c.WriteInt(int32(cmd)) }

// ReadCommand reads an opcode. io.EOF is returned unchanged when the peer
// closed the stream between exchanges.
func (c *Conn) ReadCommand() (Command, error) {
	v, err := c.ReadInt()
	return Command(v), err
}

// WriteParams writes a parameter record followed by the raster size.
func (c *Conn) WriteParams(p *fractal.Params, width, height int) error {
	if _, err := p.WriteTo(c.w); err != nil {
		return err
	}
	if err := c.WriteInt(int32(width)); err != nil {
		return err
	}
	return c.WriteInt(int32(height))
}

// ReadParams reads what WriteParams wrote. The returned Params carries
// the raster size as its viewport.
func (c *Conn) ReadParams() (*fractal.Params, error) {
	p, err := fractal.ReadParams(c.r)
	if err != nil {
		return nil, err
	}
	w, err := c.ReadInt()
	if err != nil {
		return nil, err
	}
	h, err := c.ReadInt()
	if err != nil {
		return nil, err
	}
	if w <= 0 || h <= 0 || int64(w)*int64(h) > maxPixels {
		return nil, fmt.Errorf("%w: raster %dx%d", fractal.ErrInvalidParams, w, h)
	}
	p.Width, p.Height = int(w), int(h)
	return p, nil
}

// WriteRange writes a row range.
func (c *Conn) WriteRange(start, end int) error {
	if err := c.WriteInt(int32(start)); err != nil {
		return err
	}
	return c.WriteInt(int32(end))
}

// ReadRange reads a row range and checks it against height.
func (c *Conn) ReadRange(height int) (start, end int, err error) {
	s, err := c.ReadInt()
	if err != nil {
		return 0, 0, err
	}
	e, err := c.ReadInt()
	if err != nil {
		return 0, 0, err
	}
	if s < 0 || e < s || int(e) > height {
		return 0, 0, fmt.Errorf("%w: [%d, %d) of %d", ErrBadRange, s, e, height)
	}
	return int(s), int(e), nil
}

// WritePixels writes px as consecutive int32 values.
func (c *Conn) WritePixels(px []uint32) error {
	b := c.scratch(len(px))
	for i, v := range px {
		binary.BigEndian.PutUint32(b[i*4:], v)
	}
	_, err := c.w.Write(b)
	return err
}

// ReadPixels fills px from the stream.
func (c *Conn) ReadPixels(px []uint32) error {
	b := c.scratch(len(px))
	if _, err := io.ReadFull(c.r, b); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	for i := range px {
		px[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return nil
}

func (c *Conn) scratch(n int) []byte {
	if cap(c.buf) < n*4 {
		c.buf = make([]byte, n*4)
	}
	return c.buf[:n*4]
}
