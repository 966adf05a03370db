// Package node is the render server that distributed runs talk to.
//
// A node accepts one connection at a time and executes the commands of
// package wire against a local fractal.Engine.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/fractal"
	"github.com/gogpu/fractal/internal/wire"
)

// DefaultPort is the TCP port nodes listen on unless told otherwise.
const DefaultPort = 7331

// DefaultBunchSize is the row count a node advertises by default.
const DefaultBunchSize = 10

// ErrInvalidConfig is returned by New for unusable settings.
var ErrInvalidConfig = errors.New("node: invalid config")

// Config holds the node settings.
type Config struct {
	// Threads is the number of render goroutines. It is also what the node
	// reports for QUERY_CPU_COUNT.
	Threads int

	// BunchSize is the preferred number of rows per RENDER_ROWS request.
	BunchSize int

	// IOTimeout bounds reading a request and writing its reply. Render
	// time is not counted. Zero means no deadline.
	IOTimeout time.Duration
}

// Node serves render requests.
type Node struct {
	cfg    Config
	engine *fractal.Engine

	nextID atomic.Uint64
	stats  counters

	mu     sync.Mutex
	active net.Conn
}

type counters struct {
	connections    atomic.Uint64
	commands       atomic.Uint64
	rows           atomic.Uint64
	pixels         atomic.Uint64
	protocolErrors atomic.Uint64
	busy           atomic.Bool
}

// New validates cfg and starts the render engine.
func New(cfg Config) (*Node, error) {
	if cfg.Threads < 1 {
		return nil, fmt.Errorf("%w: threads %d, need at least 1", ErrInvalidConfig, cfg.Threads)
	}
	if cfg.BunchSize < 1 {
		return nil, fmt.Errorf("%w: bunch size %d, need at least 1", ErrInvalidConfig, cfg.BunchSize)
	}
	return &Node{
		cfg:    cfg,
		engine: fractal.NewEngine(cfg.Threads),
	}, nil
}

// Close stops the render engine. Call it after Serve has returned.
func (n *Node) Close() {
	n.engine.Close()
}

// Serve accepts connections on ln and serves them one after another until
// ctx is cancelled or Accept fails. Cancelling ctx also drops the
// connection being served. Serve closes ln.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	log := fractal.Logger()

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		n.mu.Lock()
		if n.active != nil {
			_ = n.active.Close()
		}
		n.mu.Unlock()
	})
	defer stop()
	defer func() { _ = ln.Close() }()

	log.Info("node: listening", "addr", ln.Addr().String(),
		"threads", n.cfg.Threads, "bunch", n.cfg.BunchSize)

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info("node: shutting down")
				return nil
			}
			return fmt.Errorf("node: accept: %w", err)
		}

		n.mu.Lock()
		n.active = c
		n.mu.Unlock()
		if ctx.Err() != nil {
			_ = c.Close()
		}

		if err := n.ServeConn(c); err != nil && ctx.Err() == nil {
			log.Warn("node: connection dropped", "remote", c.RemoteAddr().String(), "err", err)
		}

		n.mu.Lock()
		n.active = nil
		n.mu.Unlock()
	}
}

// session is the state of one connection.
type session struct {
	id     uint64
	conn   *wire.Conn
	params *fractal.Params
	buf    []uint32
}

// ServeConn runs the command loop on c until the peer sends CLOSE, hangs
// up, or breaks the protocol. c is always closed on return. A clean end
// of stream between commands is not an error.
func (n *Node) ServeConn(c net.Conn) error {
	s := &session{
		id:   n.nextID.Add(1),
		conn: wire.NewConn(c, n.cfg.IOTimeout),
	}
	defer func() { _ = s.conn.Close() }()

	n.stats.connections.Add(1)
	n.stats.busy.Store(true)
	defer n.stats.busy.Store(false)

	log := fractal.Logger().With("conn", s.id)
	log.Info("node: connected", "remote", c.RemoteAddr().String())

	for {
		cmd, err := s.conn.ReadCommand()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("node: peer hung up")
				return nil
			}
			return fmt.Errorf("node: read command: %w", err)
		}
		n.stats.commands.Add(1)

		if cmd == wire.Close {
			log.Info("node: closing as requested")
			return nil
		}

		if err := s.conn.Begin(); err != nil {
			return fmt.Errorf("node: set deadline: %w", err)
		}
		if err := n.execute(s, cmd); err != nil {
			if isProtocolError(err) {
				n.stats.protocolErrors.Add(1)
			}
			return fmt.Errorf("node: %s: %w", cmd, err)
		}
		if err := s.conn.Flush(); err != nil {
			return fmt.Errorf("node: %s: flush: %w", cmd, err)
		}
		if err := s.conn.Idle(); err != nil {
			return fmt.Errorf("node: clear deadline: %w", err)
		}
	}
}

func (n *Node) execute(s *session, cmd wire.Command) error {
	log := fractal.Logger()

	switch cmd {
	case wire.Ping:
		v, err := s.conn.ReadInt()
		if err != nil {
			return err
		}
		return s.conn.WriteInt(v + 1)

	case wire.QueryCPUCount:
		return s.conn.WriteInt(int32(n.cfg.Threads))

	case wire.QueryBunchSize:
		return s.conn.WriteInt(int32(n.cfg.BunchSize))

	case wire.SetParameters:
		p, err := s.conn.ReadParams()
		if err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		s.params = p
		log.Debug("node: parameters set", "conn", s.id,
			"kind", p.Kind.String(), "width", p.Width, "height", p.Height)
		return s.conn.WriteInt(wire.Ack)

	case wire.RenderRows:
		if s.params == nil {
			return wire.ErrNoParameters
		}
		p := s.params
		start, end, err := s.conn.ReadRange(p.Height)
		if err != nil {
			return err
		}

		need := (end - start) * p.Width
		if cap(s.buf) < need {
			s.buf = make([]uint32, need)
		}
		px := s.buf[:need]

		// The deadline bounds the exchange, not the render.
		if err := s.conn.Idle(); err != nil {
			return err
		}
		t0 := time.Now()
		n.engine.RenderStripParallel(p, p.Width, p.Height, start, end, px)
		log.Debug("node: rows rendered", "conn", s.id,
			"start", start, "end", end, "elapsed", time.Since(t0))
		if err := s.conn.Begin(); err != nil {
			return err
		}

		if err := s.conn.WritePixels(px); err != nil {
			return err
		}
		n.stats.rows.Add(uint64(end - start))
		n.stats.pixels.Add(uint64(need))
		return nil

	default:
		return wire.ErrUnknownCommand
	}
}

func isProtocolError(err error) bool {
	return errors.Is(err, wire.ErrUnknownCommand) ||
		errors.Is(err, wire.ErrBadRange) ||
		errors.Is(err, wire.ErrNoParameters) ||
		errors.Is(err, fractal.ErrInvalidParams) ||
		errors.Is(err, fractal.ErrVersionMismatch) ||
		errors.Is(err, fractal.ErrCorruptParams)
}

// Stats is a snapshot of the node counters.
type Stats struct {
	Threads        int    `json:"threads"`
	BunchSize      int    `json:"bunch_size"`
	Busy           bool   `json:"busy"`
	Connections    uint64 `json:"connections"`
	Commands       uint64 `json:"commands"`
	RowsRendered   uint64 `json:"rows_rendered"`
	PixelsSent     uint64 `json:"pixels_sent"`
	ProtocolErrors uint64 `json:"protocol_errors"`
}

// Stats returns the current counters.
func (n *Node) Stats() Stats {
	return Stats{
		Threads:        n.cfg.Threads,
		BunchSize:      n.cfg.BunchSize,
		Busy:           n.stats.busy.Load(),
		Connections:    n.stats.connections.Load(),
		Commands:       n.stats.commands.Load(),
		RowsRendered:   n.stats.rows.Load(),
		PixelsSent:     n.stats.pixels.Load(),
		ProtocolErrors: n.stats.protocolErrors.Load(),
	}
}
