package transport

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/cuts-ae/support/internal/metrics"
)

// conn is one live client connection. Outbound frames go through a bounded
// outbox drained by a single writer; the write mutex also serializes pings and
// control-frame replies issued by the reader.
type conn struct {
	net.Conn
	src io.Reader

	writeMu      sync.Mutex
	writeTimeout time.Duration
	readTimeout  time.Duration // 0 disables the liveness deadline

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(nc net.Conn, br *bufio.Reader, outboxSize int, writeTimeout, readTimeout time.Duration) *conn {
	var src io.Reader = nc
	if br != nil {
		// The handshake reader may already hold the first frames.
		src = io.MultiReader(br, nc)
	}
	return &conn{
		Conn:         nc,
		src:          src,
		writeTimeout: writeTimeout,
		readTimeout:  readTimeout,
		outbox:       make(chan []byte, outboxSize),
		done:         make(chan struct{}),
	}
}

// enqueue hands a frame to the writer without blocking. It reports false when
// the outbox is full or the connection is closing.
func (c *conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- data:
		return true
	default:
		metrics.EventsDropped.WithLabelValues("outbox_full").Inc()
		return false
	}
}

// writeLoop drains the outbox until the connection closes. Frames still queued
// at that point are discarded.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbox:
			if err := c.writeMessage(data); err != nil {
				c.close()
				return
			}
		}
	}
}

// writeMessage sends a masked text frame.
func (c *conn) writeMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteClientMessage(c.Conn, ws.OpText, data)
}

// writePing sends a masked protocol-level ping frame (opcode 0x9).
func (c *conn) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return ws.WriteFrame(c.Conn, ws.MaskFrameInPlace(ws.NewPingFrame(nil)))
}

func (c *conn) setWriteDeadline() {
	if c.writeTimeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// readMessage returns the payload of the next text or binary message. Control
// frames are answered under the write mutex and skipped. Every frame, pongs
// included, pushes the read deadline out by readTimeout; a peer that stays
// silent longer than that fails the read.
func (c *conn) readMessage() ([]byte, error) {
	control := func(hdr ws.Header, r io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return wsutil.ControlFrameHandler(c.Conn, ws.StateClientSide)(hdr, r)
	}
	rd := &wsutil.Reader{
		Source:         c.src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		if c.readTimeout > 0 {
			c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

// heartbeat pings the server every interval until the connection closes. A
// failed ping closes the connection, which ends the read loop.
func (c *conn) heartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.Conn.Close()
	})
}
