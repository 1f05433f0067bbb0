package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/messaging"
	"github.com/KienPC1234/TechShare-sub001/internal/monitoring"
	"github.com/KienPC1234/TechShare-sub001/internal/presence"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next frame (data or pong) from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Largest client frame accepted, envelope included.
	maxFrameSize = messaging.MaxDataSize + 4096

	defaultSendBuffer = 256
)

// ErrSendBufferFull is returned by Client.Deliver when the connection's
// queue is full. The message is dropped for that connection only.
var ErrSendBufferFull = errors.New("send buffer full")

// Client is the WebSocket transport of one connection. It implements
// presence.Sink.
//
// Messages are queued on a buffered channel drained by a single write pump,
// so a connection sees messages in the order they were queued. Deliver
// never blocks. Deliver and Close share a lock: a concurrent Deliver either
// enqueues before Close or observes the client closed.
type Client struct {
	conn   net.Conn
	send   chan []byte
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool

	// writeMu is held for a whole frame or batch written to conn, so control
	// replies from the read pump never land inside a data frame.
	writeMu sync.Mutex

	closeConnOnce sync.Once
}

func newClient(conn net.Conn, bufferSize int, logger zerolog.Logger) *Client {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	return &Client{
		conn:   conn,
		send:   make(chan []byte, bufferSize),
		logger: logger,
	}
}

// Deliver queues payload for the write pump.
func (c *Client) Deliver(payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return presence.ErrConnectionClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the client. Queued messages are flushed by the write pump
// before it sends a close frame.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

func (c *Client) closeConn() {
	c.closeConnOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// writePump batches queued messages and writes them to the connection.
func (c *Client) writePump(connID string) {
	defer monitoring.RecoverPanic(c.logger, "writePump", map[string]any{
		"connection_id": connID,
	})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
				_ = c.writeControl(ws.OpClose, body)
				return
			}
			if err := c.writeBatch(writer, message); err != nil {
				c.logger.Debug().Err(err).Str("connection_id", connID).Msg("Failed to write messages")
				return
			}

		case <-ticker.C:
			if err := c.writeControl(ws.OpPing, nil); err != nil {
				c.logger.Debug().Err(err).Str("connection_id", connID).Msg("Failed to send ping")
				return
			}
		}
	}
}

// writeBatch writes first and whatever else is already queued, then flushes.
func (c *Client) writeBatch(writer *bufio.Writer, first []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteServerMessage(writer, ws.OpText, first); err != nil {
		return err
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		message, ok := <-c.send
		if !ok {
			break
		}
		if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
			return err
		}
	}
	return writer.Flush()
}

// writeControl writes one control frame between batches.
func (c *Client) writeControl(op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(c.conn, op, payload)
}

// writeEncoded writes already framed bytes in one piece.
func (c *Client) writeEncoded(frames []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_, err := c.conn.Write(frames)
	return err
}

// controlHandler answers pings and close frames. Replies are framed into a
// buffer first and written under writeMu. It is only used by the read pump.
func (c *Client) controlHandler() wsutil.FrameHandlerFunc {
	var reply bytes.Buffer
	handle := wsutil.ControlFrameHandler(&reply, ws.StateServerSide)
	return func(h ws.Header, r io.Reader) error {
		err := handle(h, r)
		if reply.Len() > 0 {
			if werr := c.writeEncoded(reply.Bytes()); werr != nil && err == nil {
				err = werr
			}
			reply.Reset()
		}
		return err
	}
}

// readPump reads client frames until the connection fails, then closes the
// connection through the gateway. Control frames are answered inline and
// extend the read deadline like data frames do.
func (c *Client) readPump(ctx context.Context, g *Gateway, conn *presence.Connection) {
	defer monitoring.RecoverPanic(c.logger, "readPump", map[string]any{
		"connection_id": conn.ID,
	})

	reason := "read_error"
	defer func() {
		g.Close(conn.ID, reason)
		c.closeConn()
	}()

	controlHandler := c.controlHandler()
	rd := &wsutil.Reader{
		Source:          c.conn,
		State:           ws.StateServerSide,
		CheckUTF8:       true,
		SkipHeaderCheck: false,
		OnIntermediate:  controlHandler,
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if hdr.OpCode.IsControl() {
			if err := controlHandler(hdr, rd); err != nil {
				var closed wsutil.ClosedError
				if errors.As(err, &closed) {
					reason = "client_closed"
				}
				return
			}
			continue
		}

		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rd, maxFrameSize+1))
		if err != nil {
			return
		}
		if len(data) > maxFrameSize {
			reason = "frame_too_large"
			return
		}

		select {
		case <-ctx.Done():
			reason = "server_shutdown"
			return
		default:
		}

		g.HandleFrame(ctx, conn, data)
	}
}
