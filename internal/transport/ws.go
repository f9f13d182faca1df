package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Polqt/bearshare/internal/proto"
)

// The WebSocket is the outer carrier for the secure channel: handshake
// and record frames only need a transport that preserves message
// boundaries, and gorilla's ReadMessage/WriteMessage gives exactly that.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The demo client is served from a different origin during local
	// development; the room itself is access-controlled by its
	// password, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrameIO adapts a *websocket.Conn to the frameIO interface the
// handshake code depends on.
type wsFrameIO struct {
	conn *websocket.Conn
}

func (w *wsFrameIO) WriteBinary(b []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (w *wsFrameIO) ReadBinary() ([]byte, error) {
	kind, b, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("transport: expected binary frame, got message type %d", kind)
	}
	return b, nil
}

// Conn is one established secure channel over a WebSocket: the
// handshake has already completed and every SendFrame/RecvFrame call
// encrypts or decrypts one application-layer JSON record.
type Conn struct {
	ws     *websocket.Conn
	remote string

	// Each half carries its own sequence counter, so each gets its own
	// exclusive lock: the read loop and the outbound pump goroutine may
	// both send on the same Conn (direct replies vs. broadcasts), and
	// gorilla's Conn additionally forbids concurrent writers.
	writeMu sync.Mutex
	write   *SecureWrite
	readMu  sync.Mutex
	read    *SecureRead
}

// AcceptConn upgrades r to a WebSocket and runs the server side of the
// secure channel handshake.
func AcceptConn(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket upgrade: %w", err)
	}
	carrier := &wsFrameIO{conn: ws}
	sw, sr, err := ServerHandshake(carrier)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("transport: server handshake: %w", err)
	}
	return &Conn{ws: ws, write: sw, read: sr, remote: ws.RemoteAddr().String()}, nil
}

// DialConn connects to a bearshare server at url and runs the client
// side of the secure channel handshake.
func DialConn(url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial: %w", err)
	}
	carrier := &wsFrameIO{conn: ws}
	sw, sr, err := ClientHandshake(carrier)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("transport: client handshake: %w", err)
	}
	return &Conn{ws: ws, write: sw, read: sr, remote: ws.RemoteAddr().String()}, nil
}

// SendFrame JSON-encodes v and sends it as one encrypted application record.
func (c *Conn) SendFrame(v any) error {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	frame, err := c.write.Encrypt(plaintext)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// RecvFrame reads the next encrypted record and decodes it into v.
func (c *Conn) RecvFrame(v any) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	kind, frame, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	if kind != websocket.BinaryMessage {
		return fmt.Errorf("transport: expected binary record, got message type %d", kind)
	}
	plaintext, err := c.read.Decrypt(frame)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("transport: unmarshal message: %w", err)
	}
	return nil
}

// SendServerMessage is the server-side send direction.
func (c *Conn) SendServerMessage(msg proto.ServerMessage) error { return c.SendFrame(msg) }

// RecvClientMessage is the server-side receive direction.
func (c *Conn) RecvClientMessage() (proto.ClientMessage, error) {
	var msg proto.ClientMessage
	err := c.RecvFrame(&msg)
	return msg, err
}

// SendClientMessage is the client-side send direction.
func (c *Conn) SendClientMessage(msg proto.ClientMessage) error { return c.SendFrame(msg) }

// RecvServerMessage is the client-side receive direction.
func (c *Conn) RecvServerMessage() (proto.ServerMessage, error) {
	var msg proto.ServerMessage
	err := c.RecvFrame(&msg)
	return msg, err
}

// RemoteAddr returns the peer's address, for logging.
func (c *Conn) RemoteAddr() string { return c.remote }

// Close closes the underlying WebSocket connection.
func (c *Conn) Close() error { return c.ws.Close() }

// PumpOutbound drains queue and sends every message to c until the queue
// is closed or a send fails, logging send failures at warn level and
// returning so the caller can tear the connection down.
func PumpOutbound(c *Conn, queue *proto.OutboundQueue) {
	for {
		msg, ok := queue.Pop()
		if !ok {
			return
		}
		if err := c.SendServerMessage(msg); err != nil {
			slog.Warn("transport: send failed, closing connection", "remote", c.RemoteAddr(), "err", err)
			return
		}
	}
}
