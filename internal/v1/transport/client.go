package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/t3t-io/screenrelay/internal/v1/logging"
	"github.com/t3t-io/screenrelay/internal/v1/metrics"
	"github.com/t3t-io/screenrelay/internal/v1/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
}

// Client represents a single peer's connection to the relay. It implements
// types.ClientInterface. Frames are JSON text messages; the buffered send
// channel preserves per-connection ordering, so a rebroadcast reaches each
// recipient in the order the router queued it.
type Client struct {
	conn           wsConnection
	router         types.FrameRouter
	sid            types.SidType
	classification types.Classification
	remoteAddr     string

	mu     sync.RWMutex // Protects closed
	closed bool

	send chan []byte // Buffered channel of marshaled outbound frames
}

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
)

// GetSid returns the session identifier minted at accept time.
func (c *Client) GetSid() types.SidType {
	return c.sid
}

// GetClassification returns the accept-time classification.
func (c *Client) GetClassification() types.Classification {
	return c.classification
}

// RemoteAddr returns the peer's remote address.
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Disconnect closes the send channel, which drives the writePump to flush
// buffers, send a close frame, and drop the connection. Safe to call more
// than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.send)
}

// readPump continuously decodes inbound frames and hands them to the
// router. It owns the disconnect path: when the read side fails for any
// reason, the peer is deregistered and the connection torn down.
func (c *Client) readPump() {
	defer func() {
		c.router.OnDisconnect(c)
		c.Disconnect()
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "failed to decode frame",
				zap.String("sid", string(c.sid)), zap.Error(err))
			continue
		}
		if frame.Event == "" {
			logging.Warn(context.Background(), "dropping frame without event name",
				zap.String("sid", string(c.sid)))
			continue
		}

		c.router.OnFrame(c, frame)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing frame",
				zap.String("sid", string(c.sid)), zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// SendFrame satisfies types.ClientInterface. It never blocks: the frame is
// queued, and dropped with a warning if the peer cannot keep up.
func (c *Client) SendFrame(f types.Frame) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("skipping send to closed client", zap.String("sid", string(c.sid)))
		return
	}
	c.mu.RUnlock()

	data, err := json.Marshal(f)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal frame", zap.Error(err))
		return
	}

	// The channel can be closed between the flag check and the send.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "recovered from send to closing client",
				zap.String("sid", string(c.sid)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "client send channel full, dropping frame",
			zap.String("sid", string(c.sid)), zap.String("event", f.Event))
	}
}
