package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t3t-io/screenrelay/internal/v1/types"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockConn scripts the read side and records the write side.
type mockConn struct {
	mu       sync.Mutex
	inbound  [][]byte
	readIdx  int
	written  [][]byte
	closed   bool
	readErr  error
	writeErr error
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readIdx < len(m.inbound) {
		data := m.inbound[m.readIdx]
		m.readIdx++
		return websocket.TextMessage, data, nil
	}
	if m.readErr != nil {
		return 0, nil, m.readErr
	}
	return 0, nil, errors.New("connection closed")
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.written = append(m.written, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

func (m *mockConn) writtenFrames(t *testing.T) []types.Frame {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Frame
	for _, raw := range m.written {
		if len(raw) == 0 {
			continue // close frame payload
		}
		var f types.Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

// recordingRouter captures router callbacks.
type recordingRouter struct {
	mu            sync.Mutex
	frames        []types.Frame
	connects      int
	disconnects   int
	disconnectCh  chan struct{}
	disconnectOne sync.Once
}

func newRecordingRouter() *recordingRouter {
	return &recordingRouter{disconnectCh: make(chan struct{})}
}

func (r *recordingRouter) OnConnect(types.ClientInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
}

func (r *recordingRouter) OnDisconnect(types.ClientInterface) {
	r.mu.Lock()
	r.disconnects++
	r.mu.Unlock()
	r.disconnectOne.Do(func() { close(r.disconnectCh) })
}

func (r *recordingRouter) OnFrame(_ types.ClientInterface, f types.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recordingRouter) receivedFrames() []types.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Frame(nil), r.frames...)
}

func newTestClient(conn wsConnection, router types.FrameRouter) *Client {
	return &Client{
		conn:           conn,
		router:         router,
		sid:            "test-sid",
		classification: types.ClassificationMobile,
		remoteAddr:     "10.0.0.9:1111",
		send:           make(chan []byte, sendBufferSize),
	}
}

func TestReadPumpDeliversFramesAndDisconnects(t *testing.T) {
	router := newRecordingRouter()
	conn := &mockConn{inbound: [][]byte{
		[]byte(`{"event":"message","data":{"messageType":"info","value":"hi"}}`),
		[]byte(`not json`),     // dropped
		[]byte(`{"data":{}}`),  // no event name, dropped
		[]byte(`{"event":"join_room","data":{"room":"side"}}`),
	}}
	client := newTestClient(conn, router)

	client.readPump()

	got := router.receivedFrames()
	require.Len(t, got, 2)
	assert.Equal(t, "message", got[0].Event)
	assert.Equal(t, "join_room", got[1].Event)

	<-router.disconnectCh
	assert.True(t, func() bool { conn.mu.Lock(); defer conn.mu.Unlock(); return conn.closed }())
}

func TestWritePumpSendsQueuedFramesThenCloseFrame(t *testing.T) {
	conn := &mockConn{}
	client := newTestClient(conn, newRecordingRouter())

	client.SendFrame(types.Frame{Event: "server_started"})
	client.SendFrame(types.Frame{Event: "client_connected"})
	client.Disconnect()

	client.writePump()

	frames := conn.writtenFrames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, "server_started", frames[0].Event)
	assert.Equal(t, "client_connected", frames[1].Event)
}

func TestSendFrameAfterDisconnectIsDropped(t *testing.T) {
	client := newTestClient(&mockConn{}, newRecordingRouter())
	client.Disconnect()

	// Must not panic or block.
	client.SendFrame(types.Frame{Event: "server_started"})
}

func TestDisconnectIsIdempotent(t *testing.T) {
	client := newTestClient(&mockConn{}, newRecordingRouter())
	client.Disconnect()
	client.Disconnect()
}

func TestSendFrameDropsOnFullBuffer(t *testing.T) {
	client := newTestClient(&mockConn{}, newRecordingRouter())

	// No writePump draining; fill past capacity.
	for i := 0; i < sendBufferSize+10; i++ {
		client.SendFrame(types.Frame{Event: "client_connected"})
	}
	assert.Len(t, client.send, sendBufferSize)

	client.Disconnect()
}
