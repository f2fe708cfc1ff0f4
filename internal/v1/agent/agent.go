// Package agent connects the workstation worker to the relay. It dials
// the relay's WebSocket endpoint as the internal peer, registers itself,
// and answers targeted OCR requests with the worker's results. The
// connection reconnects forever with capped exponential backoff, so the
// relay and the agent can start in any order.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/t3t-io/screenrelay/internal/v1/logging"
	"github.com/t3t-io/screenrelay/internal/v1/types"
	"github.com/t3t-io/screenrelay/internal/v1/worker"
	"go.uber.org/zap"
)

// userAgent carries the signature the relay classifies as internal. The
// client_type query parameter added in dial is the primary signal; the
// user agent is the fallback.
const userAgent = "t3t-agent/1.0"

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second

	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// OCRServer is the slice of the worker the agent needs.
type OCRServer interface {
	ServeOCR(ctx context.Context) (string, error)
}

// Agent maintains the relay connection and serves OCR requests over it.
type Agent struct {
	relayURL string
	server   OCRServer
}

// New creates an Agent that dials relayURL and answers with results from
// server.
func New(relayURL string, server OCRServer) *Agent {
	return &Agent{relayURL: relayURL, server: server}
}

// Run connects to the relay and serves requests until ctx is cancelled,
// reconnecting on any connection failure.
func (a *Agent) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := a.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logging.Warn(ctx, "relay connection lost, reconnecting",
			zap.Duration("backoff", backoff), zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session runs one connect-register-serve cycle and returns when the
// connection dies.
func (a *Agent) session(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	logging.Info(ctx, "connected to relay", zap.String("url", a.relayURL))

	if err := writeFrame(conn, types.Frame{Event: types.ChannelRegisterInternal}); err != nil {
		return err
	}

	// Close the connection when ctx ends so the blocked ReadMessage
	// below returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame types.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logging.Warn(ctx, "dropping malformed frame from relay", zap.Error(err))
			continue
		}

		if frame.Event != types.ChannelPerformOCR {
			// Room traffic (events, heartbeats) arrives here too; the
			// agent only acts on OCR requests.
			logging.Debug(ctx, "ignoring frame", zap.String("event", frame.Event))
			continue
		}

		var req types.PerformOCRPayload
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			logging.Warn(ctx, "dropping malformed ocr request", zap.Error(err))
			continue
		}
		if err := a.serveRequest(ctx, conn, req.RequesterSid); err != nil {
			return err
		}
	}
}

// serveRequest runs one OCR round and writes the reply frame. The
// requester sid is echoed back verbatim; the relay correlates on it.
func (a *Agent) serveRequest(ctx context.Context, conn *websocket.Conn, requester types.SidType) error {
	rctx := logging.WithRequester(ctx, string(requester))
	logging.Info(rctx, "serving ocr request")

	text, err := a.server.ServeOCR(rctx)
	if err != nil {
		logging.Warn(rctx, "ocr request failed", zap.Error(err))
		reply, ferr := types.NewFrame(types.ChannelOCRError, types.OCRErrorPayload{
			RequesterSid: requester,
			Error:        errorMessage(err),
		})
		if ferr != nil {
			return ferr
		}
		return writeFrame(conn, reply)
	}

	logging.Info(rctx, "ocr request served", zap.Int("text_len", len(text)))
	reply, ferr := types.NewFrame(types.ChannelOCRResult, types.OCRResultPayload{
		RequesterSid: requester,
		Text:         text,
	})
	if ferr != nil {
		return ferr
	}
	return writeFrame(conn, reply)
}

// errorMessage keeps the stable sentinel strings intact on the wire and
// collapses everything else to its plain message.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, worker.ErrNoScreenshot):
		return worker.ErrNoScreenshot.Error()
	case errors.Is(err, worker.ErrNoText):
		return worker.ErrNoText.Error()
	}
	return err.Error()
}

// dial opens the WebSocket with the internal classification signals set.
func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(a.relayURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("client_type", "internal")
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{"User-Agent": []string{userAgent}}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func writeFrame(conn *websocket.Conn, f types.Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, raw)
}
