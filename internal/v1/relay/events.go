// Package relay implements the room-scoped event bus at the heart of the
// server: the message router, the OCR request correlator, the lifecycle
// event emitter, and the periodic client-count broadcaster.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/t3t-io/screenrelay/internal/v1/logging"
	"github.com/t3t-io/screenrelay/internal/v1/metrics"
	"github.com/t3t-io/screenrelay/internal/v1/registry"
	"github.com/t3t-io/screenrelay/internal/v1/types"
	"go.uber.org/zap"
)

// emittableEvents is the closed set of lifecycle event names. The emitter
// refuses anything outside it, so a typo in a handler can never mint a new
// wire event.
var emittableEvents = map[string]struct{}{
	types.EventServerStarted:           {},
	types.EventClientConnected:         {},
	types.EventClientDisconnected:      {},
	types.EventClientJoinedRoom:        {},
	types.EventClientLeftRoom:          {},
	types.EventUpdatedClientCount:      {},
	types.EventCapturedScreenshot:      {},
	types.EventFailedScreenshotCapture: {},
	types.EventOCRProcessingStarted:    {},
	types.EventOCRProcessingCompleted:  {},
	types.EventProcessedScreenshot:     {},
}

// --- Event Bodies ---

// ConnectionEventBody is the payload of client_connected / client_disconnected.
type ConnectionEventBody struct {
	Sid            types.SidType        `json:"sid"`
	Classification types.Classification `json:"classification"`
}

// RoomEventBody is the payload of client_joined_room / client_left_room.
type RoomEventBody struct {
	Sid  types.SidType `json:"sid"`
	Room string        `json:"room"`
}

// CountEventBody is the payload of updated_client_count.
type CountEventBody struct {
	Count int `json:"count"`
}

// OCRStartedBody is the payload of ocr_processing_started.
type OCRStartedBody struct {
	RequesterSid types.SidType `json:"requester_sid"`
}

// OCRCompletedBody is the payload of ocr_processing_completed.
type OCRCompletedBody struct {
	RequesterSid types.SidType `json:"requester_sid"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
}

// ScreenshotBody is the payload of processed_screenshot and the capture
// phase events.
type ScreenshotBody struct {
	Success     bool   `json:"success"`
	TextPreview string `json:"text_preview,omitempty"`
	Path        string `json:"path,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ServerStartedBody is the payload of server_started.
type ServerStartedBody struct {
	Room string `json:"room"`
	Addr string `json:"addr"`
}

// Emitter formats and broadcasts lifecycle events to the default room.
// It is the only path by which events reach the wire; events are
// fire-and-forget and never acknowledged.
type Emitter struct {
	registry *registry.Registry
	room     types.RoomIdType
}

// NewEmitter creates an emitter bound to the default room.
func NewEmitter(reg *registry.Registry, room types.RoomIdType) *Emitter {
	return &Emitter{registry: reg, room: room}
}

// Emit broadcasts a lifecycle event to every peer in the room. Event names
// outside the closed set are a programming error and are logged, not sent.
func (e *Emitter) Emit(ctx context.Context, event string, body any) {
	if _, ok := emittableEvents[event]; !ok {
		logging.Error(ctx, "refusing to emit unknown event", zap.String("event", event))
		return
	}

	frame, err := types.NewFrame(event, body)
	if err != nil {
		logging.Error(ctx, "failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}

	for _, client := range e.registry.Members(e.room) {
		client.SendFrame(frame)
	}
	metrics.EventsEmitted.WithLabelValues(event).Inc()
}

// SendMessage stamps and delivers a server-originated envelope to every
// peer in the room.
func (e *Emitter) SendMessage(ctx context.Context, env types.Envelope) {
	env.Stamp(time.Now())
	e.broadcast(ctx, env)
}

// Rebroadcast forwards a peer's envelope bytes to every room member
// except the sender. The payload is never decoded and re-encoded here,
// so fields the relay does not model survive the trip untouched.
func (e *Emitter) Rebroadcast(ctx context.Context, data json.RawMessage, sender types.SidType) {
	frame := types.Frame{Event: types.ChannelMessage, Data: data}
	for _, client := range e.registry.Members(e.room) {
		if sender != "" && client.GetSid() == sender {
			continue
		}
		client.SendFrame(frame)
	}
}

// SendTo delivers a targeted frame to a single peer, bypassing the room.
func (e *Emitter) SendTo(ctx context.Context, client types.ClientInterface, event string, body any) {
	frame, err := types.NewFrame(event, body)
	if err != nil {
		logging.Error(ctx, "failed to encode targeted frame", zap.String("event", event), zap.Error(err))
		return
	}
	client.SendFrame(frame)
}

func (e *Emitter) broadcast(ctx context.Context, env types.Envelope) {
	frame, err := types.NewFrame(types.ChannelMessage, env)
	if err != nil {
		logging.Error(ctx, "failed to encode message envelope", zap.Error(err))
		return
	}

	for _, client := range e.registry.Members(e.room) {
		client.SendFrame(frame)
	}
}
