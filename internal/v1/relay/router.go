package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/t3t-io/screenrelay/internal/v1/logging"
	"github.com/t3t-io/screenrelay/internal/v1/metrics"
	"github.com/t3t-io/screenrelay/internal/v1/registry"
	"github.com/t3t-io/screenrelay/internal/v1/types"
	"go.uber.org/zap"
)

// Router classifies inbound frames and dispatches them to typed handlers.
// It implements types.FrameRouter; the transport calls it from each
// connection's read loop, so every handler either completes in constant
// time (registry mutation, queued emission) or hands work to a background
// task. Nothing here blocks on the network.
type Router struct {
	registry   *registry.Registry
	emitter    *Emitter
	correlator *Correlator
	room       types.RoomIdType
}

// Options configures a Router.
type Options struct {
	// Room is the default room every peer auto-joins on connect.
	Room types.RoomIdType

	// OCRTimeout is the optional per-request deadline after which the
	// correlator synthesizes a failed completion. Zero disables it.
	OCRTimeout time.Duration
}

// NewRouter wires the router, emitter, and correlator around a registry.
func NewRouter(reg *registry.Registry, opts Options) *Router {
	emitter := NewEmitter(reg, opts.Room)
	return &Router{
		registry:   reg,
		emitter:    emitter,
		correlator: NewCorrelator(reg, emitter, opts.OCRTimeout),
		room:       opts.Room,
	}
}

// Emitter exposes the router's event emitter for the heartbeat broadcaster
// and the server-started announcement.
func (rt *Router) Emitter() *Emitter { return rt.emitter }

// Room returns the default room name.
func (rt *Router) Room() types.RoomIdType { return rt.room }

// OnConnect registers an accepted peer, auto-joins it to the default room,
// announces it, and sends the welcome message. Internal peers additionally
// claim the internal slot.
func (rt *Router) OnConnect(client types.ClientInterface) {
	sid := client.GetSid()
	ctx := logging.WithSid(context.Background(), string(sid))

	if _, err := rt.registry.Register(client); err != nil {
		logging.Error(ctx, "rejecting connection", zap.Error(err))
		client.Disconnect()
		return
	}
	if err := rt.registry.Join(sid, rt.room); err != nil {
		logging.Error(ctx, "failed to join default room", zap.Error(err))
	}

	logging.Info(ctx, "client connected",
		zap.String("classification", string(client.GetClassification())),
		zap.String("addr", client.RemoteAddr()),
	)

	rt.emitter.Emit(ctx, types.EventClientConnected, ConnectionEventBody{
		Sid:            sid,
		Classification: client.GetClassification(),
	})
	rt.emitter.Emit(ctx, types.EventClientJoinedRoom, RoomEventBody{
		Sid:  sid,
		Room: string(rt.room),
	})

	// Welcome message. target_sid is context only; delivery is to the room.
	rt.emitter.SendMessage(ctx, types.Envelope{
		MessageType: string(types.MessageInfo),
		Value:       fmt.Sprintf("connected to relay, room %q", rt.room),
		TargetSid:   string(sid),
	})

	if client.GetClassification() == types.ClassificationInternal {
		rt.registerInternal(ctx, client)
	}
}

// OnDisconnect deregisters a departed peer and announces the departure. If
// the peer held the internal slot the slot is cleared with a warning.
func (rt *Router) OnDisconnect(client types.ClientInterface) {
	sid := client.GetSid()
	ctx := logging.WithSid(context.Background(), string(sid))

	info, heldInternal, found := rt.registry.Deregister(sid)
	if !found {
		return
	}
	if heldInternal {
		logging.Warn(ctx, "internal worker disconnected, OCR unavailable until it returns")
	}

	logging.Info(ctx, "client disconnected",
		zap.String("classification", string(info.Classification)),
	)

	rt.emitter.Emit(ctx, types.EventClientDisconnected, ConnectionEventBody{
		Sid:            sid,
		Classification: info.Classification,
	})
	rt.emitter.Emit(ctx, types.EventUpdatedClientCount, CountEventBody{
		Count: rt.clientCount(),
	})
}

// OnFrame is the hot path: one inbound frame from one peer.
func (rt *Router) OnFrame(client types.ClientInterface, f types.Frame) {
	sid := client.GetSid()
	ctx := logging.WithSid(context.Background(), string(sid))

	switch f.Event {
	case types.ChannelMessage:
		rt.onMessage(ctx, client, f.Data)

	case types.ChannelRegisterInternal:
		if client.GetClassification() != types.ClassificationInternal {
			logging.Warn(ctx, "non-internal peer attempted internal registration")
			return
		}
		rt.registerInternal(ctx, client)

	case types.ChannelJoinRoom:
		rt.onRoomChange(ctx, client, f.Data, true)

	case types.ChannelLeaveRoom:
		rt.onRoomChange(ctx, client, f.Data, false)

	case types.ChannelOCRResult:
		var payload types.OCRResultPayload
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			logging.Warn(ctx, "dropping malformed ocr_result", zap.Error(err))
			return
		}
		rt.correlator.HandleResult(ctx, payload)

	case types.ChannelOCRError:
		var payload types.OCRErrorPayload
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			logging.Warn(ctx, "dropping malformed ocr_error", zap.Error(err))
			return
		}
		rt.correlator.HandleError(ctx, payload)

	default:
		logging.Debug(ctx, "ignoring unknown event", zap.String("event", f.Event))
	}
}

// onMessage handles the generic message channel: trigger_ocr is handed to
// the correlator; everything else is rebroadcast to the room minus the
// sender. The decode is validation only; the original bytes are what get
// forwarded, so extra fields a peer included are preserved. Malformed
// envelopes are dropped with a warning.
func (rt *Router) onMessage(ctx context.Context, client types.ClientInterface, data json.RawMessage) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Warn(ctx, "dropping undecodable message envelope", zap.Error(err))
		metrics.MessagesRouted.WithLabelValues("invalid", "dropped").Inc()
		return
	}
	if err := env.Validate(); err != nil {
		logging.Warn(ctx, "dropping malformed message envelope", zap.Error(err))
		metrics.MessagesRouted.WithLabelValues(env.MessageType, "dropped").Inc()
		return
	}

	if types.MessageType(env.MessageType) == types.MessageTriggerOCR {
		rt.correlator.Trigger(ctx, client.GetSid())
		metrics.MessagesRouted.WithLabelValues(env.MessageType, "handled").Inc()
		return
	}

	rt.emitter.Rebroadcast(ctx, data, client.GetSid())
	metrics.MessagesRouted.WithLabelValues(env.MessageType, "rebroadcast").Inc()
}

// onRoomChange handles join_room / leave_room.
func (rt *Router) onRoomChange(ctx context.Context, client types.ClientInterface, data json.RawMessage, join bool) {
	var payload types.RoomPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Room == "" {
		logging.Warn(ctx, "dropping malformed room frame", zap.Error(err))
		return
	}

	sid := client.GetSid()
	room := types.RoomIdType(payload.Room)
	ctx = logging.WithRoom(ctx, payload.Room)

	if join {
		if err := rt.registry.Join(sid, room); err != nil {
			logging.Warn(ctx, "join_room failed", zap.Error(err))
			return
		}
		logging.Info(ctx, "client joined room")
		rt.emitter.Emit(ctx, types.EventClientJoinedRoom, RoomEventBody{Sid: sid, Room: payload.Room})
		return
	}

	if err := rt.registry.Leave(sid, room); err != nil {
		logging.Warn(ctx, "leave_room failed", zap.Error(err))
		return
	}
	logging.Info(ctx, "client left room")
	rt.emitter.Emit(ctx, types.EventClientLeftRoom, RoomEventBody{Sid: sid, Room: payload.Room})
}

// registerInternal claims the internal slot for the peer, displacing any
// earlier holder with a warning.
func (rt *Router) registerInternal(ctx context.Context, client types.ClientInterface) {
	displaced, err := rt.registry.SetInternal(client.GetSid())
	if err != nil {
		logging.Error(ctx, "internal registration failed", zap.Error(err))
		return
	}
	if displaced != "" {
		logging.Warn(ctx, "internal slot taken over",
			zap.String("displaced_sid", string(displaced)),
		)
	}
	logging.Info(ctx, "internal worker registered")
}

// clientCount counts peers that are not the internal worker.
func (rt *Router) clientCount() int {
	return rt.registry.CountWhere(func(p registry.PeerInfo) bool {
		return p.Classification != types.ClassificationInternal
	})
}

// Shutdown disconnects every peer and waits, bounded by ctx, for in-flight
// OCR requests to settle.
func (rt *Router) Shutdown(ctx context.Context) {
	logging.Info(ctx, "router shutting down", zap.Int("peers", rt.registry.Len()))

	if err := rt.correlator.Drain(ctx); err != nil {
		logging.Warn(ctx, "abandoning in-flight OCR requests", zap.Error(err))
	}

	for _, p := range rt.registry.Peers() {
		p.Client.Disconnect()
	}
}
