package types

import (
	"encoding/json"
	"errors"
	"time"
)

// --- Core Domain Types ---

// SidType represents the unique session identifier assigned to a peer when
// its WebSocket connection is accepted.
type SidType string

// RoomIdType represents a named set of peers used to scope broadcasts.
type RoomIdType string

// Classification describes what kind of peer is on the other end of a
// connection. It is decided once, at accept time.
type Classification string

// Classification constants. There is at most one internal peer registered
// at a time; everything that is not internal is treated as a consumer.
const (
	ClassificationInternal Classification = "internal"
	ClassificationMobile   Classification = "mobile"
	ClassificationUnknown  Classification = "unknown"
)

// SenderLocalBackend is the `from` label stamped on every server-originated
// message so peers can tell relay output from peer chatter.
const SenderLocalBackend = "localBackend"

// --- Message Types ---

// MessageType is the routing key carried in the `messageType` field of a
// message envelope. The known values form a closed set; anything else is
// preserved as-is and treated as opaque by the router.
type MessageType string

const (
	MessageInfo        MessageType = "info"
	MessageWarning     MessageType = "warning"
	MessageError       MessageType = "error"
	MessageTriggerOCR  MessageType = "trigger_ocr"
	MessageOCRResult   MessageType = "ocr_result"
	MessageClientCount MessageType = "client_count"
	MessagePerformOCR  MessageType = "perform_ocr_request"
	MessageOCRError    MessageType = "ocr_error"
)

// KnownMessageType reports whether t is one of the closed set of message
// types the relay itself understands. Unknown types are still rebroadcast;
// this exists so callers can tell a relay-handled type from an opaque one.
func KnownMessageType(t MessageType) bool {
	switch t {
	case MessageInfo, MessageWarning, MessageError, MessageTriggerOCR,
		MessageOCRResult, MessageClientCount, MessagePerformOCR, MessageOCRError:
		return true
	}
	return false
}

// --- Wire Channels ---

// Channel names for client-to-server frames. Server-to-room lifecycle
// events use the Event* constants below as their channel names.
const (
	ChannelMessage          = "message"
	ChannelRegisterInternal = "register_internal_client"
	ChannelJoinRoom         = "join_room"
	ChannelLeaveRoom        = "leave_room"
	ChannelOCRResult        = "ocr_result"
	ChannelOCRError         = "ocr_error"
	ChannelPerformOCR       = "perform_ocr_request"
)

// Event names emitted by the server to the room. This set is closed; the
// emitter is the only path by which these reach the wire.
const (
	EventServerStarted           = "server_started"
	EventClientConnected         = "client_connected"
	EventClientDisconnected      = "client_disconnected"
	EventClientJoinedRoom        = "client_joined_room"
	EventClientLeftRoom          = "client_left_room"
	EventUpdatedClientCount      = "updated_client_count"
	EventCapturedScreenshot      = "captured_screenshot"
	EventFailedScreenshotCapture = "failed_screenshot_capture"
	EventOCRProcessingStarted    = "ocr_processing_started"
	EventOCRProcessingCompleted  = "ocr_processing_completed"
	EventProcessedScreenshot     = "processed_screenshot"
)

// --- Wire Shapes ---

// Frame is the unit of transmission on the WebSocket: one named event plus
// its JSON payload. The generic `message` channel carries an Envelope as
// its data; every other channel carries a small typed payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data and wraps it with the given event name.
func NewFrame(event string, data any) (Frame, error) {
	if data == nil {
		return Frame{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}

// Envelope is the dictionary shape used on the generic `message` channel.
// Value may be a string or a nested object depending on the message type.
type Envelope struct {
	MessageType string `json:"messageType"`
	Value       any    `json:"value"`
	From        string `json:"from,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	// TargetSid is logging context only. Delivery is by transport room,
	// never by this field.
	TargetSid string `json:"target_sid,omitempty"`
}

// Validate checks the two fields the router requires before it will touch
// an inbound envelope. Everything else is passed through verbatim.
func (e *Envelope) Validate() error {
	if e.MessageType == "" {
		return errors.New("envelope missing messageType")
	}
	if e.Value == nil {
		return errors.New("envelope missing value")
	}
	return nil
}

// Stamp fills in the server-origination fields on an outbound envelope.
func (e *Envelope) Stamp(now time.Time) {
	if e.From == "" {
		e.From = SenderLocalBackend
	}
	if e.Timestamp == "" {
		e.Timestamp = now.UTC().Format(time.RFC3339)
	}
}

// --- Typed Channel Payloads ---

// RoomPayload is the body of join_room / leave_room frames.
type RoomPayload struct {
	Room string `json:"room"`
}

// PerformOCRPayload is the body of the targeted perform_ocr_request frame
// sent from the relay to the internal worker. The requester sid is the
// correlation key; the worker echoes it back untouched.
type PerformOCRPayload struct {
	RequesterSid SidType `json:"requester_sid"`
}

// OCRResultPayload is the internal worker's success reply.
type OCRResultPayload struct {
	RequesterSid SidType `json:"requester_sid"`
	Text         string  `json:"text"`
}

// OCRErrorPayload is the internal worker's failure reply.
type OCRErrorPayload struct {
	RequesterSid SidType `json:"requester_sid"`
	Error        string  `json:"error"`
}

// ClientCountValue is the value of the periodic client_count message.
type ClientCountValue struct {
	Count int `json:"count"`
}

// --- Shared Interfaces ---

// ClientInterface defines the behavior the relay needs from a connected
// peer. It is implemented by transport.Client; tests substitute mocks.
// SendFrame must never block the caller: implementations queue and drop
// on overflow rather than stall the router.
type ClientInterface interface {
	GetSid() SidType
	GetClassification() Classification
	RemoteAddr() string
	SendFrame(f Frame)
	Disconnect()
}

// FrameRouter is the surface the transport hands inbound traffic to.
// OnConnect/OnDisconnect bracket the peer lifecycle; OnFrame is the hot
// path and must not block the connection's read loop.
type FrameRouter interface {
	OnConnect(client ClientInterface)
	OnDisconnect(client ClientInterface)
	OnFrame(client ClientInterface, f Frame)
}
