package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t3t-io/screenrelay/internal/v1/types"
)

func TestOnConnectRegistersJoinsAndAnnounces(t *testing.T) {
	rt, reg := newTestRouter(Options{})
	c := newMockClient("mobile-1", types.ClassificationMobile)

	rt.OnConnect(c)

	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, []types.SidType{"mobile-1"}, reg.MemberSids("t3t"))

	// The peer itself is in the room, so it sees its own announcements.
	require.Len(t, c.framesByEvent(types.EventClientConnected), 1)
	require.Len(t, c.framesByEvent(types.EventClientJoinedRoom), 1)

	var body ConnectionEventBody
	decodeData(t, c.framesByEvent(types.EventClientConnected)[0], &body)
	assert.Equal(t, types.SidType("mobile-1"), body.Sid)
	assert.Equal(t, types.ClassificationMobile, body.Classification)

	// Welcome message is stamped as coming from the relay.
	welcomes := c.envelopesByType(t, string(types.MessageInfo))
	require.Len(t, welcomes, 1)
	assert.Equal(t, types.SenderLocalBackend, welcomes[0].From)
	assert.NotEmpty(t, welcomes[0].Timestamp)
	assert.Equal(t, "mobile-1", welcomes[0].TargetSid)
}

func TestOnConnectInternalClaimsSlot(t *testing.T) {
	rt, reg := newTestRouter(Options{})
	w := newMockClient("worker-1", types.ClassificationInternal)

	rt.OnConnect(w)

	sid, ok := reg.InternalSid()
	assert.True(t, ok)
	assert.Equal(t, types.SidType("worker-1"), sid)
}

func TestOnDisconnectAnnouncesAndCounts(t *testing.T) {
	rt, reg := newTestRouter(Options{})
	a := newMockClient("mobile-a", types.ClassificationMobile)
	b := newMockClient("mobile-b", types.ClassificationMobile)
	rt.OnConnect(a)
	rt.OnConnect(b)
	b.clearFrames()

	rt.OnDisconnect(a)

	assert.Equal(t, 1, reg.Len())
	require.Len(t, b.framesByEvent(types.EventClientDisconnected), 1)

	counts := b.framesByEvent(types.EventUpdatedClientCount)
	require.Len(t, counts, 1)
	var body CountEventBody
	decodeData(t, counts[0], &body)
	assert.Equal(t, 1, body.Count)
}

func TestUpdatedClientCountExcludesInternal(t *testing.T) {
	rt, _ := newTestRouter(Options{})
	w := newMockClient("worker", types.ClassificationInternal)
	m := newMockClient("mobile", types.ClassificationMobile)
	gone := newMockClient("mobile-2", types.ClassificationMobile)
	rt.OnConnect(w)
	rt.OnConnect(m)
	rt.OnConnect(gone)
	m.clearFrames()

	rt.OnDisconnect(gone)

	counts := m.framesByEvent(types.EventUpdatedClientCount)
	require.Len(t, counts, 1)
	var body CountEventBody
	decodeData(t, counts[0], &body)
	// Worker is connected but not counted.
	assert.Equal(t, 1, body.Count)
}

func TestRegisterInternalChannelRejectsNonInternal(t *testing.T) {
	rt, reg := newTestRouter(Options{})
	m := newMockClient("mobile", types.ClassificationMobile)
	rt.OnConnect(m)

	rt.OnFrame(m, types.Frame{Event: types.ChannelRegisterInternal})

	_, ok := reg.InternalSid()
	assert.False(t, ok)
}

func TestRegisterInternalChannelDisplacesEarlierWorker(t *testing.T) {
	rt, reg := newTestRouter(Options{})
	w1 := newMockClient("worker-1", types.ClassificationInternal)
	w2 := newMockClient("worker-2", types.ClassificationInternal)
	rt.OnConnect(w1)
	rt.OnConnect(w2)

	rt.OnFrame(w2, types.Frame{Event: types.ChannelRegisterInternal})

	sid, ok := reg.InternalSid()
	assert.True(t, ok)
	assert.Equal(t, types.SidType("worker-2"), sid)
}

func TestJoinAndLeaveRoomFrames(t *testing.T) {
	rt, reg := newTestRouter(Options{})
	c := newMockClient("mobile", types.ClassificationMobile)
	rt.OnConnect(c)

	rt.OnFrame(c, rawFrame(t, types.ChannelJoinRoom, types.RoomPayload{Room: "side"}))
	assert.Equal(t, []types.SidType{"mobile"}, reg.MemberSids("side"))

	rt.OnFrame(c, rawFrame(t, types.ChannelLeaveRoom, types.RoomPayload{Room: "side"}))
	assert.Empty(t, reg.MemberSids("side"))

	// Default room membership is untouched.
	assert.Equal(t, []types.SidType{"mobile"}, reg.MemberSids("t3t"))
}

func TestMalformedRoomFrameIsDropped(t *testing.T) {
	rt, reg := newTestRouter(Options{})
	c := newMockClient("mobile", types.ClassificationMobile)
	rt.OnConnect(c)

	rt.OnFrame(c, types.Frame{Event: types.ChannelJoinRoom, Data: []byte(`{"room":""}`)})
	rt.OnFrame(c, types.Frame{Event: types.ChannelJoinRoom, Data: []byte(`not json`)})

	assert.Equal(t, []types.SidType{"mobile"}, reg.MemberSids("t3t"))
}

func TestMessageRebroadcastExcludesSender(t *testing.T) {
	rt, _ := newTestRouter(Options{})
	sender := newMockClient("mobile-1", types.ClassificationMobile)
	other := newMockClient("mobile-2", types.ClassificationMobile)
	rt.OnConnect(sender)
	rt.OnConnect(other)
	sender.clearFrames()
	other.clearFrames()

	env := types.Envelope{MessageType: "chat", Value: "hello"}
	rt.OnFrame(sender, rawFrame(t, types.ChannelMessage, env))

	// Unknown message types are preserved verbatim.
	got := other.envelopesByType(t, "chat")
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Value)

	assert.Empty(t, sender.envelopesByType(t, "chat"))
}

func TestMessageRebroadcastKeepsUnmodeledFields(t *testing.T) {
	rt, _ := newTestRouter(Options{})
	sender := newMockClient("mobile-1", types.ClassificationMobile)
	other := newMockClient("mobile-2", types.ClassificationMobile)
	rt.OnConnect(sender)
	rt.OnConnect(other)
	other.clearFrames()

	// A peer may include fields the relay has no struct for; they must
	// come out the other side byte-for-byte.
	raw := []byte(`{"messageType":"info","value":"hi","from":"a","seq":42}`)
	rt.OnFrame(sender, types.Frame{Event: types.ChannelMessage, Data: raw})

	frames := other.framesByEvent(types.ChannelMessage)
	require.Len(t, frames, 1)
	assert.JSONEq(t, string(raw), string(frames[0].Data))

	var decoded map[string]any
	decodeData(t, frames[0], &decoded)
	assert.Equal(t, float64(42), decoded["seq"])
}

func TestMalformedEnvelopeIsDroppedNotRebroadcast(t *testing.T) {
	rt, _ := newTestRouter(Options{})
	sender := newMockClient("mobile-1", types.ClassificationMobile)
	other := newMockClient("mobile-2", types.ClassificationMobile)
	rt.OnConnect(sender)
	rt.OnConnect(other)
	other.clearFrames()

	// Missing value.
	rt.OnFrame(sender, types.Frame{Event: types.ChannelMessage, Data: []byte(`{"messageType":"chat"}`)})
	// Missing messageType.
	rt.OnFrame(sender, types.Frame{Event: types.ChannelMessage, Data: []byte(`{"value":"x"}`)})
	// Not JSON at all.
	rt.OnFrame(sender, types.Frame{Event: types.ChannelMessage, Data: []byte(`garbage`)})

	assert.Empty(t, other.eventOrder())
}

func TestUnknownChannelIsIgnored(t *testing.T) {
	rt, _ := newTestRouter(Options{})
	c := newMockClient("mobile", types.ClassificationMobile)
	rt.OnConnect(c)
	c.clearFrames()

	rt.OnFrame(c, types.Frame{Event: "mystery_channel", Data: []byte(`{}`)})

	assert.Empty(t, c.eventOrder())
}

func TestShutdownDisconnectsAllPeers(t *testing.T) {
	rt, reg := newTestRouter(Options{})
	a := newMockClient("mobile-a", types.ClassificationMobile)
	b := newMockClient("mobile-b", types.ClassificationMobile)
	rt.OnConnect(a)
	rt.OnConnect(b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rt.Shutdown(ctx)

	assert.True(t, a.isDisconnected())
	assert.True(t, b.isDisconnected())
	// Registry cleanup happens via the transport's OnDisconnect callback,
	// which mocks don't run; only disconnection is asserted here.
	assert.Equal(t, 2, reg.Len())
}
