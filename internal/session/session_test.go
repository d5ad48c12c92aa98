package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safierinx-a/led-grid-server/internal/buffer"
	"github.com/safierinx-a/led-grid-server/internal/bus"
	"github.com/safierinx-a/led-grid-server/internal/codec"
	"github.com/safierinx-a/led-grid-server/internal/controllers"
	"github.com/safierinx-a/led-grid-server/internal/frame"
	"github.com/safierinx-a/led-grid-server/internal/producer"
)

type testRig struct {
	bus *bus.Bus
	buf *buffer.Buffer
	srv *Server
}

func startRig(t *testing.T, opts ...ServerOption) *testRig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := bus.New()
	buf := buffer.New(buffer.Config{})
	go buf.Run(ctx)
	iface := controllers.New(b, buf, nil)
	go iface.Run(ctx)
	srv := NewServer(append([]ServerOption{
		WithListenAddr("127.0.0.1:0"),
		WithBus(b),
		WithBuffer(buf),
		WithHeartbeatTimeout(5 * time.Second),
	}, opts...)...)
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	})
	return &testRig{bus: b, buf: buf, srv: srv}
}

func dial(t *testing.T, rig *testRig, subprotocols ...string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: subprotocols, HandshakeTimeout: 2 * time.Second}
	conn, _, err := d.Dial("ws://"+rig.srv.Addr()+"/controller/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env := Envelope{Event: event, Payload: raw}
	out, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, out))
}

// readEnvelope returns the next text envelope, skipping nothing. A binary
// message fails the test.
func readEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func join(t *testing.T, conn *websocket.Conn, id string) string {
	t.Helper()
	sendEvent(t, conn, EvtJoin, map[string]any{"controller_id": id})
	env := readEnvelope(t, conn, 2*time.Second)
	require.Equal(t, EvtReply, env.Event)
	var rep map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &rep))
	require.Equal(t, "joined", rep["status"])
	return rep["controller_id"].(string)
}

func TestSession_JoinReply(t *testing.T) {
	rig := startRig(t)
	conn := dial(t, rig)
	got := join(t, conn, "c1")
	assert.Equal(t, "c1", got)
}

func TestSession_JoinAssignsID(t *testing.T) {
	rig := startRig(t)
	conn := dial(t, rig)
	got := join(t, conn, "")
	assert.NotEmpty(t, got)
}

func TestSession_PingPong(t *testing.T) {
	rig := startRig(t)
	conn := dial(t, rig)
	join(t, conn, "c1")
	sendEvent(t, conn, EvtPing, map[string]any{})
	env := readEnvelope(t, conn, 2*time.Second)
	require.Equal(t, EvtReply, env.Event)
	var rep map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &rep))
	assert.Equal(t, "pong", rep["status"])
}

func TestSession_EventBeforeJoinRejected(t *testing.T) {
	rig := startRig(t)
	conn := dial(t, rig)
	sendEvent(t, conn, EvtPing, map[string]any{})
	env := readEnvelope(t, conn, 2*time.Second)
	require.Equal(t, EvtReply, env.Event)
	var rep map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &rep))
	assert.Equal(t, "error", rep["status"])
}

// Join-and-prime: a joined controller starts receiving frames within 1.5s
// without issuing a pull request itself.
func TestSession_JoinPrimesDelivery(t *testing.T) {
	rig := startRig(t)
	conn := dial(t, rig)
	join(t, conn, "c1")

	go func() {
		for i := 0; i < 10; i++ {
			px := make([]byte, 12)
			rig.bus.Publish(bus.TopicFrames, producer.FrameEvent{
				Frame:     frame.Frame{ID: uint32(i + 1), Width: 2, Height: 2, Pixels: px},
				PatternID: "A",
			})
			time.Sleep(50 * time.Millisecond)
		}
	}()

	deadline := time.Now().Add(1500 * time.Millisecond)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "no display_batch within priming window")
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event != EvtDisplayBatch {
			continue
		}
		var p displayBatchPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, uint32(1), p.Sequence)
		assert.True(t, p.Priority, "first frame of a fresh pattern is priority")
		assert.LessOrEqual(t, p.Count, 10)
		raw, err := base64.StdEncoding.DecodeString(p.Frames)
		require.NoError(t, err)
		var c codec.Codec
		env2, err := c.DecodeBatch(bytes.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, uint32(1), env2.Sequence)
		return
	}
}

func TestSession_BatchRequestFlow(t *testing.T) {
	rig := startRig(t)
	conn := dial(t, rig)
	join(t, conn, "c1")

	for i := 0; i < 6; i++ {
		require.NoError(t, rig.buf.AddFrame(frame.Frame{ID: uint32(i + 1), Width: 1, Height: 1, Pixels: make([]byte, 3)}, "A", false))
	}
	sendEvent(t, conn, EvtBatchRequest, map[string]any{"last_sequence": 0, "space_available": 60, "urgent": true})

	var sawReply, sawBatch bool
	var batchSeq uint32
	deadline := time.Now().Add(3 * time.Second)
	for !(sawReply && sawBatch) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		switch env.Event {
		case EvtReply:
			var rep map[string]any
			require.NoError(t, json.Unmarshal(env.Payload, &rep))
			if rep["status"] == "request_received" {
				sawReply = true
			}
		case EvtDisplayBatch:
			var p displayBatchPayload
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			batchSeq = p.Sequence
			sawBatch = true
		}
	}
	assert.Equal(t, uint32(1), batchSeq)

	// Ack the batch and verify the buffer saw it.
	sendEvent(t, conn, EvtBatchAck, map[string]any{"sequence": batchSeq, "received_at": time.Now().UnixMilli(), "rendered": true})
	require.Eventually(t, func() bool {
		return rig.buf.Status().Controllers["c1"].LastAckedSeq == batchSeq
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSession_BinarySubprotocol(t *testing.T) {
	rig := startRig(t)
	conn := dial(t, rig, BinarySubprotocol)
	require.Equal(t, BinarySubprotocol, conn.Subprotocol())
	join(t, conn, "c1")

	for i := 0; i < 6; i++ {
		require.NoError(t, rig.buf.AddFrame(frame.Frame{ID: uint32(i + 1), Width: 1, Height: 1, Pixels: make([]byte, 3)}, "A", false))
	}
	sendEvent(t, conn, EvtBatchRequest, map[string]any{"last_sequence": 0, "space_available": 60, "urgent": true})

	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if msgType != websocket.BinaryMessage {
			continue
		}
		var c codec.Codec
		env, err := c.DecodeBatch(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, uint32(1), env.Sequence)
		assert.Len(t, env.Frames, 6)
		return
	}
}

func TestSession_DisplaySyncFeedsFlowControl(t *testing.T) {
	rig := startRig(t)
	conn := dial(t, rig)
	join(t, conn, "c1")
	sendEvent(t, conn, EvtDisplaySync, map[string]any{
		"buffer_stats": map[string]any{
			"fullness": 0.9, "fps": 28.5, "queue_length": 55,
			"can_receive": true, "sequence_received": 0,
		},
	})
	require.Eventually(t, func() bool {
		return rig.buf.Status().DynamicBatchSize == 30
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSession_RepeatedMalformedTerminates(t *testing.T) {
	rig := startRig(t)
	conn := dial(t, rig)
	join(t, conn, "c1")
	for i := 0; i < malformedLimit; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	}
	// The server must close on us shortly.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestSession_SingleMalformedSurvives(t *testing.T) {
	rig := startRig(t)
	conn := dial(t, rig)
	join(t, conn, "c1")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	// Error reply arrives, then the session keeps working.
	env := readEnvelope(t, conn, 2*time.Second)
	require.Equal(t, EvtReply, env.Event)
	sendEvent(t, conn, EvtPing, map[string]any{})
	env = readEnvelope(t, conn, 2*time.Second)
	require.Equal(t, EvtReply, env.Event)
}

func TestSession_PatternChangedNotification(t *testing.T) {
	rig := startRig(t)
	conn := dial(t, rig)
	join(t, conn, "c1")
	rig.bus.Publish(bus.TopicFrames, producer.PatternChanged{PatternID: "B"})
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event != EvtPatternChanged {
			continue
		}
		var p patternChangedPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, "B", p.PatternID)
		return
	}
}

func TestSession_MaxControllersRejects(t *testing.T) {
	rig := startRig(t, WithMaxControllers(1))
	conn := dial(t, rig)
	join(t, conn, "c1")
	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	_, resp, err := d.Dial("ws://"+rig.srv.Addr()+"/controller/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestSession_RejoinSupersedesOldSession(t *testing.T) {
	rig := startRig(t)
	conn1 := dial(t, rig)
	join(t, conn1, "c1")
	conn2 := dial(t, rig)
	join(t, conn2, "c1")

	// Old connection gets closed by the server.
	require.NoError(t, conn1.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn1.ReadMessage(); err != nil {
			break
		}
	}
	// New session is live and serves from sequence 1.
	require.NoError(t, rig.buf.AddFrame(frame.Frame{ID: 1, Width: 1, Height: 1, Pixels: make([]byte, 3)}, "A", false))
	sendEvent(t, conn2, EvtBatchRequest, map[string]any{"last_sequence": 0, "space_available": 10, "urgent": true})
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn2.SetReadDeadline(deadline))
		_, data, err := conn2.ReadMessage()
		require.NoError(t, err)
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event != EvtDisplayBatch {
			continue
		}
		var p displayBatchPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, uint32(1), p.Sequence)
		return
	}
}
