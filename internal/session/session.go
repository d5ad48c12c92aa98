package session

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/safierinx-a/led-grid-server/internal/buffer"
	"github.com/safierinx-a/led-grid-server/internal/bus"
	"github.com/safierinx-a/led-grid-server/internal/codec"
	"github.com/safierinx-a/led-grid-server/internal/controllers"
	"github.com/safierinx-a/led-grid-server/internal/frame"
	"github.com/safierinx-a/led-grid-server/internal/metrics"
)

// State is the session lifecycle position.
type State int32

const (
	StateJoining State = iota
	StateReady
	StateIdle
	StateServing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateReady:
		return "ready"
	case StateIdle:
		return "idle"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// OperatorSignal is published on bus.TopicSocket to push operator-driven
// events (request_stats, request_detailed_stats, simulation_config) to every
// attached controller, or to one when Target is set.
type OperatorSignal struct {
	Event   string
	Target  string // controller id; empty broadcasts
	Payload any
}

const (
	// malformed inbound messages tolerated inside malformedWindow before the
	// session is terminated.
	malformedLimit  = 3
	malformedWindow = 10 * time.Second

	primeDelay   = 500 * time.Millisecond
	reprimeDelay = time.Second

	outQueueSize = 32
)

var errTooManyMalformed = errors.New("session: too many malformed messages")

// Session is one attached controller's connection state machine.
type Session struct {
	srv    *Server
	conn   *websocket.Conn
	logger atomic.Pointer[slog.Logger]
	codec  codec.Codec

	id     string
	binary bool // negotiated binary batch subprotocol
	legacy bool // single-frame display compatibility mode

	state   atomic.Int32
	mailbox chan buffer.Delivery
	out     chan []byte
	done    chan struct{}
	once    sync.Once
	joined  atomic.Bool

	malformedAt []time.Time // offense times inside the current window

	timersMu sync.Mutex
	timers   []*time.Timer
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// log returns the session logger; swapped atomically once the controller
// identity is known.
func (s *Session) log() *slog.Logger { return s.logger.Load() }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// ID returns the controller id; empty until the join handshake completes.
func (s *Session) ID() string { return s.id }

// run drives the session until the transport closes or a fatal protocol
// error occurs. The server's upgrade handler starts it on its own goroutine.
func (s *Session) run() {
	defer s.close("reader_exit")
	s.conn.SetReadLimit(s.srv.maxMessageSize)
	s.renewDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.renewDeadline()
		return nil
	})
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() != StateClosed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				metrics.IncError(metrics.ErrWSRead)
				s.log().Warn("ws_read_error", "error", err)
			}
			return
		}
		s.renewDeadline()
		if msgType != websocket.TextMessage {
			if s.protocolOffense("binary inbound message") {
				return
			}
			continue
		}
		metrics.IncWSRx()
		if err := s.handleMessage(data); err != nil {
			if errors.Is(err, errTooManyMalformed) {
				metrics.IncError(metrics.ErrProtocol)
				s.log().Warn("session_terminated", "reason", err)
				return
			}
			s.log().Debug("message_error", "error", err)
		}
	}
}

func (s *Session) renewDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.heartbeatTimeout))
}

// protocolOffense counts a malformed/unexpected inbound message against the
// sliding window; true means the session must terminate.
func (s *Session) protocolOffense(what string) bool {
	now := time.Now()
	kept := s.malformedAt[:0]
	for _, t := range s.malformedAt {
		if now.Sub(t) <= malformedWindow {
			kept = append(kept, t)
		}
	}
	s.malformedAt = append(kept, now)
	s.log().Warn("protocol_offense", "what", what, "count", len(s.malformedAt))
	return len(s.malformedAt) >= malformedLimit
}

func (s *Session) handleMessage(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.reply(map[string]any{"status": "error", "reason": "bad_json"})
		metrics.IncError(metrics.ErrDecode)
		if s.protocolOffense("bad json") {
			return errTooManyMalformed
		}
		return fmt.Errorf("decode envelope: %w", err)
	}
	if s.State() == StateJoining && env.Event != EvtJoin {
		s.reply(map[string]any{"status": "error", "reason": "not_joined"})
		if s.protocolOffense("event before join") {
			return errTooManyMalformed
		}
		return nil
	}
	switch env.Event {
	case EvtJoin:
		return s.handleJoin(env.Payload)
	case EvtPing:
		s.reply(map[string]any{"status": "pong"})
	case EvtBatchRequest, EvtRequestBatch:
		return s.handleBatchRequest(env.Payload)
	case EvtBatchAck:
		return s.handleBatchAck(env.Payload)
	case EvtDisplaySync:
		return s.handleDisplaySync(env.Payload)
	case EvtStats:
		var payload map[string]any
		_ = json.Unmarshal(env.Payload, &payload)
		s.srv.bus.Publish(bus.TopicEvents, controllers.Stats{ID: s.id, Payload: payload})
	case EvtDetailedStats:
		var payload map[string]any
		_ = json.Unmarshal(env.Payload, &payload)
		s.srv.bus.Publish(bus.TopicEvents, controllers.DetailedStats{ID: s.id, Payload: payload})
	case EvtDiagnosticPong:
		s.reply(map[string]any{"received": true, "server_time": time.Now().UnixMilli()})
	default:
		s.log().Warn("unknown_event", "event", env.Event)
		if s.protocolOffense("unknown event " + env.Event) {
			return errTooManyMalformed
		}
	}
	return nil
}

func (s *Session) handleJoin(raw json.RawMessage) error {
	if s.joined.Load() {
		s.reply(map[string]any{"status": "error", "reason": "already_joined"})
		return nil
	}
	var p joinPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			s.reply(map[string]any{"status": "error", "reason": "bad_join"})
			if s.protocolOffense("bad join payload") {
				return errTooManyMalformed
			}
			return fmt.Errorf("decode join: %w", err)
		}
	}
	id := p.ControllerID
	if id == "" {
		id = uuid.NewString()
	}
	s.id = id
	s.logger.Store(s.log().With("controller", id))
	// A rejoin with a live session for the same id supersedes it.
	s.srv.replaceSession(s)
	s.srv.buf.Attach(id, s.mailbox)
	s.joined.Store(true)
	s.setState(StateReady)
	metrics.IncJoin()
	s.srv.bus.Publish(bus.TopicEvents, controllers.Joined{ID: id})
	s.reply(map[string]any{"status": "joined", "controller_id": id})
	s.log().Info("session_joined", "binary", s.binary, "legacy", s.legacy)

	s.afterFunc(primeDelay, func() {
		s.send(EvtDiagnosticPing, diagnosticPingPayload{Timestamp: time.Now().UnixMilli(), Message: "connectivity check"})
		s.send(EvtInitiatePolling, messagePayload{Message: "start pull requests"})
		s.srv.buf.BatchRequest(s.id, 0, s.srv.defaultSpace, true)
		s.setState(StateIdle)
	})
	s.afterFunc(reprimeDelay, func() {
		// Belt-and-braces: re-prime in case the first synthetic request found
		// an empty buffer.
		s.srv.buf.BatchRequest(s.id, 0, s.srv.defaultSpace, true)
	})
	return nil
}

func (s *Session) handleBatchRequest(raw json.RawMessage) error {
	var p batchRequestPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.reply(map[string]any{"status": "error", "reason": "bad_request"})
		if s.protocolOffense("bad batch_request") {
			return errTooManyMalformed
		}
		return fmt.Errorf("decode batch_request: %w", err)
	}
	s.setState(StateServing)
	s.srv.buf.BatchRequest(s.id, p.LastSequence, p.SpaceAvailable, p.Urgent)
	s.reply(map[string]any{
		"status":          "request_received",
		"timestamp":       time.Now().UnixMilli(),
		"server_sequence": p.LastSequence,
	})
	return nil
}

func (s *Session) handleBatchAck(raw json.RawMessage) error {
	var p batchAckPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.reply(map[string]any{"status": "error", "reason": "bad_ack"})
		if s.protocolOffense("bad batch_ack") {
			return errTooManyMalformed
		}
		return fmt.Errorf("decode batch_ack: %w", err)
	}
	s.srv.buf.Ack(s.id, p.Sequence, p.Rendered)
	s.reply(map[string]any{"received": true})
	return nil
}

func (s *Session) handleDisplaySync(raw json.RawMessage) error {
	var p displaySyncPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		if s.protocolOffense("bad display_sync") {
			return errTooManyMalformed
		}
		return fmt.Errorf("decode display_sync: %w", err)
	}
	bs := p.BufferStats
	s.srv.buf.ControllerReport(s.id, bs.Fullness, bs.CanReceive, bs.SequenceReceived, bs.FPS)
	s.srv.bus.Publish(bus.TopicEvents, controllers.Stats{ID: s.id, Payload: map[string]any{
		"fullness": bs.Fullness, "fps": bs.FPS, "queue_length": bs.QueueLength,
		"can_receive": bs.CanReceive, "sequence_received": bs.SequenceReceived,
	}})
	return nil
}

// writer owns all socket writes: batch pushes, control events, pings.
func (s *Session) writer() {
	sock := s.srv.bus.Subscribe(bus.TopicSocket)
	defer sock.Cancel()
	ping := time.NewTicker(s.srv.heartbeatTimeout / 4)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			return
		case d := <-s.mailbox:
			if err := s.writeDelivery(d); err != nil {
				s.close("batch_write_error")
				return
			}
		case raw := <-s.out:
			if err := s.write(websocket.TextMessage, raw); err != nil {
				s.close("control_write_error")
				return
			}
		case msg := <-sock.C:
			if err := s.handleSocketEvent(msg); err != nil {
				s.close("socket_event_write_error")
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.close("ping_error")
				return
			}
		}
	}
}

func (s *Session) handleSocketEvent(msg any) error {
	if !s.joined.Load() {
		return nil
	}
	m, ok := msg.(OperatorSignal)
	if !ok {
		return nil
	}
	if m.Target != "" && m.Target != s.id {
		return nil
	}
	switch m.Event {
	case EvtRequestStats, EvtRequestDetailedStats, EvtSimulationConfig:
		return s.write(websocket.TextMessage, mustEnvelope(m.Event, m.Payload))
	default:
		s.log().Warn("unknown_operator_signal", "event", m.Event)
	}
	return nil
}

// writeDelivery pushes one mailbox message: a pattern_changed notice or a
// batch. Both come down the same channel, so the notice is on the wire
// before any batch carrying that pattern.
func (s *Session) writeDelivery(d buffer.Delivery) error {
	if d.PatternChanged != "" {
		raw := mustEnvelope(EvtPatternChanged, patternChangedPayload{PatternID: d.PatternChanged, Timestamp: time.Now().UnixMilli()})
		if err := s.write(websocket.TextMessage, raw); err != nil {
			return err
		}
		// Prime the flow so the first frames of the new pattern go out
		// without waiting for the controller's next pull.
		s.srv.buf.BatchRequest(s.id, 0, s.srv.defaultSpace, true)
		return nil
	}
	if d.Batch == nil {
		return nil
	}
	s.setState(StateServing)
	err := s.writeBatch(*d.Batch)
	s.setState(StateIdle)
	return err
}

func (s *Session) writeBatch(b buffer.Batch) error {
	if s.binary {
		if err := s.write(websocket.BinaryMessage, b.Payload); err != nil {
			return err
		}
	} else {
		payload := displayBatchPayload{
			Frames:   base64.StdEncoding.EncodeToString(b.Payload),
			Count:    b.FrameCount,
			Priority: b.Priority,
			Sequence: b.Sequence,
		}
		if err := s.write(websocket.TextMessage, mustEnvelope(EvtDisplayBatch, payload)); err != nil {
			return err
		}
	}
	if s.legacy {
		if err := s.writeLegacyFrame(b); err != nil {
			return err
		}
	}
	s.log().Debug("batch_pushed", "sequence", b.Sequence, "frames", b.FrameCount, "priority", b.Priority)
	return nil
}

// writeLegacyFrame re-emits the batch's final frame as a single display event
// for controllers predating batched delivery.
func (s *Session) writeLegacyFrame(b buffer.Batch) error {
	env, err := s.codec.DecodeBatch(bytes.NewReader(b.Payload))
	if err != nil || len(env.Frames) == 0 {
		return nil // batch already validated; nothing useful to mirror
	}
	last := env.Frames[len(env.Frames)-1]
	fb, err := s.codec.EncodeFrame(last)
	if err != nil {
		return nil
	}
	payload := displayFramePayload{
		Frame:       base64.StdEncoding.EncodeToString(fb),
		FrameID:     last.ID,
		PatternHash: frame.PatternHash(s.srv.buf.Status().CurrentPattern),
	}
	return s.write(websocket.TextMessage, mustEnvelope(EvtDisplay, payload))
}

func (s *Session) write(msgType int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.writeTimeout))
	if err := s.conn.WriteMessage(msgType, data); err != nil {
		metrics.IncError(metrics.ErrWSWrite)
		s.log().Warn("ws_write_error", "error", err)
		return err
	}
	metrics.IncWSTx()
	return nil
}

// reply enqueues a "reply" envelope; send enqueues an arbitrary event.
// Both are safe from the reader goroutine and never block it.
func (s *Session) reply(payload any) { s.enqueue(mustEnvelope(EvtReply, payload)) }

func (s *Session) send(event string, payload any) { s.enqueue(mustEnvelope(event, payload)) }

func (s *Session) enqueue(raw []byte) {
	select {
	case s.out <- raw:
	case <-s.done:
	default:
		s.log().Warn("out_queue_full_drop")
	}
}

func (s *Session) afterFunc(d time.Duration, fn func()) {
	t := time.AfterFunc(d, func() {
		select {
		case <-s.done:
		default:
			fn()
		}
	})
	s.timersMu.Lock()
	s.timers = append(s.timers, t)
	s.timersMu.Unlock()
}

// close tears the session down (idempotent) and broadcasts controller_left.
func (s *Session) close(reason string) {
	s.once.Do(func() {
		s.setState(StateClosed)
		close(s.done)
		s.timersMu.Lock()
		for _, t := range s.timers {
			t.Stop()
		}
		s.timersMu.Unlock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
		if s.joined.Load() {
			s.srv.buf.Detach(s.id)
			s.srv.dropSession(s)
			s.srv.bus.Publish(bus.TopicEvents, controllers.Left{ID: s.id})
			metrics.IncLeave()
		}
		s.log().Info("session_closed", "reason", reason)
	})
}
