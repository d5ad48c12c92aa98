package session

import "encoding/json"

// Envelope is the JSON framing for control messages in both directions:
// {"event": "...", "payload": {...}}. Replies to inbound events use the
// "reply" event; most carry a status field in the payload, while batch_ack
// and diagnostic_pong replies carry "received" instead.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound events (controller -> server).
const (
	EvtJoin           = "join"
	EvtPing           = "ping"
	EvtStats          = "stats"
	EvtDisplaySync    = "display_sync"
	EvtBatchRequest   = "batch_request"
	EvtRequestBatch   = "request_batch" // alias accepted for older firmware
	EvtBatchAck       = "batch_ack"
	EvtDiagnosticPong = "diagnostic_pong"
	EvtDetailedStats  = "detailed_stats"
)

// Outbound events (server -> controller).
const (
	EvtReply                = "reply"
	EvtDisplayBatch         = "display_batch"
	EvtDisplay              = "display" // single-frame legacy path
	EvtInitiatePolling      = "initiate_polling"
	EvtDiagnosticPing       = "diagnostic_ping"
	EvtPatternChanged       = "pattern_changed"
	EvtRequestStats         = "request_stats"
	EvtRequestDetailedStats = "request_detailed_stats"
	EvtSimulationConfig     = "simulation_config"
)

type joinPayload struct {
	ControllerID string `json:"controller_id"`
}

type batchRequestPayload struct {
	LastSequence   uint32 `json:"last_sequence"`
	SpaceAvailable int    `json:"space_available"`
	Urgent         bool   `json:"urgent"`
}

type batchAckPayload struct {
	Sequence   uint32 `json:"sequence"`
	ReceivedAt int64  `json:"received_at"`
	Rendered   bool   `json:"rendered"`
}

type bufferStats struct {
	Fullness         float64 `json:"fullness"`
	FPS              float64 `json:"fps"`
	QueueLength      int     `json:"queue_length"`
	CanReceive       bool    `json:"can_receive"`
	SequenceReceived uint32  `json:"sequence_received"`
}

type displaySyncPayload struct {
	BufferStats bufferStats `json:"buffer_stats"`
}

type displayBatchPayload struct {
	Frames   string `json:"frames"` // base64 of the binary batch
	Count    int    `json:"count"`
	Priority bool   `json:"priority"`
	Sequence uint32 `json:"sequence"`
}

type displayFramePayload struct {
	Frame       string `json:"frame"` // base64 of the binary frame
	FrameID     uint32 `json:"frame_id"`
	PatternHash uint32 `json:"pattern_hash"`
}

type patternChangedPayload struct {
	PatternID string `json:"pattern_id"`
	Timestamp int64  `json:"timestamp"`
}

type messagePayload struct {
	Message string `json:"message"`
}

type diagnosticPingPayload struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

func mustEnvelope(event string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	out, _ := json.Marshal(Envelope{Event: event, Payload: raw})
	return out
}
