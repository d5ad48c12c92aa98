package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/safierinx-a/led-grid-server/internal/codec"
	"github.com/safierinx-a/led-grid-server/internal/frame"
	"github.com/safierinx-a/led-grid-server/internal/logging"
	"github.com/safierinx-a/led-grid-server/internal/metrics"
	"github.com/safierinx-a/led-grid-server/internal/transport"
)

// Config holds the buffer tuning knobs. Zero values fall back to defaults.
type Config struct {
	BatchSizeMax         int           // upper bound on frames per batch
	PriorityBatchSizeMax int           // upper bound on priority frames per batch
	MaxDelay             time.Duration // auto-flush threshold
	MinFlushFrames       int           // smallest partial-batch size
	MinRequestInterval   time.Duration // per-controller debounce for requests
	MaxBuffered          int           // hard cap on queued frames
	FlushTick            time.Duration // auto-flush timer cadence
}

const (
	DefaultBatchSizeMax         = 120
	DefaultPriorityBatchSizeMax = 20
	DefaultMaxDelay             = 500 * time.Millisecond
	DefaultMinFlushFrames       = 5
	DefaultMinRequestInterval   = 50 * time.Millisecond
	DefaultFlushTick            = 100 * time.Millisecond

	// ackLagWarnAfter is how long a controller may trail its last emitted
	// sequence before a warning is logged. Frames are perishable; there is
	// no resend.
	ackLagWarnAfter = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BatchSizeMax <= 0 {
		c.BatchSizeMax = DefaultBatchSizeMax
	}
	if c.PriorityBatchSizeMax <= 0 {
		c.PriorityBatchSizeMax = DefaultPriorityBatchSizeMax
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MinFlushFrames <= 0 {
		c.MinFlushFrames = DefaultMinFlushFrames
	}
	if c.MinRequestInterval <= 0 {
		c.MinRequestInterval = DefaultMinRequestInterval
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 2 * c.BatchSizeMax
	}
	if c.FlushTick <= 0 {
		c.FlushTick = DefaultFlushTick
	}
	return c
}

// Batch is a composed envelope handed to a controller channel mailbox.
type Batch struct {
	ControllerID string
	Payload      []byte
	Sequence     uint32
	Priority     bool
	FrameCount   int
}

// Delivery is one message on a controller mailbox. Exactly one field is set:
// PatternChanged announces a new pattern, Batch carries composed frames.
// Notices and batches share the mailbox so a pattern_changed always reaches
// the wire before any batch carrying that pattern's frames.
type Delivery struct {
	PatternChanged string
	Batch          *Batch
}

type pendingRequest struct {
	lastAcked uint32
	space     int
	urgent    bool
	at        time.Time
}

type record struct {
	id            string
	lastSentSeq   uint32
	lastAckedSeq  uint32
	pending       *pendingRequest
	lastRequestAt time.Time
	lastEmitAt    time.Time
	ackWarned     bool
	reported      bool
	fullness      float64
	fps           float64
	canReceive    bool
	noticePattern string          // pattern_changed owed to this controller
	mailbox       chan<- Delivery // nil until a channel attaches
}

type queued struct {
	f         frame.Frame
	patternID string
}

// Buffer owns the priority/regular frame queues and per-controller delivery
// state. All mutation serializes through its mutex; composed batches leave
// through per-controller mailboxes without blocking.
type Buffer struct {
	mu             sync.Mutex
	cfg            Config
	enc            transport.BatchEncoder
	priority       []queued
	regular        []queued
	currentPattern string
	announced      string // last pattern announced to controllers
	dynamicBatch   int
	controllers    map[string]*record
	lastFrameAt    time.Time
	firstQueuedAt  time.Time
	logger         *slog.Logger
	now            func() time.Time
}

type Option func(*Buffer)

func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock replaces the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

func New(cfg Config, opts ...Option) *Buffer {
	b := &Buffer{
		cfg:         cfg.withDefaults(),
		enc:         &codec.Codec{},
		controllers: make(map[string]*record),
		logger:      logging.L(),
		now:         time.Now,
	}
	b.dynamicBatch = b.cfg.BatchSizeMax
	for _, o := range opts {
		o(b)
	}
	return b
}

// Run drives the auto-flush timer until ctx is cancelled.
func (b *Buffer) Run(ctx context.Context) {
	t := time.NewTicker(b.cfg.FlushTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.tick()
		}
	}
}

// Attach registers a controller delivery mailbox. An existing record for the
// same id is reused; its sequence state is reset (a fresh join starts at 0).
func (b *Buffer) Attach(id string, mailbox chan<- Delivery) {
	b.mu.Lock()
	rec := b.ensureLocked(id)
	rec.mailbox = mailbox
	rec.lastSentSeq = 0
	rec.lastAckedSeq = 0
	rec.pending = nil
	rec.ackWarned = false
	if b.announced != "" {
		// A mid-stream joiner hears about the running pattern before its
		// first batch.
		b.noticeLocked(rec, b.announced)
	}
	b.mu.Unlock()
}

// Detach removes the controller record entirely.
func (b *Buffer) Detach(id string) {
	b.mu.Lock()
	delete(b.controllers, id)
	b.mu.Unlock()
}

// AddFrame appends a producer frame. Invalid frames are dropped and counted.
func (b *Buffer) AddFrame(f frame.Frame, patternID string, priorityHint bool) error {
	if err := f.Validate(); err != nil {
		metrics.IncInvalid()
		b.logger.Warn("frame_invalid", "pattern", patternID, "error", err)
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	patternChange := b.currentPattern != "" && patternID != b.currentPattern
	if patternChange || (priorityHint && b.queuedLocked() > 0) {
		// Drain what the previous pattern left behind before the new one
		// takes the priority lane.
		b.flushPendingLocked(true)
	}
	if patternChange && len(b.regular) > 0 {
		// Whatever the flush could not hand off is stale now; a superseded
		// frame must never ride behind the new pattern's first frame.
		metrics.AddDropped(len(b.regular))
		b.logger.Debug("stale_regular_dropped", "count", len(b.regular), "pattern", b.currentPattern)
		b.regular = b.regular[:0]
	}
	if patternChange {
		b.announceLocked(patternID)
	}
	b.currentPattern = patternID
	if patternChange || priorityHint {
		b.priority = append(b.priority, queued{f: f, patternID: patternID})
	} else {
		b.regular = append(b.regular, queued{f: f, patternID: patternID})
	}
	if b.queuedLocked() == 1 {
		b.firstQueuedAt = now
	}
	b.lastFrameAt = now
	metrics.IncIngested()
	b.enforceCapLocked()
	metrics.SetQueueDepth(len(b.priority), len(b.regular))
	return nil
}

// queuedLocked returns the total buffered frame count.
func (b *Buffer) queuedLocked() int { return len(b.priority) + len(b.regular) }

// enforceCapLocked applies the bounded-memory policy: oldest regular frames
// go first; if that is not enough, an emergency flush serves pending
// requests, then stale priority frames from superseded patterns are dropped.
// Only if the cap is still exceeded are the oldest current-pattern priority
// frames shed, with a warning.
func (b *Buffer) enforceCapLocked() {
	over := b.queuedLocked() - b.cfg.MaxBuffered
	if over <= 0 {
		return
	}
	dropped := 0
	if n := min(over, len(b.regular)); n > 0 {
		b.regular = append(b.regular[:0:0], b.regular[n:]...)
		dropped += n
		over -= n
	}
	if over > 0 {
		// Try to hand the backlog to anyone waiting before touching the
		// priority lane.
		b.flushPendingLocked(true)
		over = b.queuedLocked() - b.cfg.MaxBuffered
	}
	for over > 0 && len(b.priority) > 0 && b.priority[0].patternID != b.currentPattern {
		b.priority = append(b.priority[:0:0], b.priority[1:]...)
		dropped++
		over--
	}
	if over > 0 {
		// Current-pattern priority frames overflowing means every consumer
		// is stalled; shed oldest with a loud log rather than grow unbounded.
		n := min(over, len(b.priority))
		b.priority = append(b.priority[:0:0], b.priority[n:]...)
		dropped += n
		b.logger.Warn("priority_frames_shed", "count", n, "pattern", b.currentPattern)
	}
	if dropped > 0 {
		metrics.AddDropped(dropped)
		b.logger.Debug("buffer_overflow_drop", "dropped", dropped, "max_buffered", b.cfg.MaxBuffered)
	}
}

// BatchRequest records a controller pull request. Non-urgent requests inside
// the debounce window are ignored. Unknown controller ids allocate a fresh
// record starting at sequence 0.
func (b *Buffer) BatchRequest(id string, lastAcked uint32, space int, urgent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	rec := b.ensureLocked(id)
	if !urgent && !rec.lastRequestAt.IsZero() && now.Sub(rec.lastRequestAt) < b.cfg.MinRequestInterval {
		metrics.IncDebounced()
		return
	}
	rec.lastRequestAt = now
	if lastAcked > rec.lastAckedSeq {
		rec.lastAckedSeq = lastAcked
	}
	rec.pending = &pendingRequest{lastAcked: lastAcked, space: space, urgent: urgent, at: now}
	if urgent || b.queuedLocked() >= b.cfg.MinFlushFrames {
		b.serveLocked(rec, false)
	}
}

// ControllerReport ingests a flow-control report and recomputes the dynamic
// batch size. A starving, receptive controller pulls a proactive flush.
func (b *Buffer) ControllerReport(id string, fullness float64, canReceive bool, seqReceived uint32, fps float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.ensureLocked(id)
	rec.reported = true
	rec.fullness = fullness
	rec.canReceive = canReceive
	rec.fps = fps
	if seqReceived > rec.lastAckedSeq {
		rec.lastAckedSeq = seqReceived
	}
	b.recomputeDynamicLocked()
	if fullness < 0.2 && canReceive && b.queuedLocked() >= b.cfg.MinFlushFrames {
		b.flushPendingLocked(false)
	}
}

// AnnouncePattern notifies every attached controller that pattern id is
// starting. Producers call this (through the Interface) ahead of the first
// frame; the buffer also announces on its own when a frame's pattern id
// changes, whichever comes first.
func (b *Buffer) AnnouncePattern(id string) {
	b.mu.Lock()
	b.announceLocked(id)
	b.mu.Unlock()
}

func (b *Buffer) announceLocked(id string) {
	if id == "" || id == b.announced {
		return
	}
	b.announced = id
	for _, rec := range b.controllers {
		b.noticeLocked(rec, id)
	}
}

// noticeLocked tries to hand the notice over right away; a full mailbox
// defers it, and serveLocked retries before the next batch so the notice
// always precedes that pattern's frames.
func (b *Buffer) noticeLocked(rec *record, pattern string) {
	rec.noticePattern = pattern
	if rec.mailbox == nil {
		return
	}
	select {
	case rec.mailbox <- Delivery{PatternChanged: pattern}:
		rec.noticePattern = ""
	default:
	}
}

// Ack records a delivery acknowledgment for a batch sequence.
func (b *Buffer) Ack(id string, seq uint32, rendered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.ensureLocked(id)
	if seq > rec.lastAckedSeq {
		rec.lastAckedSeq = seq
	}
	rec.ackWarned = false
	if !rendered {
		// No resend; frames are perishable.
		b.logger.Debug("batch_ack_unrendered", "controller", id, "sequence", seq)
	}
}

// FlushPending serves every controller with a pending request.
func (b *Buffer) FlushPending(priority bool) {
	b.mu.Lock()
	b.flushPendingLocked(priority)
	b.mu.Unlock()
}

func (b *Buffer) flushPendingLocked(priority bool) {
	for _, rec := range b.controllers {
		if rec.pending != nil {
			b.serveLocked(rec, priority)
		}
	}
}

func (b *Buffer) ensureLocked(id string) *record {
	rec := b.controllers[id]
	if rec == nil {
		rec = &record{id: id}
		b.controllers[id] = rec
	}
	return rec
}

// serveLocked composes and emits one batch for rec's pending request.
// forcePriority marks the envelope priority even when only regular frames are
// drained (pattern-change preemption).
func (b *Buffer) serveLocked(rec *record, forcePriority bool) {
	p := rec.pending
	if p == nil || rec.mailbox == nil {
		return
	}
	if rec.noticePattern != "" {
		select {
		case rec.mailbox <- Delivery{PatternChanged: rec.noticePattern}:
			rec.noticePattern = ""
		default:
			return // mailbox wedged; the request stays pending
		}
	}
	limit := min(p.space, b.dynamicBatch)
	if limit <= 0 {
		rec.pending = nil
		return
	}
	prio := min(len(b.priority), min(limit, b.cfg.PriorityBatchSizeMax))
	reg := min(len(b.regular), limit-prio)
	if prio+reg == 0 {
		return // keep the request pending until frames arrive
	}
	frames := make([]frame.Frame, 0, prio+reg)
	for i := 0; i < prio; i++ {
		frames = append(frames, b.priority[i].f)
	}
	for i := 0; i < reg; i++ {
		frames = append(frames, b.regular[i].f)
	}
	seq := rec.lastSentSeq + 1
	isPriority := prio > 0 || forcePriority
	payload, err := b.enc.EncodeBatch(frames, isPriority, seq, uint64(b.now().UnixMilli()))
	if err != nil {
		// Batch aborted, sequence untouched; the controller re-requests.
		metrics.IncError(metrics.ErrEncode)
		b.logger.Error("batch_encode_error", "controller", rec.id, "error", err)
		rec.pending = nil
		return
	}
	select {
	case rec.mailbox <- Delivery{Batch: &Batch{ControllerID: rec.id, Payload: payload, Sequence: seq, Priority: isPriority, FrameCount: len(frames)}}:
	default:
		// Mailbox full: the channel is wedged. Shed the batch without
		// consuming queue state or the sequence.
		metrics.AddDropped(len(frames))
		b.logger.Warn("mailbox_full_drop", "controller", rec.id, "frames", len(frames))
		rec.pending = nil
		return
	}
	b.priority = append(b.priority[:0:0], b.priority[prio:]...)
	b.regular = append(b.regular[:0:0], b.regular[reg:]...)
	rec.lastSentSeq = seq
	rec.lastEmitAt = b.now()
	rec.ackWarned = false
	rec.pending = nil
	metrics.IncBatch(len(frames))
	metrics.SetQueueDepth(len(b.priority), len(b.regular))
	b.logger.Debug("batch_emitted", "controller", rec.id, "sequence", seq, "frames", len(frames), "priority", isPriority)
}

// recomputeDynamicLocked derives the frames-per-batch cap from the worst
// reported fullness band.
func (b *Buffer) recomputeDynamicLocked() {
	size := b.cfg.BatchSizeMax
	for _, rec := range b.controllers {
		if !rec.reported {
			continue
		}
		var band int
		switch {
		case rec.fullness > 0.8:
			band = 30
		case rec.fullness > 0.6:
			band = 60
		case rec.fullness > 0.4:
			band = 90
		default:
			band = b.cfg.BatchSizeMax
		}
		if band < size {
			size = band
		}
	}
	b.dynamicBatch = size
	metrics.SetDynamicBatchSize(size)
}

// tick is one auto-flush timer pass.
func (b *Buffer) tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	total := b.queuedLocked()
	if total > 0 {
		overdue := !b.firstQueuedAt.IsZero() && now.Sub(b.firstQueuedAt) >= b.cfg.MaxDelay
		idle := !b.lastFrameAt.IsZero() && now.Sub(b.lastFrameAt) >= b.cfg.MaxDelay && total >= b.cfg.MinFlushFrames
		if total >= b.cfg.MinFlushFrames || overdue || idle {
			b.flushPendingLocked(false)
			if b.queuedLocked() == 0 {
				b.firstQueuedAt = time.Time{}
			} else {
				b.firstQueuedAt = now
			}
		}
	}
	for _, rec := range b.controllers {
		if rec.lastAckedSeq < rec.lastSentSeq && !rec.ackWarned && !rec.lastEmitAt.IsZero() && now.Sub(rec.lastEmitAt) > ackLagWarnAfter {
			rec.ackWarned = true
			b.logger.Warn("ack_lag", "controller", rec.id, "last_sent", rec.lastSentSeq, "last_acked", rec.lastAckedSeq)
		}
	}
}

// ControllerStatus is the per-controller slice of a Snapshot.
type ControllerStatus struct {
	LastSentSeq  uint32  `json:"last_sent_sequence"`
	LastAckedSeq uint32  `json:"last_acked_sequence"`
	Fullness     float64 `json:"fullness"`
	FPS          float64 `json:"fps"`
	CanReceive   bool    `json:"can_receive"`
	HasPending   bool    `json:"has_pending"`
}

// Snapshot is a point-in-time view of the buffer for telemetry.
type Snapshot struct {
	PriorityQueued   int                         `json:"priority_queued"`
	RegularQueued    int                         `json:"regular_queued"`
	CurrentPattern   string                      `json:"current_pattern"`
	DynamicBatchSize int                         `json:"dynamic_batch_size"`
	Controllers      map[string]ControllerStatus `json:"controllers"`
}

// Status returns a snapshot of queues and controller records.
func (b *Buffer) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		PriorityQueued:   len(b.priority),
		RegularQueued:    len(b.regular),
		CurrentPattern:   b.currentPattern,
		DynamicBatchSize: b.dynamicBatch,
		Controllers:      make(map[string]ControllerStatus, len(b.controllers)),
	}
	for id, rec := range b.controllers {
		s.Controllers[id] = ControllerStatus{
			LastSentSeq:  rec.lastSentSeq,
			LastAckedSeq: rec.lastAckedSeq,
			Fullness:     rec.fullness,
			FPS:          rec.fps,
			CanReceive:   rec.canReceive,
			HasPending:   rec.pending != nil,
		}
	}
	return s
}
