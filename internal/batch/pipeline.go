// Package batch implements the per-session outbound queues, the single
// adaptive flush timer and the gzip compression of oversized batch frames.
package batch

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"talentpulse/streamer/internal/analytics"
	"talentpulse/streamer/internal/config"
	"talentpulse/streamer/internal/logging"
)

// Sender delivers one serialized frame to a session's socket. Delivery to
// one session must never block on another session's queue.
type Sender interface {
	Deliver(sessionID string, frame []byte)
}

// Message is one queued outbound entry.
type Message struct {
	Event        string
	Payload      any
	EntityType   string
	HighPriority bool
	EnqueuedAt   time.Time
}

type envelope struct {
	Event      string `json:"event"`
	EntityType string `json:"entity_type,omitempty"`
	Payload    any    `json:"payload"`
}

type batchFrame struct {
	Event      string `json:"event"`
	EntityType string `json:"entity_type"`
	Count      int    `json:"count"`
	Messages   []any  `json:"messages"`
}

type compressedFrame struct {
	Event          string `json:"event"`
	EntityType     string `json:"entity_type"`
	Count          int    `json:"count"`
	Compressed     bool   `json:"compressed"`
	Data           string `json:"data"`
	OriginalSize   int    `json:"original_size"`
	CompressedSize int    `json:"compressed_size"`
}

// Options configures the pipeline.
type Options struct {
	Sender    Sender
	Collector *analytics.Collector
	Config    *config.Config
	Logger    *logging.Logger
	Clock     func() time.Time
}

// Pipeline owns every per-session queue and the shared flush timer. The
// timer is armed lazily by the first enqueue and cleared on flush, so at
// most one timer is pending system-wide.
type Pipeline struct {
	mu        sync.Mutex
	queues    map[string][]Message
	queued    int
	timer     *time.Timer
	sender    Sender
	collector *analytics.Collector
	cfg       *config.Config
	logger    *logging.Logger
	now       func() time.Time
	closed    bool

	// afterFunc is swapped out by tests to observe the armed interval.
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewPipeline constructs an idle pipeline.
func NewPipeline(opts Options) *Pipeline {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{
			FlushMinInterval:     config.DefaultFlushMinInterval,
			FlushMaxInterval:     config.DefaultFlushMaxInterval,
			FlushLoadThreshold:   config.DefaultFlushLoadThreshold,
			CompressionThreshold: config.DefaultCompressionThreshold,
		}
	}
	return &Pipeline{
		queues:    make(map[string][]Message),
		sender:    opts.Sender,
		collector: opts.Collector,
		cfg:       cfg,
		logger:    logger,
		now:       clock,
		afterFunc: time.AfterFunc,
	}
}

// Enqueue routes one message. High-priority messages and broadcast
// recipients skip the queue entirely and go to the wire as individual
// frames; everything else waits for the shared flush timer.
func (p *Pipeline) Enqueue(sessionID string, msg Message, broadcast bool) {
	if p == nil || sessionID == "" {
		return
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = p.now()
	}

	if msg.HighPriority || broadcast {
		p.sendSingle(sessionID, msg)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queues[sessionID] = append(p.queues[sessionID], msg)
	p.queued++
	p.armTimerLocked(msg.EntityType)
	p.mu.Unlock()
}

// armTimerLocked schedules a flush if none is pending. The interval adapts
// to the entity type's base cadence, stretched toward the maximum when the
// total queue depth crosses the load threshold.
func (p *Pipeline) armTimerLocked(entityType string) {
	if p.timer != nil {
		return
	}
	p.timer = p.afterFunc(p.intervalLocked(entityType), p.Flush)
}

func (p *Pipeline) intervalLocked(entityType string) time.Duration {
	interval := p.cfg.BaseFlushInterval(entityType)
	if threshold := p.cfg.FlushLoadThreshold; threshold > 0 && p.queued > threshold {
		scaled := time.Duration(float64(interval) * (float64(p.queued) / float64(threshold)))
		interval = scaled
	}
	if max := p.cfg.FlushMaxInterval; max > 0 && interval > max {
		interval = max
	}
	if min := p.cfg.FlushMinInterval; min > 0 && interval < min {
		interval = min
	}
	return interval
}

// Flush drains every queue, grouping each recipient's messages by entity
// type into one batch frame per type. The timer is cleared first so the
// next enqueue re-arms it.
func (p *Pipeline) Flush() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	drained := p.queues
	p.queues = make(map[string][]Message)
	p.queued = 0
	p.mu.Unlock()

	for sessionID, messages := range drained {
		p.flushRecipient(sessionID, messages)
	}
}

func (p *Pipeline) flushRecipient(sessionID string, messages []Message) {
	byType := make(map[string][]any)
	var typeOrder []string
	for _, msg := range messages {
		if msg.HighPriority {
			p.sendSingle(sessionID, msg)
			continue
		}
		if _, seen := byType[msg.EntityType]; !seen {
			typeOrder = append(typeOrder, msg.EntityType)
		}
		byType[msg.EntityType] = append(byType[msg.EntityType], msg.Payload)
		p.collector.MessageSent(msg.EntityType, false)
	}
	for _, entityType := range typeOrder {
		payloads := byType[entityType]
		p.sendBatch(sessionID, entityType, payloads)
	}
}

func (p *Pipeline) sendSingle(sessionID string, msg Message) {
	frame, err := json.Marshal(envelope{Event: msg.Event, EntityType: msg.EntityType, Payload: msg.Payload})
	if err != nil {
		p.logger.Error("failed to encode outbound frame", logging.Error(err), logging.String("event", msg.Event))
		return
	}
	p.collector.MessageSent(msg.EntityType, msg.HighPriority)
	p.deliver(sessionID, frame)
}

func (p *Pipeline) sendBatch(sessionID, entityType string, payloads []any) {
	frame, err := json.Marshal(batchFrame{
		Event:      "batch",
		EntityType: entityType,
		Count:      len(payloads),
		Messages:   payloads,
	})
	if err != nil {
		p.logger.Error("failed to encode batch frame", logging.Error(err), logging.String("entity_type", entityType))
		return
	}
	p.collector.BatchFlushed(entityType, len(payloads))

	if threshold := p.cfg.CompressionThreshold; threshold > 0 && len(frame) > threshold {
		if compressed, ok := p.compress(sessionID, entityType, len(payloads), frame); ok {
			frame = compressed
		}
	}
	p.deliver(sessionID, frame)
}

// compress gzips the frame and wraps it in the compressed envelope. Any
// failure falls back to the uncompressed frame.
func (p *Pipeline) compress(sessionID, entityType string, count int, frame []byte) ([]byte, bool) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(frame); err != nil {
		p.logger.Warn("batch compression failed", logging.Error(err))
		return nil, false
	}
	if err := writer.Close(); err != nil {
		p.logger.Warn("batch compression failed", logging.Error(err))
		return nil, false
	}
	wrapped, err := json.Marshal(compressedFrame{
		Event:          "batch",
		EntityType:     entityType,
		Count:          count,
		Compressed:     true,
		Data:           base64.StdEncoding.EncodeToString(buf.Bytes()),
		OriginalSize:   len(frame),
		CompressedSize: buf.Len(),
	})
	if err != nil {
		return nil, false
	}
	p.collector.FrameCompressed(len(frame), buf.Len())
	return wrapped, true
}

func (p *Pipeline) deliver(sessionID string, frame []byte) {
	if p.sender != nil {
		p.sender.Deliver(sessionID, frame)
	}
}

// DropSession discards any queued messages for a disconnected session.
func (p *Pipeline) DropSession(sessionID string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	if queue, ok := p.queues[sessionID]; ok {
		p.queued -= len(queue)
		delete(p.queues, sessionID)
	}
	p.mu.Unlock()
}

// QueuedMessages reports the total queue depth.
func (p *Pipeline) QueuedMessages() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

// Close flushes outstanding messages and rejects further enqueues. Used
// during graceful shutdown.
func (p *Pipeline) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Flush()
}
