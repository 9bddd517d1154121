// Package analytics aggregates delivery telemetry: connection and message
// counters, compression savings, client-reported render stats and advisory
// acknowledgment latency.
package analytics

import (
	"sort"
	"sync"
	"time"
)

// staleAckAge bounds the pending-acknowledgment map. Acknowledgments are
// advisory telemetry, so a client that never answers just ages out.
const staleAckAge = 5 * time.Minute

// ClientStats is the client_stats payload reported over the socket.
type ClientStats struct {
	MessageCount       uint64  `json:"message_count"`
	ProcessingTimeMs   float64 `json:"processing_time_ms"`
	RenderTimeMs       float64 `json:"render_time_ms"`
	BatchSize          uint64  `json:"batch_size"`
	CompressedMessages uint64  `json:"compressed_messages"`
	DecompressionMs    float64 `json:"decompression_time_ms"`
}

// Snapshot is the /message-stats document.
type Snapshot struct {
	Since              time.Time         `json:"since"`
	ConnectionsOpened  uint64            `json:"connections_opened"`
	ConnectionsClosed  uint64            `json:"connections_closed"`
	MessagesReceived   uint64            `json:"messages_received"`
	MessagesSent       uint64            `json:"messages_sent"`
	SentByEntityType   map[string]uint64 `json:"sent_by_entity_type"`
	HighPrioritySent   uint64            `json:"high_priority_sent"`
	BatchFrames        uint64            `json:"batch_frames"`
	BatchedMessages    uint64            `json:"batched_messages"`
	CompressedFrames   uint64            `json:"compressed_frames"`
	BytesBeforeGzip    uint64            `json:"bytes_before_compression"`
	BytesAfterGzip     uint64            `json:"bytes_after_compression"`
	ErrorsEmitted      uint64            `json:"errors_emitted"`
	PendingAcks        int               `json:"pending_acks"`
	AcksReceived       uint64            `json:"acks_received"`
	MeanAckLatencyMs   float64           `json:"mean_ack_latency_ms"`
	ClientReports      uint64            `json:"client_reports"`
	ClientStatsTotals  ClientStats       `json:"client_stats_totals"`
	TopEntityTypes     []string          `json:"top_entity_types,omitempty"`
}

type pendingAck struct {
	entityType string
	issuedAt   time.Time
}

// Collector accumulates counters behind one mutex. All methods are safe for
// concurrent use and never block on I/O.
type Collector struct {
	mu    sync.Mutex
	now   func() time.Time
	since time.Time

	connectionsOpened uint64
	connectionsClosed uint64
	messagesReceived  uint64
	messagesSent      uint64
	sentByType        map[string]uint64
	highPriority      uint64
	batchFrames       uint64
	batchedMessages   uint64
	compressedFrames  uint64
	bytesBefore       uint64
	bytesAfter        uint64
	errorsEmitted     uint64

	pendingAcks  map[string]pendingAck
	acksReceived uint64
	ackLatency   time.Duration

	clientReports uint64
	clientTotals  ClientStats
}

// NewCollector constructs an empty collector.
func NewCollector(clock func() time.Time) *Collector {
	if clock == nil {
		clock = time.Now
	}
	return &Collector{
		now:         clock,
		since:       clock(),
		sentByType:  make(map[string]uint64),
		pendingAcks: make(map[string]pendingAck),
	}
}

// ConnectionOpened records a new socket connection.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.connectionsOpened++
	c.mu.Unlock()
}

// ConnectionClosed records a socket disconnect.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.connectionsClosed++
	c.mu.Unlock()
}

// MessageReceived records one inbound client event.
func (c *Collector) MessageReceived() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.messagesReceived++
	c.mu.Unlock()
}

// MessageSent records one outbound message for the entity type.
func (c *Collector) MessageSent(entityType string, highPriority bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.messagesSent++
	if entityType != "" {
		c.sentByType[entityType]++
	}
	if highPriority {
		c.highPriority++
	}
	c.mu.Unlock()
}

// BatchFlushed records one batch frame carrying the given number of messages.
func (c *Collector) BatchFlushed(entityType string, messageCount int) {
	if c == nil || messageCount <= 0 {
		return
	}
	c.mu.Lock()
	c.batchFrames++
	c.batchedMessages += uint64(messageCount)
	c.mu.Unlock()
}

// FrameCompressed records a compression event with its size savings.
func (c *Collector) FrameCompressed(originalSize, compressedSize int) {
	if c == nil || originalSize <= 0 {
		return
	}
	c.mu.Lock()
	c.compressedFrames++
	c.bytesBefore += uint64(originalSize)
	c.bytesAfter += uint64(compressedSize)
	c.mu.Unlock()
}

// ErrorEmitted records one error frame sent to a client.
func (c *Collector) ErrorEmitted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.errorsEmitted++
	c.mu.Unlock()
}

// TrackAck registers an outstanding acknowledgment id.
func (c *Collector) TrackAck(ackID, entityType string) {
	if c == nil || ackID == "" {
		return
	}
	c.mu.Lock()
	c.pendingAcks[ackID] = pendingAck{entityType: entityType, issuedAt: c.now()}
	c.mu.Unlock()
}

// Acknowledge resolves a pending acknowledgment and reports whether the id
// was known, accruing its round-trip latency when it was.
func (c *Collector) Acknowledge(ackID string) bool {
	if c == nil || ackID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, ok := c.pendingAcks[ackID]
	if !ok {
		return false
	}
	delete(c.pendingAcks, ackID)
	c.acksReceived++
	if latency := c.now().Sub(pending.issuedAt); latency > 0 {
		c.ackLatency += latency
	}
	return true
}

// IngestClientStats folds one client_stats report into the running totals.
func (c *Collector) IngestClientStats(stats ClientStats) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.clientReports++
	c.clientTotals.MessageCount += stats.MessageCount
	c.clientTotals.ProcessingTimeMs += stats.ProcessingTimeMs
	c.clientTotals.RenderTimeMs += stats.RenderTimeMs
	c.clientTotals.BatchSize += stats.BatchSize
	c.clientTotals.CompressedMessages += stats.CompressedMessages
	c.clientTotals.DecompressionMs += stats.DecompressionMs
	c.mu.Unlock()
}

// Stats copies the current counters.
func (c *Collector) Stats() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byType := make(map[string]uint64, len(c.sentByType))
	for entityType, count := range c.sentByType {
		byType[entityType] = count
	}

	snapshot := Snapshot{
		Since:             c.since,
		ConnectionsOpened: c.connectionsOpened,
		ConnectionsClosed: c.connectionsClosed,
		MessagesReceived:  c.messagesReceived,
		MessagesSent:      c.messagesSent,
		SentByEntityType:  byType,
		HighPrioritySent:  c.highPriority,
		BatchFrames:       c.batchFrames,
		BatchedMessages:   c.batchedMessages,
		CompressedFrames:  c.compressedFrames,
		BytesBeforeGzip:   c.bytesBefore,
		BytesAfterGzip:    c.bytesAfter,
		ErrorsEmitted:     c.errorsEmitted,
		PendingAcks:       len(c.pendingAcks),
		AcksReceived:      c.acksReceived,
		ClientReports:     c.clientReports,
		ClientStatsTotals: c.clientTotals,
		TopEntityTypes:    topTypes(byType, 5),
	}
	if c.acksReceived > 0 {
		snapshot.MeanAckLatencyMs = float64(c.ackLatency.Milliseconds()) / float64(c.acksReceived)
	}
	return snapshot
}

func topTypes(byType map[string]uint64, limit int) []string {
	types := make([]string, 0, len(byType))
	for entityType := range byType {
		types = append(types, entityType)
	}
	sort.Slice(types, func(i, j int) bool {
		if byType[types[i]] != byType[types[j]] {
			return byType[types[i]] > byType[types[j]]
		}
		return types[i] < types[j]
	})
	if len(types) > limit {
		types = types[:limit]
	}
	return types
}

// Reset zeroes the counters for the next aggregation period. Pending
// acknowledgments survive unless they have gone stale.
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.since = now
	c.connectionsOpened = 0
	c.connectionsClosed = 0
	c.messagesReceived = 0
	c.messagesSent = 0
	c.sentByType = make(map[string]uint64)
	c.highPriority = 0
	c.batchFrames = 0
	c.batchedMessages = 0
	c.compressedFrames = 0
	c.bytesBefore = 0
	c.bytesAfter = 0
	c.errorsEmitted = 0
	c.acksReceived = 0
	c.ackLatency = 0
	c.clientReports = 0
	c.clientTotals = ClientStats{}

	cutoff := now.Add(-staleAckAge)
	for ackID, pending := range c.pendingAcks {
		if pending.issuedAt.Before(cutoff) {
			delete(c.pendingAcks, ackID)
		}
	}
}
