package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"talentpulse/streamer/internal/analytics"
	"talentpulse/streamer/internal/auth"
	"talentpulse/streamer/internal/batch"
	"talentpulse/streamer/internal/cache"
	"talentpulse/streamer/internal/config"
	"talentpulse/streamer/internal/dispatch"
	"talentpulse/streamer/internal/logging"
	"talentpulse/streamer/internal/permission"
	"talentpulse/streamer/internal/ratelimit"
	"talentpulse/streamer/internal/relay"
	"talentpulse/streamer/internal/session"
	"talentpulse/streamer/internal/subscription"
)

// statsResetInterval is how often the analytics counters roll over.
const statsResetInterval = time.Hour

// client is one live socket connection with its outbound channel. Writes to
// one client never wait on another client's channel.
type client struct {
	sessionID string
	conn      *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue hands one frame to the writer without blocking. The closed flag and
// the channel are guarded by the same mutex so a concurrent shutdown can
// never close the channel between the check and the send.
func (c *client) enqueue(frame []byte) (queued, open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, false
	}
	select {
	case c.send <- frame:
		return true, true
	default:
		return false, true
	}
}

// shutdown closes the outbound channel exactly once so writePump exits.
func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Broker owns the socket surface and every per-connection goroutine pair.
type Broker struct {
	cfg       *config.Config
	logger    *logging.Logger
	tokens    *auth.TokenService
	perms     *permission.Service
	limiter   *ratelimit.Limiter
	sessions  *session.Registry
	subs      *subscription.Registry
	cache     *cache.EvaluationCache
	pipeline  *batch.Pipeline
	collector *analytics.Collector

	dispatcher *dispatch.Dispatcher
	relay      *relay.Client
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

// BrokerOptions carries the wired services.
type BrokerOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	Tokens    *auth.TokenService
	Perms     *permission.Service
	Limiter   *ratelimit.Limiter
	Sessions  *session.Registry
	Subs      *subscription.Registry
	Cache     *cache.EvaluationCache
	Collector *analytics.Collector
}

// NewBroker wires the broker together. The batching pipeline and dispatcher
// are constructed here because the broker itself is the pipeline's sender.
func NewBroker(opts BrokerOptions) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	b := &Broker{
		cfg:       opts.Config,
		logger:    logger,
		tokens:    opts.Tokens,
		perms:     opts.Perms,
		limiter:   opts.Limiter,
		sessions:  opts.Sessions,
		subs:      opts.Subs,
		cache:     opts.Cache,
		collector: opts.Collector,
		clients:   make(map[string]*client),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     b.originAllowed,
	}
	b.pipeline = batch.NewPipeline(batch.Options{
		Sender:    b,
		Collector: opts.Collector,
		Config:    opts.Config,
		Logger:    logger,
	})
	b.dispatcher = dispatch.NewDispatcher(dispatch.Options{
		Subscriptions: opts.Subs,
		Cache:         opts.Cache,
		Pipeline:      b.pipeline,
		Collector:     opts.Collector,
		Logger:        logger,
	})
	if url := opts.Config.RelayPeerURL; url != "" {
		b.relay = relay.New(url, b.handleRelayFrame, logger)
	}
	return b
}

func (b *Broker) originAllowed(r *http.Request) bool {
	if len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range b.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS authenticates, rate limits and upgrades one socket connection.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	if b.cfg.MaxClients > 0 && b.sessions.Count() >= b.cfg.MaxClients {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}

	identity := b.tokens.Authenticate(r)
	ip := remoteIP(r)

	var decision ratelimit.Decision
	if identity.Anonymous {
		decision = b.limiter.AllowIP(ratelimit.ClassConnection, ip)
	} else {
		decision = b.limiter.AllowUser(ratelimit.ClassConnection, identity.UserID)
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After", decision.RetryAfter.Truncate(time.Second).String())
		http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", logging.Error(err), logging.String("remote_addr", r.RemoteAddr))
		return
	}

	sess := b.sessions.Connect(identity.UserID, identity.Permissions, identity.TokenExpiry, ip)
	c := &client{sessionID: sess.ID, conn: conn, send: make(chan []byte, 256)}

	b.mu.Lock()
	b.clients[sess.ID] = c
	b.mu.Unlock()
	b.collector.ConnectionOpened()

	b.logger.Info("session connected",
		logging.String("session_id", sess.ID),
		logging.String("user_id", identity.UserID),
		logging.Bool("anonymous", identity.Anonymous),
		logging.String("ip", ip))

	b.sendControl(c, connectionStatus{
		Event:         "connection_status",
		Status:        "connected",
		SessionID:     sess.ID,
		Authenticated: !identity.Anonymous,
		Permissions:   identity.Permissions,
	})

	go b.writePump(c)
	go b.readPump(c)
}

type connectionStatus struct {
	Event         string   `json:"event"`
	Status        string   `json:"status"`
	SessionID     string   `json:"session_id"`
	Authenticated bool     `json:"authenticated"`
	Permissions   []string `json:"permissions,omitempty"`
}

func remoteIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// readPump consumes client events until the connection drops.
func (b *Broker) readPump(c *client) {
	defer b.disconnect(c)

	if b.cfg.MaxPayloadBytes > 0 {
		c.conn.SetReadLimit(b.cfg.MaxPayloadBytes)
	}
	deadline := 2 * b.cfg.PingInterval
	if deadline > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.conn.SetPongHandler(func(string) error {
			_ = b.sessions.Touch(c.sessionID)
			return c.conn.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("socket read ended", logging.String("session_id", c.sessionID), logging.Error(err))
			}
			return
		}
		b.collector.MessageReceived()
		_ = b.sessions.Touch(c.sessionID)
		b.handleEvent(c, raw)
	}
}

// writePump drains the outbound channel and keeps the connection alive with
// periodic pings.
func (b *Broker) writePump(c *client) {
	interval := b.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

// Deliver implements batch.Sender: it hands one frame to the session's
// writer, dropping the connection if its channel is saturated. Frames for
// sessions already shut down are discarded silently until disconnect
// unregisters them.
func (b *Broker) Deliver(sessionID string, frame []byte) {
	b.mu.Lock()
	c, ok := b.clients[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	queued, open := c.enqueue(frame)
	if !queued && open {
		b.logger.Warn("outbound channel full, dropping connection", logging.String("session_id", sessionID))
		c.shutdown()
	}
}

func (b *Broker) sendControl(c *client, payload any) {
	frame, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("failed to encode control frame", logging.Error(err))
		return
	}
	if queued, open := c.enqueue(frame); !queued && open {
		c.shutdown()
	}
}

// disconnect tears one session down across every structure.
func (b *Broker) disconnect(c *client) {
	b.mu.Lock()
	_, live := b.clients[c.sessionID]
	delete(b.clients, c.sessionID)
	b.mu.Unlock()
	if !live {
		return
	}

	c.shutdown()
	removed := b.subs.UnsubscribeAll(c.sessionID)
	b.pipeline.DropSession(c.sessionID)

	record, err := b.sessions.Disconnect(c.sessionID)
	if err == nil {
		if record.UserID != "" {
			b.limiter.ForgetUser(record.UserID)
		} else {
			b.limiter.ForgetIP(record.IP)
		}
	}
	b.collector.ConnectionClosed()
	b.logger.Info("session disconnected",
		logging.String("session_id", c.sessionID),
		logging.Int("subscriptions_removed", removed))
}

// EmitEntityUpdate is the in-process entry point for the host application's
// domain events. The update is dispatched locally and forwarded to the
// relay peer when one is configured.
func (b *Broker) EmitEntityUpdate(entityType, entityID string, kind dispatch.UpdateKind, snapshot map[string]any, requestAck bool) (int, error) {
	delivered, err := b.dispatcher.EmitEntityUpdate(entityType, entityID, kind, snapshot, requestAck)
	if err != nil {
		return delivered, err
	}
	if b.relay != nil {
		frame, marshalErr := json.Marshal(relayedUpdate{
			EntityType: entityType,
			EntityID:   entityID,
			Kind:       kind,
			Snapshot:   snapshot,
			RequestAck: requestAck,
		})
		if marshalErr == nil {
			if relayErr := b.relay.Publish(frame); relayErr != nil && relayErr != relay.ErrBufferFull {
				b.logger.Debug("relay publish skipped", logging.Error(relayErr))
			}
		}
	}
	return delivered, nil
}

// relayedUpdate is the frame format exchanged between broker processes.
type relayedUpdate struct {
	EntityType string             `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	Kind       dispatch.UpdateKind `json:"kind"`
	Snapshot   map[string]any     `json:"snapshot,omitempty"`
	RequestAck bool               `json:"request_ack"`
}

// handleRelayFrame applies one peer-originated update locally without
// republishing it, so two peers cannot loop a frame between them.
func (b *Broker) handleRelayFrame(frame []byte) {
	var update relayedUpdate
	if err := json.Unmarshal(frame, &update); err != nil {
		b.logger.Warn("discarding malformed relay frame", logging.Error(err))
		return
	}
	if _, err := b.dispatcher.EmitEntityUpdate(update.EntityType, update.EntityID, update.Kind, update.Snapshot, update.RequestAck); err != nil {
		b.logger.Warn("relayed update rejected", logging.Error(err))
	}
}

// Run starts the relay link and the background loops, blocking until ctx
// ends. Each loop failure is logged and the loop continues.
func (b *Broker) Run(ctx context.Context) {
	if b.relay != nil {
		b.relay.Start(ctx)
	}

	sweepInterval := b.cfg.IdleSweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	sweep := time.NewTicker(sweepInterval)
	reset := time.NewTicker(statsResetInterval)
	defer sweep.Stop()
	defer reset.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			b.sweepIdleSessions()
		case <-reset.C:
			b.collector.Reset()
			b.logger.Info("analytics counters reset")
		}
	}
}

// sweepIdleSessions closes connections without activity past the threshold.
func (b *Broker) sweepIdleSessions() {
	idle := b.sessions.IdleSessions(b.cfg.IdleThreshold)
	if len(idle) == 0 {
		return
	}
	b.logger.Info("closing idle sessions", logging.Int("count", len(idle)))
	for _, sessionID := range idle {
		b.mu.Lock()
		c, ok := b.clients[sessionID]
		b.mu.Unlock()
		if ok {
			b.disconnect(c)
		}
	}
}

// Shutdown flushes outbound queues and closes every connection.
func (b *Broker) Shutdown() {
	b.pipeline.Close()
	if b.relay != nil {
		_ = b.relay.Close()
	}

	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		b.disconnect(c)
	}
}

// Pipeline exposes the batching pipeline for telemetry wiring.
func (b *Broker) Pipeline() *batch.Pipeline {
	return b.pipeline
}

// Dispatcher exposes the dispatcher for embedding applications.
func (b *Broker) Dispatcher() *dispatch.Dispatcher {
	return b.dispatcher
}
