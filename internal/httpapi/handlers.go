// Package httpapi bundles the operational HTTP surface: token issuing for
// the host web application and the JSON telemetry endpoints consumed by ops
// tooling.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"talentpulse/streamer/internal/analytics"
	"talentpulse/streamer/internal/auth"
	"talentpulse/streamer/internal/cache"
	"talentpulse/streamer/internal/logging"
	"talentpulse/streamer/internal/ratelimit"
	"talentpulse/streamer/internal/session"
	"talentpulse/streamer/internal/subscription"
)

// RateLimiter gates how frequently the token endpoint may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger        *logging.Logger
	Tokens        *auth.TokenService
	Sessions      *session.Registry
	Subscriptions *subscription.Registry
	Collector     *analytics.Collector
	CacheStats    func() cache.Stats
	LimiterStats  func() ratelimit.Snapshot
	QueueDepth    func() int
	CachedGrants  func() int
	AdminToken    string
	RateLimiter   RateLimiter
	TimeSource    func() time.Time
	StartedAt     time.Time
}

// HandlerSet bundles the streamer's HTTP handlers.
type HandlerSet struct {
	logger        *logging.Logger
	tokens        *auth.TokenService
	sessions      *session.Registry
	subscriptions *subscription.Registry
	collector     *analytics.Collector
	cacheStats    func() cache.Stats
	limiterStats  func() ratelimit.Snapshot
	queueDepth    func() int
	cachedGrants  func() int
	adminToken    string
	rateLimiter   RateLimiter
	now           func() time.Time
	startedAt     time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	startedAt := opts.StartedAt
	if startedAt.IsZero() {
		startedAt = now()
	}
	return &HandlerSet{
		logger:        logger,
		tokens:        opts.Tokens,
		sessions:      opts.Sessions,
		subscriptions: opts.Subscriptions,
		collector:     opts.Collector,
		cacheStats:    opts.CacheStats,
		limiterStats:  opts.LimiterStats,
		queueDepth:    opts.QueueDepth,
		cachedGrants:  opts.CachedGrants,
		adminToken:    strings.TrimSpace(opts.AdminToken),
		rateLimiter:   opts.RateLimiter,
		now:           now,
		startedAt:     startedAt,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/status", h.StatusHandler())
	mux.HandleFunc("/token", h.TokenHandler())
	mux.HandleFunc("/message-stats", h.MessageStatsHandler())
	mux.HandleFunc("/connections", h.ConnectionsHandler())
	mux.HandleFunc("/connection/", h.ConnectionHandler())
	mux.HandleFunc("/security-stats", h.SecurityStatsHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// StatusHandler summarizes the process for dashboards.
func (h *HandlerSet) StatusHandler() http.HandlerFunc {
	type response struct {
		Status        string              `json:"status"`
		UptimeSeconds float64             `json:"uptime_seconds"`
		Sessions      int                 `json:"sessions"`
		Subscriptions subscription.Totals `json:"subscriptions"`
		QueuedFrames  int                 `json:"queued_frames"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{
			Status:        "ok",
			UptimeSeconds: h.now().Sub(h.startedAt).Seconds(),
			Sessions:      h.sessions.Count(),
		}
		if h.subscriptions != nil {
			resp.Subscriptions = h.subscriptions.Counts()
		}
		if h.queueDepth != nil {
			resp.QueuedFrames = h.queueDepth()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// TokenHandler issues socket auth tokens to the host web application. The
// caller proves itself with the shared admin token.
func (h *HandlerSet) TokenHandler() http.HandlerFunc {
	type request struct {
		UserID      string   `json:"user_id"`
		Permissions []string `json:"permissions"`
	}
	type response struct {
		Token       string   `json:"token"`
		ExpiresAt   string   `json:"expires_at"`
		Permissions []string `json:"permissions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "token"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("token issue denied: admin auth disabled")
			http.Error(w, "token issuing not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("token issue denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("token issue denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.tokens == nil {
			http.Error(w, "token service unavailable", http.StatusServiceUnavailable)
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		token, expiresAt, err := h.tokens.Generate(req.UserID, req.Permissions)
		if err != nil {
			reqLogger.Error("token generation failed", logging.Error(err))
			http.Error(w, "failed to issue token", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("socket token issued", logging.String("user_id", req.UserID))
		writeJSON(w, http.StatusOK, response{
			Token:       token,
			ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
			Permissions: req.Permissions,
		})
	}
}

// MessageStatsHandler exposes the analytics counters plus cache
// effectiveness and queue depth.
func (h *HandlerSet) MessageStatsHandler() http.HandlerFunc {
	type response struct {
		Analytics    analytics.Snapshot `json:"analytics"`
		Cache        cache.Stats        `json:"cache"`
		QueuedFrames int                `json:"queued_frames"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{Analytics: h.collector.Stats()}
		if h.cacheStats != nil {
			resp.Cache = h.cacheStats()
		}
		if h.queueDepth != nil {
			resp.QueuedFrames = h.queueDepth()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ConnectionsHandler lists every live session.
func (h *HandlerSet) ConnectionsHandler() http.HandlerFunc {
	type response struct {
		Count    int                `json:"count"`
		Sessions []session.Snapshot `json:"sessions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := h.sessions.SnapshotAll()
		writeJSON(w, http.StatusOK, response{Count: len(sessions), Sessions: sessions})
	}
}

// ConnectionHandler details a single session, including its subscriptions.
func (h *HandlerSet) ConnectionHandler() http.HandlerFunc {
	type response struct {
		Session       session.Snapshot           `json:"session"`
		Subscriptions subscription.SessionDetail `json:"subscriptions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := strings.TrimPrefix(r.URL.Path, "/connection/")
		if sessionID == "" || strings.Contains(sessionID, "/") {
			http.Error(w, "session id required", http.StatusBadRequest)
			return
		}
		snapshot, err := h.sessions.SnapshotOne(sessionID)
		if err != nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		resp := response{Session: snapshot}
		if h.subscriptions != nil {
			resp.Subscriptions = h.subscriptions.DetailFor(sessionID)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// SecurityStatsHandler reports limiter and token security counters. Admin
// only, since denial patterns reveal abuse probes.
func (h *HandlerSet) SecurityStatsHandler() http.HandlerFunc {
	type response struct {
		RateLimiter   ratelimit.Snapshot `json:"rate_limiter"`
		RevokedTokens int                `json:"revoked_tokens"`
		CachedGrants  int                `json:"cached_grants"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" || !h.authorise(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		resp := response{}
		if h.limiterStats != nil {
			resp.RateLimiter = h.limiterStats()
		}
		if h.tokens != nil {
			resp.RevokedTokens = h.tokens.RevokedCount()
		}
		if h.cachedGrants != nil {
			resp.CachedGrants = h.cachedGrants()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
