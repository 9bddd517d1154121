package main

import (
	"encoding/json"
	"errors"
	"time"

	"talentpulse/streamer/internal/analytics"
	"talentpulse/streamer/internal/filter"
	"talentpulse/streamer/internal/logging"
	"talentpulse/streamer/internal/ratelimit"
	"talentpulse/streamer/internal/subscription"
)

// clientEvent is the inbound socket frame. The client_stats counters embed
// flat into the same object.
type clientEvent struct {
	Event          string             `json:"event"`
	EntityType     string             `json:"entity_type,omitempty"`
	EntityID       string             `json:"entity_id,omitempty"`
	EntityTypes    []string           `json:"entity_types,omitempty"`
	MultiEntity    bool               `json:"multi_entity,omitempty"`
	Filter         *filter.Expression `json:"filter,omitempty"`
	FilterHash     string             `json:"filter_hash,omitempty"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	Timestamp      int64              `json:"timestamp,omitempty"`
	ID             string             `json:"id,omitempty"`
	Type           string             `json:"type,omitempty"`
	Message        string             `json:"message,omitempty"`

	analytics.ClientStats
}

type subscriptionStatus struct {
	Event           string   `json:"event"`
	Status          string   `json:"status"`
	EntityType      string   `json:"entity_type,omitempty"`
	EntityID        string   `json:"entity_id,omitempty"`
	EntityTypes     []string `json:"entity_types,omitempty"`
	MultiEntity     bool     `json:"multi_entity,omitempty"`
	FilterHash      string   `json:"filter_hash,omitempty"`
	SubscriptionID  string   `json:"subscription_id,omitempty"`
	SubscriberCount int      `json:"subscriber_count,omitempty"`
	Removed         int      `json:"removed,omitempty"`
}

type errorFrame struct {
	Event   string         `json:"event"`
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type pongFrame struct {
	Event      string `json:"event"`
	Timestamp  int64  `json:"timestamp"`
	ServerTime int64  `json:"server_time"`
}

// handleEvent parses and routes one inbound frame. A panicking handler is
// converted to a generic error frame so one bad message cannot take the
// connection down.
func (b *Broker) handleEvent(c *client, raw []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("event handler panicked",
				logging.String("session_id", c.sessionID),
				logging.String("panic", toString(recovered)))
			b.sendError(c, 500, "internal error", nil)
		}
	}()

	var evt clientEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		b.sendError(c, 400, "malformed event", nil)
		return
	}

	if !b.allowMessage(c, evt.Event) {
		return
	}

	switch evt.Event {
	case "subscribe":
		b.handleSubscribe(c, evt)
	case "unsubscribe":
		b.handleUnsubscribe(c, evt)
	case "unsubscribe_all":
		removed := b.subs.UnsubscribeAll(c.sessionID)
		b.sendControl(c, subscriptionStatus{Event: "subscription_status", Status: "unsubscribed_all", Removed: removed})
	case "ping":
		b.sendControl(c, pongFrame{Event: "pong", Timestamp: evt.Timestamp, ServerTime: time.Now().UnixMilli()})
	case "client_stats":
		b.collector.IngestClientStats(evt.ClientStats)
	case "acknowledge":
		if !b.collector.Acknowledge(evt.ID) {
			b.logger.Debug("acknowledge for unknown id",
				logging.String("session_id", c.sessionID),
				logging.String("ack_id", evt.ID))
		}
	case "error":
		b.logger.Warn("client reported error",
			logging.String("session_id", c.sessionID),
			logging.String("type", evt.Type),
			logging.String("message", evt.Message))
	default:
		b.sendError(c, 400, "unknown event", map[string]any{"event": evt.Event})
	}
}

// allowMessage applies the message-class rate limit. Ping frames stay exempt
// so a throttled client still keeps its connection alive, and subscribe
// frames are charged by the subscription-class limiter in the registry
// instead of here.
func (b *Broker) allowMessage(c *client, event string) bool {
	switch event {
	case "ping", "subscribe":
		return true
	}
	sess := b.sessions.Get(c.sessionID)
	if sess == nil {
		return false
	}
	var decision ratelimit.Decision
	if sess.Anonymous() {
		decision = b.limiter.AllowIP(ratelimit.ClassMessage, sess.IP)
	} else {
		decision = b.limiter.AllowUser(ratelimit.ClassMessage, sess.UserID)
	}
	if !decision.Allowed {
		b.sendError(c, 429, "message rate limit exceeded", map[string]any{
			"retry_after": decision.RetryAfter.Seconds(),
		})
		return false
	}
	return true
}

func (b *Broker) handleSubscribe(c *client, evt clientEvent) {
	sess := b.sessions.Get(c.sessionID)
	if sess == nil {
		return
	}

	switch {
	case evt.MultiEntity || len(evt.EntityTypes) > 0:
		roomID, err := b.subs.SubscribeMulti(sess, evt.EntityTypes, evt.Filter)
		if err != nil {
			b.sendSubscribeError(c, err)
			return
		}
		b.sendControl(c, subscriptionStatus{
			Event:          "subscription_status",
			Status:         "subscribed",
			MultiEntity:    true,
			EntityTypes:    evt.EntityTypes,
			SubscriptionID: roomID,
		})
	case evt.EntityID != "":
		count, err := b.subs.SubscribeDirect(sess, evt.EntityType, evt.EntityID, evt.Filter)
		if err != nil {
			b.sendSubscribeError(c, err)
			return
		}
		b.sendControl(c, subscriptionStatus{
			Event:           "subscription_status",
			Status:          "subscribed",
			EntityType:      evt.EntityType,
			EntityID:        evt.EntityID,
			SubscriberCount: count,
		})
	case evt.Filter != nil:
		hash, err := b.subs.SubscribeFiltered(sess, evt.EntityType, evt.Filter)
		if err != nil {
			b.sendSubscribeError(c, err)
			return
		}
		b.sendControl(c, subscriptionStatus{
			Event:      "subscription_status",
			Status:     "subscribed",
			EntityType: evt.EntityType,
			FilterHash: hash,
		})
	default:
		b.sendError(c, 400, "subscribe requires entity_id, filter or entity_types", nil)
	}
}

func (b *Broker) handleUnsubscribe(c *client, evt clientEvent) {
	var found bool
	status := subscriptionStatus{Event: "subscription_status", EntityType: evt.EntityType}
	switch {
	case evt.MultiEntity || evt.SubscriptionID != "":
		found = b.subs.UnsubscribeMulti(c.sessionID, evt.SubscriptionID)
		status.MultiEntity = true
		status.SubscriptionID = evt.SubscriptionID
	case evt.FilterHash != "":
		found = b.subs.UnsubscribeFiltered(c.sessionID, evt.EntityType, evt.FilterHash)
		status.FilterHash = evt.FilterHash
	case evt.EntityID != "":
		found = b.subs.UnsubscribeDirect(c.sessionID, evt.EntityType, evt.EntityID)
		status.EntityID = evt.EntityID
	default:
		b.sendError(c, 400, "unsubscribe requires entity_id, filter_hash or subscription_id", nil)
		return
	}

	// Missing subscriptions are reported, not errored.
	status.Status = "unsubscribed"
	if !found {
		status.Status = "not_found"
	}
	b.sendControl(c, status)
}

// sendSubscribeError converts registry errors into the client error frames:
// 400 for validation, 403 for denied permissions, 429 for rate limits.
func (b *Broker) sendSubscribeError(c *client, err error) {
	var permErr *subscription.PermissionError
	var rateErr *subscription.RateLimitError
	switch {
	case errors.As(err, &permErr):
		b.sendError(c, 403, "permission denied", map[string]any{"denied_types": permErr.DeniedTypes})
	case errors.As(err, &rateErr):
		b.sendError(c, 429, "subscription rate limit exceeded", map[string]any{"retry_after": rateErr.RetryAfter.Seconds()})
	case errors.Is(err, subscription.ErrInvalidFilter),
		errors.Is(err, subscription.ErrTooManyEntityTypes),
		errors.Is(err, filter.ErrInvalidExpression):
		b.sendError(c, 400, err.Error(), nil)
	default:
		b.logger.Error("subscribe failed", logging.String("session_id", c.sessionID), logging.Error(err))
		b.sendError(c, 400, err.Error(), nil)
	}
}

func (b *Broker) sendError(c *client, code int, message string, details map[string]any) {
	b.collector.ErrorEmitted()
	b.sendControl(c, errorFrame{Event: "error", Code: code, Message: message, Details: details})
}

func toString(value any) string {
	if err, ok := value.(error); ok {
		return err.Error()
	}
	if s, ok := value.(string); ok {
		return s
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "unprintable panic value"
	}
	return string(raw)
}
