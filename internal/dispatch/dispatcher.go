// Package dispatch fans entity updates out to the subscription indices,
// consulting the evaluation cache for filter matches and routing delivery
// through the batching pipeline.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"talentpulse/streamer/internal/analytics"
	"talentpulse/streamer/internal/batch"
	"talentpulse/streamer/internal/cache"
	"talentpulse/streamer/internal/filter"
	"talentpulse/streamer/internal/logging"
	"talentpulse/streamer/internal/subscription"
)

// UpdateKind classifies one entity change event.
type UpdateKind string

const (
	KindCreated        UpdateKind = "created"
	KindUpdated        UpdateKind = "updated"
	KindDeleted        UpdateKind = "deleted"
	KindStatusChange   UpdateKind = "status_change"
	KindError          UpdateKind = "error"
	KindCriticalStatus UpdateKind = "critical_status"
)

// ErrUnknownKind rejects updates with an unrecognized kind.
var ErrUnknownKind = errors.New("unknown update kind")

// bumpsVersion reports whether the kind advances the entity version. Error
// and critical-status events describe the entity without changing it.
func (k UpdateKind) bumpsVersion() bool {
	switch k {
	case KindCreated, KindUpdated, KindDeleted, KindStatusChange:
		return true
	default:
		return false
	}
}

// highPriority reports whether the kind bypasses batching.
func (k UpdateKind) highPriority() bool {
	switch k {
	case KindDeleted, KindError, KindCriticalStatus:
		return true
	default:
		return false
	}
}

func (k UpdateKind) valid() bool {
	switch k {
	case KindCreated, KindUpdated, KindDeleted, KindStatusChange, KindError, KindCriticalStatus:
		return true
	default:
		return false
	}
}

// Update is the payload delivered to matching subscribers.
type Update struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Kind       UpdateKind     `json:"kind"`
	Version    uint64         `json:"version,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	AckID      string         `json:"ack_id,omitempty"`
}

// Dispatcher wires the registries, cache and pipeline together.
type Dispatcher struct {
	subs      *subscription.Registry
	cache     *cache.EvaluationCache
	pipeline  *batch.Pipeline
	collector *analytics.Collector
	logger    *logging.Logger
	now       func() time.Time
	newAckID  func() string
}

// Options configures a Dispatcher.
type Options struct {
	Subscriptions *subscription.Registry
	Cache         *cache.EvaluationCache
	Pipeline      *batch.Pipeline
	Collector     *analytics.Collector
	Logger        *logging.Logger
	Clock         func() time.Time
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Dispatcher{
		subs:      opts.Subscriptions,
		cache:     opts.Cache,
		pipeline:  opts.Pipeline,
		collector: opts.Collector,
		logger:    logger,
		now:       clock,
		newAckID:  uuid.NewString,
	}
}

// EmitEntityUpdate is the entry point for the domain event source. It
// invalidates cached evaluations, resolves the matching sessions across the
// three subscription indices in order (direct, filtered, multi) and hands
// one message per match to the pipeline. It reports how many messages were
// enqueued.
func (d *Dispatcher) EmitEntityUpdate(entityType, entityID string, kind UpdateKind, snapshot map[string]any, requestAck bool) (int, error) {
	if d == nil {
		return 0, errors.New("dispatcher is not initialized")
	}
	if entityType == "" || entityID == "" {
		return 0, errors.New("entity type and id must be provided")
	}
	if !kind.valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if kind.bumpsVersion() {
		d.cache.InvalidateEntity(entityType, entityID)
		if kind == KindCreated || kind == KindDeleted {
			// Creation and deletion change type-level result sets, so every
			// cached evaluation for the type is suspect.
			d.cache.InvalidateEntityType(entityType)
		}
	}

	highPriority := kind.highPriority() || requestAck
	update := Update{
		EntityType: entityType,
		EntityID:   entityID,
		Kind:       kind,
		Version:    d.cache.Versions().Version(entityType, entityID),
		Data:       snapshot,
		Timestamp:  d.now(),
	}
	if highPriority {
		update.AckID = d.newAckID()
		d.collector.TrackAck(update.AckID, entityType)
	}

	delivered := 0
	for _, match := range d.subs.DirectSubscribers(entityType, entityID) {
		if match.Filter != nil && !d.matches(entityType, entityID, match.Filter, snapshot) {
			continue
		}
		d.send(match.SessionID, update, highPriority)
		delivered++
	}
	for _, match := range d.subs.FilteredSubscribers(entityType) {
		if !d.matches(entityType, entityID, match.Filter, snapshot) {
			continue
		}
		for _, sessionID := range match.SessionIDs {
			d.send(sessionID, update, highPriority)
			delivered++
		}
	}
	for _, match := range d.subs.MultiSubscribers(entityType) {
		if match.Filter != nil && !d.matches(entityType, entityID, match.Filter, snapshot) {
			continue
		}
		for _, sessionID := range match.SessionIDs {
			d.send(sessionID, update, highPriority)
			delivered++
		}
	}

	d.logger.Debug("entity update dispatched",
		logging.String("entity_type", entityType),
		logging.String("entity_id", entityID),
		logging.String("kind", string(kind)),
		logging.Int("recipients", delivered))
	return delivered, nil
}

// matches memoizes filter evaluation per (entity, filter, version).
func (d *Dispatcher) matches(entityType, entityID string, expr *filter.Expression, snapshot map[string]any) bool {
	hash := filter.Hash(expr)
	if result, ok := d.cache.Get(entityType, entityID, hash); ok {
		return result
	}
	result := filter.Evaluate(expr, snapshot)
	d.cache.Put(entityType, entityID, hash, result)
	return result
}

func (d *Dispatcher) send(sessionID string, update Update, highPriority bool) {
	d.pipeline.Enqueue(sessionID, batch.Message{
		Event:        "message",
		Payload:      update,
		EntityType:   update.EntityType,
		HighPriority: highPriority,
		EnqueuedAt:   update.Timestamp,
	}, false)
}
