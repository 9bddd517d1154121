// Package permission makes subscribe/publish authorization decisions with
// wildcard matching and a short-lived decision cache.
package permission

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"talentpulse/streamer/internal/filter"
)

// Action distinguishes the two authorizable operations.
type Action string

const (
	ActionSubscribe Action = "subscribe"
	ActionPublish   Action = "publish"
)

// Wildcard grants every entity type for an action, e.g. "subscribe:*".
const Wildcard = "*"

// Lookup resolves a user id to its permission strings and admin flag. The
// host identity service owns this data; the streamer only consults it.
type Lookup func(userID string) (permissions []string, admin bool)

const (
	defaultCacheSize = 2048
	defaultCacheTTL  = 30 * time.Second
)

// Options configures the Service.
type Options struct {
	Lookup            Lookup
	PublicEntityTypes []string
	RestrictedFields  map[string][]string
	CacheSize         int
	CacheTTL          time.Duration
}

type decisionKey struct {
	User       string
	Action     Action
	EntityType string
	EntityID   string
	FilterHash string
}

// Service answers authorization questions. Decisions are cached briefly so
// hot dispatch paths do not hammer the identity lookup.
type Service struct {
	lookup      Lookup
	publicTypes map[string]struct{}
	restricted  map[string]map[string]struct{}
	decisions   *expirable.LRU[decisionKey, bool]
}

// DefaultRestrictedFields lists entity fields that filters may never
// reference, per entity type.
func DefaultRestrictedFields() map[string][]string {
	return map[string][]string{
		"campaign":    {"internal_budget", "margin", "cost_per_acquisition"},
		"job_opening": {"salary_min", "salary_max", "internal_notes"},
		"candidate":   {"salary_expectation", "internal_rating"},
	}
}

// DefaultPublicEntityTypes lists the entity types anonymous connections may
// subscribe to.
func DefaultPublicEntityTypes() []string {
	return []string{"campaign", "job_opening"}
}

// NewService constructs a permission service.
func NewService(opts Options) *Service {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	publicTypes := make(map[string]struct{}, len(opts.PublicEntityTypes))
	for _, entityType := range opts.PublicEntityTypes {
		publicTypes[entityType] = struct{}{}
	}
	restricted := make(map[string]map[string]struct{}, len(opts.RestrictedFields))
	for entityType, fields := range opts.RestrictedFields {
		set := make(map[string]struct{}, len(fields))
		for _, field := range fields {
			set[field] = struct{}{}
		}
		restricted[entityType] = set
	}
	return &Service{
		lookup:      opts.Lookup,
		publicTypes: publicTypes,
		restricted:  restricted,
		decisions:   expirable.NewLRU[decisionKey, bool](size, nil, ttl),
	}
}

// Allowed reports whether the user may perform the action on the entity
// type, optionally narrowed to an instance and a filter. Lookup failures and
// unknown users deny rather than propagate.
func (s *Service) Allowed(userID string, action Action, entityType, entityID string, expr *filter.Expression) bool {
	if s == nil || entityType == "" {
		return false
	}

	filterHash := ""
	if expr != nil {
		filterHash = filter.Hash(expr)
	}
	key := decisionKey{User: userID, Action: action, EntityType: entityType, EntityID: entityID, FilterHash: filterHash}
	if cached, ok := s.decisions.Get(key); ok {
		return cached
	}

	allowed := s.decide(userID, action, entityType, entityID, expr)
	s.decisions.Add(key, allowed)
	return allowed
}

func (s *Service) decide(userID string, action Action, entityType, entityID string, expr *filter.Expression) bool {
	if userID == "" {
		// Anonymous connections are subscribe-only on the public allow-list.
		if action != ActionSubscribe {
			return false
		}
		if _, ok := s.publicTypes[entityType]; !ok {
			return false
		}
		return s.filterAllowed(entityType, expr)
	}

	if s.lookup == nil {
		return false
	}
	permissions, admin := s.lookup(userID)
	if admin {
		return true
	}

	granted := make(map[string]struct{}, len(permissions))
	for _, permission := range permissions {
		granted[strings.TrimSpace(permission)] = struct{}{}
	}

	prefix := string(action) + ":"
	if !hasAny(granted,
		prefix+Wildcard,
		prefix+entityType,
		instanceGrant(prefix, entityType, entityID),
	) {
		return false
	}
	if expr != nil && !s.filterAllowed(entityType, expr) {
		return false
	}
	return true
}

func instanceGrant(prefix, entityType, entityID string) string {
	if entityID == "" {
		return ""
	}
	return prefix + entityType + ":" + entityID
}

func hasAny(granted map[string]struct{}, candidates ...string) bool {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if _, ok := granted[candidate]; ok {
			return true
		}
	}
	return false
}

// filterAllowed rejects filters referencing restricted fields of the type.
func (s *Service) filterAllowed(entityType string, expr *filter.Expression) bool {
	if expr == nil {
		return true
	}
	restricted, ok := s.restricted[entityType]
	if !ok {
		return true
	}
	for _, field := range filter.Fields(expr) {
		if _, blocked := restricted[field]; blocked {
			return false
		}
	}
	return true
}

// ClearCacheForUser drops every cached decision for the user, forcing fresh
// lookups after a permission change.
func (s *Service) ClearCacheForUser(userID string) {
	if s == nil {
		return
	}
	for _, key := range s.decisions.Keys() {
		if key.User == userID {
			s.decisions.Remove(key)
		}
	}
}

// CachedDecisions reports the decision cache occupancy for telemetry.
func (s *Service) CachedDecisions() int {
	if s == nil {
		return 0
	}
	return s.decisions.Len()
}
