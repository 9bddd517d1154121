// Package subscription owns the three subscription indices (direct, filtered,
// multi-entity) behind a single synchronization boundary, together with the
// per-session back-references used for O(1) cleanup on disconnect.
package subscription

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"talentpulse/streamer/internal/filter"
	"talentpulse/streamer/internal/permission"
	"talentpulse/streamer/internal/ratelimit"
	"talentpulse/streamer/internal/session"
)

// MaxMultiEntityTypes bounds one multi-entity subscription.
const MaxMultiEntityTypes = 10

// ErrInvalidFilter wraps filter validation failures at the subscribe boundary.
var ErrInvalidFilter = errors.New("invalid subscription filter")

// ErrTooManyEntityTypes rejects oversized multi-entity subscriptions.
var ErrTooManyEntityTypes = fmt.Errorf("multi-entity subscription exceeds %d entity types", MaxMultiEntityTypes)

// PermissionError reports which entity types failed authorization.
type PermissionError struct {
	DeniedTypes []string
}

func (e *PermissionError) Error() string {
	return "permission denied for entity types: " + strings.Join(e.DeniedTypes, ", ")
}

// RateLimitError reports a subscription-class rate limit rejection.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("subscription rate limit exceeded, retry after %s", e.RetryAfter)
}

// SubscriberSet is the uniform subscriber-entry shape: session membership
// plus optional per-session filters.
type SubscriberSet struct {
	Sessions map[string]struct{}
	Filters  map[string]*filter.Expression
}

func newSubscriberSet() *SubscriberSet {
	return &SubscriberSet{
		Sessions: make(map[string]struct{}),
		Filters:  make(map[string]*filter.Expression),
	}
}

type directKey struct {
	EntityType string
	EntityID   string
}

type filteredEntry struct {
	Filter   *filter.Expression
	Sessions map[string]struct{}
}

type multiEntry struct {
	EntityTypes []string
	Filter      *filter.Expression
	Sessions    map[string]struct{}
}

type filteredKey struct {
	EntityType string
	FilterHash string
}

// sessionRefs mirrors a session's memberships for reverse lookup only; the
// maps above remain authoritative.
type sessionRefs struct {
	direct   map[directKey]struct{}
	filtered map[filteredKey]struct{}
	rooms    map[string]struct{}
}

func newSessionRefs() *sessionRefs {
	return &sessionRefs{
		direct:   make(map[directKey]struct{}),
		filtered: make(map[filteredKey]struct{}),
		rooms:    make(map[string]struct{}),
	}
}

// Registry coordinates all subscription state.
type Registry struct {
	mu          sync.Mutex
	direct      map[directKey]*SubscriberSet
	filtered    map[filteredKey]*filteredEntry
	multi       map[string]*multiEntry
	roomsByType map[string]map[string]struct{}
	refs        map[string]*sessionRefs

	permissions *permission.Service
	limiter     *ratelimit.Limiter
}

// NewRegistry constructs a registry enforcing the supplied permission and
// rate-limit policies at the subscribe boundary.
func NewRegistry(permissions *permission.Service, limiter *ratelimit.Limiter) *Registry {
	return &Registry{
		direct:      make(map[directKey]*SubscriberSet),
		filtered:    make(map[filteredKey]*filteredEntry),
		multi:       make(map[string]*multiEntry),
		roomsByType: make(map[string]map[string]struct{}),
		refs:        make(map[string]*sessionRefs),
		permissions: permissions,
		limiter:     limiter,
	}
}

func (r *Registry) gate(sess *session.Session) error {
	if r.limiter == nil {
		return nil
	}
	var decision ratelimit.Decision
	if sess.Anonymous() {
		decision = r.limiter.AllowIP(ratelimit.ClassSubscription, sess.IP)
	} else {
		decision = r.limiter.AllowUser(ratelimit.ClassSubscription, sess.UserID)
	}
	if !decision.Allowed {
		return &RateLimitError{RetryAfter: decision.RetryAfter}
	}
	return nil
}

func (r *Registry) authorize(sess *session.Session, entityType, entityID string, expr *filter.Expression) error {
	if r.permissions == nil {
		return nil
	}
	if !r.permissions.Allowed(sess.UserID, permission.ActionSubscribe, entityType, entityID, expr) {
		return &PermissionError{DeniedTypes: []string{entityType}}
	}
	return nil
}

func validateOptionalFilter(expr *filter.Expression) error {
	if expr == nil {
		return nil
	}
	if err := filter.Validate(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return nil
}

// SubscribeDirect subscribes the session to one specific entity instance,
// optionally narrowed by a per-session filter. It returns the subscriber
// count for the entity after insertion.
func (r *Registry) SubscribeDirect(sess *session.Session, entityType, entityID string, expr *filter.Expression) (int, error) {
	if sess == nil || entityType == "" || entityID == "" {
		return 0, errors.New("entity type and id must be provided")
	}
	if err := validateOptionalFilter(expr); err != nil {
		return 0, err
	}
	if err := r.authorize(sess, entityType, entityID, expr); err != nil {
		return 0, err
	}
	if err := r.gate(sess); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := directKey{EntityType: entityType, EntityID: entityID}
	set := r.direct[key]
	if set == nil {
		set = newSubscriberSet()
		r.direct[key] = set
	}
	set.Sessions[sess.ID] = struct{}{}
	if expr != nil {
		set.Filters[sess.ID] = expr
	} else {
		delete(set.Filters, sess.ID)
	}
	r.refsFor(sess.ID).direct[key] = struct{}{}
	return len(set.Sessions), nil
}

// SubscribeFiltered subscribes the session to every instance of the entity
// type matching the filter. The filter's stable hash keys the index and is
// returned for the client to unsubscribe with.
func (r *Registry) SubscribeFiltered(sess *session.Session, entityType string, expr *filter.Expression) (string, error) {
	if sess == nil || entityType == "" {
		return "", errors.New("entity type must be provided")
	}
	if expr == nil {
		return "", fmt.Errorf("%w: filtered subscription requires a filter", ErrInvalidFilter)
	}
	if err := validateOptionalFilter(expr); err != nil {
		return "", err
	}
	if err := r.authorize(sess, entityType, "", expr); err != nil {
		return "", err
	}
	if err := r.gate(sess); err != nil {
		return "", err
	}

	hash := filter.Hash(expr)

	r.mu.Lock()
	defer r.mu.Unlock()

	key := filteredKey{EntityType: entityType, FilterHash: hash}
	entry := r.filtered[key]
	if entry == nil {
		entry = &filteredEntry{Filter: expr, Sessions: make(map[string]struct{})}
		r.filtered[key] = entry
	}
	entry.Sessions[sess.ID] = struct{}{}
	r.refsFor(sess.ID).filtered[key] = struct{}{}
	return hash, nil
}

// SubscribeMulti subscribes the session to several entity types at once with
// an optional shared filter. Every entity type must pass authorization; a
// failure reports the full list of denied types.
func (r *Registry) SubscribeMulti(sess *session.Session, entityTypes []string, expr *filter.Expression) (string, error) {
	if sess == nil || len(entityTypes) == 0 {
		return "", errors.New("at least one entity type must be provided")
	}
	if len(entityTypes) > MaxMultiEntityTypes {
		return "", ErrTooManyEntityTypes
	}
	if err := validateOptionalFilter(expr); err != nil {
		return "", err
	}

	var denied []string
	for _, entityType := range entityTypes {
		if r.permissions != nil && !r.permissions.Allowed(sess.UserID, permission.ActionSubscribe, entityType, "", expr) {
			denied = append(denied, entityType)
		}
	}
	if len(denied) > 0 {
		sort.Strings(denied)
		return "", &PermissionError{DeniedTypes: denied}
	}
	if err := r.gate(sess); err != nil {
		return "", err
	}

	roomID := RoomID(sess.ID, entityTypes, expr)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.multi[roomID]
	if entry == nil {
		sorted := append([]string(nil), entityTypes...)
		sort.Strings(sorted)
		entry = &multiEntry{EntityTypes: sorted, Filter: expr, Sessions: make(map[string]struct{})}
		r.multi[roomID] = entry
		for _, entityType := range sorted {
			rooms := r.roomsByType[entityType]
			if rooms == nil {
				rooms = make(map[string]struct{})
				r.roomsByType[entityType] = rooms
			}
			rooms[roomID] = struct{}{}
		}
	}
	entry.Sessions[sess.ID] = struct{}{}
	r.refsFor(sess.ID).rooms[roomID] = struct{}{}
	return roomID, nil
}

// RoomID derives the deterministic multi-entity room identifier.
func RoomID(sessionID string, entityTypes []string, expr *filter.Expression) string {
	sorted := append([]string(nil), entityTypes...)
	sort.Strings(sorted)
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionID))
	_, _ = h.Write([]byte(strings.Join(sorted, ",")))
	if expr != nil {
		_, _ = h.Write([]byte(filter.Hash(expr)))
	}
	return "room-" + strconv.FormatUint(h.Sum64(), 16)
}

// UnsubscribeDirect removes the session's direct subscription. Missing
// subscriptions are reported as found=false, never as errors.
func (r *Registry) UnsubscribeDirect(sessionID, entityType, entityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeDirectLocked(sessionID, directKey{EntityType: entityType, EntityID: entityID})
}

// UnsubscribeFiltered removes the session from a filtered subscription by
// its filter hash.
func (r *Registry) UnsubscribeFiltered(sessionID, entityType, filterHash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeFilteredLocked(sessionID, filteredKey{EntityType: entityType, FilterHash: filterHash})
}

// UnsubscribeMulti removes the session from a multi-entity room.
func (r *Registry) UnsubscribeMulti(sessionID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeRoomLocked(sessionID, roomID)
}

// UnsubscribeAll drains every index for the session and reports how many
// subscriptions were removed. Used on disconnect and on explicit request.
func (r *Registry) UnsubscribeAll(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs, ok := r.refs[sessionID]
	if !ok {
		return 0
	}
	removed := 0
	for key := range refs.direct {
		if r.removeDirectLocked(sessionID, key) {
			removed++
		}
	}
	for key := range refs.filtered {
		if r.removeFilteredLocked(sessionID, key) {
			removed++
		}
	}
	for roomID := range refs.rooms {
		if r.removeRoomLocked(sessionID, roomID) {
			removed++
		}
	}
	delete(r.refs, sessionID)
	return removed
}

func (r *Registry) refsFor(sessionID string) *sessionRefs {
	refs := r.refs[sessionID]
	if refs == nil {
		refs = newSessionRefs()
		r.refs[sessionID] = refs
	}
	return refs
}

func (r *Registry) removeDirectLocked(sessionID string, key directKey) bool {
	set, ok := r.direct[key]
	if !ok {
		return false
	}
	if _, member := set.Sessions[sessionID]; !member {
		return false
	}
	delete(set.Sessions, sessionID)
	delete(set.Filters, sessionID)
	if len(set.Sessions) == 0 {
		delete(r.direct, key)
	}
	if refs, ok := r.refs[sessionID]; ok {
		delete(refs.direct, key)
	}
	return true
}

func (r *Registry) removeFilteredLocked(sessionID string, key filteredKey) bool {
	entry, ok := r.filtered[key]
	if !ok {
		return false
	}
	if _, member := entry.Sessions[sessionID]; !member {
		return false
	}
	delete(entry.Sessions, sessionID)
	if len(entry.Sessions) == 0 {
		delete(r.filtered, key)
	}
	if refs, ok := r.refs[sessionID]; ok {
		delete(refs.filtered, key)
	}
	return true
}

func (r *Registry) removeRoomLocked(sessionID, roomID string) bool {
	entry, ok := r.multi[roomID]
	if !ok {
		return false
	}
	if _, member := entry.Sessions[sessionID]; !member {
		return false
	}
	delete(entry.Sessions, sessionID)
	if len(entry.Sessions) == 0 {
		for _, entityType := range entry.EntityTypes {
			if rooms, ok := r.roomsByType[entityType]; ok {
				delete(rooms, roomID)
				if len(rooms) == 0 {
					delete(r.roomsByType, entityType)
				}
			}
		}
		delete(r.multi, roomID)
	}
	if refs, ok := r.refs[sessionID]; ok {
		delete(refs.rooms, roomID)
	}
	return true
}

// DirectMatch pairs a direct subscriber with its optional per-session filter.
type DirectMatch struct {
	SessionID string
	Filter    *filter.Expression
}

// DirectSubscribers returns the direct subscribers of one entity instance.
func (r *Registry) DirectSubscribers(entityType, entityID string) []DirectMatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.direct[directKey{EntityType: entityType, EntityID: entityID}]
	if !ok {
		return nil
	}
	matches := make([]DirectMatch, 0, len(set.Sessions))
	for sessionID := range set.Sessions {
		matches = append(matches, DirectMatch{SessionID: sessionID, Filter: set.Filters[sessionID]})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].SessionID < matches[j].SessionID })
	return matches
}

// FilteredMatch groups the sessions sharing one filtered subscription.
type FilteredMatch struct {
	FilterHash string
	Filter     *filter.Expression
	SessionIDs []string
}

// FilteredSubscribers returns every filtered subscription on the entity type.
func (r *Registry) FilteredSubscribers(entityType string) []FilteredMatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matches []FilteredMatch
	for key, entry := range r.filtered {
		if key.EntityType != entityType {
			continue
		}
		sessionIDs := make([]string, 0, len(entry.Sessions))
		for sessionID := range entry.Sessions {
			sessionIDs = append(sessionIDs, sessionID)
		}
		sort.Strings(sessionIDs)
		matches = append(matches, FilteredMatch{FilterHash: key.FilterHash, Filter: entry.Filter, SessionIDs: sessionIDs})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].FilterHash < matches[j].FilterHash })
	return matches
}

// MultiMatch groups the sessions of one multi-entity room covering a type.
type MultiMatch struct {
	RoomID     string
	Filter     *filter.Expression
	SessionIDs []string
}

// MultiSubscribers returns every multi-entity room covering the entity type.
func (r *Registry) MultiSubscribers(entityType string) []MultiMatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms, ok := r.roomsByType[entityType]
	if !ok {
		return nil
	}
	matches := make([]MultiMatch, 0, len(rooms))
	for roomID := range rooms {
		entry, ok := r.multi[roomID]
		if !ok {
			continue
		}
		sessionIDs := make([]string, 0, len(entry.Sessions))
		for sessionID := range entry.Sessions {
			sessionIDs = append(sessionIDs, sessionID)
		}
		sort.Strings(sessionIDs)
		matches = append(matches, MultiMatch{RoomID: roomID, Filter: entry.Filter, SessionIDs: sessionIDs})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].RoomID < matches[j].RoomID })
	return matches
}

// SessionDetail snapshots one session's memberships for telemetry.
type SessionDetail struct {
	Direct   []string `json:"direct,omitempty"`
	Filtered []string `json:"filtered,omitempty"`
	Rooms    []string `json:"rooms,omitempty"`
}

// DetailFor reports the subscription keys held by the session.
func (r *Registry) DetailFor(sessionID string) SessionDetail {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs, ok := r.refs[sessionID]
	if !ok {
		return SessionDetail{}
	}
	detail := SessionDetail{}
	for key := range refs.direct {
		detail.Direct = append(detail.Direct, key.EntityType+":"+key.EntityID)
	}
	for key := range refs.filtered {
		detail.Filtered = append(detail.Filtered, key.EntityType+":"+key.FilterHash)
	}
	for roomID := range refs.rooms {
		detail.Rooms = append(detail.Rooms, roomID)
	}
	sort.Strings(detail.Direct)
	sort.Strings(detail.Filtered)
	sort.Strings(detail.Rooms)
	return detail
}

// Totals reports index sizes for the status endpoint.
type Totals struct {
	Direct   int `json:"direct"`
	Filtered int `json:"filtered"`
	Multi    int `json:"multi"`
}

// Counts summarizes the registry occupancy.
func (r *Registry) Counts() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Totals{Direct: len(r.direct), Filtered: len(r.filtered), Multi: len(r.multi)}
}
