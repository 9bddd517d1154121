package subscription

import (
	"errors"
	"testing"
	"time"

	"talentpulse/streamer/internal/config"
	"talentpulse/streamer/internal/filter"
	"talentpulse/streamer/internal/permission"
	"talentpulse/streamer/internal/ratelimit"
	"talentpulse/streamer/internal/session"
)

func openRegistry() *Registry {
	return NewRegistry(nil, nil)
}

func testSession(id, userID string) *session.Session {
	return &session.Session{ID: id, UserID: userID, IP: "10.0.0.1", State: session.StateActive}
}

func statusFilter(status string) *filter.Expression {
	return &filter.Expression{Field: "status", Op: filter.OpEq, Value: status}
}

func TestSubscribeDirectCountsSubscribers(t *testing.T) {
	r := openRegistry()

	count, err := r.SubscribeDirect(testSession("s1", "u1"), "campaign", "42", nil)
	if err != nil {
		t.Fatalf("SubscribeDirect: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	count, err = r.SubscribeDirect(testSession("s2", "u2"), "campaign", "42", statusFilter("active"))
	if err != nil {
		t.Fatalf("SubscribeDirect: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	matches := r.DirectSubscribers("campaign", "42")
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].SessionID != "s1" || matches[0].Filter != nil {
		t.Fatalf("s1 should have no filter, got %+v", matches[0])
	}
	if matches[1].SessionID != "s2" || matches[1].Filter == nil {
		t.Fatalf("s2 should carry its filter, got %+v", matches[1])
	}
}

func TestSubscribeDirectRejectsInvalidFilter(t *testing.T) {
	r := openRegistry()
	bad := &filter.Expression{Field: "status", Op: "between", Value: 1}
	if _, err := r.SubscribeDirect(testSession("s1", "u1"), "campaign", "42", bad); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestSubscribeFilteredSharesEntries(t *testing.T) {
	r := openRegistry()
	expr := statusFilter("active")

	hash1, err := r.SubscribeFiltered(testSession("s1", "u1"), "task", expr)
	if err != nil {
		t.Fatalf("SubscribeFiltered: %v", err)
	}
	hash2, err := r.SubscribeFiltered(testSession("s2", "u2"), "task", statusFilter("active"))
	if err != nil {
		t.Fatalf("SubscribeFiltered: %v", err)
	}
	if hash1 != hash2 {
		t.Fatalf("equal filters must share one entry, got %s and %s", hash1, hash2)
	}

	matches := r.FilteredSubscribers("task")
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if len(matches[0].SessionIDs) != 2 {
		t.Fatalf("sessions = %v, want both", matches[0].SessionIDs)
	}
}

func TestSubscribeFilteredRequiresFilter(t *testing.T) {
	r := openRegistry()
	if _, err := r.SubscribeFiltered(testSession("s1", "u1"), "task", nil); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestSubscribeMultiRoomLifecycle(t *testing.T) {
	r := openRegistry()
	sess := testSession("s1", "u1")
	types := []string{"task", "campaign"}

	roomID, err := r.SubscribeMulti(sess, types, statusFilter("open"))
	if err != nil {
		t.Fatalf("SubscribeMulti: %v", err)
	}
	if roomID != RoomID("s1", []string{"campaign", "task"}, statusFilter("open")) {
		t.Fatal("room id must be deterministic and order independent")
	}

	for _, entityType := range types {
		matches := r.MultiSubscribers(entityType)
		if len(matches) != 1 || matches[0].RoomID != roomID {
			t.Fatalf("room should cover %s, got %+v", entityType, matches)
		}
	}

	if !r.UnsubscribeMulti("s1", roomID) {
		t.Fatal("unsubscribe should find the room")
	}
	if matches := r.MultiSubscribers("task"); len(matches) != 0 {
		t.Fatalf("empty room must be dropped from the type index, got %+v", matches)
	}
}

func TestSubscribeMultiCapsEntityTypes(t *testing.T) {
	r := openRegistry()
	types := make([]string, MaxMultiEntityTypes+1)
	for i := range types {
		types[i] = "type-" + string(rune('a'+i))
	}
	if _, err := r.SubscribeMulti(testSession("s1", "u1"), types, nil); !errors.Is(err, ErrTooManyEntityTypes) {
		t.Fatalf("expected ErrTooManyEntityTypes, got %v", err)
	}
}

func TestSubscribeMultiReportsAllDeniedTypes(t *testing.T) {
	perms := permission.NewService(permission.Options{
		Lookup: func(string) ([]string, bool) {
			return []string{"subscribe:campaign"}, false
		},
	})
	r := NewRegistry(perms, nil)

	_, err := r.SubscribeMulti(testSession("s1", "u1"), []string{"campaign", "task", "segment"}, nil)
	var denied *PermissionError
	if !errors.As(err, &denied) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if len(denied.DeniedTypes) != 2 || denied.DeniedTypes[0] != "segment" || denied.DeniedTypes[1] != "task" {
		t.Fatalf("denied = %v, want [segment task]", denied.DeniedTypes)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r := openRegistry()
	sess := testSession("s1", "u1")
	if _, err := r.SubscribeDirect(sess, "campaign", "42", nil); err != nil {
		t.Fatalf("SubscribeDirect: %v", err)
	}

	if !r.UnsubscribeDirect("s1", "campaign", "42") {
		t.Fatal("first unsubscribe should succeed")
	}
	if r.UnsubscribeDirect("s1", "campaign", "42") {
		t.Fatal("second unsubscribe reports not found, not an error")
	}
	if r.UnsubscribeFiltered("s1", "campaign", "deadbeef") {
		t.Fatal("unknown filtered subscription reports not found")
	}
	if r.UnsubscribeMulti("s1", "room-missing") {
		t.Fatal("unknown room reports not found")
	}
}

func TestUnsubscribeAllDrainsEveryIndex(t *testing.T) {
	r := openRegistry()
	sess := testSession("s1", "u1")
	other := testSession("s2", "u2")

	if _, err := r.SubscribeDirect(sess, "campaign", "42", nil); err != nil {
		t.Fatalf("SubscribeDirect: %v", err)
	}
	if _, err := r.SubscribeFiltered(sess, "task", statusFilter("open")); err != nil {
		t.Fatalf("SubscribeFiltered: %v", err)
	}
	if _, err := r.SubscribeMulti(sess, []string{"segment"}, nil); err != nil {
		t.Fatalf("SubscribeMulti: %v", err)
	}
	if _, err := r.SubscribeDirect(other, "campaign", "42", nil); err != nil {
		t.Fatalf("SubscribeDirect: %v", err)
	}

	if removed := r.UnsubscribeAll("s1"); removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	if removed := r.UnsubscribeAll("s1"); removed != 0 {
		t.Fatalf("second drain removed %d, want 0", removed)
	}

	// The other session's subscriptions must survive.
	if matches := r.DirectSubscribers("campaign", "42"); len(matches) != 1 || matches[0].SessionID != "s2" {
		t.Fatalf("unexpected direct subscribers %+v", matches)
	}
	totals := r.Counts()
	if totals.Filtered != 0 || totals.Multi != 0 || totals.Direct != 1 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestSubscriptionRateLimit(t *testing.T) {
	limiter := ratelimit.New(config.RateLimits{
		UserSubscription: config.RateWindow{Limit: 2, Window: time.Minute},
	}, func() time.Time { return time.Date(2024, time.May, 1, 10, 0, 0, 0, time.UTC) })
	r := NewRegistry(nil, limiter)
	sess := testSession("s1", "u1")

	for i := 0; i < 2; i++ {
		if _, err := r.SubscribeDirect(sess, "campaign", string(rune('a'+i)), nil); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	_, err := r.SubscribeDirect(sess, "campaign", "c", nil)
	var limited *RateLimitError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if limited.RetryAfter < time.Second {
		t.Fatalf("retry hint = %s, want at least 1s", limited.RetryAfter)
	}
}

func TestDetailFor(t *testing.T) {
	r := openRegistry()
	sess := testSession("s1", "u1")
	if _, err := r.SubscribeDirect(sess, "campaign", "42", nil); err != nil {
		t.Fatalf("SubscribeDirect: %v", err)
	}
	hash, err := r.SubscribeFiltered(sess, "task", statusFilter("open"))
	if err != nil {
		t.Fatalf("SubscribeFiltered: %v", err)
	}

	detail := r.DetailFor("s1")
	if len(detail.Direct) != 1 || detail.Direct[0] != "campaign:42" {
		t.Fatalf("direct = %v", detail.Direct)
	}
	if len(detail.Filtered) != 1 || detail.Filtered[0] != "task:"+hash {
		t.Fatalf("filtered = %v", detail.Filtered)
	}
	if empty := r.DetailFor("missing"); len(empty.Direct) != 0 {
		t.Fatalf("unknown session detail should be empty, got %+v", empty)
	}
}
