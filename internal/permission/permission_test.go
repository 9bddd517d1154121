package permission

import (
	"testing"
	"time"

	"talentpulse/streamer/internal/filter"
)

func newTestService(perms map[string][]string, admins map[string]bool) *Service {
	return NewService(Options{
		Lookup: func(userID string) ([]string, bool) {
			return perms[userID], admins[userID]
		},
		PublicEntityTypes: DefaultPublicEntityTypes(),
		RestrictedFields:  DefaultRestrictedFields(),
		CacheTTL:          time.Minute,
	})
}

func TestAdminShortCircuit(t *testing.T) {
	s := newTestService(nil, map[string]bool{"root": true})
	if !s.Allowed("root", ActionPublish, "campaign", "1", nil) {
		t.Fatal("admins may do anything")
	}
}

func TestWildcardGrant(t *testing.T) {
	s := newTestService(map[string][]string{"u1": {"subscribe:*"}}, nil)
	if !s.Allowed("u1", ActionSubscribe, "segment", "", nil) {
		t.Fatal("subscribe:* should grant any entity type")
	}
	if s.Allowed("u1", ActionPublish, "segment", "", nil) {
		t.Fatal("wildcard is per action")
	}
}

func TestEntityTypeGrant(t *testing.T) {
	s := newTestService(map[string][]string{"u1": {"subscribe:campaign"}}, nil)
	if !s.Allowed("u1", ActionSubscribe, "campaign", "", nil) {
		t.Fatal("type grant should allow the type")
	}
	if s.Allowed("u1", ActionSubscribe, "task", "", nil) {
		t.Fatal("type grant must not leak to other types")
	}
}

func TestInstanceGrant(t *testing.T) {
	s := newTestService(map[string][]string{"u1": {"subscribe:campaign:42"}}, nil)
	if !s.Allowed("u1", ActionSubscribe, "campaign", "42", nil) {
		t.Fatal("instance grant should allow that instance")
	}
	if s.Allowed("u1", ActionSubscribe, "campaign", "43", nil) {
		t.Fatal("instance grant must not cover other instances")
	}
}

func TestRestrictedFilterFields(t *testing.T) {
	s := newTestService(map[string][]string{"u1": {"subscribe:campaign"}}, nil)
	blocked := &filter.Expression{Field: "internal_budget", Op: filter.OpGt, Value: 1000}
	if s.Allowed("u1", ActionSubscribe, "campaign", "", blocked) {
		t.Fatal("filters on restricted fields must be denied")
	}
	nested := &filter.Expression{Operator: filter.CombineAnd, Conditions: []*filter.Expression{
		{Field: "status", Op: filter.OpEq, Value: "active"},
		{Field: "margin", Op: filter.OpLt, Value: 0.2},
	}}
	if s.Allowed("u1", ActionSubscribe, "campaign", "", nested) {
		t.Fatal("restricted fields nested in compounds must be denied")
	}
	clean := &filter.Expression{Field: "status", Op: filter.OpEq, Value: "active"}
	if !s.Allowed("u1", ActionSubscribe, "campaign", "", clean) {
		t.Fatal("clean filters should pass")
	}
}

func TestAnonymousRestrictions(t *testing.T) {
	s := newTestService(nil, nil)
	if !s.Allowed("", ActionSubscribe, "campaign", "", nil) {
		t.Fatal("anonymous may subscribe to public types")
	}
	if s.Allowed("", ActionSubscribe, "task", "", nil) {
		t.Fatal("anonymous must not subscribe to private types")
	}
	if s.Allowed("", ActionPublish, "campaign", "", nil) {
		t.Fatal("anonymous is subscribe-only")
	}
}

func TestDecisionCacheAndClear(t *testing.T) {
	lookups := 0
	s := NewService(Options{
		Lookup: func(string) ([]string, bool) {
			lookups++
			return []string{"subscribe:campaign"}, false
		},
		CacheTTL: time.Minute,
	})

	s.Allowed("u1", ActionSubscribe, "campaign", "", nil)
	s.Allowed("u1", ActionSubscribe, "campaign", "", nil)
	if lookups != 1 {
		t.Fatalf("expected cached decision, lookup ran %d times", lookups)
	}

	s.ClearCacheForUser("u1")
	s.Allowed("u1", ActionSubscribe, "campaign", "", nil)
	if lookups != 2 {
		t.Fatalf("expected fresh lookup after cache clear, got %d", lookups)
	}
}

func TestLookupFailureDenies(t *testing.T) {
	s := NewService(Options{CacheTTL: time.Minute})
	if s.Allowed("u1", ActionSubscribe, "campaign", "", nil) {
		t.Fatal("missing lookup must deny authenticated users")
	}
}
