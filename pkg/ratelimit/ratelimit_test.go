package ratelimit

import (
	"testing"

	"github.com/sandboxd/sandboxd/pkg/types"
)

func testLimits() map[types.Tier]types.TierLimits {
	return map[types.Tier]types.TierLimits{
		types.TierAnonymous: {
			SessionsPerHour:          2,
			MaxConcurrentSessions:    1,
			CommandsPerMinute:        3,
			MaxConcurrentConnections: 1,
		},
		types.TierAdmin: {
			SessionsPerHour:          1_000_000,
			MaxConcurrentSessions:    1_000_000,
			CommandsPerMinute:        1_000_000,
			MaxConcurrentConnections: 1_000_000,
		},
	}
}

func TestCheckSessionLimitWindowedCap(t *testing.T) {
	l := New(testLimits())
	key := "owner-1"

	for i := 0; i < 2; i++ {
		d := l.CheckSessionLimit(key, types.TierAnonymous)
		if !d.Allowed {
			t.Fatalf("expected session %d to be allowed", i)
		}
		l.RecordSession(key, "sess-"+string(rune('a'+i)), types.TierAnonymous)
		l.RemoveSession(key, "sess-"+string(rune('a'+i)))
	}

	d := l.CheckSessionLimit(key, types.TierAnonymous)
	if d.Allowed {
		t.Fatal("expected the third session in the window to be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Error("expected a positive RetryAfter on a windowed rejection")
	}
}

func TestCheckSessionLimitConcurrencyCap(t *testing.T) {
	l := New(testLimits())
	key := "owner-1"

	d := l.CheckSessionLimit(key, types.TierAnonymous)
	if !d.Allowed {
		t.Fatal("expected first session to be allowed")
	}
	l.RecordSession(key, "sess-a", types.TierAnonymous)

	d = l.CheckSessionLimit(key, types.TierAnonymous)
	if d.Allowed {
		t.Fatal("expected a second concurrent session to be rejected by MaxConcurrentSessions")
	}
	if d.RetryAfter != 0 {
		t.Error("expected no RetryAfter on a concurrency-cap rejection")
	}
}

func TestRemoveSessionFreesConcurrencySlot(t *testing.T) {
	l := New(testLimits())
	key := "owner-1"
	l.RecordSession(key, "sess-a", types.TierAnonymous)

	if d := l.CheckSessionLimit(key, types.TierAnonymous); d.Allowed {
		t.Fatal("expected the slot to be occupied")
	}
	l.RemoveSession(key, "sess-a")

	if d := l.CheckSessionLimit(key, types.TierAnonymous); !d.Allowed {
		t.Fatal("expected the slot to be free after RemoveSession")
	}
}

func TestAdminTierIsUnlimited(t *testing.T) {
	l := New(testLimits())
	key := "admin-1"
	for i := 0; i < 10; i++ {
		if d := l.CheckSessionLimit(key, types.TierAdmin); !d.Allowed {
			t.Fatalf("expected admin tier to always be allowed, failed at iteration %d", i)
		}
		l.RecordSession(key, "sess", types.TierAdmin)
	}
	if _, err := l.Get(key); err == nil {
		t.Error("expected no rate-limit record to be created for an admin-tier key")
	}
}

func TestCheckConnectionLimit(t *testing.T) {
	l := New(testLimits())
	key := "owner-1"

	if d := l.CheckConnectionLimit(key, types.TierAnonymous); !d.Allowed {
		t.Fatal("expected first connection to be allowed")
	}
	l.RegisterConnection(key, "conn-a", types.TierAnonymous)

	if d := l.CheckConnectionLimit(key, types.TierAnonymous); d.Allowed {
		t.Fatal("expected a second concurrent connection to be rejected")
	}

	l.UnregisterConnection(key, "conn-a")
	if d := l.CheckConnectionLimit(key, types.TierAnonymous); !d.Allowed {
		t.Fatal("expected the connection slot to free up after UnregisterConnection")
	}
}

func TestCheckCommandLimit(t *testing.T) {
	l := New(testLimits())
	key := "owner-1"

	for i := 0; i < 3; i++ {
		d := l.CheckCommandLimit(key, types.TierAnonymous)
		if !d.Allowed {
			t.Fatalf("expected command %d to be allowed", i)
		}
		l.RecordCommand(key, types.TierAnonymous)
	}

	if d := l.CheckCommandLimit(key, types.TierAnonymous); d.Allowed {
		t.Fatal("expected the fourth command in the window to be rejected")
	}
}

func TestResetLimitZeroesWindowedCounters(t *testing.T) {
	l := New(testLimits())
	key := "owner-1"
	l.RecordSession(key, "sess-a", types.TierAnonymous)
	l.RecordSession(key, "sess-b", types.TierAnonymous)

	if err := l.ResetLimit(key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, err := l.Get(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.SessionCount != 0 {
		t.Errorf("expected SessionCount to be reset to 0, got %d", rec.SessionCount)
	}
	// Active sets are untouched by ResetLimit.
	if len(rec.ActiveSessionIDs) != 2 {
		t.Errorf("expected active session set to survive ResetLimit, got %d", len(rec.ActiveSessionIDs))
	}
}

func TestResetLimitUnknownKey(t *testing.T) {
	l := New(testLimits())
	if err := l.ResetLimit("missing"); err == nil {
		t.Error("expected an error resetting an unknown key")
	}
}

func TestRemoveDeletesRecord(t *testing.T) {
	l := New(testLimits())
	l.RecordSession("owner-1", "sess-a", types.TierAnonymous)
	if err := l.Remove("owner-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.Get("owner-1"); err == nil {
		t.Error("expected Get to fail after Remove")
	}
}

func TestAdjustLimitMutatesTierTable(t *testing.T) {
	l := New(testLimits())
	l.RecordSession("owner-1", "sess-a", types.TierAnonymous)

	if err := l.AdjustLimit("owner-1", 100, 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A second anonymous key should see the mutated table entry, since
	// AdjustLimit mutates the shared per-tier limits map.
	d := l.CheckSessionLimit("owner-2", types.TierAnonymous)
	if !d.Allowed {
		t.Error("expected the adjusted SessionsPerHour to allow a fresh key's first session")
	}
	if got := l.limits[types.TierAnonymous]; got.SessionsPerHour != 100 || got.MaxConcurrentSessions != 50 {
		t.Errorf("expected the anonymous tier entry to read 100/50 after AdjustLimit, got %+v", got)
	}
}
