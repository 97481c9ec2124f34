package auth

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testGateway(t *testing.T) (*Gateway, *ApiKeyRecord) {
	t.Helper()
	rec := &ApiKeyRecord{
		KeyHash:     HashKey("secret-key"),
		Name:        "test",
		Permissions: map[string]bool{PermProcessVideo: true, PermQueueStatus: true},
		Allowance:   50,
	}
	g := NewGateway([]*ApiKeyRecord{rec}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return g, rec
}

func TestValidate_KnownKey(t *testing.T) {
	g, rec := testGateway(t)

	ctx, err := g.Validate("secret-key", "1.2.3.4")
	if err != nil {
		t.Fatalf("Validate = %v, want nil", err)
	}
	if ctx.KeyName != "test" || ctx.Allowance != 50 {
		t.Fatalf("unexpected context: %+v", ctx)
	}

	total, _, lastUsed := rec.Usage()
	if total != 1 {
		t.Errorf("totalRequests = %d, want 1", total)
	}
	if lastUsed.IsZero() {
		t.Error("lastUsedAt not set")
	}
}

func TestValidate_UnknownKey(t *testing.T) {
	g, _ := testGateway(t)

	if _, err := g.Validate("wrong", "1.2.3.4"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Validate = %v, want ErrInvalidKey", err)
	}
	if got := g.FailureCount("1.2.3.4"); got != 1 {
		t.Fatalf("FailureCount = %d, want 1", got)
	}
}

func TestValidate_SuccessDoesNotResetFailures(t *testing.T) {
	g, _ := testGateway(t)

	// Interleave bad keys with valid ones. Successes must not wipe the
	// counter, or a caller holding one valid key could guess forever.
	for i := 0; i < 9; i++ {
		g.Validate("wrong", "src")
		if _, err := g.Validate("secret-key", "src"); err != nil {
			t.Fatalf("valid key below block threshold: %v", err)
		}
	}
	if got := g.FailureCount("src"); got != 9 {
		t.Fatalf("FailureCount = %d, want 9", got)
	}

	// The tenth cumulative failure blocks the source, valid key included.
	g.Validate("wrong", "src")
	if _, err := g.Validate("secret-key", "src"); !errors.Is(err, ErrSourceBlocked) {
		t.Fatalf("got %v, want ErrSourceBlocked", err)
	}
}

func TestLockout_BlocksValidKey(t *testing.T) {
	g, _ := testGateway(t)

	for i := 0; i < 10; i++ {
		if _, err := g.Validate("wrong", "src"); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("failure %d: got %v", i+1, err)
		}
	}

	// 11th request with a VALID key is still rejected.
	if _, err := g.Validate("secret-key", "src"); !errors.Is(err, ErrSourceBlocked) {
		t.Fatalf("blocked source with valid key: got %v, want ErrSourceBlocked", err)
	}

	// Other sources are unaffected.
	if _, err := g.Validate("secret-key", "other"); err != nil {
		t.Fatalf("unrelated source should pass: %v", err)
	}
}

func TestLockout_ExpiresAfterWindow(t *testing.T) {
	g, _ := testGateway(t)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	g.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		g.Validate("wrong", "src")
	}
	if _, err := g.Validate("secret-key", "src"); !errors.Is(err, ErrSourceBlocked) {
		t.Fatalf("expected block, got %v", err)
	}

	// After the window elapses, a valid key succeeds again.
	now = base.Add(time.Hour + time.Second)
	if _, err := g.Validate("secret-key", "src"); err != nil {
		t.Fatalf("expected success after window elapsed, got %v", err)
	}
}

func TestSweep_PurgesExpiredEntries(t *testing.T) {
	g, _ := testGateway(t)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	g.now = func() time.Time { return now }

	g.Validate("wrong", "a")
	g.Validate("wrong", "b")

	now = base.Add(2 * time.Hour)
	g.Validate("wrong", "c")

	if removed := g.Sweep(); removed != 2 {
		t.Fatalf("Sweep removed %d, want 2", removed)
	}
	if got := g.FailureCount("c"); got != 1 {
		t.Fatalf("fresh entry should survive sweep, count = %d", got)
	}
}

func TestContext_HasPermission(t *testing.T) {
	ctx := &Context{Permissions: map[string]bool{PermQueueStatus: true}}
	if !ctx.HasPermission(PermQueueStatus) {
		t.Error("explicit permission should be granted")
	}
	if ctx.HasPermission(PermQueueAdmin) {
		t.Error("missing permission should be denied")
	}

	admin := &Context{Permissions: map[string]bool{PermAll: true}}
	if !admin.HasPermission(PermQueueAdmin) {
		t.Error("wildcard should grant everything")
	}

	var nilCtx *Context
	if nilCtx.HasPermission(PermGeneral) {
		t.Error("nil context grants nothing")
	}
}

func TestParseKeys(t *testing.T) {
	records, err := ParseKeys("web:k1:process-video|queue-status:25, admin:k2:all")
	if err != nil {
		t.Fatalf("ParseKeys = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Name != "web" || records[0].Allowance != 25 {
		t.Errorf("record 0 = %+v", records[0])
	}
	if !records[0].Permissions[PermProcessVideo] || !records[0].Permissions[PermQueueStatus] {
		t.Error("record 0 missing permissions")
	}
	if records[1].Allowance != 0 || !records[1].Permissions[PermAll] {
		t.Errorf("record 1 = %+v", records[1])
	}
	if records[0].KeyHash == "k1" {
		t.Error("raw key must not be stored")
	}

	bad := []string{"", "noperms:key:", "short:key", "x:y:all:notanumber"}
	for _, raw := range bad {
		if _, err := ParseKeys(raw); err == nil {
			t.Errorf("ParseKeys(%q) = nil error, want failure", raw)
		}
	}
}
