package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestRegistryCounts(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.IncEvent("auth_granted")
	r.IncEvent("auth_granted")
	r.IncEvent("rate_limit_hit")
	r.IncOutcome("duplicate_pending")
	r.SetGauge("pending_total", 3)

	snap := r.Snapshot()
	if snap.Events["auth_granted"] != 2 || snap.Events["rate_limit_hit"] != 1 {
		t.Fatalf("unexpected event counts: %+v", snap.Events)
	}
	if snap.Outcomes["duplicate_pending"] != 1 {
		t.Fatalf("unexpected outcome counts: %+v", snap.Outcomes)
	}
	if snap.Gauges["pending_total"] != 3 {
		t.Fatalf("unexpected gauges: %+v", snap.Gauges)
	}
	if snap.GeneratedAt == "" {
		t.Fatal("generated_at must be set")
	}
}

func TestHandlerServesSnapshot(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.IncEvent("sign_approved")

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Events["sign_approved"] != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
