package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpSnapshot(t *testing.T) {
	s := NewSet()
	op := s.Op("gossip", "broadcast")

	op.Success()
	op.Success()
	op.Failure()

	snap := op.Snapshot()
	if snap.Total != 3 || snap.Failures != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.LastSuccessMS == 0 || snap.LastFailureMS == 0 {
		t.Fatalf("expected timestamps recorded, got %+v", snap)
	}
}

func TestOpIdentity(t *testing.T) {
	s := NewSet()
	if s.Op("a", "x") != s.Op("a", "x") {
		t.Fatal("same (component, name) must return the same counter")
	}
	if s.Op("a", "x") == s.Op("b", "x") {
		t.Fatal("different components must get distinct counters")
	}
}

func TestRecord(t *testing.T) {
	s := NewSet()
	op := s.Op("relay", "publish")

	op.Record(nil)
	op.Record(errors.New("test error"))

	snap := op.Snapshot()
	if snap.Total != 2 || snap.Failures != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestResetAll(t *testing.T) {
	s := NewSet()
	op := s.Op("a", "x")
	op.Success()
	s.ResetAll()
	if snap := op.Snapshot(); snap.Total != 0 {
		t.Fatalf("expected zeroed counters, got %+v", snap)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	s := NewSet()
	s.Op("gossip", "broadcast").Success()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "kukuri_operations_total") {
		t.Fatalf("exposition missing counter family:\n%s", body)
	}
}
