package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesRegisteredCounters(t *testing.T) {
	m := New()
	m.FramesIngested.Add(5)
	m.MEFDEmitted.Add(2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "surface_safety_frames_ingested_total 5") {
		t.Errorf("expected frames_ingested_total to report 5, got:\n%s", body)
	}
	if !strings.Contains(body, "surface_safety_me_fd_emitted_total 2") {
		t.Errorf("expected me_fd_emitted_total to report 2, got:\n%s", body)
	}
}
