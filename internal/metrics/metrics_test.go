package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"defectline/internal/domain"
	"defectline/internal/workflow"
)

func TestObserveTransitionLabels(t *testing.T) {
	m := New()
	m.ObserveTransition(domain.StatusNew, domain.StatusInProgress, nil)
	m.ObserveTransition(domain.StatusNew, domain.StatusInProgress, nil)
	m.ObserveTransition(domain.StatusReview, domain.StatusClosed, &workflow.ForbiddenRoleError{Role: domain.RoleEngineer})

	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("new", "in_progress", "ok")); got != 2 {
		t.Fatalf("ok count = %v", got)
	}
	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("review", "closed", "forbidden")); got != 1 {
		t.Fatalf("forbidden count = %v", got)
	}
}

func TestObserveTransitionCollapsesUnknownStatus(t *testing.T) {
	m := New()
	m.ObserveTransition(domain.StatusNew, domain.Status("bogus"), &workflow.InvalidTransitionError{From: domain.StatusNew, To: "bogus"})
	m.ObserveTransition("", domain.Status("other"), &workflow.NotFoundError{Kind: "defect", ID: "x"})

	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("new", "unknown", "invalid")); got != 1 {
		t.Fatalf("invalid count = %v", got)
	}
	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("none", "unknown", "not_found")); got != 1 {
		t.Fatalf("not_found count = %v", got)
	}
}

func TestResult(t *testing.T) {
	cases := map[string]error{
		"ok":        nil,
		"conflict":  &workflow.ConcurrentModificationError{DefectID: "d", Expected: 1},
		"invalid":   &workflow.InvalidTransitionError{From: domain.StatusNew, To: domain.StatusClosed},
		"forbidden": &workflow.ForbiddenRoleError{Role: domain.RoleObserver},
		"not_found": &workflow.NotFoundError{Kind: "user", ID: "x"},
		"error":     errors.New("boom"),
	}
	for want, err := range cases {
		if got := Result(err); got != want {
			t.Fatalf("Result(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTransition(domain.StatusNew, domain.StatusReview, nil)
	m.ObserveAssignment(nil)
	m.ObserveHTTP("GET", "/v1/health", 200, time.Millisecond)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveAssignment(nil)
	m.ObserveHTTP("GET", "/v1/health", 200, 3*time.Millisecond)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"defectline_assignments_total", "defectline_http_request_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Fatalf("missing %s in exposition", name)
		}
	}
}
