package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tabletide/relay/internal/breaker"
	"github.com/tabletide/relay/internal/webhook"
)

type fakeRelay struct{ connected bool }

func (f *fakeRelay) Connected() bool { return f.connected }

type fakeQueue struct{ stats webhook.Stats }

func (f *fakeQueue) GetStats(context.Context) (webhook.Stats, error) { return f.stats, nil }

type fakeHub struct{ n int }

func (f *fakeHub) Len() int { return f.n }

func details(t *testing.T, h *Handler) detailsResponse {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/health/details", nil)
	rec := httptest.NewRecorder()
	h.Details(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp detailsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestDetailsHealthy(t *testing.T) {
	brk := breaker.New("webhook", 3, time.Minute)
	h := NewHandler(&fakeRelay{connected: true}, []*breaker.Breaker{brk}, &fakeQueue{stats: webhook.Stats{Pending: 2}}, &fakeHub{n: 7})

	resp := details(t, h)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if !resp.Broker.Connected {
		t.Error("broker reported disconnected")
	}
	if resp.Connections != 7 {
		t.Errorf("connections = %d, want 7", resp.Connections)
	}
	if resp.Queue == nil || resp.Queue.Pending != 2 {
		t.Errorf("queue stats = %+v", resp.Queue)
	}
}

func TestDetailsDegradedWhenBrokerDown(t *testing.T) {
	h := NewHandler(&fakeRelay{connected: false}, nil, nil, nil)
	if resp := details(t, h); resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
}

func TestDetailsDegradedWhenBreakerOpen(t *testing.T) {
	brk := breaker.New("webhook", 1, time.Hour)
	brk.Failure()

	h := NewHandler(&fakeRelay{connected: true}, []*breaker.Breaker{brk}, nil, nil)
	resp := details(t, h)
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.Breakers["webhook"].State != breaker.StateOpen {
		t.Errorf("breaker state = %q, want OPEN", resp.Breakers["webhook"].State)
	}
}

func TestLiveness(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Liveness(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}
