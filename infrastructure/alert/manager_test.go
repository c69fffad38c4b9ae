package alert

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestManagerFanOut(t *testing.T) {
	ch1 := NewMockChannel("a")
	ch2 := NewMockChannel("b")
	m := NewManager([]Channel{ch1, ch2}, time.Minute)

	if err := m.Warning("position drift", map[string]interface{}{"drift": 0.3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch1.Count() != 1 || ch2.Count() != 1 {
		t.Fatalf("alert not fanned out: %d %d", ch1.Count(), ch2.Count())
	}
}

func TestManagerThrottle(t *testing.T) {
	ch := NewMockChannel("a")
	m := NewManager([]Channel{ch}, time.Minute)

	m.Critical("position mismatch", nil)
	m.Critical("position mismatch", nil)
	if ch.Count() != 1 {
		t.Fatalf("duplicate alert should be throttled, got %d", ch.Count())
	}

	// 不同消息不受同一个限流 key 约束
	m.Critical("stop price triggered", nil)
	if ch.Count() != 2 {
		t.Fatalf("distinct alert should pass, got %d", ch.Count())
	}

	m.ResetThrottle()
	m.Critical("position mismatch", nil)
	if ch.Count() != 3 {
		t.Fatalf("alert after reset should pass, got %d", ch.Count())
	}
}

func TestManagerAllChannelsFail(t *testing.T) {
	ch := NewMockChannel("a")
	ch.SetShouldError(true)
	m := NewManager([]Channel{ch}, time.Minute)

	if err := m.Warning("oops", nil); err == nil {
		t.Fatal("expected error when all channels fail")
	}
}

func TestWebhookChannel(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("webhook", srv.URL, srv.Client())
	if err := ch.Send(Alert{Level: LevelCritical, Message: "test", Timestamp: time.Now()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "application/json" {
		t.Fatalf("unexpected content type: %s", got)
	}
}

func TestWebhookChannelBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("webhook", srv.URL, srv.Client())
	if err := ch.Send(Alert{Level: LevelInfo, Message: "test"}); err == nil {
		t.Fatal("expected error for non-2xx status")
	}
}
