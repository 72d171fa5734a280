// Package api_test provides tests for the coordinator API server.
package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/api"
	"github.com/meridian-desk/coordinator/internal/capital"
	"github.com/meridian-desk/coordinator/internal/config"
	"github.com/meridian-desk/coordinator/internal/coordinator"
	"github.com/meridian-desk/coordinator/internal/correlation"
	"github.com/meridian-desk/coordinator/internal/data"
	"github.com/meridian-desk/coordinator/internal/events"
	"github.com/meridian-desk/coordinator/internal/exchange"
	"github.com/meridian-desk/coordinator/internal/quality"
	"github.com/meridian-desk/coordinator/internal/regime"
	"github.com/meridian-desk/coordinator/internal/risk"
	"github.com/meridian-desk/coordinator/internal/store"
	"github.com/meridian-desk/coordinator/internal/transition"
)

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()

	poolCfg := capital.DefaultPoolConfig()
	cfg := &config.Config{
		Instruments:        []string{"BTC/USDT"},
		MasterInterval:     time.Hour,
		InstrumentInterval: 2 * time.Second,
		SnapshotInterval:   time.Hour,
		Regime:             regime.DefaultConfig(),
		Capital:            poolCfg,
		Risk:               risk.DefaultConfig(poolCfg.TotalCapital, poolCfg.ActivePool()),
		Quality:            quality.DefaultConfig(),
		Transition:         transition.DefaultConfig(),
		Correlation:        correlation.DefaultConfig(),
		Events:             events.DefaultConfig(),
		Paper:              exchange.DefaultPaperConfig(),
	}

	feed := data.NewSimFeed(logger, data.DefaultSimConfig(), cfg.Instruments)
	exec := exchange.NewPaperExecutor(logger, cfg.Paper)
	st, err := store.NewFileStore(logger, filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("file store: %v", err)
	}

	coord := coordinator.New(logger, cfg, feed, exec, st)
	t.Cleanup(coord.EventBus().Close)

	server := api.NewServer(logger, cfg.Server, coord)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("status = %v, want ok", result["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var st struct {
		Running   bool `json:"running"`
		Portfolio struct {
			IsHalted bool `json:"isHalted"`
		} `json:"portfolio"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Running {
		t.Error("coordinator reported running before Start")
	}
	if st.Portfolio.IsHalted {
		t.Error("fresh portfolio reported halted")
	}
}

func TestResumeEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("resume request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestForceRegimeValidation(t *testing.T) {
	ts := setupTestServer(t)

	// Bad regime name is rejected before touching the classifier.
	resp, err := http.Post(ts.URL+"/api/v1/regime/BTC-USDT", "application/json",
		strings.NewReader(`{"regime":"sideways_chop"}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad regime status = %d, want 400", resp.StatusCode)
	}

	// Valid regime on an instrument that is not enrolled.
	resp, err = http.Post(ts.URL+"/api/v1/regime/DOGE-USDT", "application/json",
		strings.NewReader(`{"regime":"bull_trend"}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unenrolled status = %d, want 404", resp.StatusCode)
	}
}

func TestUnknownInstrumentReturns404(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/instruments/DOGE-USDT")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWebSocketPing(t *testing.T) {
	ts := setupTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(api.WSMessage{Type: "ping", ID: "ping-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var resp api.WSMessage
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if resp.Type != "pong" || resp.ID != "ping-1" {
		t.Errorf("response = %+v, want pong ping-1", resp)
	}
}

func TestWebSocketSubscription(t *testing.T) {
	ts := setupTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(api.WSMessage{Type: "subscribe", ID: "s1", Topic: "regime_changed"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var resp api.WSMessage
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !resp.Success || resp.Topic != "regime_changed" {
		t.Errorf("subscribe response = %+v", resp)
	}
}
