package admin_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/ristbond/internal/admin"
	"github.com/dantte-lp/ristbond/internal/dispatch"
)

type fakeLinks struct {
	env dispatch.MetricsEnvelope
}

func (f *fakeLinks) Envelope() dispatch.MetricsEnvelope { return f.env }

type fakeWeights struct {
	mu      sync.Mutex
	weights []float64
	setErr  error
}

func (f *fakeWeights) SetWeights(w []float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.weights = w
	return nil
}

func (f *fakeWeights) GetWeights() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.weights
}

type fakeEvents struct {
	mu   sync.Mutex
	subs map[int]func(dispatch.WeightsChangedEvent)
	next int
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{subs: make(map[int]func(dispatch.WeightsChangedEvent))}
}

func (f *fakeEvents) Subscribe(cb func(dispatch.WeightsChangedEvent)) dispatch.Unsubscribe {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = cb
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeEvents) publish(ev dispatch.WeightsChangedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cb := range f.subs {
		cb(ev)
	}
}

type fakeBitrate struct{ kbps int }

func (f *fakeBitrate) CurrentKbps() int { return f.kbps }

func setupTestServer(t *testing.T, links *fakeLinks, weights *fakeWeights, events *fakeEvents, bitrate *fakeBitrate) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	handler := admin.New(links, weights, events, bitrate, admin.WithLogger(logger))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetLinksServesEnvelope(t *testing.T) {
	links := &fakeLinks{env: dispatch.MetricsEnvelope{
		Weights:       []float64{0.6, 0.4},
		EWMADelivered: []float64{100, 80},
		EWMARtxRate:   []float64{0.01, 0.02},
		EWMARttMillis: []float64{40, 60},
		Health:        []string{"Healthy", "Degraded"},
	}}
	srv := setupTestServer(t, links, &fakeWeights{}, newFakeEvents(), &fakeBitrate{})

	resp, err := http.Get(srv.URL + "/v1/links")
	if err != nil {
		t.Fatalf("GET /v1/links: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Links []struct {
			Index  int     `json:"index"`
			Weight float64 `json:"weight"`
			Health string  `json:"health"`
		} `json:"links"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Links) != 2 {
		t.Fatalf("len(links) = %d, want 2", len(body.Links))
	}
	if body.Links[1].Health != "Degraded" {
		t.Fatalf("links[1].Health = %q, want Degraded", body.Links[1].Health)
	}
}

func TestGetWeights(t *testing.T) {
	weights := &fakeWeights{weights: []float64{0.5, 0.5}}
	srv := setupTestServer(t, &fakeLinks{}, weights, newFakeEvents(), &fakeBitrate{})

	resp, err := http.Get(srv.URL + "/v1/weights")
	if err != nil {
		t.Fatalf("GET /v1/weights: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Weights []float64 `json:"weights"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Weights) != 2 || body.Weights[0] != 0.5 {
		t.Fatalf("weights = %v, want [0.5 0.5]", body.Weights)
	}
}

func TestPostWeightsAppliesVector(t *testing.T) {
	weights := &fakeWeights{weights: []float64{1, 0}}
	srv := setupTestServer(t, &fakeLinks{}, weights, newFakeEvents(), &fakeBitrate{})

	resp, err := http.Post(srv.URL+"/v1/weights", "application/json", strings.NewReader(`[0.3, 0.7]`))
	if err != nil {
		t.Fatalf("POST /v1/weights: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := weights.GetWeights(); len(got) != 2 || got[0] != 0.3 {
		t.Fatalf("weights.GetWeights() = %v, want [0.3 0.7]", got)
	}
}

func TestPostWeightsRejectsMalformedBodyWithoutMutating(t *testing.T) {
	weights := &fakeWeights{weights: []float64{1, 0}}
	srv := setupTestServer(t, &fakeLinks{}, weights, newFakeEvents(), &fakeBitrate{})

	resp, err := http.Post(srv.URL+"/v1/weights", "application/json", strings.NewReader(`not json`))
	if err != nil {
		t.Fatalf("POST /v1/weights: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := weights.GetWeights(); len(got) != 2 || got[0] != 1 {
		t.Fatalf("weights mutated on bad request: %v", got)
	}
}

func TestPostWeightsRejectsValidationFailureWithoutMutating(t *testing.T) {
	weights := &fakeWeights{weights: []float64{1, 0}, setErr: dispatch.ErrNoLinkedOutput}
	srv := setupTestServer(t, &fakeLinks{}, weights, newFakeEvents(), &fakeBitrate{})

	resp, err := http.Post(srv.URL+"/v1/weights", "application/json", bytes.NewReader([]byte(`[0.3, 0.7]`)))
	if err != nil {
		t.Fatalf("POST /v1/weights: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := weights.GetWeights(); len(got) != 2 || got[0] != 1 {
		t.Fatalf("weights mutated on rejected SetWeights: %v", got)
	}
}

func TestGetBitrate(t *testing.T) {
	srv := setupTestServer(t, &fakeLinks{}, &fakeWeights{}, newFakeEvents(), &fakeBitrate{kbps: 3500})

	resp, err := http.Get(srv.URL + "/v1/bitrate")
	if err != nil {
		t.Fatalf("GET /v1/bitrate: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Kbps int `json:"kbps"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Kbps != 3500 {
		t.Fatalf("kbps = %d, want 3500", body.Kbps)
	}
}

func TestEventsStreamsWeightsChanged(t *testing.T) {
	events := newFakeEvents()
	srv := setupTestServer(t, &fakeLinks{}, &fakeWeights{}, events, &fakeBitrate{})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()

	// Give the handler a moment to register its subscription before publishing.
	time.Sleep(50 * time.Millisecond)
	events.publish(dispatch.WeightsChangedEvent{Weights: []float64{0.2, 0.8}, CommittedAt: time.Now()})

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE stream: %v", err)
		}
		if strings.HasPrefix(line, "event: weights_changed") {
			return
		}
	}
	t.Fatal("did not observe a weights_changed SSE event within timeout")
}

func TestHealthCheckEndpointServes(t *testing.T) {
	srv := setupTestServer(t, &fakeLinks{}, &fakeWeights{}, newFakeEvents(), &fakeBitrate{})

	resp, err := http.Get(srv.URL + "/grpc.health.v1.Health/Check")
	if err != nil {
		t.Fatalf("GET health check: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		t.Fatalf("health check endpoint not registered, status = %d", resp.StatusCode)
	}
}
