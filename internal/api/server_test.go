package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/railtwin/internal/feedback"
	"github.com/signalsfoundry/railtwin/internal/fusion"
	"github.com/signalsfoundry/railtwin/internal/sim"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const scenarioJSON = `{
  "name": "single-line",
  "stations": [
    {"code": "A", "name": "Alpha", "lat": 10, "lon": 20, "platforms": 2},
    {"code": "B", "name": "Bravo", "lat": 11, "lon": 21, "platforms": 2, "junction": true}
  ],
  "sections": [
    {"id": "S1", "from": "A", "to": "B", "length_km": 10, "tracks": 1, "base_speed_kmh": 100}
  ],
  "trains": [
    {"id": "T1", "type": "express", "priority": 5, "route": ["A", "B"], "max_speed_kmh": 100},
    {"id": "T2", "type": "freight", "priority": 2, "route": ["B", "A"], "max_speed_kmh": 60, "delay_seconds": 1200}
  ]
}`

type fixture struct {
	mgr    *sim.Manager
	loop   *feedback.Loop
	router http.Handler
}

func newFixture(t *testing.T, maxTicks int) *fixture {
	t.Helper()
	loop, err := feedback.NewLoop(feedback.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}
	cfg := sim.DefaultConfig()
	cfg.Mode = "accelerated"
	cfg.MaxTicks = maxTicks
	mgr := sim.NewManager(cfg, sim.Deps{Feedback: loop})
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return &fixture{mgr: mgr, loop: loop, router: NewServer(mgr, WithFeedback(loop)).Handler()}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) createRun(t *testing.T) sim.RunInfo {
	t.Helper()
	w := f.do(t, http.MethodPost, "/v1/runs", scenarioJSON)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", w.Code, w.Body.String())
	}
	var info sim.RunInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if info.State != sim.StateCreated {
		t.Fatalf("state = %s, want created", info.State)
	}
	return info
}

func waitStopped(t *testing.T, mgr *sim.Manager, id string) {
	t.Helper()
	run, err := mgr.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish")
	}
}

func TestRunLifecycleAndRecommendations(t *testing.T) {
	f := newFixture(t, 2)
	info := f.createRun(t)

	if w := f.do(t, http.MethodPost, "/v1/runs/"+info.ID+"/start", ""); w.Code != http.StatusOK {
		t.Fatalf("start status = %d body=%s", w.Code, w.Body.String())
	}
	waitStopped(t, f.mgr, info.ID)

	w := f.do(t, http.MethodGet, "/v1/runs/"+info.ID+"/recommendations", "")
	if w.Code != http.StatusOK {
		t.Fatalf("recommendations status = %d", w.Code)
	}
	var recs map[string]fusion.Recommendation
	if err := json.Unmarshal(w.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode recommendations: %v", err)
	}
	rec, ok := recs["head-on_S1"]
	if !ok {
		t.Fatalf("missing head-on_S1 in %v", recs)
	}
	if rec.Winner() != "T1" || rec.Holds["T2"] != 180 {
		t.Fatalf("recommendation = %+v", rec)
	}

	w = f.do(t, http.MethodGet, "/v1/runs/"+info.ID+"/recommendations/proximity_S9", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown conflict status = %d, want 404", w.Code)
	}

	if w := f.do(t, http.MethodPost, "/v1/runs/"+info.ID+"/start", ""); w.Code != http.StatusConflict {
		t.Fatalf("restart status = %d, want 409", w.Code)
	}
}

func TestUnknownRunIs404(t *testing.T) {
	f := newFixture(t, 1)
	for _, path := range []string{"/v1/runs/nope", "/v1/runs/nope/recommendations", "/v1/runs/nope/snapshot"} {
		if w := f.do(t, http.MethodGet, path, ""); w.Code != http.StatusNotFound {
			t.Fatalf("GET %s status = %d, want 404", path, w.Code)
		}
	}
}

func TestCreateRunRejectsBadScenario(t *testing.T) {
	f := newFixture(t, 1)
	w := f.do(t, http.MethodPost, "/v1/runs", `{"stations": [`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestOverrideWithoutRecommendationIsAccepted(t *testing.T) {
	f := newFixture(t, 1)
	info := f.createRun(t)

	body := `{"conflict_id": "head-on_S1", "human_solution": {"precedence": ["T2", "T1"]}, "reason": "yard blocked"}`
	w := f.do(t, http.MethodPost, "/v1/runs/"+info.ID+"/overrides", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("override status = %d body=%s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/v1/runs/"+info.ID+"/overrides?conflict_id=head-on_S1", "")
	var recs []feedback.OverrideRecord
	if err := json.Unmarshal(w.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode overrides: %v", err)
	}
	if len(recs) != 1 || recs[0].AISolution != nil || recs[0].Reason != "yard blocked" {
		t.Fatalf("overrides = %+v", recs)
	}

	if w := f.do(t, http.MethodPost, "/v1/runs/"+info.ID+"/overrides", `{"reason": "x"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("incomplete override status = %d, want 400", w.Code)
	}
}

func TestWeightsRenormalized(t *testing.T) {
	f := newFixture(t, 1)
	w := f.do(t, http.MethodPut, "/v1/fusion/weights", `{"optimizer": 2, "secondary_policy": 1, "risk_model": 1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d body=%s", w.Code, w.Body.String())
	}
	var got fusion.TrustWeights
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode weights: %v", err)
	}
	if got.Optimizer != 0.5 || got.SecondaryPolicy != 0.25 || got.RiskModel != 0.25 {
		t.Fatalf("weights = %+v", got)
	}

	if w := f.do(t, http.MethodPut, "/v1/fusion/weights", `{"optimizer": -1, "secondary_policy": 1, "risk_model": 1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("negative weight status = %d, want 400", w.Code)
	}
	w = f.do(t, http.MethodGet, "/v1/fusion/weights", "")
	if !bytes.Contains(w.Body.Bytes(), []byte(`"optimizer":0.5`)) {
		t.Fatalf("weights after rejected update = %s", w.Body.String())
	}
}

func TestStreamDeliversCurrentSnapshot(t *testing.T) {
	f := newFixture(t, 3)
	info := f.createRun(t)
	if w := f.do(t, http.MethodPost, "/v1/runs/"+info.ID+"/start", ""); w.Code != http.StatusOK {
		t.Fatalf("start status = %d", w.Code)
	}
	waitStopped(t, f.mgr, info.ID)

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/runs/" + info.ID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var snap sim.Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.RunID != info.ID || snap.Tick != 3 {
		t.Fatalf("snapshot run=%s tick=%d, want %s/3", snap.RunID, snap.Tick, info.ID)
	}
	if len(snap.Trains) != 2 || len(snap.SectionLoad) != 1 {
		t.Fatalf("snapshot trains=%d sections=%d", len(snap.Trains), len(snap.SectionLoad))
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		sim.ErrRunNotFound:       http.StatusNotFound,
		sim.ErrRunStopped:        http.StatusConflict,
		fusion.ErrInvalidWeights: http.StatusBadRequest,
		feedback.ErrNotDurable:   http.StatusServiceUnavailable,
		http.ErrHandlerTimeout:   http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}
