package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/popfuzz/internal/controller"
	"github.com/gateway-fm/popfuzz/internal/mockminer"
	"github.com/gateway-fm/popfuzz/internal/storage"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

// fakeAPI records calls and returns canned values.
type fakeAPI struct {
	startErr  error
	started   []types.StartRunRequest
	stopped   bool
	running   bool
	metrics   types.RunMetrics
	converge  []types.ConvergeResult
	checks    types.ConvergeChecks
	timeout   time.Duration
	runs      *storage.PaginatedRuns
	detail    *controller.RunDetail
	ops       *storage.PaginatedOps
	deleted   string
	updateErr error
	limit     int
	offset    int
}

var _ RunAPI = (*fakeAPI)(nil)

func (f *fakeAPI) StartRun(req types.StartRunRequest) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	return "run-1", nil
}

func (f *fakeAPI) StopRun() bool {
	f.stopped = true
	return f.running
}

func (f *fakeAPI) Metrics() types.RunMetrics { return f.metrics }

func (f *fakeAPI) Converge(ctx context.Context, checks types.ConvergeChecks, timeout time.Duration) []types.ConvergeResult {
	f.checks = checks
	f.timeout = timeout
	return f.converge
}

func (f *fakeAPI) ListRuns(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error) {
	f.limit, f.offset = limit, offset
	return f.runs, nil
}

func (f *fakeAPI) RunDetail(ctx context.Context, id string, opsLimit int) (*controller.RunDetail, error) {
	if f.detail == nil || f.detail.Run.ID != id {
		return nil, nil
	}
	return f.detail, nil
}

func (f *fakeAPI) RunOps(ctx context.Context, id string, limit, offset int) (*storage.PaginatedOps, error) {
	f.limit, f.offset = limit, offset
	return f.ops, nil
}

func (f *fakeAPI) DeleteRun(ctx context.Context, id string) error {
	f.deleted = id
	return nil
}

func (f *fakeAPI) UpdateRunMetadata(ctx context.Context, id string, update *storage.RunMetadataUpdate) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	if update.IsFavorite != nil {
		f.detail.Run.IsFavorite = *update.IsFavorite
	}
	return nil
}

type fakeHealth map[string]error

func (h fakeHealth) CheckNodes(ctx context.Context) map[string]error { return h }

func newTestServer(t *testing.T, api RunAPI, health HealthChecker, cors string) *httptest.Server {
	t.Helper()
	s := NewServer(api, health, nil, cors)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return ts
}

func doRequest(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHandleStart(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		startErr   error
		wantStatus int
		wantError  string
	}{
		{
			name:       "valid request",
			method:     http.MethodPost,
			body:       `{"counts":{"baseBlocks":1,"relayBlocks":2,"targetBlocks":3,"proofs":1,"dataSubmissions":1},"seed":5}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
			wantError:  "Method not allowed",
		},
		{
			name:       "malformed body",
			method:     http.MethodPost,
			body:       `{"counts":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request body",
		},
		{
			name:       "negative count",
			method:     http.MethodPost,
			body:       `{"counts":{"proofs":-1,"targetBlocks":1}}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "counts.proofs cannot be negative",
		},
		{
			name:       "run already active",
			method:     http.MethodPost,
			body:       `{"counts":{"targetBlocks":1}}`,
			startErr:   controller.ErrRunActive,
			wantStatus: http.StatusConflict,
			wantError:  "already active",
		},
		{
			name:       "start failure",
			method:     http.MethodPost,
			body:       `{"counts":{"targetBlocks":1}}`,
			startErr:   errors.New("disk full"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{startErr: tt.startErr}
			ts := newTestServer(t, api, nil, "*")

			resp, body := doRequest(t, tt.method, ts.URL+"/v1/start", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantError != "" {
				msg, _ := body["error"].(string)
				if !strings.Contains(msg, tt.wantError) {
					t.Errorf("error %q does not contain %q", msg, tt.wantError)
				}
				return
			}
			if body["id"] != "run-1" {
				t.Errorf("id = %v, want run-1", body["id"])
			}
			if len(api.started) != 1 || api.started[0].Seed == nil || *api.started[0].Seed != 5 {
				t.Errorf("started = %+v", api.started)
			}
		})
	}
}

func TestHandleStatusAndStop(t *testing.T) {
	api := &fakeAPI{metrics: types.RunMetrics{ID: "r", Status: types.StatusRunning, Seed: 9, LastIndex: 4}, running: true}
	ts := newTestServer(t, api, nil, "")

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/v1/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != string(types.StatusRunning) || body["seed"] != float64(9) {
		t.Errorf("body = %v", body)
	}

	_, body = doRequest(t, http.MethodPost, ts.URL+"/v1/stop", "")
	if !api.stopped || body["status"] != "stopping" {
		t.Errorf("stop: stopped=%v body=%v", api.stopped, body)
	}

	api.running = false
	_, body = doRequest(t, http.MethodPost, ts.URL+"/v1/stop", "")
	if body["status"] != "idle" {
		t.Errorf("stop when idle: body=%v", body)
	}
}

func TestHandleConverge(t *testing.T) {
	api := &fakeAPI{converge: []types.ConvergeResult{
		{Check: "tip", Converged: true},
		{Check: "pending-set", Converged: false, Error: "timeout"},
	}}
	ts := newTestServer(t, api, nil, "*")

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/v1/converge", `{"checks":{"tips":true,"pendingSet":true},"timeoutSec":3}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["converged"] != false {
		t.Errorf("converged = %v, want false", body["converged"])
	}
	if !api.checks.Tips || !api.checks.PendingSet || api.checks.CrossChain {
		t.Errorf("checks = %+v", api.checks)
	}
	if api.timeout != 3*time.Second {
		t.Errorf("timeout = %v", api.timeout)
	}

	// Empty body is accepted.
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/v1/converge", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("empty body status = %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/v1/converge", `{"timeoutSec":-1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative timeout status = %d", resp.StatusCode)
	}
}

func TestHandleHistory(t *testing.T) {
	name := "baseline"
	api := &fakeAPI{
		runs: &storage.PaginatedRuns{Runs: []storage.Run{{ID: "a"}}, Total: 1},
		detail: &controller.RunDetail{
			Run: &storage.Run{ID: "a", CustomName: &name},
			Ops: &storage.PaginatedOps{Ops: []storage.OpLogEntry{{Index: 0, Op: types.OpMineTarget}}, Total: 1},
		},
		ops: &storage.PaginatedOps{Ops: []storage.OpLogEntry{}, Total: 1},
	}
	ts := newTestServer(t, api, nil, "*")

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/v1/history?limit=500&offset=2", "")
	if resp.StatusCode != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("history: status=%d body=%v", resp.StatusCode, body)
	}
	if api.limit != 50 || api.offset != 2 {
		t.Errorf("pagination = %d/%d, want 50/2", api.limit, api.offset)
	}

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/v1/history/a", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail status = %d", resp.StatusCode)
	}
	if run, _ := body["run"].(map[string]any); run["customName"] != "baseline" {
		t.Errorf("detail body = %v", body)
	}

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/v1/history/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/v1/history/a/ops?limit=10", "")
	if resp.StatusCode != http.StatusOK || api.limit != 10 {
		t.Errorf("ops: status=%d limit=%d", resp.StatusCode, api.limit)
	}

	resp, body = doRequest(t, http.MethodPatch, ts.URL+"/v1/history/a", `{"isFavorite":true}`)
	if resp.StatusCode != http.StatusOK || body["isFavorite"] != true {
		t.Errorf("patch: status=%d body=%v", resp.StatusCode, body)
	}

	api.updateErr = errors.New("run not found: zzz")
	resp, _ = doRequest(t, http.MethodPatch, ts.URL+"/v1/history/zzz", `{"isFavorite":true}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("patch missing status = %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodDelete, ts.URL+"/v1/history/a", "")
	if resp.StatusCode != http.StatusOK || api.deleted != "a" {
		t.Errorf("delete: status=%d deleted=%q", resp.StatusCode, api.deleted)
	}

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/v1/history/", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing id status = %d", resp.StatusCode)
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, &fakeAPI{}, nil, "https://a.example, https://b.example")

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/status", nil)
	req.Header.Set("Origin", "https://b.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://b.example" {
		t.Errorf("allowed origin = %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/v1/status", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allowed origin %q", got)
	}
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, &fakeAPI{}, fakeHealth{"a": nil, "b": errors.New("connection refused")}, "*")

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("health: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/ready", "")
	if resp.StatusCode != http.StatusServiceUnavailable || body["ready"] != false {
		t.Errorf("ready: status=%d body=%v", resp.StatusCode, body)
	}
	checks, _ := body["checks"].([]any)
	if len(checks) != 2 {
		t.Fatalf("checks = %v", body["checks"])
	}
	if first, _ := checks[0].(map[string]any); first["name"] != "node-a" || first["status"] != "ok" {
		t.Errorf("first check = %v", first)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeAPI{}, nil, "*")
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctrl, err := controller.New(controller.Config{
		Backend: controller.NewSimBackend(mockminer.New(nil), 2, nil),
		Storage: store,
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, ctrl, ctrl, "*")

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/v1/start",
		`{"counts":{"baseBlocks":2,"relayBlocks":4,"targetBlocks":3,"proofs":2,"dataSubmissions":2},"seed":11,"converge":{"tips":true}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status=%d body=%v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	ctrl.Wait()

	_, body = doRequest(t, http.MethodGet, ts.URL+"/v1/status", "")
	if body["status"] != string(types.StatusCompleted) {
		t.Fatalf("status body = %v", body)
	}

	_, body = doRequest(t, http.MethodGet, ts.URL+"/v1/history/"+id, "")
	run, _ := body["run"].(map[string]any)
	if run["status"] != string(types.StatusCompleted) || run["converged"] != true {
		t.Errorf("run = %v", run)
	}

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/ready", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready status = %d", resp.StatusCode)
	}
}

func TestWebSocketStreamsMetrics(t *testing.T) {
	api := &fakeAPI{metrics: types.RunMetrics{ID: "live", Status: types.StatusRunning}}
	ts := newTestServer(t, api, nil, "*")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m types.RunMetrics
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.ID != "live" || m.Status != types.StatusRunning {
		t.Errorf("metrics = %+v", m)
	}
}
