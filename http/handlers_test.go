package http

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opflow/contract"
	"opflow/db"
	"opflow/executor"
	"opflow/monitoring"
	"opflow/pipeline"
)

type testServer struct {
	url   string
	store *db.Store
	hub   *monitoring.WebSocketHub
	data  string
	dir   string
}

func newTestServer(t *testing.T, config ServerConfig) *testServer {
	t.Helper()
	dir := t.TempDir()
	store, err := db.InitDB(filepath.Join(dir, "opflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	artifacts, err := pipeline.NewArtifactStore(pipeline.StorageConfig{Root: filepath.Join(dir, "middata")}, nil)
	require.NoError(t, err)

	hub := monitoring.NewWebSocketHub(nil)
	go hub.Start()
	t.Cleanup(hub.Stop)
	metrics := monitoring.NewMetricsCollector()

	orch, err := executor.NewOrchestrator(executor.Dependencies{
		Store:     store,
		Sources:   store,
		Session:   pipeline.NewLocalSession(nil),
		Artifacts: artifacts,
		Events:    hub,
		Metrics:   metrics,
	}, executor.Config{}, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(config, NewAPI(orch, store, hub, metrics, nil), nil))
	t.Cleanup(srv.Close)

	data := filepath.Join(dir, "train.csv")
	require.NoError(t, os.WriteFile(data, []byte("x1,x2,y\n1,2,0\n5,6,1\n"), 0o600))
	return &testServer{url: srv.URL, store: store, hub: hub, data: data, dir: dir}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, s.url+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &payload), "body: %s", raw)
	}
	return resp, payload
}

func (s *testServer) createSVM(t *testing.T, id string) {
	t.Helper()
	resp, _ := s.do(t, http.MethodPost, "/api/operators",
		fmt.Sprintf(`{"id":%q,"operator_type_id":6001,"operator_config":{"parameter":{}}}`, id))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

const svmCondition = `{"features":[0,1],"label":2,"iterations":10,"step":1.0,"regParam":%s,"regType":"l2","convergenceTol":0.001}`

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig())

	resp, payload := s.do(t, http.MethodGet, "/api/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", resp.StatusCode, http.StatusOK)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected body: %v", payload)
	}
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRunOperatorEndpoint(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig())
	s.createSVM(t, "svm-1")

	body := fmt.Sprintf(`{"urls":[%q],"condition":`+svmCondition+`}`, s.data, "0.0")
	resp, payload := s.do(t, http.MethodPost, "/api/operators/svm-1/run", body)
	require.Equal(t, http.StatusOK, resp.StatusCode, "payload: %v", payload)
	assert.Equal(t, "success", payload["status"])
	assert.Equal(t, "支持向量机二分类算子执行成功", payload["run_info"])
	urls, ok := payload["urls"].([]interface{})
	require.True(t, ok)
	require.Len(t, urls, 1)
	assert.Equal(t, payload["result_url"], urls[0])
	assert.Equal(t, resp.Header.Get("X-Request-ID"), payload["request_id"])
	assert.NotEmpty(t, payload["request_id"])

	resp, op := s.do(t, http.MethodGet, "/api/operators/svm-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", op["status"])
	assert.Equal(t, urls[0], op["result_url"])
	assert.EqualValues(t, 1, op["attempt"])

	resp, runs := s.do(t, http.MethodGet, "/api/operators/svm-1/runs?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, runs["runs"], 1)
}

func TestRunOperatorFailures(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig())
	s.createSVM(t, "svm-1")

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCode   contract.ErrorCode
	}{
		{
			name:       "bad hyperparameter",
			path:       "/api/operators/svm-1/run",
			body:       fmt.Sprintf(`{"inputs":[{"kind":"data","url":%q}],"condition":`+svmCondition+`}`, s.data, `"abc"`),
			wantStatus: http.StatusBadRequest,
			wantCode:   contract.ParameterType,
		},
		{
			name:       "malformed condition",
			path:       "/api/operators/svm-1/run",
			body:       fmt.Sprintf(`{"urls":[%q],"condition":[1,2]}`, s.data),
			wantStatus: http.StatusBadRequest,
			wantCode:   contract.InvalidInput,
		},
		{
			name:       "no inputs",
			path:       "/api/operators/svm-1/run",
			body:       `{"condition":{}}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   contract.InvalidInput,
		},
		{
			name:       "bad input kind",
			path:       "/api/operators/svm-1/run",
			body:       `{"inputs":[{"kind":"blob","url":"x"}]}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   contract.InvalidInput,
		},
		{
			name:       "unknown operator",
			path:       "/api/operators/ghost/run",
			body:       fmt.Sprintf(`{"urls":[%q]}`, s.data),
			wantStatus: http.StatusNotFound,
			wantCode:   contract.OperatorNotFound,
		},
		{
			name:       "unknown project",
			path:       "/api/operators/svm-1/run",
			body:       `{"project_id":"nope","condition":{"features":[0],"label":2}}`,
			wantStatus: http.StatusNotFound,
			wantCode:   contract.DataSource,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, payload := s.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, "payload: %v", payload)
			assert.Equal(t, string(tt.wantCode), payload["error_code"])
		})
	}

	op, err := s.store.GetOperatorByID(context.Background(), "svm-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, op.Status)
	assert.Empty(t, op.ResultURL)
}

func TestRunProjectEndpoint(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig())
	s.createSVM(t, "svm-1")

	resp, _ := s.do(t, http.MethodPut, "/api/projects/p1", fmt.Sprintf(`{"data_dir":%q}`, filepath.Dir(s.data)))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, payload := s.do(t, http.MethodPost, "/api/operators/svm-1/run",
		`{"project_id":"p1","condition":`+fmt.Sprintf(svmCondition, "0.0")+`}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, "payload: %v", payload)
	assert.Equal(t, "success", payload["status"])
}

func TestCreateOperatorValidation(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig())

	resp, payload := s.do(t, http.MethodPost, "/api/operators", `{"operator_type_id":6001}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(contract.InvalidInput), payload["error_code"])

	resp, _ = s.do(t, http.MethodPost, "/api/operators", `{"id":"a","operator_type_id":6001,"surprise":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/operators/a", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/operators/a/runs", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig())
	s.createSVM(t, "svm-1")
	s.do(t, http.MethodPost, "/api/operators/svm-1/run",
		fmt.Sprintf(`{"urls":[%q],"condition":`+svmCondition+`}`, s.data, "0.0"))

	resp, err := http.Get(s.url + "/api/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `operator_runs_total{family="svm",kind="train",status="success"} 1`)
}

func TestAuthToken(t *testing.T) {
	config := DefaultServerConfig()
	config.AuthToken = "secret"
	s := newTestServer(t, config)

	resp, _ := s.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/operators/x", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, s.url+"/api/operators/x", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	r2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r2.Body.Close()
	assert.Equal(t, http.StatusNotFound, r2.StatusCode)
}

func TestGzipResponse(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig())

	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	req, err := http.NewRequest(http.MethodGet, s.url+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	gz, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(gz).Decode(&payload))
	assert.Equal(t, "ok", payload["status"])
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		w.Write([]byte("late"))
	})
	h := TimeoutMiddleware(20*time.Millisecond, "/exempt")(slow)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/slow", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
	assert.NotContains(t, rr.Body.String(), "late")

	fast := TimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Fast", "1")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("done"))
	}))
	rr = httptest.NewRecorder()
	fast.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/fast", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("X-Fast"))
	assert.Equal(t, "done", rr.Body.String())
}

func TestOperatorEventsOverWebSocket(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig())
	s.createSVM(t, "svm-1")

	wsURL := "ws" + strings.TrimPrefix(s.url, "http") + "/api/ws/operators?operator_id=svm-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.Stats().ConnectedClients == 1 }, time.Second, 5*time.Millisecond)

	s.do(t, http.MethodPost, "/api/operators/svm-1/run",
		fmt.Sprintf(`{"urls":[%q],"condition":`+svmCondition+`}`, s.data, "0.0"))

	var statuses []string
	for len(statuses) < 2 {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg monitoring.Message
		require.NoError(t, conn.ReadJSON(&msg))
		var event monitoring.OperatorEvent
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, "svm-1", event.OperatorID)
		statuses = append(statuses, event.Status)
	}
	assert.Equal(t, []string{"running", "success"}, statuses)
}

func TestRequestContextHelpers(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))
	assert.True(t, GetStartTime(context.Background()).IsZero())

	var gotID string
	var gotStart time.Time
	handler := LoggerMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = GetRequestID(r.Context())
		gotStart = GetStartTime(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", gotID)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.False(t, gotStart.IsZero())
}
