package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/t3chn0func/webio/internal/auth"
	"github.com/t3chn0func/webio/internal/call"
	"github.com/t3chn0func/webio/internal/config"
	"github.com/t3chn0func/webio/internal/gateway"
	"github.com/t3chn0func/webio/internal/history"
	"github.com/t3chn0func/webio/internal/provider"
	"github.com/t3chn0func/webio/internal/session"
	"github.com/t3chn0func/webio/internal/stats"
	"github.com/t3chn0func/webio/pkg/logger"
)

// idleDriver never reports progress, so calls stay where the test puts them.
type idleDriver struct{}

func (idleDriver) Dial(context.Context, call.Session, func(session.SignalingEvent)) error {
	return nil
}
func (idleDriver) Hangup(context.Context, string) error { return nil }

type testEnv struct {
	router   *gin.Engine
	orch     *session.Orchestrator
	registry *call.Registry
	repo     *history.MemoryRepo
	sink     *history.Sink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	providers := provider.NewRegistry("sbc.example.com")
	registry := call.NewRegistry(providers)
	gw := gateway.New(registry, providers, log)
	repo := history.NewMemoryRepo()
	sink := history.NewSink(repo, log)
	t.Cleanup(sink.Close)
	t.Cleanup(gw.Close)

	orch := session.New(session.Params{
		Registry:    registry,
		Fanout:      gw,
		Recorder:    sink,
		Providers:   providers,
		Driver:      idleDriver{},
		Metrics:     stats.NewCollector(),
		Log:         log,
		InitTimeout: time.Minute,
	})

	mgr, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Minute})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	h := Handlers{
		Orchestrator:  orch,
		Auth:          mgr,
		Logs:          repo,
		Metrics:       stats.NewCollector(),
		WSBase:        "ws://localhost:8080",
		Version:       "test",
		AllowDevLogin: true,
	}

	r := gin.New()
	r.Use(logger.Middleware(log))
	r.GET("/api/health", h.Health)
	r.GET("/api/version", h.VersionInfo)
	r.GET("/api/call-statistics", h.CallStatistics)
	r.POST("/api/v1/auth/login", h.Login)
	r.POST("/api/v1/calls", h.CreateCall)
	r.GET("/api/v1/calls", h.ListCalls)
	r.GET("/api/v1/calls/:callId", h.GetCall)
	r.POST("/api/v1/calls/:callId/actions", h.PostAction)
	r.GET("/api/v1/call-logs", h.ListCallLogs)
	r.GET("/api/v1/call-logs/:callId", h.GetCallLog)

	return &testEnv{router: r, orch: orch, registry: registry, repo: repo, sink: sink}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type responseBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
	Meta    apiMeta         `json:"meta"`
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) responseBody {
	t.Helper()
	var body responseBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return body
}

func createCall(t *testing.T, e *testEnv) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/calls", gin.H{
		"name": "Ada Lovelace", "phone": "+15551234567", "callType": "audio", "provider": "cube",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create call status = %d: %s", w.Code, w.Body.String())
	}
	var data struct {
		CallID string `json:"call_id"`
	}
	body := decodeBody(t, w)
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return data.CallID
}

func TestCreateCall(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/calls", gin.H{
		"name": "Ada Lovelace", "phone": "+15551234567", "callType": "audio", "provider": "cube",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if !body.Success || body.Error != nil {
		t.Fatalf("expected success envelope: %s", w.Body.String())
	}
	if body.Meta.RequestID == "" || body.Meta.Timestamp == "" {
		t.Fatalf("expected meta fields: %+v", body.Meta)
	}

	var data struct {
		CallID    string `json:"call_id"`
		Status    string `json:"status"`
		Duration  int    `json:"duration"`
		WSURL     string `json:"wsUrl"`
		SBCConfig struct {
			WSURL  string `json:"wsUrl"`
			Domain string `json:"domain"`
		} `json:"sbcConfig"`
	}
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.CallID == "" || data.Status != "initializing" || data.Duration != 0 {
		t.Fatalf("unexpected call data: %+v", data)
	}
	wantWS := "ws://localhost:8080/api/v1/ws/calls/" + data.CallID + "/cube"
	if data.WSURL != wantWS {
		t.Fatalf("wsUrl = %q, want %q", data.WSURL, wantWS)
	}
	if !strings.Contains(data.SBCConfig.WSURL, "wss://sbc.example.com:8443") {
		t.Fatalf("sbcConfig.wsUrl = %q", data.SBCConfig.WSURL)
	}
}

func TestCreateCall_Validation(t *testing.T) {
	e := newTestEnv(t)

	cases := []struct {
		name string
		body gin.H
		code string
	}{
		{"missing name", gin.H{"phone": "+15551234567", "callType": "audio", "provider": "cube"}, "VALIDATION_ERROR"},
		{"bad phone", gin.H{"name": "A", "phone": "0abc", "callType": "audio", "provider": "cube"}, "VALIDATION_ERROR"},
		{"bad call type", gin.H{"name": "A", "phone": "+15551234567", "callType": "fax", "provider": "cube"}, "VALIDATION_ERROR"},
		{"unknown provider", gin.H{"name": "A", "phone": "+15551234567", "callType": "audio", "provider": "nope"}, "INVALID_PROVIDER"},
	}
	for _, tc := range cases {
		w := e.do(t, http.MethodPost, "/api/v1/calls", tc.body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d: %s", tc.name, w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body.Success || body.Error == nil || body.Error.Code != tc.code {
			t.Fatalf("%s: error = %+v, want code %s", tc.name, body.Error, tc.code)
		}
	}
}

func TestGetCall(t *testing.T) {
	e := newTestEnv(t)
	id := createCall(t, e)

	w := e.do(t, http.MethodGet, "/api/v1/calls/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var data struct {
		CallID string `json:"call_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(decodeBody(t, w).Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.CallID != id || data.Status != "initializing" {
		t.Fatalf("unexpected data: %+v", data)
	}

	w = e.do(t, http.MethodGet, "/api/v1/calls/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown call status = %d", w.Code)
	}
	if got := decodeBody(t, w).Error.Code; got != "NOT_FOUND" {
		t.Fatalf("error code = %s", got)
	}
}

func TestListCalls(t *testing.T) {
	e := newTestEnv(t)
	createCall(t, e)
	createCall(t, e)

	w := e.do(t, http.MethodGet, "/api/v1/calls", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var data struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(decodeBody(t, w).Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Count != 2 {
		t.Fatalf("count = %d, want 2", data.Count)
	}
}

func TestPostAction_Hangup(t *testing.T) {
	e := newTestEnv(t)
	id := createCall(t, e)

	w := e.do(t, http.MethodPost, "/api/v1/calls/"+id+"/actions", gin.H{"action": "hangup"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var data struct {
		Status        string `json:"status"`
		Action        string `json:"action"`
		ActionSuccess bool   `json:"actionSuccess"`
	}
	if err := json.Unmarshal(decodeBody(t, w).Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Status != "ended" || data.Action != "hangup" || !data.ActionSuccess {
		t.Fatalf("unexpected action data: %+v", data)
	}
}

func TestPostAction_Errors(t *testing.T) {
	e := newTestEnv(t)
	id := createCall(t, e)

	// Mute before the call is connected.
	w := e.do(t, http.MethodPost, "/api/v1/calls/"+id+"/actions", gin.H{"action": "mute"})
	if w.Code != http.StatusConflict {
		t.Fatalf("early mute status = %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w).Error.Code; got != "INVALID_TRANSITION" {
		t.Fatalf("error code = %s", got)
	}

	w = e.do(t, http.MethodPost, "/api/v1/calls/"+id+"/actions", gin.H{"action": "reboot"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown action status = %d", w.Code)
	}
	if got := decodeBody(t, w).Error.Code; got != "INVALID_ARGUMENT" {
		t.Fatalf("error code = %s", got)
	}

	w = e.do(t, http.MethodPost, "/api/v1/calls/nope/actions", gin.H{"action": "hangup"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown call status = %d", w.Code)
	}
}

func TestCallLogs(t *testing.T) {
	e := newTestEnv(t)
	id := createCall(t, e)
	w := e.do(t, http.MethodPost, "/api/v1/calls/"+id+"/actions", gin.H{"action": "hangup"})
	if w.Code != http.StatusOK {
		t.Fatalf("hangup status = %d", w.Code)
	}

	// The sink applies events asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, ok, _ := e.repo.Get(context.Background(), id)
		if ok && rec.Status == "ended" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history record never reached ended")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w = e.do(t, http.MethodGet, "/api/v1/call-logs?customerName=ada", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var data struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(decodeBody(t, w).Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Count != 1 {
		t.Fatalf("count = %d, want 1", data.Count)
	}

	w = e.do(t, http.MethodGet, "/api/v1/call-logs/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	w = e.do(t, http.MethodGet, "/api/v1/call-logs/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown log status = %d", w.Code)
	}

	w = e.do(t, http.MethodGet, "/api/v1/call-logs?startDate=garbage", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad date status = %d", w.Code)
	}
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/auth/login", gin.H{"user_id": "u1", "role": "operator"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var data struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(decodeBody(t, w).Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.AccessToken == "" {
		t.Fatalf("expected access token")
	}

	w = e.do(t, http.MethodPost, "/api/v1/auth/login", gin.H{"user_id": "u1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing role status = %d", w.Code)
	}
}

func TestLogin_DisabledByDefault(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mgr, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Minute})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}
	h := Handlers{Auth: mgr}

	r := gin.New()
	r.POST("/api/v1/auth/login", h.Login)

	body, _ := json.Marshal(gin.H{"user_id": "u1", "role": "operator"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if got := decodeBody(t, w).Error.Code; got != "FORBIDDEN" {
		t.Fatalf("error code = %s, want FORBIDDEN", got)
	}
}

func TestOpsEndpoints(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	w = e.do(t, http.MethodGet, "/api/version", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("version status = %d", w.Code)
	}
	w = e.do(t, http.MethodGet, "/api/call-statistics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
}
