package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"wave-portal/server/internal/config"
	"wave-portal/server/internal/ledger"
	"wave-portal/server/internal/model"
	"wave-portal/server/internal/orchestrator"
	"wave-portal/server/internal/session"
	"wave-portal/server/internal/timeline"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

var alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type fakeService struct {
	store *timeline.Store

	mu         sync.Mutex
	session    model.Session
	connectErr error
	submitErr  error
	count      uint64
	countErr   error
	resyncErr  error
	submitted  []string
}

func newFakeService(t *testing.T) *fakeService {
	store := timeline.NewStore(timeline.Config{Logger: zaptest.NewLogger(t)})
	return &fakeService{
		store:   store,
		session: model.Session{Status: model.SessionDisconnected},
	}
}

func (f *fakeService) Status() orchestrator.Status {
	return orchestrator.Status{Session: f.Session()}
}

func (f *fakeService) Session() model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeService) Connect(context.Context) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.session, f.connectErr
	}
	id := alice
	f.session = model.Session{Identity: &id, Status: model.SessionConnected}
	return f.session, nil
}

func (f *fakeService) View() timeline.View          { return f.store.View() }
func (f *fakeService) Changes() <-chan struct{}     { return f.store.Changes() }
func (f *fakeService) Resync(context.Context) error { return f.resyncErr }

func (f *fakeService) Count(context.Context) (uint64, error) {
	return f.count, f.countErr
}

func (f *fakeService) Submit(_ context.Context, message string) (model.PendingWrite, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, message)
	err := f.submitErr
	f.mu.Unlock()
	if err != nil {
		return model.PendingWrite{}, err
	}
	return f.store.IngestPending(model.PendingWrite{Author: alice, Message: message}), nil
}

func newTestServer(t *testing.T, svc Service) *Server {
	return NewServer(svc, config.CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}}, zaptest.NewLogger(t))
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
}

// TestWavesReturnsDisplayOrder 验证列表按到达倒序返回。
func TestWavesReturnsDisplayOrder(t *testing.T) {
	svc := newFakeService(t)
	svc.store.IngestBulk([]model.Record{
		{Author: alice, Timestamp: time.Unix(100, 0).UTC(), Message: "hi"},
		{Author: alice, Timestamp: time.Unix(200, 0).UTC(), Message: "yo"},
	})
	h := newTestServer(t, svc).Routes()

	rec := do(t, h, http.MethodGet, "/api/waves", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view timeline.View
	decode(t, rec, &view)
	if len(view.Records) != 2 || view.Records[0].Message != "yo" || view.Records[1].Message != "hi" {
		t.Fatalf("unexpected records %+v", view.Records)
	}
}

// TestSubmit 覆盖提交的成功路径和各类错误的状态码。
func TestSubmit(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		submitErr error
		want      int
		reached   bool
	}{
		{"accepted", `{"message":"hi"}`, nil, http.StatusAccepted, true},
		{"empty message accepted", `{"message":""}`, nil, http.StatusAccepted, true},
		{"invalid json", `{`, nil, http.StatusBadRequest, false},
		{"missing message", `{}`, nil, http.StatusBadRequest, false},
		{"too long", fmt.Sprintf(`{"message":%q}`, strings.Repeat("a", model.MaxMessageRunes+1)), nil, http.StatusBadRequest, false},
		{"disconnected", `{"message":"hi"}`, fmt.Errorf("%w: no authorized identity", session.ErrAuthorizationDeclined), http.StatusForbidden, true},
		{"rejected", `{"message":"hi"}`, fmt.Errorf("%w: user denied", ledger.ErrSubmissionRejected), http.StatusUnprocessableEntity, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newFakeService(t)
			svc.submitErr = tc.submitErr
			h := newTestServer(t, svc).Routes()

			rec := do(t, h, http.MethodPost, "/api/waves", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			if reached := len(svc.submitted) > 0; reached != tc.reached {
				t.Fatalf("expected reached=%v, got %v", tc.reached, reached)
			}
			if tc.want == http.StatusAccepted {
				var p model.PendingWrite
				decode(t, rec, &p)
				if p.ID == "" || p.Status != model.WriteSubmitting {
					t.Fatalf("unexpected pending write %+v", p)
				}
			}
		})
	}
}

// TestSubmitErrorDoesNotLeakDetail 验证上游错误细节不会出现在响应里。
func TestSubmitErrorDoesNotLeakDetail(t *testing.T) {
	svc := newFakeService(t)
	svc.submitErr = errors.New("dial tcp 10.0.0.7:8545: secret detail")
	h := newTestServer(t, svc).Routes()

	rec := do(t, h, http.MethodPost, "/api/waves", `{"message":"hi"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Fatalf("leaked upstream detail: %s", rec.Body.String())
	}
}

// TestConnect 验证授权成功与签名代理缺失两种情况。
func TestConnect(t *testing.T) {
	svc := newFakeService(t)
	h := newTestServer(t, svc).Routes()

	rec := do(t, h, http.MethodPost, "/api/session/connect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sess model.Session
	decode(t, rec, &sess)
	if !sess.Connected() || *sess.Identity != alice {
		t.Fatalf("unexpected session %+v", sess)
	}

	svc.connectErr = session.ErrEnvironmentUnavailable
	if rec := do(t, h, http.MethodPost, "/api/session/connect", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	svc.connectErr = session.ErrAuthorizationDeclined
	if rec := do(t, h, http.MethodPost, "/api/session/connect", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

// TestCountAndResyncTransientFailure 验证读取失败映射为 502。
func TestCountAndResyncTransientFailure(t *testing.T) {
	svc := newFakeService(t)
	svc.count = 7
	h := newTestServer(t, svc).Routes()

	rec := do(t, h, http.MethodGet, "/api/waves/count", "")
	var body struct {
		Count uint64 `json:"count"`
	}
	decode(t, rec, &body)
	if rec.Code != http.StatusOK || body.Count != 7 {
		t.Fatalf("unexpected count response %d %s", rec.Code, rec.Body.String())
	}

	svc.countErr = fmt.Errorf("%w: read count: eof", ledger.ErrTransientRead)
	if rec := do(t, h, http.MethodGet, "/api/waves/count", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	svc.resyncErr = fmt.Errorf("%w: read all: eof", ledger.ErrTransientRead)
	if rec := do(t, h, http.MethodPost, "/api/waves/resync", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

// TestCORS 验证只有白名单里的 Origin 拿到跨域头，预检直接返回 204。
func TestCORS(t *testing.T) {
	h := newTestServer(t, newFakeService(t)).Routes()

	req := httptest.NewRequest(http.MethodOptions, "/api/waves", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("unexpected preflight response %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected cors header for unknown origin")
	}
}

// TestStreamPushesViews 验证 stream 连接后先推快照，Store 变化后推新版本。
func TestStreamPushesViews(t *testing.T) {
	svc := newFakeService(t)
	srv := httptest.NewServer(newTestServer(t, svc).Routes())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/waves/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	read := func() streamMessage {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read stream: %v", err)
		}
		return msg
	}

	first := read()
	if first.Type != "view" || first.View.Synced {
		t.Fatalf("unexpected first message %+v", first)
	}

	svc.store.IngestBulk([]model.Record{{Author: alice, Timestamp: time.Unix(100, 0).UTC(), Message: "hi"}})
	next := read()
	if next.View.Version <= first.View.Version || len(next.View.Records) != 1 {
		t.Fatalf("unexpected update %+v", next.View)
	}
}

// TestStreamRejectsUnknownOrigin 验证浏览器跨域连接需要在白名单里。
func TestStreamRejectsUnknownOrigin(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, newFakeService(t)).Routes())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/waves/stream"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}
