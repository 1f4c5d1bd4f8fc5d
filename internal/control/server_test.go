package control

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/NodePath81/netspector/internal/config"
	"github.com/NodePath81/netspector/internal/measure"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, h *harness, token string) *httptest.Server {
	t.Helper()
	cfg := config.Default().Control
	cfg.AuthToken = token
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("netspector_runs_total 0\n"))
	})
	srv := httptest.NewServer(NewServer(cfg, h.ctrl, metrics, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

type rpcResult struct {
	Ok     bool            `json:"ok"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

func callRPC(t *testing.T, srv *httptest.Server, token, method string, params any) (int, rpcResult) {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"method": method, "params": params})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/rpc", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("rpc %s: %v", method, err)
	}
	defer resp.Body.Close()
	var out rpcResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode rpc %s: %v", method, err)
	}
	return resp.StatusCode, out
}

func TestRPCStartTestConflict(t *testing.T) {
	h := newHarness(t)
	srv := newTestServer(t, h, "")

	code, resp := callRPC(t, srv, "", "StartTest", map[string]any{"connection_name": "Home", "ping_count": 4})
	if code != http.StatusOK || !resp.Ok {
		t.Fatalf("start: %d %+v", code, resp)
	}
	var started startTestResult
	_ = json.Unmarshal(resp.Result, &started)
	if started.RunID == "" {
		t.Fatalf("missing run id")
	}

	code, resp = callRPC(t, srv, "", "StartTest", map[string]any{"connection_name": "Home"})
	if code != http.StatusConflict || resp.Error != ErrRunInProgress.Error() {
		t.Fatalf("second start: %d %+v", code, resp)
	}

	code, resp = callRPC(t, srv, "", "GetStatus", nil)
	var st StatusSnapshot
	_ = json.Unmarshal(resp.Result, &st)
	if code != http.StatusOK || st.State != StateRunning || st.RunID != started.RunID {
		t.Fatalf("status: %d %+v", code, st)
	}
	close(h.measurer.release)
	h.ctrl.Wait()
}

func TestRPCStartTestValidation(t *testing.T) {
	h := newHarness(t)
	srv := newTestServer(t, h, "")
	code, resp := callRPC(t, srv, "", "StartTest", map[string]any{"ping_count": 0})
	if code != http.StatusBadRequest || resp.Ok {
		t.Fatalf("zero count accepted: %d %+v", code, resp)
	}
	if h.measurer.Calls() != 0 {
		t.Fatalf("measurer ran for invalid request")
	}
	code, _ = callRPC(t, srv, "", "Nope", nil)
	if code != http.StatusBadRequest {
		t.Fatalf("unknown method status = %d", code)
	}
	resp2, err := srv.Client().Get(srv.URL + "/rpc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /rpc status = %d", resp2.StatusCode)
	}
}

func TestRPCGetHistory(t *testing.T) {
	h := newHarness(t)
	h.history.records = []measure.Record{{ConnectionName: "old"}, {ConnectionName: "mid"}, {ConnectionName: "new"}}
	srv := newTestServer(t, h, "")
	code, resp := callRPC(t, srv, "", "GetHistory", map[string]any{"limit": 2})
	if code != http.StatusOK {
		t.Fatalf("history status = %d", code)
	}
	var records []measure.Record
	if err := json.Unmarshal(resp.Result, &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 2 || records[0].ConnectionName != "new" || records[1].ConnectionName != "mid" {
		t.Fatalf("unexpected history %+v", records)
	}
}

func TestAuthToken(t *testing.T) {
	h := newHarness(t)
	srv := newTestServer(t, h, "s3cret")
	if code, _ := callRPC(t, srv, "", "GetStatus", nil); code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", code)
	}
	if code, _ := callRPC(t, srv, "wrong", "GetStatus", nil); code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", code)
	}
	if code, _ := callRPC(t, srv, "s3cret", "GetStatus", nil); code != http.StatusOK {
		t.Fatalf("valid token status = %d", code)
	}
	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("metrics without token = %d", resp.StatusCode)
	}
}

func TestFeedWebsocket(t *testing.T) {
	h := newHarness(t)
	srv := newTestServer(t, h, "s3cret")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"

	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatalf("feed accepted a client without token")
	}

	dialer := websocket.Dialer{Subprotocols: []string{
		wsPrimaryProtocol,
		wsTokenPrefix + base64.RawURLEncoding.EncodeToString([]byte("s3cret")),
	}}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first FeedMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != MessageState || first.State == nil || first.State.State != StateIdle {
		t.Fatalf("unexpected snapshot %+v", first)
	}

	if _, err := h.ctrl.Start(StartRequest{ConnectionName: "ws", Attempts: 2}); err != nil {
		t.Fatalf("start: %v", err)
	}
	close(h.measurer.release)
	for {
		var msg FeedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read feed: %v", err)
		}
		if msg.Type == MessageResult {
			if msg.Record == nil || msg.Record.ConnectionName != "ws" {
				t.Fatalf("unexpected result %+v", msg)
			}
			break
		}
	}
	h.ctrl.Wait()
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(1, 2, time.Minute)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatalf("burst not honoured")
	}
	if rl.Allow("a") {
		t.Fatalf("third immediate request allowed")
	}
	if !rl.Allow("b") {
		t.Fatalf("limits should be per client")
	}
	if rl.Allow("") {
		t.Fatalf("empty key allowed")
	}
}

func TestOriginAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8080/feed", nil)
	if !originAllowed(req) {
		t.Fatalf("missing origin rejected")
	}
	req.Header.Set("Origin", "http://127.0.0.1:8080")
	if !originAllowed(req) {
		t.Fatalf("same origin rejected")
	}
	req.Header.Set("Origin", "http://evil.example")
	if originAllowed(req) {
		t.Fatalf("foreign origin accepted")
	}
}
