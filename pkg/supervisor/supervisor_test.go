package supervisor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDialer() *websocket.Dialer {
	return &websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: 2 * time.Second,
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func mustReadFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func openRun(t *testing.T, server *httptest.Server, role, executionID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := testDialer().Dial(wsURL(server)+"/run", nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}

	content, _ := json.Marshal(map[string]string{"role": role, "execution_id": executionID})
	require.NoError(t, conn.WriteJSON(wireFrame{Kind: "RunOpen", Content: content}))

	ack := mustReadFrame(t, conn)
	require.Equal(t, "Ack", ack.Kind)
	return conn
}

func TestHandleRun_RejectsMissingSubprotocol(t *testing.T) {
	sup := New("sha256:" + strings.Repeat("a", 64))
	server := httptest.NewServer(sup.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/run")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz_ReturnsOKAndDigest(t *testing.T) {
	sup := New("sha256:" + strings.Repeat("b", 64))
	server := httptest.NewServer(sup.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "sha256:"+strings.Repeat("b", 64), body["digest"])
}

func TestHealthz_RejectsNonGET(t *testing.T) {
	sup := New("sha256:" + strings.Repeat("c", 64))
	server := httptest.NewServer(sup.Handler())
	defer server.Close()

	resp, err := http.Post(server.URL+"/healthz", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestControlOps_PauseResumeFanOutToObserver(t *testing.T) {
	sup := New("sha256:" + strings.Repeat("d", 64))
	server := httptest.NewServer(sup.Handler())
	defer server.Close()

	observer := openRun(t, server, "observer", "exec-pause")
	defer observer.Close()
	controller := openRun(t, server, "controller", "exec-pause")
	defer controller.Close()

	controlFrame := func(op string) wireFrame {
		content, _ := json.Marshal(map[string]string{"op": op})
		return wireFrame{Kind: "control", Content: content}
	}

	require.NoError(t, controller.WriteJSON(controlFrame("pause")))
	f := mustReadFrame(t, observer)
	assert.Equal(t, "Event", f.Kind)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Content, &body))
	assert.Equal(t, "paused", body["phase"])

	require.NoError(t, controller.WriteJSON(controlFrame("resume")))
	f = mustReadFrame(t, observer)
	require.NoError(t, json.Unmarshal(f.Content, &body))
	assert.Equal(t, "resumed", body["phase"])
}

func TestControlOps_PreemptWithNoWorkerFinishesRunImmediately(t *testing.T) {
	sup := New("sha256:" + strings.Repeat("e", 64))
	server := httptest.NewServer(sup.Handler())
	defer server.Close()

	observer := openRun(t, server, "observer", "exec-preempt")
	defer observer.Close()
	controller := openRun(t, server, "controller", "exec-preempt")
	defer controller.Close()

	content, _ := json.Marshal(map[string]string{"op": "preempt"})
	require.NoError(t, controller.WriteJSON(wireFrame{Kind: "control", Content: content}))

	f := mustReadFrame(t, observer)
	assert.Equal(t, "Event", f.Kind)

	f = mustReadFrame(t, observer)
	assert.Equal(t, "RunResult", f.Kind)
	var envelope struct {
		Status string `json:"status"`
		Error  struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(f.Content, &envelope))
	assert.Equal(t, "error", envelope.Status)
	assert.Equal(t, "ERR_PREEMPTED", envelope.Error.Code)
}

func TestControlOps_UnknownOpIsNoop(t *testing.T) {
	sup := New("sha256:" + strings.Repeat("f", 64))
	server := httptest.NewServer(sup.Handler())
	defer server.Close()

	observer := openRun(t, server, "observer", "exec-unknown")
	defer observer.Close()
	controller := openRun(t, server, "controller", "exec-unknown")
	defer controller.Close()

	content, _ := json.Marshal(map[string]string{"op": "wat"})
	require.NoError(t, controller.WriteJSON(wireFrame{Kind: "control", Content: content}))

	f := mustReadFrame(t, observer)
	assert.Equal(t, "Event", f.Kind)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Content, &body))
	assert.Equal(t, "control_noop", body["phase"])
	assert.Equal(t, true, body["noop"])
}

func TestHandshake_RejectsNonRunOpenFirstFrame(t *testing.T) {
	sup := New("sha256:" + strings.Repeat("1", 64))
	server := httptest.NewServer(sup.Handler())
	defer server.Close()

	conn, _, err := testDialer().Dial(wsURL(server)+"/run", nil)
	require.NoError(t, err)
	defer conn.Close()

	content, _ := json.Marshal(map[string]string{"foo": "bar"})
	require.NoError(t, conn.WriteJSON(wireFrame{Kind: "Bogus", Content: content}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	if ok {
		assert.Equal(t, websocket.CloseProtocolError, closeErr.Code)
	}
}
