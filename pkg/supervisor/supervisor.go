package supervisor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/theoryrun/theorycore/pkg/log"
	"github.com/theoryrun/theorycore/pkg/metrics"
	"github.com/theoryrun/theorycore/pkg/types"
)

// Subprotocol is the single WebSocket subprotocol this core's /run
// endpoint accepts (SPEC_FULL.md §4.4, §6).
const Subprotocol = "theory.run.v1"

// openFrameDeadline bounds how long the supervisor waits for a
// connection's opening RunOpen frame.
const openFrameDeadline = 5 * time.Second

// controlFrameDeadline bounds each subsequent frame read on an
// already-open connection.
const controlFrameDeadline = 15 * time.Second

// gcWaitTimeout bounds how long GC waits for a Run's fanout loop to
// drain after Close, per SPEC_FULL.md §4.4.
const gcWaitTimeout = 1 * time.Second

// Supervisor hosts the /run WebSocket endpoint and /healthz for one
// tool image, multiplexing every concurrent Run.
type Supervisor struct {
	digest string

	mu   sync.Mutex
	runs map[string]*Run

	upgrader websocket.Upgrader
}

// New constructs a Supervisor. digest is the running image's own
// digest, reported verbatim by /healthz.
func New(digest string) *Supervisor {
	return &Supervisor{
		digest: digest,
		runs:   make(map[string]*Run),
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{Subprotocol},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RunCount reports how many Runs are currently tracked, terminal or
// not. Exposed for tests and operational introspection.
func (s *Supervisor) RunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Handler returns the http.Handler serving /run and /healthz.
func (s *Supervisor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/run", s.handleRun)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Supervisor) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "digest": s.digest})
}

// handleRun implements the handshake and per-connection lifecycle of
// SPEC_FULL.md §4.4.
func (s *Supervisor) handleRun(w http.ResponseWriter, r *http.Request) {
	if !requestsSubprotocol(r, Subprotocol) {
		http.Error(w, "missing required subprotocol "+Subprotocol, http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("supervisor: upgrade failed: " + err.Error())
		return
	}
	defer conn.Close()

	run, role, err := s.handshake(conn)
	if err != nil {
		log.Warn("supervisor: handshake failed: " + err.Error())
		return
	}

	sub := newWSSubscriber(conn)
	subID := uuid.NewString()
	run.broker.Subscribe(subID, sub)
	metrics.SubscribersGauge.WithLabelValues(run.ExecutionID).Inc()
	defer func() {
		run.broker.Unsubscribe(subID)
		metrics.SubscribersGauge.WithLabelValues(run.ExecutionID).Dec()
		s.maybeGC(run)
	}()

	s.readLoop(conn, run, role)
}

func requestsSubprotocol(r *http.Request, want string) bool {
	for _, offered := range websocket.Subprotocols(r) {
		if offered == want {
			return true
		}
	}
	return false
}

// openContent is the payload of the mandatory opening RunOpen frame.
type openContent struct {
	Role        string           `json:"role"`
	ExecutionID string           `json:"execution_id"`
	RunID       string           `json:"run_id,omitempty"` // wire alias, DESIGN.md Open Question (a)
	Payload     *types.RunPayload `json:"payload,omitempty"`
}

func (c openContent) executionID() string {
	if c.ExecutionID != "" {
		return c.ExecutionID
	}
	return c.RunID
}

// handshake reads exactly the first frame, validates it as RunOpen,
// binds the connection to a Run (creating it if new), and replies Ack.
func (s *Supervisor) handshake(conn *websocket.Conn) (*Run, types.ConnectionRole, error) {
	_ = conn.SetReadDeadline(time.Now().Add(openFrameDeadline))

	var frame wireFrame
	if err := conn.ReadJSON(&frame); err != nil {
		_ = conn.Close()
		return nil, "", err
	}

	if frame.Kind != "RunOpen" {
		closeConn(conn, websocket.CloseProtocolError, "first frame must be RunOpen")
		return nil, "", errProtocol("unexpected kind " + frame.Kind)
	}

	var content openContent
	if err := json.Unmarshal(frame.Content, &content); err != nil {
		closeConn(conn, websocket.ClosePolicyViolation, "malformed RunOpen content")
		return nil, "", err
	}

	role := types.ConnectionRole(content.Role)
	if !validRole(role) {
		closeConn(conn, websocket.CloseProtocolError, "invalid role")
		return nil, "", errProtocol("invalid role " + content.Role)
	}

	executionID := content.executionID()
	if executionID == "" {
		closeConn(conn, websocket.ClosePolicyViolation, "missing execution_id")
		return nil, "", errProtocol("missing required fields")
	}

	run := s.getOrCreateRun(executionID)

	ack := wireFrame{Kind: "Ack"}
	ackContent, _ := json.Marshal(map[string]string{"execution_id": executionID})
	ack.Content = ackContent
	_ = conn.SetWriteDeadline(time.Now().Add(openFrameDeadline))
	if err := conn.WriteJSON(ack); err != nil {
		return nil, "", err
	}

	if role == types.RoleClient {
		payload := types.RunPayload{ExecutionID: executionID}
		if content.Payload != nil {
			payload = *content.Payload
			payload.ExecutionID = executionID
		}
		run.start(payload)
	}

	return run, role, nil
}

func validRole(r types.ConnectionRole) bool {
	switch r {
	case types.RoleClient, types.RoleController, types.RoleObserver:
		return true
	default:
		return false
	}
}

type protocolError string

func (e protocolError) Error() string { return string(e) }
func errProtocol(msg string) error    { return protocolError(msg) }

func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// getOrCreateRun returns the Run bound to executionID, creating a fresh
// Pending Run the first time it is seen.
func (s *Supervisor) getOrCreateRun(executionID string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[executionID]; ok {
		return run
	}
	run := newRun(executionID)
	s.runs[executionID] = run
	return run
}

// readLoop processes every frame after the handshake. Only control
// frames are acted on, and only from a Controller connection; anything
// else received on an already-bound connection is ignored rather than
// treated as a protocol violation, since the wire format allows a
// client or observer to simply keep the socket open to watch the
// fanout.
func (s *Supervisor) readLoop(conn *websocket.Conn, run *Run, role types.ConnectionRole) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(controlFrameDeadline))
		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if role != types.RoleController || frame.Kind != "control" {
			continue
		}

		var content struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(frame.Content, &content); err != nil {
			continue
		}
		run.applyControl(content.Op, frame.Content)
	}
}

// maybeGC drops run from the map once it is terminal and has no
// remaining subscribers, awaiting its fanout loop's exit (bounded).
func (s *Supervisor) maybeGC(run *Run) {
	if !run.terminalAndIdle() {
		return
	}

	s.mu.Lock()
	current, ok := s.runs[run.ExecutionID]
	if !ok || current != run || !run.terminalAndIdle() {
		s.mu.Unlock()
		return
	}
	delete(s.runs, run.ExecutionID)
	s.mu.Unlock()

	run.broker.Close()
	select {
	case <-run.broker.Done():
	case <-time.After(gcWaitTimeout):
	}
}
