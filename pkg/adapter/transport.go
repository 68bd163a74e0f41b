package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/theoryrun/theorycore/pkg/types"
)

// Subprotocol matches pkg/supervisor's Subprotocol constant. Defined
// again here, rather than imported, because pkg/supervisor and
// pkg/adapter are peer packages and the wire frame shape is a contract
// between them, not a shared type.
const Subprotocol = "theory.run.v1"

// maxFrameBytes bounds a single frame's size (SPEC_FULL.md §6: frames
// carry JSON text and must stay at or under 8 MiB; binary data only
// ever travels via presigned PUT).
const maxFrameBytes = 8 << 20

// ackDeadline bounds the wait for the opening Ack after RunOpen.
const ackDeadline = 5 * time.Second

// minOverallTimeout and defaultOverallTimeout bound the Ack-await phase's
// overall deadline when timeoutS is small or unset (base_ws_adapter.py's
// `max(5, timeout_s or 600)`).
const (
	minOverallTimeout     = 5 * time.Second
	defaultOverallTimeout = 600 * time.Second
)

// streamFrameDeadline bounds each individual frame read once streaming
// has begun.
const streamFrameDeadline = 15 * time.Second

// ErrBadResponse is returned for a structurally invalid handshake or
// terminal envelope (wrong first frame kind, envelope missing a
// required field). ErrTransport covers everything else: dial failure,
// timeout, connection reset.
var (
	ErrBadResponse = errors.New("adapter: malformed response")
	ErrTransport   = errors.New("adapter: transport failure")
)

// wireFrame mirrors pkg/supervisor's private wireFrame — redefined here
// because the two packages do not import each other.
type wireFrame struct {
	Kind    string          `json:"kind"`
	Content json.RawMessage `json:"content"`
}

// overallTimeout applies base_ws_adapter.py's floor/default rule to a
// caller-supplied timeoutS.
func overallTimeout(timeoutS int) time.Duration {
	if timeoutS <= 0 {
		return defaultOverallTimeout
	}
	d := time.Duration(timeoutS) * time.Second
	if d < minOverallTimeout {
		return minOverallTimeout
	}
	return d
}

// DialRun opens a theory.run.v1 connection to wsURL, sends RunOpen with
// role=client, awaits the mandatory Ack, then relays every subsequent
// frame to onEvent (if non-nil) until exactly one terminal RunResult
// arrives, which it decodes and returns.
//
// Grounded on base_ws_adapter.py's `_run_async`: an Ack-await loop
// bounded by an overall deadline of max(5, timeoutS or 600) seconds
// with 5s per-iteration reads, followed by a stream loop with 15s
// per-iteration reads until a terminal frame.
func DialRun(ctx context.Context, wsURL string, header http.Header, payload types.RunPayload, timeoutS int, onEvent func(types.RunEvent)) (types.ExecutionEnvelope, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: ackDeadline,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return types.ExecutionEnvelope{}, fmt.Errorf("%w: dial %s: %v", ErrTransport, wsURL, err)
	}
	defer conn.Close()
	if resp != nil {
		defer resp.Body.Close()
	}
	conn.SetReadLimit(maxFrameBytes)

	openContent, err := json.Marshal(struct {
		Role        string           `json:"role"`
		ExecutionID string           `json:"execution_id"`
		Payload     types.RunPayload `json:"payload"`
	}{
		Role:        string(types.RoleClient),
		ExecutionID: payload.ExecutionID,
		Payload:     payload,
	})
	if err != nil {
		return types.ExecutionEnvelope{}, fmt.Errorf("%w: encode RunOpen: %v", ErrTransport, err)
	}
	if err := conn.WriteJSON(wireFrame{Kind: "RunOpen", Content: openContent}); err != nil {
		return types.ExecutionEnvelope{}, fmt.Errorf("%w: write RunOpen: %v", ErrTransport, err)
	}

	deadline := time.Now().Add(overallTimeout(timeoutS))

	if err := awaitAck(conn, deadline); err != nil {
		return types.ExecutionEnvelope{}, err
	}

	return streamToTerminal(conn, deadline, onEvent)
}

func awaitAck(conn *websocket.Conn, overallDeadline time.Time) error {
	for {
		if time.Now().After(overallDeadline) {
			return fmt.Errorf("%w: no Ack before deadline", ErrTransport)
		}
		iterDeadline := time.Now().Add(ackDeadline)
		if iterDeadline.After(overallDeadline) {
			iterDeadline = overallDeadline
		}
		_ = conn.SetReadDeadline(iterDeadline)

		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("%w: read Ack: %v", ErrTransport, err)
		}
		if frame.Kind != "Ack" {
			return fmt.Errorf("%w: expected Ack, got %q", ErrBadResponse, frame.Kind)
		}
		return nil
	}
}

func streamToTerminal(conn *websocket.Conn, overallDeadline time.Time, onEvent func(types.RunEvent)) (types.ExecutionEnvelope, error) {
	for {
		if time.Now().After(overallDeadline) {
			return types.ExecutionEnvelope{}, fmt.Errorf("%w: no terminal RunResult before deadline", ErrTransport)
		}
		iterDeadline := time.Now().Add(streamFrameDeadline)
		if iterDeadline.After(overallDeadline) {
			iterDeadline = overallDeadline
		}
		_ = conn.SetReadDeadline(iterDeadline)

		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if isTimeout(err) {
				continue
			}
			return types.ExecutionEnvelope{}, fmt.Errorf("%w: read frame: %v", ErrTransport, err)
		}

		if types.EventKind(frame.Kind) != types.EventKindRunResult {
			if onEvent != nil {
				onEvent(types.RunEvent{Kind: types.EventKind(frame.Kind), Content: frame.Content})
			}
			continue
		}

		var envelope types.ExecutionEnvelope
		if err := json.Unmarshal(frame.Content, &envelope); err != nil {
			return types.ExecutionEnvelope{}, fmt.Errorf("%w: decode RunResult: %v", ErrBadResponse, err)
		}
		if err := validateEnvelope(envelope); err != nil {
			return types.ExecutionEnvelope{}, err
		}
		return envelope, nil
	}
}

// validateEnvelope checks the minimal shape every terminal envelope
// must satisfy (SPEC_FULL.md §3): a recognized status, and an error
// object present whenever status is "error".
func validateEnvelope(envelope types.ExecutionEnvelope) error {
	switch envelope.Status {
	case "success":
		return nil
	case "error":
		if envelope.Error == nil || envelope.Error.Code == "" {
			return fmt.Errorf("%w: status=error with no error.code", ErrBadResponse)
		}
		return nil
	default:
		return fmt.Errorf("%w: unrecognized status %q", ErrBadResponse, envelope.Status)
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
