package supervisor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/theoryrun/theorycore/pkg/types"
)

// frameWriteTimeout bounds a single fanned-out frame write so one slow
// subscriber cannot stall the broadcast loop indefinitely.
const frameWriteTimeout = 5 * time.Second

// wsSubscriber adapts a *websocket.Conn to events.Subscriber. gorilla's
// Conn forbids concurrent writers, so every Send goes through mu.
type wsSubscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{conn: conn}
}

// Send implements events.Subscriber.
func (s *wsSubscriber) Send(event types.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
	return s.conn.WriteJSON(wireFrame{Kind: string(event.Kind), Content: event.Content})
}

// Close implements events.Subscriber.
func (s *wsSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.Close()
}

// wireFrame is the on-the-wire shape of every frame in both directions:
// {kind, content}.
type wireFrame struct {
	Kind    string          `json:"kind"`
	Content json.RawMessage `json:"content"`
}
