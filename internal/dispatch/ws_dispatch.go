package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/live-tracking/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

var (
	ErrSessionClosed = errors.New("ws session closed")
	ErrSlowConsumer  = errors.New("ws send buffer full")
)

// WSSession is one client connection. Outbound frames go through a bounded
// queue drained by WritePump, so Send never blocks on the network.
type WSSession struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewWSSession(id string, conn *websocket.Conn, buffer int) *WSSession {
	if buffer <= 0 {
		buffer = 64
	}
	return &WSSession{id: id, conn: conn, send: make(chan []byte, buffer), done: make(chan struct{})}
}

func (s *WSSession) ID() string { return s.id }

// Send queues the event for delivery. It fails fast when the session is
// closed or its queue is full.
func (s *WSSession) Send(event string, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close stops WritePump and closes the socket. Safe to call more than once.
func (s *WSSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.conn.Close()
}

// WritePump drains the send queue to the socket until the session is closed,
// ctx is done, or a write fails.
func (s *WSSession) WritePump(ctx context.Context) {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-s.done:
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

// ReadPump decodes inbound frames and hands them to handle in order. It
// returns when the peer goes away or the socket is closed.
func (s *WSSession) ReadPump(handle func(models.Message)) error {
	s.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		var m models.Message
		if err := json.Unmarshal(data, &m); err != nil || m.Event == "" {
			_ = s.Send(models.EventError, models.ErrorPayload{Message: "frame must be {\"event\": ..., \"data\": ...}"})
			continue
		}
		handle(m)
	}
}

// Encode renders an outbound frame.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(models.Message{Event: event, Data: data})
}
