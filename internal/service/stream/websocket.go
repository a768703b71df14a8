package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"visionsurvey/internal/dto"
	"visionsurvey/internal/model"
)

const writeWait = 10 * time.Second

// Message is one websocket frame of the live feed.
type Message struct {
	Type   string          `json:"type"` // "new", "keep-alive" or "error"
	Record *dto.RecordInfo `json:"record,omitempty"`
}

// WebsocketSink writes the live feed as JSON text frames.
type WebsocketSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWebsocketSink(conn *websocket.Conn) *WebsocketSink {
	return &WebsocketSink{conn: conn}
}

func (s *WebsocketSink) Send(rec model.Record) error {
	info := dto.NewRecordInfo(rec)
	return s.writeJSON(Message{Type: EventNew, Record: &info})
}

func (s *WebsocketSink) Heartbeat() error {
	return s.writeJSON(Message{Type: "keep-alive"})
}

func (s *WebsocketSink) Error() error {
	return s.writeJSON(Message{Type: "error"})
}

func (s *WebsocketSink) writeJSON(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}
