package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"visionsurvey/internal/dto"
	"visionsurvey/internal/model"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// EventNew is the event name of a delivered record.
const EventNew = "new"

// SSEWriter writes the live feed as text/event-stream.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers and sends the reconnect hint.
func NewSSEWriter(w http.ResponseWriter, retry time.Duration) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &SSEWriter{w: w, flusher: flusher}
	if err := s.write(fmt.Sprintf("retry: %d\n\n", retry.Milliseconds())); err != nil {
		return nil, err
	}
	return s, nil
}

// Send writes one record event. The id line lets clients resume with Last-Event-ID.
func (s *SSEWriter) Send(rec model.Record) error {
	payload, err := json.Marshal(dto.NewRecordInfo(rec))
	if err != nil {
		return fmt.Errorf("failed to encode record %d: %w", rec.ID, err)
	}
	return s.write(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", rec.ID, EventNew, payload))
}

func (s *SSEWriter) Heartbeat() error {
	return s.write(": keep-alive\n\n")
}

func (s *SSEWriter) Error() error {
	return s.write(": error\n\n")
}

func (s *SSEWriter) write(chunk string) error {
	if _, err := io.WriteString(s.w, chunk); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
