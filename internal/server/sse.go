package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/szaher/deskmate/internal/events"
)

// SSEWriter writes protocol events as Server-Sent Events, one flushed frame
// per event. After the first write failure further events are dropped.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu  sync.Mutex
	err error
}

// NewSSEWriter sets the event-stream headers on w.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends data as a named event.
func (s *SSEWriter) WriteEvent(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		s.err = err
		return err
	}
	s.flusher.Flush()
	return nil
}

// Emit implements events.Emitter.
func (s *SSEWriter) Emit(ev *events.Event) {
	_ = s.WriteEvent(string(ev.Type), ev)
}

// Err returns the first write failure.
func (s *SSEWriter) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
