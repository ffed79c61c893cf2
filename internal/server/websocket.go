package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/szaher/deskmate/internal/chat"
	"github.com/szaher/deskmate/internal/events"
	"github.com/szaher/deskmate/internal/telemetry"
)

const (
	wsWriteWait = 10 * time.Second

	// wsMaxQueued bounds the requests waiting behind the one in flight.
	wsMaxQueued = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The sidecar only listens on loopback and requires the API key.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEmitter writes each event as one JSON text frame.
type wsEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
	err  error
}

func (e *wsEmitter) Emit(ev *events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return
	}
	_ = e.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	e.err = e.conn.WriteJSON(ev)
}

// frameQueue hands request frames from the connection reader to the
// request loop. The reader never blocks on it, so a disconnect is seen
// while a request is still running.
type frameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	ready  chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{ready: make(chan struct{}, 1)}
}

func (q *frameQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// push queues data and reports false when the queue is full or closed.
func (q *frameQueue) push(data []byte) bool {
	q.mu.Lock()
	if q.closed || len(q.frames) >= wsMaxQueued {
		q.mu.Unlock()
		return false
	}
	q.frames = append(q.frames, data)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()
	q.signal()
}

// pop blocks for the next frame. It returns false once the queue is
// closed; frames still queued at that point are dropped.
func (q *frameQueue) pop() ([]byte, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.frames) > 0 {
			data := q.frames[0]
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return data, true
		}
		q.mu.Unlock()
		<-q.ready
	}
}

// handleChatWS treats every text frame as a chat request and answers with
// the streamed events of that request. Requests on one connection are
// handled in order; closing the connection cancels the one in flight.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := s.logger.With("connection_id", connID, "correlation_id", telemetry.CorrelationID(ctx))
	logger.Info("websocket connected")

	sink := &wsEmitter{conn: conn}
	queue := newFrameQueue()
	go func() {
		defer cancel()
		defer queue.close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			if !queue.push(data) {
				logger.Warn("websocket request queue full, frame dropped")
				sink.Emit(events.New(events.Error).WithMessage("too many queued requests"))
			}
		}
	}()

	for {
		data, ok := queue.pop()
		if !ok {
			break
		}
		var req chat.Request
		if err := json.Unmarshal(data, &req); err != nil {
			sink.Emit(events.New(events.Start))
			sink.Emit(events.New(events.Error).WithMessage("invalid request body"))
			sink.Emit(events.New(events.End))
			continue
		}
		req.ApplyHeaders(r.Header)

		reqCtx := telemetry.WithCorrelationID(ctx, "")
		if err := s.chat.Stream(reqCtx, req, sink); err != nil {
			logger.Debug("websocket chat ended with error", "error", err)
		}
	}
	logger.Info("websocket disconnected")
}
