package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/example/cab-dispatch/internal/apperr"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/validation"
)

const writeWait = 5 * time.Second

// WSSession serialises writes to one websocket connection.
type WSSession struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// WSRegistry tracks open sessions so they can be closed on shutdown.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[*WSSession]struct{}
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[*WSSession]struct{})} }

func (r *WSRegistry) Add(id string, conn *websocket.Conn) *WSSession {
	s := &WSSession{id: id, conn: conn}
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
	return s
}

func (r *WSRegistry) Remove(s *WSSession) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
	_ = s.conn.Close()
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.sessions {
		s.mu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		s.mu.Unlock()
		_ = s.conn.Close()
		delete(r.sessions, s)
	}
}

// ServeObserver streams live positions to the session until the client goes
// away or ctx ends. Latest known positions are sent first. A non-empty cabID
// limits the stream to that cab.
func ServeObserver(ctx context.Context, hub *Hub, s *WSSession, cabID string, buffer int, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go drainReads(s.conn, cancel)

	sub := hub.Subscribe("ws", buffer)
	defer sub.Close()

	for _, ev := range hub.Snapshot() {
		if cabID != "" && ev.CabID != cabID {
			continue
		}
		if err := s.Send(ev); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if cabID != "" && ev.CabID != cabID {
				continue
			}
			if err := s.Send(ev); err != nil {
				logger.Debug("ws observer send failed", "session", s.id, "error", err)
				return
			}
		}
	}
}

// the observer protocol is write-only; reads only detect the close
func drainReads(conn *websocket.Conn, done func()) {
	defer done()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// Reporter accepts position reports. *ledger.Service satisfies it.
type Reporter interface {
	UpdatePosition(ctx context.Context, cabID string, p models.Position) (models.Cab, error)
}

type positionReport struct {
	Position []float64 `json:"position" validate:"required,lnglat"`
}

type reportReply struct {
	Ack   bool   `json:"ack"`
	Error string `json:"error,omitempty"`
}

// ServeReporter reads {"position":[lng,lat]} frames from a driver client and
// applies each in arrival order. Every frame gets an ack or an error reply;
// an unknown cab closes the stream.
func ServeReporter(ctx context.Context, s *WSSession, cabID string, reporter Reporter, logger *slog.Logger) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("ws reporter read failed", "cab_id", cabID, "error", err)
			}
			return
		}
		var rep positionReport
		if err := json.Unmarshal(data, &rep); err != nil {
			_ = s.Send(reportReply{Error: err.Error()})
			continue
		}
		if err := validation.Struct(rep); err != nil {
			_ = s.Send(reportReply{Error: err.Error()})
			continue
		}
		if _, err := reporter.UpdatePosition(ctx, cabID, validation.ToPosition(rep.Position)); err != nil {
			_ = s.Send(reportReply{Error: err.Error()})
			if apperr.KindOf(err) == apperr.NotFound {
				return
			}
			continue
		}
		if err := s.Send(reportReply{Ack: true}); err != nil {
			return
		}
	}
}
