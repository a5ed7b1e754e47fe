package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/railtwin/internal/logging"
	"github.com/signalsfoundry/railtwin/internal/sim"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// WSObserver writes snapshots to a websocket as JSON text frames.
type WSObserver struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWSObserver wraps conn. Each write is bounded by writeTimeout or the
// send context's deadline, whichever is sooner.
func NewWSObserver(conn *websocket.Conn, writeTimeout time.Duration) *WSObserver {
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	return &WSObserver{conn: conn, writeTimeout: writeTimeout}
}

// Send implements sim.Observer. A failed write closes the connection so
// the reader side notices.
func (w *WSObserver) Send(ctx context.Context, s *sim.Snapshot) error {
	deadline := time.Now().Add(w.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := w.conn.WriteJSON(s); err != nil {
		_ = w.conn.Close()
		return err
	}
	return nil
}

func (s *Server) stream(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.mgr.Get(id); err != nil {
		s.fail(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn(c.Request.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	defer conn.Close()

	ctx := logging.ContextWithRunID(c.Request.Context(), id)
	unsubscribe, err := s.mgr.Subscribe(ctx, id, NewWSObserver(conn, s.writeTimeout))
	if err != nil {
		return
	}
	defer unsubscribe()
	s.log.Info(ctx, "snapshot stream opened", logging.String("remote", c.ClientIP()))

	// Inbound frames are ignored; reading detects the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.log.Info(ctx, "snapshot stream closed", logging.Err(err))
			return
		}
	}
}
