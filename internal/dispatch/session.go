package dispatch

import (
	"log/slog"
	"sync"
)

type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
	RoleAdmin     Role = "admin"
)

// Conn is the write side of a participant connection. *websocket.Conn
// satisfies it in production; tests use in-memory fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Session is one connected participant. Outbound events go through a
// buffered channel drained by a single writer goroutine, so a slow or
// stuck connection never stalls a broadcast to its peers.
type Session struct {
	UserID string
	Role   Role

	conn   Conn
	logger *slog.Logger

	out       chan OutEvent
	done      chan struct{}
	closeOnce sync.Once
}

const outboundBuffer = 32

func NewSession(userID string, role Role, conn Conn, logger *slog.Logger) *Session {
	s := &Session{
		UserID: userID,
		Role:   role,
		conn:   conn,
		logger: logger,
		out:    make(chan OutEvent, outboundBuffer),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *Session) writeLoop() {
	for {
		select {
		case ev := <-s.out:
			if err := s.conn.WriteJSON(ev); err != nil {
				s.logger.Warn("session write failed", "user_id", s.UserID, "event", ev.Name, "error", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Send enqueues an event without blocking. When the buffer is full the
// connection is considered dead and closed; the read loop then runs the
// normal disconnect path.
func (s *Session) Send(ev OutEvent) {
	select {
	case s.out <- ev:
	case <-s.done:
	default:
		s.logger.Warn("session outbound buffer full, dropping connection", "user_id", s.UserID)
		s.Close()
	}
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Closed reports whether the session has been shut down.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
