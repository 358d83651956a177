package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Authenticator resolves a bearer token to a user identity.
type Authenticator interface {
	UserIDFromToken(token string) (string, error)
}

// Wire-level frame names owned by the session layer. The task event names
// live in the domain package.
const (
	frameJoinRoom = "join-room"
	frameSession  = "session"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The HTTP surface already allows any origin; the websocket endpoint
	// follows it.
	CheckOrigin: func(*http.Request) bool { return true },
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Session is one live websocket connection. It carries events from the hub
// to the client and handles the join-room handshake. A session that never
// joins a room receives no task events.
type Session struct {
	id     string
	conn   *websocket.Conn
	hub    *Hub
	logger *log.Logger

	send chan domain.Event
	done chan struct{}
	once sync.Once
}

// ServeWS upgrades the request and runs the session until disconnect.
func ServeWS(hub *Hub, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		s := &Session{
			id:     uuid.NewString(),
			conn:   conn,
			hub:    hub,
			logger: logger,
			send:   make(chan domain.Event, sendBufferSize),
			done:   make(chan struct{}),
		}
		hub.Attach(s.id, s)
		logger.WithField("session", s.id).Debug("session connected")
		go s.writePump()
		s.readPump(auth)
		return nil
	}
}

// Send enqueues an event for delivery without blocking. It reports false
// when the session is gone or its buffer is full; dropped events are
// recovered by the client's next full fetch.
func (s *Session) Send(ev domain.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- ev:
		return true
	default:
		return false
	}
}

func (s *Session) readPump(auth Authenticator) {
	defer s.close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.WithField("session", s.id).Debug("session disconnected")
			return
		}
		var f frame
		if err := sonic.Unmarshal(data, &f); err != nil {
			s.logger.WithField("session", s.id).WithError(err).Debug("bad frame")
			continue
		}
		if f.Event != frameJoinRoom {
			continue
		}
		var token string
		if err := sonic.Unmarshal(f.Data, &token); err != nil {
			s.logger.WithField("session", s.id).Debug("join-room payload is not a token")
			continue
		}
		// The room is taken from the verified token, never from a
		// client-claimed user id, so a session cannot join another
		// account's room.
		identity, err := auth.UserIDFromToken(token)
		if err != nil {
			s.logger.WithField("session", s.id).WithError(err).Warn("join-room rejected")
			continue
		}
		s.hub.Join(s.id, identity)
		s.logger.WithFields(log.Fields{"session": s.id, "room": identity}).Debug("session joined room")
	}
}

func (s *Session) writePump() {
	// Tell the client its transport id so it can exclude itself from
	// fan-out of its own HTTP mutations.
	if err := s.writeFrame(frameSession, s.id); err != nil {
		s.close()
		return
	}
	for {
		select {
		case ev := <-s.send:
			if err := s.writeFrame(ev.Kind, ev); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeFrame(event string, data any) error {
	raw, err := sonic.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := sonic.Marshal(frame{Event: event, Data: raw})
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) close() {
	s.hub.Detach(s.id)
	s.once.Do(func() { close(s.done) })
	_ = s.conn.Close()
}
