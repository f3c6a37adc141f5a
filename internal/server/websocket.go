package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/gradebox/internal/auth"
	"github.com/michaelbrown/gradebox/internal/errs"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the bearer token is the access control
	},
}

// Terminal frame types.
const (
	frameCode          = "code"
	frameInput         = "input"
	frameOutput        = "output"
	frameTerminalError = "terminal_error"
)

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type     string `json:"type"`
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
	Key      string `json:"key,omitempty"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	c, err := s.auth.Verify(auth.TokenFromRequest(r))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, response{Message: errs.Message(err, auth.MsgInvalidToken)})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	log := s.log.With().Str("conn", id).Str("user", c.Username).Logger()
	sess := s.terminals.Open(id, &wsEmitter{conn: conn, log: log})
	defer s.terminals.Close(id)
	log.Info().Msg("terminal connected")

	// Read loop
	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Msg("terminal disconnected")
				return
			}
			log.Debug().Err(err).Msg("terminal read ended")
			return
		}

		switch msg.Type {
		case frameCode:
			sess.Start(msg.Code, msg.Language)
		case frameInput:
			sess.Input(msg.Key)
		default:
			log.Debug().Str("type", msg.Type).Msg("ignoring unknown frame")
		}
	}
}

// wsEmitter is a terminal.Emitter over a websocket connection.
type wsEmitter struct {
	mu   sync.Mutex // one writer at a time
	conn *websocket.Conn
	log  zerolog.Logger
}

func (e *wsEmitter) Output(data string) error { return e.write(frameOutput, data) }
func (e *wsEmitter) Error(data string) error  { return e.write(frameTerminalError, data) }

func (e *wsEmitter) write(kind, data string) error {
	msg, err := json.Marshal(wsOutgoing{Type: kind, Data: data})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return e.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close sends a normal close frame and drops the connection, which ends the
// read loop and with it the session.
func (e *wsEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		e.log.Debug().Err(err).Msg("writing close frame")
	}
	return e.conn.Close()
}
