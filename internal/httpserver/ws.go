package httpserver

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/chadiek/call-shield/internal/envelope"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Allow any origin; restrict behind the reverse proxy in production
		return true
	},
}

// closeCodeClientError is sent when connect parameters are invalid or the
// role is already occupied.
const closeCodeClientError = 4000

// wsStream adapts a gorilla connection to the broker's Stream interface.
// Reads come from one goroutine (the leg reader); writes are serialised here
// because the leg writer and close paths may interleave.
type wsStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) ReadEnvelope() (envelope.Envelope, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return envelope.Envelope{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return envelope.Decode(data)
	}
}

func (s *wsStream) WriteEnvelope(env envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

// refuse sends an error envelope and closes with a client-error code.
func (s *wsStream) refuse(code, message string) {
	_ = s.WriteEnvelope(envelope.Error(code, message))
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCodeClientError, code))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}
