package httpserver

import (
	"context"

	"github.com/coder/websocket"
)

// wsSocket adapts a coder/websocket connection to session.Socket.
type wsSocket struct {
	conn *websocket.Conn
}

func newSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn}
}

func (s *wsSocket) Send(ctx context.Context, frame []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

func (s *wsSocket) Receive(ctx context.Context) ([]byte, error) {
	msgType, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if msgType != websocket.MessageText {
		return s.Receive(ctx)
	}
	return data, nil
}

func (s *wsSocket) Close(reason string) error {
	return s.conn.Close(websocket.StatusGoingAway, reason)
}
