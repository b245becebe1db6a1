package web

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/evse-controller/internal/status"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS pushes a status frame immediately and then every push interval.
// Text frames from the client are executed as commands and answered on the
// same connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: ws upgrade: %v", err)
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()
	defer conn.Close()

	replies := make(chan []byte, 4)
	readDone := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go s.readPump(conn, replies, readDone, stop)

	ticker := time.NewTicker(s.push)
	defer ticker.Stop()

	write := func(msg []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, msg) == nil
	}

	if !write(status.FormatJSON(s.tracker.Snapshot())) {
		return
	}
	for {
		select {
		case <-s.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
			return
		case <-readDone:
			return
		case msg := <-replies:
			if !write(msg) {
				return
			}
		case <-ticker.C:
			if !write(status.FormatJSON(s.tracker.Snapshot())) {
				return
			}
		}
	}
}

func (s *Server) readPump(conn *websocket.Conn, replies chan<- []byte, done, stop chan struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("web: ws read: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage || s.commands == nil {
			continue
		}
		select {
		case replies <- s.commands.Handle(msg):
		case <-stop:
			return
		}
	}
}
