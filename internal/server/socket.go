package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 128
)

var errSocketClosed = errors.New("socket closed")

// signalSocket owns one websocket. Writes go through a buffered channel drained by a single
// writer goroutine.
type signalSocket struct {
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newSignalSocket(ws *websocket.Conn) *signalSocket {
	return &signalSocket{
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// start launches the write loop. It must be called exactly once.
func (s *signalSocket) start() {
	go s.writeLoop()
}

// Send enqueues message as JSON. A client too slow to drain its buffer is disconnected.
func (s *signalSocket) Send(message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}
	select {
	case <-s.closed:
		return errSocketClosed
	case s.send <- payload:
		return nil
	default:
		s.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("socket send buffer exceeded")
	}
}

// Close terminates the socket and stops the write loop.
func (s *signalSocket) Close(code int, reason string) {
	s.once.Do(func() {
		close(s.closed)
		_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = s.ws.Close()
	})
}

// readLoop delivers every text frame to handle until the socket fails or closes.
func (s *signalSocket) readLoop(handle func([]byte)) error {
	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, payload, err := s.ws.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handle(payload)
	}
}

func (s *signalSocket) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case payload := <-s.send:
			if err := s.write(websocket.TextMessage, payload); err != nil {
				s.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (s *signalSocket) write(messageType int, payload []byte) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.ws.WriteMessage(messageType, payload)
}
