package main

import (
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/panorama/pkg/session"
	"github.com/panorama/pkg/spectral"
)

// server owns the HTTP control surface and the websocket viewer
// endpoint. One instance serves the whole process.
type server struct {
	manager  *session.Manager
	recorder *Recorder
	upgrader websocket.Upgrader
}

func newServer(manager *session.Manager, recorder *Recorder) *server {
	return &server{
		manager:  manager,
		recorder: recorder,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
		},
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/start", s.handleSessionStart)
	mux.HandleFunc("/api/session/stop", s.handleSessionStop)
	mux.HandleFunc("/api/tune", s.handleTune)
	mux.HandleFunc("/api/gains", s.handleGains)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/record/start", s.handleRecordStart)
	mux.HandleFunc("/api/record/stop", s.handleRecordStop)
	mux.HandleFunc("/api/record/status", s.handleRecordStatus)
	mux.HandleFunc("/ws/spectrum", s.handleSpectrumWS)
	return withCORS(mux)
}

// spectrumMessage is the wire form of one delivered frame.
type spectrumMessage struct {
	Type string `json:"type"`
	*spectral.Frame
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// wsClient pairs a websocket connection with its outbound channel. The
// channel holds at most one pending message so a stalled socket sees
// the latest spectrum, not a backlog.
type wsClient struct {
	conn *websocket.Conn
	send chan interface{}
}

// writePump pumps messages from the bridge to the websocket connection.
func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// offer queues msg for delivery, replacing a still-undelivered older
// message rather than blocking the bridge.
func (c *wsClient) offer(msg interface{}) {
	select {
	case c.send <- msg:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- msg:
	default:
	}
}

func wireMessage(e session.Envelope) interface{} {
	if e.Err != nil {
		return errorMessage{Type: "error", Message: e.Err.Error()}
	}
	return spectrumMessage{Type: "spectrum", Frame: e.Frame}
}

// handleSpectrumWS upgrades the connection and bridges a viewer
// registration onto it until either side goes away.
func (s *server) handleSpectrumWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	viewer := s.manager.Subscribe(r.RemoteAddr)
	client := &wsClient{conn: conn, send: make(chan interface{}, 1)}
	go client.writePump()

	// Read pump: the client sends nothing we act on, but a read error
	// is how we learn the socket closed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				viewer.Close()
				return
			}
		}
	}()

	for {
		select {
		case env := <-viewer.Frames():
			client.offer(wireMessage(env))
		case <-viewer.Done():
			// A terminal error envelope may still be parked in the
			// delivery slot; flush it before closing.
			select {
			case env := <-viewer.Frames():
				client.offer(wireMessage(env))
			default:
			}
			close(client.send)
			return
		}
	}
}
