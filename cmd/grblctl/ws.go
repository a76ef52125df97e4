package main

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// statusHub fans status reports out to websocket clients.
type statusHub struct {
	mx    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newStatusHub() *statusHub {
	return &statusHub{conns: make(map[*websocket.Conn]struct{})}
}

func (h *statusHub) serve(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Println("ERROR: upgrade:", err)
		return
	}
	h.mx.Lock()
	h.conns[ws] = struct{}{}
	h.mx.Unlock()

	// drain client messages so control frames keep flowing
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				h.drop(ws)
				return
			}
		}
	}()
}

func (h *statusHub) drop(ws *websocket.Conn) {
	h.mx.Lock()
	delete(h.conns, ws)
	h.mx.Unlock()
	ws.Close()
}

func (h *statusHub) broadcast(data []byte) {
	h.mx.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for ws := range h.conns {
		conns = append(conns, ws)
	}
	h.mx.Unlock()

	for _, ws := range conns {
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			h.drop(ws)
		}
	}
}
