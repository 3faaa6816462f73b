/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn is the subset of *websocket.Conn the server touches, split out so
// tests can substitute a recording transport.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// client is one live player connection. All outbound traffic goes through the
// buffered send channel and the write pump; enqueue never blocks the caller.
type client struct {
	id   string
	conn wsConn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(id string, conn wsConn) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, 32),
	}
}

// enqueue queues data for the write pump. Frames for closed clients, nil
// payloads, and frames that would overflow the buffer are dropped; delivery
// is best-effort by contract.
func (c *client) enqueue(data []byte) {
	if data == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
	}
}

// shutdown marks the client closed and releases the write pump, which drains
// any queued frames before closing the socket. Safe to call more than once.
func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.send)
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}

	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump parses inbound frames and hands them to the service. Malformed
// payloads are discarded without tearing down the connection; only a
// transport error ends the loop.
func (c *client) readPump(svc *RoomService) {
	defer func() {
		svc.Disconnect(c.id)
		c.shutdown()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientEnvelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		svc.Dispatch(c.id, msg)
	}
}

// serveWS upgrades the connection and runs the join handshake. A missing
// ?room= parameter closes the socket immediately, without any message.
func serveWS(cfg *Config, svc *RoomService) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := r.URL.Query().Get("room")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "ROOMS: Upgrade error: %v", err)
			return
		}

		if roomID == "" {
			_ = conn.Close()
			return
		}

		c := newClient(uuid.NewString(), conn)
		go c.writePump()

		if !svc.Connect(c, roomID) {
			return
		}

		logf(cfg, "ROOMS: Client %s joined room %q from %s", c.id, roomID, realIP(r))
		c.readPump(svc)
	}
}

// newRoomID generates a crypto-random room ID and ensures it doesn't collide
// with a live room.
func newRoomID(svc *RoomService) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		if !svc.roomExists(id) {
			return id
		}
	}
}

// redirectNewRoom handles GET on the bare room path by generating a fresh
// room ID and redirecting to its lobby page.
func redirectNewRoom(cfg *Config, path string, svc *RoomService) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := newRoomID(svc)
		logf(cfg, "ROOMS: Redirecting %s to new room %s/%s", realIP(r), path, roomID)
		http.Redirect(w, r, cfg.prefix+path+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// qrHandler generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomid")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:roomid/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerRoomGame sets up routes so that:
//   - $path              → redirects to a new random room (8-char ID)
//   - $path/:roomid      → HTML client
//   - $path/:roomid/qr   → PNG QR code for that room URL
//   - /ws?room=:roomid   → WebSocket for that room
func registerRoomGame(cfg *Config, path string, svc *RoomService, mux *httprouter.Router) {
	// Root path → redirect to new random room
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, path, svc))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:roomid", getIndexHandler(cfg))

	// Shared assets (no roomid in route)
	mux.GET(cfg.prefix+"/assets/room/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/room/app.js", getJsHandler(cfg))

	// Room websocket, room selected by query parameter
	mux.GET(cfg.prefix+"/ws", serveWS(cfg, svc))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:roomid/qr", qrHandler)
}
