// Package hub is the single network surface of the runtime: one TCP port,
// WebSocket endpoints keyed by path, broadcast fanout to per-endpoint
// client sets, and a JSON status route.
package hub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"polly/internal/logging"
)

// Endpoint names. Every connection is keyed by its request path.
const (
	EndpointArduino  = "arduino"
	EndpointIMU      = "imu"
	EndpointCamera   = "camera"
	EndpointFlir     = "flir"
	EndpointControl  = "control"
	EndpointFirmware = "firmware"
)

var endpointNames = []string{
	EndpointArduino, EndpointIMU, EndpointCamera,
	EndpointFlir, EndpointControl, EndpointFirmware,
}

const (
	clientQueueCap   = 64
	writeWait        = 10 * time.Second
	motorLogInterval = 20
)

// CommandSink handles one /control message and returns the JSON reply to
// send back, or nil for no reply.
type CommandSink func(raw []byte) []byte

// FirmwareStarter kicks off a firmware upload from a full Intel-HEX blob.
type FirmwareStarter func(hexText string)

type wsMessage struct {
	binary bool
	data   []byte
}

type client struct {
	conn *websocket.Conn
	send chan wsMessage
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// endpoint holds the connected clients for one path. The set tolerates
// concurrent iteration and removal; handles are never shared across
// endpoints.
type endpoint struct {
	name string

	mu      sync.Mutex
	clients map[*client]struct{}
}

func (e *endpoint) add(c *client) {
	e.mu.Lock()
	e.clients[c] = struct{}{}
	e.mu.Unlock()
}

func (e *endpoint) remove(c *client) {
	e.mu.Lock()
	_, ok := e.clients[c]
	delete(e.clients, c)
	e.mu.Unlock()
	if ok {
		c.close()
	}
}

func (e *endpoint) snapshot() []*client {
	e.mu.Lock()
	out := make([]*client, 0, len(e.clients))
	for c := range e.clients {
		out = append(out, c)
	}
	e.mu.Unlock()
	return out
}

func (e *endpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clients)
}

// Hub owns the HTTP server and every endpoint client set.
type Hub struct {
	ring     *logging.Ring
	version  string
	control  CommandSink
	firmware FirmwareStarter

	endpoints map[string]*endpoint
	upgrader  websocket.Upgrader
	server    *http.Server

	mu        sync.Mutex
	motorCmds int
}

// New creates a hub. control and firmware may be nil until SetSinks is
// called; connections arriving before that are still accepted.
func New(ring *logging.Ring, version string) *Hub {
	h := &Hub{
		ring:      ring,
		version:   version,
		endpoints: make(map[string]*endpoint, len(endpointNames)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, name := range endpointNames {
		h.endpoints[name] = &endpoint{name: name, clients: make(map[*client]struct{})}
	}
	return h
}

// SetSinks wires the control router and the firmware starter.
func (h *Hub) SetSinks(control CommandSink, firmware FirmwareStarter) {
	h.mu.Lock()
	h.control = control
	h.firmware = firmware
	h.mu.Unlock()
}

// Router builds the gin handler serving the endpoints and /status.
func (h *Hub) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	for _, name := range endpointNames {
		name := name
		router.GET("/"+name, func(c *gin.Context) {
			h.serveEndpoint(name, c.Writer, c.Request)
		})
	}
	router.GET("/status", h.handleStatus)
	router.NoRoute(func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			h.rejectUnknownPath(c.Writer, c.Request)
			return
		}
		c.Status(http.StatusNotFound)
	})
	return router
}

// Start listens on addr until Stop.
func (h *Hub) Start(addr string) error {
	h.server = &http.Server{Addr: addr, Handler: h.Router()}
	h.ring.Logf("hub: listening on %s", addr)
	err := h.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("hub listen: %w", err)
	}
	return nil
}

// Stop shuts the server down and disconnects every client.
func (h *Hub) Stop() {
	if h.server != nil {
		h.server.Close()
	}
	for _, ep := range h.endpoints {
		for _, c := range ep.snapshot() {
			ep.remove(c)
			c.conn.Close()
		}
	}
}

// rejectUnknownPath completes the upgrade only to refuse it, so the client
// sees a policy-violation close rather than a silent reset.
func (h *Hub) rejectUnknownPath(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.ring.Logf("hub: rejected connection to unknown path %s", r.URL.Path)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown endpoint")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

func (h *Hub) serveEndpoint(name string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.ring.Logf("hub: upgrade failed on /%s: %v", name, err)
		return
	}

	ep := h.endpoints[name]
	c := &client{conn: conn, send: make(chan wsMessage, clientQueueCap)}
	ep.add(c)
	h.ring.Logf("hub: client connected to /%s (%d total)", name, ep.count())

	go h.writeLoop(ep, c)
	go h.readLoop(ep, c)
}

// writeLoop drains a client's queue. The first send error removes the
// client; failures never cascade to other clients.
func (h *Hub) writeLoop(ep *endpoint, c *client) {
	for msg := range c.send {
		t := websocket.TextMessage
		if msg.binary {
			t = websocket.BinaryMessage
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(t, msg.data); err != nil {
			ep.remove(c)
			c.conn.Close()
			return
		}
	}
	c.conn.Close()
}

// readLoop consumes inbound messages. Publish endpoints only use it to
// notice the close; /control and /firmware route their payloads.
func (h *Hub) readLoop(ep *endpoint, c *client) {
	defer func() {
		ep.remove(c)
		h.ring.Logf("hub: client left /%s (%d total)", ep.name, ep.count())
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		switch ep.name {
		case EndpointControl:
			h.handleControl(c, payload)
		case EndpointFirmware:
			h.handleFirmware(payload)
		}
	}
}

// handleControl parses a control message and routes it by target.
// Malformed messages are dropped at this boundary.
func (h *Hub) handleControl(c *client, payload []byte) {
	var probe struct {
		Target string `json:"target"`
		N      int    `json:"N"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		h.ring.Logf("hub: dropped malformed control message: %v", err)
		return
	}

	if probe.Target == "arduino" && probe.N == 7 {
		h.mu.Lock()
		h.motorCmds++
		n := h.motorCmds
		h.mu.Unlock()
		if n == 1 || n%motorLogInterval == 0 {
			h.ring.Logf("hub: motor command #%d: %s", n, payload)
		}
	} else {
		h.ring.Logf("hub: control: %s", payload)
	}

	h.mu.Lock()
	sink := h.control
	h.mu.Unlock()
	if sink == nil {
		return
	}
	if reply := sink(payload); reply != nil {
		h.sendTo(c, wsMessage{data: reply})
	}
}

func (h *Hub) handleFirmware(payload []byte) {
	h.mu.Lock()
	start := h.firmware
	h.mu.Unlock()
	if start == nil {
		h.BroadcastText(EndpointFirmware, `{"done":true,"success":false,"message":"programmer unavailable"}`)
		return
	}
	h.ring.Logf("hub: firmware payload received, %d bytes", len(payload))
	start(string(payload))
}

func (h *Hub) sendTo(c *client, msg wsMessage) {
	defer func() { recover() }() // send on a just-closed client is a lost reply, not a fault
	select {
	case c.send <- msg:
	default:
	}
}

// BroadcastText fans a text message out to every client of the endpoint.
func (h *Hub) BroadcastText(name, msg string) {
	h.broadcast(name, wsMessage{data: []byte(msg)})
}

// BroadcastBinary fans a binary message out to every client of the
// endpoint.
func (h *Hub) BroadcastBinary(name string, data []byte) {
	h.broadcast(name, wsMessage{binary: true, data: data})
}

func (h *Hub) broadcast(name string, msg wsMessage) {
	ep, ok := h.endpoints[name]
	if !ok {
		return
	}
	for _, c := range ep.snapshot() {
		h.sendTo(c, msg)
	}
}

// ClientCounts returns the number of connected clients per endpoint.
func (h *Hub) ClientCounts() map[string]int {
	out := make(map[string]int, len(h.endpoints))
	for name, ep := range h.endpoints {
		out[name] = ep.count()
	}
	return out
}

type statusEndpoint struct {
	Clients int `json:"clients"`
}

type statusResponse struct {
	Server     string                    `json:"server"`
	AppVersion string                    `json:"app_version"`
	Endpoints  map[string]statusEndpoint `json:"endpoints"`
}

func (h *Hub) handleStatus(c *gin.Context) {
	resp := statusResponse{
		Server:     "polly",
		AppVersion: h.version,
		Endpoints:  make(map[string]statusEndpoint, len(h.endpoints)),
	}
	for name, count := range h.ClientCounts() {
		resp.Endpoints[name] = statusEndpoint{Clients: count}
	}
	c.JSON(http.StatusOK, resp)
}
