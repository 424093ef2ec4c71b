package wavebar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	feedPath = "/feed"

	feedSendBuffer      = 32
	feedBroadcastBuffer = 128

	feedWriteWait  = 5 * time.Second
	feedPongWait   = 30 * time.Second
	feedPingPeriod = 20 * time.Second

	feedShutdownTimeout = 2 * time.Second

	feedMessageFrame = "frame"
	feedMessageState = "state"
)

// FeedCommandType names what a UI client asks for
type FeedCommandType string

// commands accepted from UI clients
const (
	FeedCommandShow        FeedCommandType = "show"
	FeedCommandHide        FeedCommandType = "hide"
	FeedCommandSetVolume   FeedCommandType = "set_volume"
	FeedCommandCyclePlayer FeedCommandType = "cycle_player"
	FeedCommandPlayPause   FeedCommandType = "play_pause"
	FeedCommandNext        FeedCommandType = "next"
	FeedCommandPrevious    FeedCommandType = "previous"
)

// FeedCommand is one inbound client message
type FeedCommand struct {
	Type    FeedCommandType `json:"type"`
	Value   float64         `json:"value,omitempty"`
	Forward bool            `json:"forward,omitempty"`
}

// FeedHandler executes commands received from UI clients
type FeedHandler interface {
	HandleFeedCommand(cmd FeedCommand) error
}

// FeedState is the slow-changing part of what UI clients display
type FeedState struct {
	Player          string  `json:"player"`
	Resolved        bool    `json:"resolved"`
	StreamSerial    int32   `json:"stream_serial"`
	OutputDevice    uint32  `json:"output_device"`
	Session         string  `json:"session"`
	Volume          float64 `json:"volume"`
	VolumeSupported bool    `json:"volume_supported"`
	VolumeBackend   string  `json:"volume_backend"`
}

// feedEnvelope is the wire format of outbound messages
type feedEnvelope struct {
	Type string      `json:"type"`
	Ts   time.Time   `json:"ts"`
	Data interface{} `json:"data,omitempty"`
}

// FeedServer pushes bar frames and state to UI clients over WebSocket and
// takes their commands
type FeedServer struct {
	logger  *zap.SugaredLogger
	listen  string
	handler FeedHandler
	hub     *feedHub

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	lastState FeedState
	hasState  bool

	addrLock sync.Mutex
	addr     net.Addr
}

// NewFeedServer creates a FeedServer listening on listen once Run is called
func NewFeedServer(logger *zap.SugaredLogger, listen string, handler FeedHandler) *FeedServer {
	logger = logger.Named("ws")

	return &FeedServer{
		logger:  logger,
		listen:  listen,
		handler: handler,
		hub:     newFeedHub(logger, feedSendBuffer, feedBroadcastBuffer),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run serves until ctx is done
func (fs *FeedServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", fs.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", fs.listen, err)
	}

	fs.addrLock.Lock()
	fs.addr = listener.Addr()
	fs.addrLock.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(feedPath, fs.handleFeed)

	server := &http.Server{Handler: mux}

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		fs.hub.run(ctx)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), feedShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fs.logger.Debugw("Feed server shutdown", "error", err)
		}
	}()

	fs.logger.Infow("UI feed listening", "addr", listener.Addr().String(), "path", feedPath)

	err = server.Serve(listener)
	<-hubDone

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return fmt.Errorf("serve ui feed: %w", err)
}

// Addr returns the bound address once Run is listening
func (fs *FeedServer) Addr() net.Addr {
	fs.addrLock.Lock()
	defer fs.addrLock.Unlock()

	return fs.addr
}

// PublishFrame sends a bar frame to every client. Frames are dropped rather
// than queued when the hub falls behind.
func (fs *FeedServer) PublishFrame(frame Frame) {
	msg, err := encodeFeedMessage(feedMessageFrame, frame)
	if err != nil {
		fs.logger.Warnw("Failed to encode frame", "error", err)
		return
	}

	fs.hub.broadcastBytes(msg)
}

// PublishState sends state to every client, and to new clients on connect.
// Unchanged state isn't re-sent.
func (fs *FeedServer) PublishState(state FeedState) {
	fs.stateLock.Lock()
	unchanged := fs.hasState && fs.lastState == state
	fs.lastState = state
	fs.hasState = true
	fs.stateLock.Unlock()

	if unchanged {
		return
	}

	msg, err := encodeFeedMessage(feedMessageState, state)
	if err != nil {
		fs.logger.Warnw("Failed to encode state", "error", err)
		return
	}

	fs.hub.broadcastBytes(msg)
}

func (fs *FeedServer) currentState() []byte {
	fs.stateLock.Lock()
	state, ok := fs.lastState, fs.hasState
	fs.stateLock.Unlock()

	if !ok {
		return nil
	}

	msg, err := encodeFeedMessage(feedMessageState, state)
	if err != nil {
		return nil
	}

	return msg
}

func (fs *FeedServer) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		fs.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := newFeedClient(fs.hub, conn, r.RemoteAddr, fs.handleCommand)

	if initial := fs.currentState(); initial != nil {
		client.send <- initial
	}

	select {
	case fs.hub.register <- client:
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}

	// the pumps outlive the request; the hub and connection errors end them
	go client.writePump()
	go client.readPump()
}

func (fs *FeedServer) handleCommand(client *feedClient, payload []byte) {
	var cmd FeedCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		client.logger.Debugw("Ignoring malformed command", "error", err)
		return
	}

	client.logger.Debugw("Received command", "command", cmd)

	if fs.handler == nil {
		return
	}

	if err := fs.handler.HandleFeedCommand(cmd); err != nil {
		client.logger.Infow("Command failed", "command", cmd.Type, "error", err)
	}
}

func encodeFeedMessage(messageType string, data interface{}) ([]byte, error) {
	return json.Marshal(feedEnvelope{
		Type: messageType,
		Ts:   time.Now().UTC(),
		Data: data,
	})
}

// feedHub tracks connected clients and fans messages out to them
type feedHub struct {
	logger *zap.SugaredLogger

	broadcast  chan []byte
	register   chan *feedClient
	unregister chan *feedClient
	// closed once run returns
	done chan struct{}

	lock    sync.Mutex
	clients map[*feedClient]struct{}

	sendBuf int
}

func newFeedHub(logger *zap.SugaredLogger, sendBuf int, broadcastBuf int) *feedHub {
	return &feedHub{
		logger:     logger,
		broadcast:  make(chan []byte, broadcastBuf),
		register:   make(chan *feedClient, 16),
		unregister: make(chan *feedClient, 16),
		done:       make(chan struct{}),
		clients:    make(map[*feedClient]struct{}),
		sendBuf:    sendBuf,
	}
}

func (h *feedHub) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.lock.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.lock.Unlock()

			c.logger.Infow("Client connected", "clients", count)

		case c := <-h.unregister:
			h.remove(c, "unregister")

		case msg := <-h.broadcast:
			var slow []*feedClient

			h.lock.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.lock.Unlock()

			for _, c := range slow {
				h.remove(c, "slow client")
			}
		}
	}
}

func (h *feedHub) broadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (h *feedHub) remove(c *feedClient, reason string) {
	h.lock.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.lock.Unlock()

	if !ok {
		return
	}

	c.close()
	c.logger.Infow("Client disconnected", "reason", reason, "clients", count)
}

func (h *feedHub) closeAll() {
	h.lock.Lock()
	clients := h.clients
	h.clients = make(map[*feedClient]struct{})
	h.lock.Unlock()

	for c := range clients {
		c.close()
	}
}

func (h *feedHub) count() int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return len(h.clients)
}

type feedClient struct {
	hub    *feedHub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.SugaredLogger

	onMessage func(*feedClient, []byte)
	closeOnce sync.Once
}

func newFeedClient(hub *feedHub, conn *websocket.Conn, remoteAddr string, onMessage func(*feedClient, []byte)) *feedClient {
	return &feedClient{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, hub.sendBuf),
		logger:    hub.logger.With("client", uuid.New().String(), "remote", remoteAddr),
		onMessage: onMessage,
	}
}

// close ends the write pump, which closes the connection
func (c *feedClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// leave hands the client back to the hub. Only the hub closes send while
// it's running, since it may be broadcasting to it.
func (c *feedClient) leave() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
		c.close()
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debugw("Write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugw("Ping failed", "error", err)
				return
			}
		}
	}
}

func (c *feedClient) readPump() {
	defer c.leave()

	_ = c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debugw("Read failed", "error", err)
			}
			return
		}

		if c.onMessage != nil {
			c.onMessage(c, payload)
		}
	}
}
