// Package netfeed is the websocket boundary of the server: clients obtain a
// session token, stream msgpack input batches in and receive entity frames
// for every tick.
package netfeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"

	"dwarfendepths/movecore/internal/auth"
	"dwarfendepths/movecore/internal/input"
	"dwarfendepths/movecore/internal/logging"
	"dwarfendepths/movecore/internal/physics"
	"dwarfendepths/movecore/internal/state"
)

const (
	writeWait           = 5 * time.Second
	pongWait            = 30 * time.Second
	defaultPingInterval = pongWait * 9 / 10
	maxMessageBytes     = 64 << 10
	sendBuffer          = 256
	maxIdentityLength   = 32
	defaultSessionTTL   = time.Hour
)

// ErrMissingDependency is returned when a required collaborator is nil.
var ErrMissingDependency = errors.New("netfeed: missing dependency")

// DiffSource fans out the diffs published after each tick.
type DiffSource interface {
	Subscribe(fn func(state.TickDiff)) func()
}

// Spawner creates and removes player entities.
type Spawner interface {
	SpawnPlayer(ctx context.Context, identity string) physics.Entity
	Despawn(ctx context.Context, id uint32) error
}

// Submitter admits input batches for an entity.
type Submitter interface {
	Submit(entityID uint32, inputs []physics.Input) (input.Result, error)
	Forget(entityID uint32)
}

// Sessions issues and verifies the tokens binding a socket to an entity.
type Sessions interface {
	Issue(entityID uint32, ttl time.Duration) (string, error)
	Verify(token string) (auth.Claims, error)
}

// Options configures the Hub.
type Options struct {
	Logger     *logging.Logger
	Store      state.Store
	Diffs      DiffSource
	Intake     Submitter
	Spawner    Spawner
	Sessions   Sessions
	SessionTTL time.Duration
	// Rate and Burst bound inbound frames per connection. Zero rate disables
	// the limit.
	Rate  float64
	Burst int
	// DespawnOnClose removes the entity when its last connection drops.
	DespawnOnClose bool
	PingInterval   time.Duration
	// AllowedOrigins restricts the Origin header of upgrades. Empty allows any.
	AllowedOrigins  []string
	MaxPayloadBytes int64
	// MaxClients bounds concurrent sockets. Zero disables the limit.
	MaxClients int
	// SendBuffer is the per-connection frame queue; a full queue evicts.
	SendBuffer int
}

// Hub tracks live connections and broadcasts tick frames to them.
type Hub struct {
	opts     Options
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*client]struct{}
	byEntity map[uint32]*client
	closed   bool

	unsubscribe func()
	rateDropped atomic.Int64
	slowDropped atomic.Int64
}

// NewHub validates opts and subscribes to the diff source.
func NewHub(opts Options) (*Hub, error) {
	if opts.Store == nil || opts.Diffs == nil || opts.Intake == nil || opts.Sessions == nil {
		return nil, ErrMissingDependency
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaultSessionTTL
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = maxMessageBytes
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = sendBuffer
	}
	h := &Hub{
		opts:     opts,
		logger:   opts.Logger,
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)},
		clients:  make(map[*client]struct{}),
		byEntity: make(map[uint32]*client),
	}
	h.unsubscribe = opts.Diffs.Subscribe(h.broadcast)
	return h, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(strings.ToLower(origin), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.TrimRight(strings.ToLower(r.Header.Get("Origin")), "/")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Register attaches the session and socket endpoints to mux.
func (h *Hub) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	trace := logging.HTTPTraceMiddleware(h.logger)
	mux.Handle("/session", trace(http.HandlerFunc(h.HandleSession)))
	mux.Handle("/ws", trace(http.HandlerFunc(h.ServeWS)))
}

// SessionResponse is returned by the session endpoint.
type SessionResponse struct {
	EntityID uint32 `json:"entity_id"`
	Token    string `json:"token"`
	// Sequence is the entity's spawn stamp; the client predicts from Sequence+1.
	Sequence  uint64 `json:"sequence"`
	ExpiresIn int64  `json:"expires_in_ms"`
}

// HandleSession spawns a player for the posted identity and returns its token.
func (h *Hub) HandleSession(w http.ResponseWriter, r *http.Request) {
	logger := logging.LoggerFromContext(r.Context())
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.opts.Spawner == nil {
		http.Error(w, "spawning is unavailable", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Identity string `json:"identity"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		http.Error(w, "invalid session request", http.StatusBadRequest)
		return
	}
	identity := strings.TrimSpace(req.Identity)
	if identity == "" || len(identity) > maxIdentityLength {
		http.Error(w, "identity must be 1-32 characters", http.StatusBadRequest)
		return
	}

	e := h.opts.Spawner.SpawnPlayer(r.Context(), identity)
	token, err := h.opts.Sessions.Issue(e.ID, h.opts.SessionTTL)
	if err != nil {
		logger.Error("session issue failed", logging.Error(err), logging.Uint32("entity_id", e.ID))
		if derr := h.opts.Spawner.Despawn(r.Context(), e.ID); derr != nil {
			logger.Warn("despawn after failed issue", logging.Error(derr))
		}
		http.Error(w, "failed to issue session", http.StatusInternalServerError)
		return
	}
	logger.Info("session issued", logging.Uint32("entity_id", e.ID), logging.String("identity", identity))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(SessionResponse{
		EntityID:  e.ID,
		Token:     token,
		Sequence:  e.SequenceID,
		ExpiresIn: h.opts.SessionTTL.Milliseconds(),
	})
}

// ServeWS verifies the session token and upgrades the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	logger := logging.LoggerFromContext(r.Context())
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := h.opts.Sessions.Verify(token)
	if err != nil {
		logger.Warn("websocket token rejected", logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, ok := h.opts.Store.Entity(claims.EntityID); !ok {
		http.Error(w, "entity not found", http.StatusNotFound)
		return
	}
	if h.opts.MaxClients > 0 && h.Clients() >= h.opts.MaxClients {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	c := newClient(h, conn, claims.EntityID, logger.With(logging.Uint32("entity_id", claims.EntityID)))
	if !h.attach(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	go c.writeLoop()
	c.readLoop()
	h.detach(r.Context(), c)
}

// attach registers c and queues its snapshot before any later frame.
func (h *Hub) attach(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	//1.- A newer connection for the same entity replaces the old one.
	if previous, ok := h.byEntity[c.entityID]; ok {
		delete(h.clients, previous)
		previous.evict(websocket.ClosePolicyViolation, "replaced by a newer connection")
	}
	meta := h.opts.Store.Meta()
	snapshot, err := encode(ServerMessage{
		Type:     MessageSnapshot,
		EntityID: c.entityID,
		Frame:    &EntityFrame{Sequence: meta.Completed(), Updated: h.opts.Store.ListEntities()},
	})
	if err != nil {
		c.log.Error("snapshot encode failed", logging.Error(err))
		return false
	}
	c.enqueue(snapshot)
	h.clients[c] = struct{}{}
	h.byEntity[c.entityID] = c
	c.log.Info("websocket client connected")
	return true
}

func (h *Hub) detach(ctx context.Context, c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	current := h.byEntity[c.entityID] == c
	if current {
		delete(h.byEntity, c.entityID)
	}
	h.mu.Unlock()
	c.close()
	c.log.Info("websocket client disconnected")
	if !current {
		return
	}
	h.opts.Intake.Forget(c.entityID)
	if h.opts.DespawnOnClose && h.opts.Spawner != nil {
		if err := h.opts.Spawner.Despawn(context.WithoutCancel(ctx), c.entityID); err != nil {
			c.log.Warn("despawn on close failed", logging.Error(err))
		}
	}
}

// broadcast encodes the diff once and queues it for every client. Clients
// whose queue is full are disconnected.
func (h *Hub) broadcast(diff state.TickDiff) {
	payload, err := encode(ServerMessage{Type: MessageFrame, Frame: frameFromDiff(diff)})
	if err != nil {
		h.logger.Error("frame encode failed", logging.Error(err), logging.Uint64("sequence", diff.Sequence))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.enqueue(payload) {
			continue
		}
		h.slowDropped.Add(1)
		delete(h.clients, c)
		if h.byEntity[c.entityID] == c {
			delete(h.byEntity, c.entityID)
		}
		c.log.Warn("websocket client too slow, disconnecting")
		c.evict(websocket.CloseTryAgainLater, "send queue overflow")
	}
}

// Clients returns the number of live connections.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stats reports frames dropped by the per-connection limiter and clients
// disconnected for falling behind.
func (h *Hub) Stats() (rateDropped, slowClients int64) {
	return h.rateDropped.Load(), h.slowDropped.Load()
}

// Close unsubscribes from diffs and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	h.unsubscribe()
	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	entityID uint32
	send     chan []byte
	limiter  *rate.Limiter
	log      *logging.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, entityID uint32, logger *logging.Logger) *client {
	limit := rate.Inf
	if h.opts.Rate > 0 {
		limit = rate.Limit(h.opts.Rate)
	}
	return &client{
		hub:      h,
		conn:     conn,
		entityID: entityID,
		send:     make(chan []byte, h.opts.SendBuffer),
		limiter:  rate.NewLimiter(limit, h.opts.Burst),
		log:      logger,
		done:     make(chan struct{}),
	}
}

// enqueue reports false when the queue is full or the client is closed.
func (c *client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// evict closes c without blocking the caller. Callers hold h.mu, often
// inside a tick's Publish, so the close frame is written from its own
// goroutine.
func (c *client) evict(code int, reason string) {
	go c.closeWith(code, reason)
}

func (c *client) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.close()
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(c.hub.opts.MaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read failed", logging.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.BinaryMessage {
			continue
		}
		//1.- The transport limiter runs before any decoding work.
		if !c.limiter.Allow() {
			c.hub.rateDropped.Add(1)
			c.log.Debug("input batch rate limited")
			continue
		}
		var batch InputBatch
		if err := msgpack.Unmarshal(data, &batch); err != nil {
			c.log.Warn("input batch decode failed", logging.Error(err))
			continue
		}
		//2.- Admit the batch and acknowledge it with the current lead.
		result, err := c.hub.opts.Intake.Submit(c.entityID, batch.Inputs)
		if errors.Is(err, input.ErrUnknownEntity) {
			c.closeWith(websocket.ClosePolicyViolation, "entity no longer exists")
			return
		}
		ack, err := encode(ServerMessage{Type: MessageAck, Ack: &InputAck{
			Accepted:       result.Accepted,
			Dropped:        result.Dropped,
			Offset:         result.Offset,
			ServerSequence: c.hub.opts.Store.Meta().Sequence,
		}})
		if err == nil {
			c.enqueue(ack)
		}
		if result.Disconnect {
			c.closeWith(websocket.ClosePolicyViolation, "too many invalid inputs")
			return
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				c.log.Debug("websocket write failed", logging.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}
