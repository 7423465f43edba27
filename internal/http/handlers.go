package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"dwarfendepths/movecore/internal/input"
	"dwarfendepths/movecore/internal/logging"
	"dwarfendepths/movecore/internal/replay"
	"dwarfendepths/movecore/internal/simulation"
	"dwarfendepths/movecore/internal/state"
)

// ReadinessProvider exposes server state required for readiness checks.
type ReadinessProvider interface {
	Clients() int
	StartupError() error
	Uptime() time.Duration
}

// ReplayFlusher forces buffered replay data to disk.
type ReplayFlusher interface {
	Flush() error
	Directory() string
}

// RateLimiter gates how frequently a caller may invoke sensitive operations.
type RateLimiter interface {
	Allow(key string) bool
}

// Options configures the HandlerSet. Every source is optional.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Store       state.Store
	Ticks       func() simulation.TickMetricsSnapshot
	InputDrops  func() map[uint32]input.DropCounters
	FeedDrops   func() (rateDropped, slowClients int64)
	DiffDrops   func() int64
	ReplayStats func() replay.Stats
	Storage     func() replay.StorageStats
	Replay      ReplayFlusher
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the operational handlers.
type HandlerSet struct {
	opts       Options
	logger     *logging.Logger
	adminToken string
	now        func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		opts:       opts,
		logger:     logger,
		adminToken: strings.TrimSpace(opts.AdminToken),
		now:        now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.Handle("/replay/flush", logging.HTTPTraceMiddleware(h.logger)(h.ReplayFlushHandler()))
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness, including client counts, the tick
// sequence and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
		Sequence      uint64  `json:"sequence"`
		Entities      int     `json:"entities"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.opts.Store != nil {
			resp.Sequence = h.opts.Store.Meta().Completed()
			resp.Entities = len(h.opts.Store.ListEntities())
		}
		if h.opts.Readiness != nil {
			resp.Clients = h.opts.Readiness.Clients()
			resp.UptimeSeconds = h.opts.Readiness.Uptime().Seconds()
			if err := h.opts.Readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if h.opts.Readiness != nil {
			gauge(w, "movecore_uptime_seconds", "Server uptime in seconds.", fmt.Sprintf("%.0f", h.opts.Readiness.Uptime().Seconds()))
			gauge(w, "movecore_clients", "Current connected WebSocket clients.", fmt.Sprintf("%d", h.opts.Readiness.Clients()))
		}
		if h.opts.Store != nil {
			gauge(w, "movecore_tick_sequence", "Newest completed tick.", fmt.Sprintf("%d", h.opts.Store.Meta().Completed()))
			gauge(w, "movecore_entities", "Entity rows in the world.", fmt.Sprintf("%d", len(h.opts.Store.ListEntities())))
		}
		if h.opts.Ticks != nil {
			h.writeTickMetrics(w, h.opts.Ticks())
		}
		if h.opts.InputDrops != nil {
			writeInputDrops(w, h.opts.InputDrops())
		}
		if h.opts.FeedDrops != nil {
			rateDropped, slow := h.opts.FeedDrops()
			counter(w, "movecore_feed_rate_limited_total", "Input frames dropped by the per-connection limiter.", rateDropped)
			counter(w, "movecore_feed_slow_clients_total", "Clients disconnected for falling behind.", slow)
		}
		if h.opts.DiffDrops != nil {
			counter(w, "movecore_grpc_diffs_dropped_total", "Diffs dropped by lagging gRPC streams.", h.opts.DiffDrops())
		}
		if h.opts.ReplayStats != nil {
			stats := h.opts.ReplayStats()
			counter(w, "movecore_replay_frames_total", "Tick frames written to the active replay bundle.", stats.Frames)
			counter(w, "movecore_replay_events_total", "Lifecycle events written to the active replay bundle.", stats.Events)
			counter(w, "movecore_replay_frame_bytes_total", "Encoded frame payload bytes.", stats.FrameBytes)
			gauge(w, "movecore_replay_last_sequence", "Newest recorded tick.", fmt.Sprintf("%d", stats.LastSequence))
		}
		if h.opts.Storage != nil {
			stats := h.opts.Storage()
			gauge(w, "movecore_replay_bundles", "Replay bundles retained on disk.", fmt.Sprintf("%d", stats.Bundles))
			gauge(w, "movecore_replay_closed_bundles", "Retained bundles with a header written.", fmt.Sprintf("%d", stats.Closed))
			gauge(w, "movecore_replay_disk_bytes", "Disk usage of retained bundles.", fmt.Sprintf("%d", stats.Bytes))
		}
	}
}

func (h *HandlerSet) writeTickMetrics(w http.ResponseWriter, snap simulation.TickMetricsSnapshot) {
	gauge(w, "movecore_tick_duration_avg_ms", "Average tick duration in milliseconds.", fmt.Sprintf("%.3f", float64(snap.Average)/float64(time.Millisecond)))
	gauge(w, "movecore_tick_duration_max_ms", "Longest tick duration in milliseconds.", fmt.Sprintf("%.3f", float64(snap.Max)/float64(time.Millisecond)))
	gauge(w, "movecore_tick_tps", "Ticks per second implied by the average duration.", fmt.Sprintf("%.2f", snap.AverageTPS()))
	counter(w, "movecore_ticks_total", "Ticks simulated.", int64(snap.Samples))
	counter(w, "movecore_scheduler_firings_total", "Scheduler firings handled.", int64(snap.Firings))
	counter(w, "movecore_scheduler_idle_firings_total", "Scheduler firings that ran no tick.", int64(snap.IdleFires))
	counter(w, "movecore_scheduler_rejected_total", "Firings from a foreign caller.", int64(snap.Rejected))
	gauge(w, "movecore_scheduler_max_catch_up", "Most ticks run by a single firing.", fmt.Sprintf("%d", snap.MaxCatchUp))
}

func writeInputDrops(w http.ResponseWriter, drops map[uint32]input.DropCounters) {
	if len(drops) == 0 {
		return
	}
	ids := make([]uint32, 0, len(drops))
	for id := range drops {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fmt.Fprintf(w, "# HELP movecore_input_dropped_total Inputs dropped per entity and reason.\n")
	fmt.Fprintf(w, "# TYPE movecore_input_dropped_total counter\n")
	for _, id := range ids {
		c := drops[id]
		fmt.Fprintf(w, "movecore_input_dropped_total{entity=\"%d\",reason=\"stale\"} %d\n", id, c.Stale)
		fmt.Fprintf(w, "movecore_input_dropped_total{entity=\"%d\",reason=\"lead\"} %d\n", id, c.Lead)
		fmt.Fprintf(w, "movecore_input_dropped_total{entity=\"%d\",reason=\"rate_limited\"} %d\n", id, c.RateLimited)
		fmt.Fprintf(w, "movecore_input_dropped_total{entity=\"%d\",reason=\"invalid\"} %d\n", id, c.Invalid)
	}
}

func gauge(w http.ResponseWriter, name, help, value string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %s\n", name, value)
}

func counter(w http.ResponseWriter, name, help string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

// ReplayFlushHandler authorises and forces a replay flush.
func (h *HandlerSet) ReplayFlushHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.LoggerFromContext(r.Context()).With(
			logging.String("handler", "replay_flush"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("replay flush denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("replay flush denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.opts.RateLimiter != nil && !h.opts.RateLimiter.Allow(remoteHost(r)) {
			reqLogger.Warn("replay flush denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.opts.Replay == nil {
			reqLogger.Warn("replay flush denied: recording disabled")
			http.Error(w, "replay recording is unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := h.opts.Replay.Flush(); err != nil {
			reqLogger.Error("replay flush failed", logging.Error(err))
			http.Error(w, "failed to flush replay", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("replay flushed")
		writeJSON(w, http.StatusAccepted, response{Status: "flushed", Location: h.opts.Replay.Directory()})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
