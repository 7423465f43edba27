package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"dwarfendepths/movecore/internal/auth"
	"dwarfendepths/movecore/internal/config"
	grpcapi "dwarfendepths/movecore/internal/grpc"
	httpapi "dwarfendepths/movecore/internal/http"
	"dwarfendepths/movecore/internal/input"
	"dwarfendepths/movecore/internal/logging"
	"dwarfendepths/movecore/internal/mapdef"
	"dwarfendepths/movecore/internal/netfeed"
	"dwarfendepths/movecore/internal/physics"
	"dwarfendepths/movecore/internal/replay"
	"dwarfendepths/movecore/internal/simulation"
	"dwarfendepths/movecore/internal/state"
)

const (
	shutdownTimeout   = 5 * time.Second
	sessionLeeway     = 5 * time.Second
	retentionInterval = time.Hour
	// transportRateFactor lets the socket limiter sit above the per-entity
	// gate so the gate's drop counters see ordinary overruns.
	transportRateFactor = 4
	adminWindow         = time.Minute
	adminLimit          = 6
)

// ServeCmd runs the server until SIGINT or SIGTERM.
type ServeCmd struct {
	Map string `help:"Map file to load instead of MOVECORE_MAP_PATH." type:"existingfile"`
}

// Run loads configuration from the environment and serves.
func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if g != nil && g.Debug {
		cfg.Logging.Level = "debug"
	}
	if c.Map != "" {
		cfg.MapPath = c.Map
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server exited", logging.Error(err))
		return err
	}
	return nil
}

var errNotTicking = errors.New("waiting for the first tick")

// runtimeStatus answers readiness probes. The server is ready once the
// scheduler has advanced the world past its starting sequence.
type runtimeStatus struct {
	started time.Time
	first   uint64
	hub     *netfeed.Hub
	tables  *state.Tables
}

func (r *runtimeStatus) Clients() int          { return r.hub.Clients() }
func (r *runtimeStatus) Uptime() time.Duration { return time.Since(r.started) }

func (r *runtimeStatus) StartupError() error {
	if r.tables.Meta().Sequence <= r.first {
		return errNotTicking
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	started := time.Now()

	//1.- Build the immutable world.
	def, err := mapdef.Resolve(cfg.MapPath)
	if err != nil {
		return fmt.Errorf("load map: %w", err)
	}
	params := physics.DefaultParams()
	params.MaxSlopeDeg = cfg.MaxSlopeDeg
	world, err := mapdef.Build(def, params)
	if err != nil {
		return fmt.Errorf("build world: %w", err)
	}
	logger.Info("world loaded", logging.String("map", world.Name), logging.Float64("max_slope_deg", params.MaxSlopeDeg))

	tables := state.NewTables()
	var sinks []simulation.TickSink

	//2.- Optional durable rows and replay recording.
	var store *state.SQLiteSink
	if cfg.SQLitePath != "" {
		if store, err = state.OpenSQLiteSink(cfg.SQLitePath); err != nil {
			return err
		}
		defer store.Close()
		sinks = append(sinks, store)
	}
	var recorder *replay.Recorder
	var cleaner *replay.Cleaner
	if cfg.ReplayDir != "" {
		if recorder, err = replay.NewRecorder(cfg.ReplayDir, "movecore", time.Now); err != nil {
			return fmt.Errorf("open replay: %w", err)
		}
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.Error("replay close failed", logging.Error(err))
			}
		}()
		recorder.SetHeader(world.Name, cfg.TickInterval, params.MaxSlopeDeg)
		sinks = append(sinks, recorder)
		cleaner = replay.NewCleaner(cfg.ReplayDir, replay.RetentionPolicy{MaxBundles: cfg.ReplayMaxBundles, MaxAge: cfg.ReplayMaxAge}, logger)
		cleaner.Protect(recorder.Directory())
		go cleaner.Run(ctx, retentionInterval)
		logger.Info("replay recording enabled", logging.String("bundle", recorder.Directory()))
	}

	monitor := simulation.NewTickMonitor()
	server, err := simulation.NewTickServer(world, tables, cfg.TickInterval,
		simulation.WithLogger(logger), simulation.WithMonitor(monitor), simulation.WithSinks(sinks...))
	if err != nil {
		return err
	}

	//3.- Resume persisted rows, otherwise seed the NPCs.
	restored := 0
	if store != nil {
		entities, err := store.LoadEntities(ctx)
		if err != nil {
			return err
		}
		last, err := store.LastSequence(ctx)
		if err != nil {
			return err
		}
		if len(entities) > 0 {
			server.Restore(entities, last)
			restored = len(entities)
		}
	}
	if restored == 0 {
		server.SeedNPCs(ctx, cfg.NPCCount)
	}

	//4.- Input admission and sessions.
	gate := input.NewGate(input.Config{MaxLead: uint64(cfg.InputMaxLead), Rate: cfg.InputRate, Burst: cfg.InputBurst}, logger)
	intake := input.NewIntake(tables, gate, input.NewValidator(input.DefaultInputConstraints, logger), logger)
	issuer, err := auth.NewIssuer(sessionSecret(cfg, logger), sessionLeeway)
	if err != nil {
		return err
	}

	hub, err := netfeed.NewHub(netfeed.Options{
		Logger:          logger,
		Store:           tables,
		Diffs:           tables,
		Intake:          intake,
		Spawner:         server,
		Sessions:        issuer,
		SessionTTL:      cfg.SessionTTL,
		Rate:            cfg.InputRate * transportRateFactor,
		Burst:           cfg.InputBurst * transportRateFactor,
		DespawnOnClose:  cfg.DespawnOnClose,
		PingInterval:    cfg.PingInterval,
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		MaxClients:      cfg.MaxClients,
	})
	if err != nil {
		return err
	}
	defer hub.Close()

	compressor, err := grpcapi.NewZstdCompressor()
	if err != nil {
		return err
	}
	service := grpcapi.NewService(tables, cfg.TickInterval,
		grpcapi.WithDiffSource(tables), grpcapi.WithCompressor(compressor), grpcapi.WithLogger(logger))

	//5.- Operational handlers share the websocket listener.
	status := &runtimeStatus{started: started, first: tables.Meta().Sequence, hub: hub, tables: tables}
	opsOptions := httpapi.Options{
		Logger:      logger,
		Readiness:   status,
		Store:       tables,
		Ticks:       monitor.Snapshot,
		InputDrops:  gate.Metrics,
		FeedDrops:   hub.Stats,
		DiffDrops:   service.Dropped,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(adminWindow, adminLimit, nil),
	}
	if recorder != nil {
		opsOptions.Replay = recorder
		opsOptions.ReplayStats = recorder.Snapshot
		opsOptions.Storage = cleaner.Stats
	}
	mux := http.NewServeMux()
	hub.Register(mux)
	httpapi.NewHandlerSet(opsOptions).Register(mux)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	grpcServer := grpc.NewServer(grpcapi.ServerOptions(cfg.AdminToken, logger)...)
	service.Register(grpcServer)
	listener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	//6.- Start ticking, then accept traffic.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	scheduler := server.NewScheduler(cfg.SchedulerDivisor)
	scheduler.Start(runCtx)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", logging.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc listening", logging.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
	}

	//7.- Stop ticking first so the final rows reach every sink once.
	cancel()
	scheduler.Stop()
	hub.Close()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", logging.Error(err))
	}
	stopGRPC(grpcServer, shutdownTimeout)
	logger.Info("server stopped", logging.Uint64("sequence", tables.Meta().Completed()))
	return serveErr
}

// stopGRPC drains streams, forcing the stop when they outlive timeout.
func stopGRPC(server *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		server.Stop()
	}
}

// sessionSecret returns the configured secret or a random one that lasts
// for this process only.
func sessionSecret(cfg *config.Config, logger *logging.Logger) string {
	if cfg.SessionSecret != "" {
		return cfg.SessionSecret
	}
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("session secret: %v", err))
	}
	logger.Warn("MOVECORE_SESSION_SECRET unset; tokens will not survive a restart")
	return hex.EncodeToString(buf[:])
}
