// Package grpc exposes the authoritative tables to tooling over gRPC: entity
// queries, a per-entity simulation offset stream and a compressed diff feed.
package grpc

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"dwarfendepths/movecore/internal/logging"
	"dwarfendepths/movecore/internal/physics"
	"dwarfendepths/movecore/internal/state"
)

// EncodingHeader carries the compressor name on the diff stream header.
const EncodingHeader = "x-movecore-encoding"

const (
	defaultSyncInterval = time.Second
	diffFlushRateHz     = 20
	diffBacklog         = 64
)

// DiffSource fans out the diffs published after each tick.
type DiffSource interface {
	Subscribe(fn func(state.TickDiff)) func()
}

// Option customises the behaviour of the world service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithCompressor overrides the default payload compressor.
func WithCompressor(compressor Compressor) Option {
	return func(s *Service) {
		if compressor != nil {
			s.compressor = compressor
		}
	}
}

// WithTickerFactory overrides the throttling ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithSyncInterval sets how often StreamTimeSync samples the offset.
func WithSyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.syncInterval = interval
		}
	}
}

// WithDiffSource enables StreamDiffs.
func WithDiffSource(source DiffSource) Option {
	return func(s *Service) {
		s.diffs = source
	}
}

// WithLogger routes service diagnostics to logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service implements WorldServer on top of the table store.
type Service struct {
	store        state.Store
	diffs        DiffSource
	tickInterval time.Duration
	syncInterval time.Duration
	compressor   Compressor
	newTicker    tickerFactory
	logger       *logging.Logger
	dropped      atomic.Int64
}

var _ WorldServer = (*Service)(nil)

// NewService wires the service to the store and optional settings.
func NewService(store state.Store, tickInterval time.Duration, opts ...Option) *Service {
	service := &Service{
		store:        store,
		tickInterval: tickInterval,
		syncInterval: defaultSyncInterval,
		compressor:   NewGZIPCompressor(),
		newTicker:    defaultTickerFactory,
		logger:       logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// Register attaches the service to server.
func (s *Service) Register(server *grpc.Server) {
	RegisterWorldServer(server, s)
}

// Dropped reports diffs discarded because a stream fell behind.
func (s *Service) Dropped() int64 { return s.dropped.Load() }

// GetEntity returns one entity row or NotFound.
func (s *Service) GetEntity(_ context.Context, req *wrapperspb.UInt32Value) (*structpb.Struct, error) {
	if s == nil || s.store == nil {
		return nil, status.Error(codes.Unavailable, "world unavailable")
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "entity id required")
	}
	e, ok := s.store.Entity(req.GetValue())
	if !ok {
		return nil, status.Errorf(codes.NotFound, "entity %d not found", req.GetValue())
	}
	return entityStruct(e), nil
}

// ListEntities returns every entity row ordered by identifier.
func (s *Service) ListEntities(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	if s == nil || s.store == nil {
		return nil, status.Error(codes.Unavailable, "world unavailable")
	}
	entities := s.store.ListEntities()
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(entities))}
	for _, e := range entities {
		list.Values = append(list.Values, structpb.NewStructValue(entityStruct(e)))
	}
	return list, nil
}

// StreamTimeSync pushes the entity's simulation offset against the current
// server sequence at the sync interval.
func (s *Service) StreamTimeSync(req *wrapperspb.UInt32Value, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.store == nil {
		return status.Error(codes.Unavailable, "time sync service unavailable")
	}
	if req == nil {
		return status.Error(codes.InvalidArgument, "entity id required")
	}
	entityID := req.GetValue()

	tickCh, stop := s.newTicker(s.syncInterval)
	defer stop()

	//1.- Emit an initial sample immediately to minimise startup skew.
	if err := s.sendSample(stream, entityID); err != nil {
		return err
	}
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-tickCh:
			//2.- Stream successive samples at the configured cadence.
			if err := s.sendSample(stream, entityID); err != nil {
				return err
			}
		}
	}
}

func (s *Service) sendSample(stream grpc.ServerStreamingServer[structpb.Struct], entityID uint32) error {
	player, ok := s.store.Player(entityID)
	if !ok {
		return status.Errorf(codes.NotFound, "entity %d has no player row", entityID)
	}
	meta := s.store.Meta()
	sample := &structpb.Struct{Fields: map[string]*structpb.Value{
		"entity_id":         structpb.NewNumberValue(float64(entityID)),
		"server_sequence":   structpb.NewNumberValue(float64(meta.Sequence)),
		"simulation_offset": structpb.NewNumberValue(float64(player.SimulationOffset)),
		"tick_interval_ms":  structpb.NewNumberValue(float64(s.tickInterval) / float64(time.Millisecond)),
	}}
	return stream.Send(sample)
}

// StreamDiffs relays published tick diffs as compressed msgpack payloads.
func (s *Service) StreamDiffs(_ *emptypb.Empty, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	if s == nil || s.diffs == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	ctx := stream.Context()

	//1.- Subscribe first so the header doubles as a readiness signal.
	diffCh := make(chan state.TickDiff, diffBacklog)
	var lagged atomic.Int64
	cancel := s.diffs.Subscribe(func(diff state.TickDiff) {
		select {
		case diffCh <- diff:
		default:
			lagged.Add(1)
			s.dropped.Add(1)
		}
	})
	defer cancel()
	defer func() {
		if n := lagged.Load(); n > 0 {
			s.logger.Warn("diff stream fell behind", logging.Int64("dropped", n))
		}
	}()
	if err := stream.SendHeader(metadata.Pairs(EncodingHeader, s.compressor.Name())); err != nil {
		return err
	}

	tickCh, stop := s.newTicker(time.Second / diffFlushRateHz)
	defer stop()

	var pending []state.TickDiff
	for {
		select {
		case <-ctx.Done():
			//2.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case diff := <-diffCh:
			pending = append(pending, diff)
		case <-tickCh:
			//3.- Flush everything buffered since the last cadence tick, oldest first.
			for _, diff := range pending {
				if err := s.sendDiff(stream, diff); err != nil {
					return err
				}
			}
			pending = pending[:0]
		}
	}
}

func (s *Service) sendDiff(stream grpc.ServerStreamingServer[wrapperspb.BytesValue], diff state.TickDiff) error {
	raw, err := msgpack.Marshal(diff)
	if err != nil {
		return status.Errorf(codes.Internal, "encode diff: %v", err)
	}
	compressed, err := s.compressor.Compress(raw)
	if err != nil {
		return status.Errorf(codes.Internal, "compress diff: %v", err)
	}
	return stream.Send(wrapperspb.Bytes(compressed))
}

func entityStruct(e physics.Entity) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":                structpb.NewNumberValue(float64(e.ID)),
		"speed":             structpb.NewNumberValue(e.Speed),
		"position":          numberList(e.Position[:]...),
		"direction":         numberList(e.Direction[:]...),
		"yaw":               structpb.NewNumberValue(e.Yaw),
		"sequence_id":       structpb.NewNumberValue(float64(e.SequenceID)),
		"vertical_velocity": structpb.NewNumberValue(e.VerticalVelocity),
		"grounded":          structpb.NewBoolValue(e.Grounded),
		"faction":           structpb.NewStringValue(e.Faction.String()),
		"target_entity_id":  structpb.NewNumberValue(float64(e.TargetEntityID)),
	}}
}

func numberList(values ...float64) *structpb.Value {
	list := &structpb.ListValue{Values: make([]*structpb.Value, len(values))}
	for i, v := range values {
		list.Values[i] = structpb.NewNumberValue(v)
	}
	return structpb.NewListValue(list)
}
