package replication

import (
	"context"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/gomsync/clock"
	"github.com/INLOpen/gomsync/core"
)

const (
	DefaultTickInterval    = 16 * time.Millisecond
	DefaultFullInterval    = 100 * time.Millisecond
	DefaultPartialInterval = 1000 * time.Millisecond
)

// ObjectStore is the authoritative store the scheduler harvests.
type ObjectStore interface {
	Refresh()
	VisitDirty(scope core.Scope, level core.DirtyLevel, v Visitor)
}

// Sender delivers a filled collector. *Broadcaster implements it.
type Sender interface {
	Send(ctx context.Context, c *Collector) (BroadcastResult, error)
}

// SessionTicker runs the per-session tick pass. *session.Registry implements it.
type SessionTicker interface {
	TickAll(now time.Time)
}

// SchedulerOptions configures a Scheduler. Zero values select the defaults.
type SchedulerOptions struct {
	TickInterval    time.Duration
	FullInterval    time.Duration
	PartialInterval time.Duration
	Scope           core.Scope
	// BeforeTick runs on the scheduler goroutine before the store is
	// refreshed; world simulation that mutates entities belongs here.
	BeforeTick func(now time.Time)
	Clock      clock.Clock
	Tracer     trace.Tracer
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Scheduler drives the replication tick: refresh the store, run at most
// one sweep (full wins over partial), then tick every session.
type Scheduler struct {
	store    ObjectStore
	sender   Sender
	sessions SessionTicker

	tickInterval    time.Duration
	fullInterval    time.Duration
	partialInterval time.Duration
	scope           core.Scope
	beforeTick      func(now time.Time)

	clock   clock.Clock
	tracer  trace.Tracer
	metrics *Metrics
	logger  *slog.Logger

	lastFull    time.Time
	lastPartial time.Time
}

// NewScheduler creates a scheduler. Both replication timers start at
// construction, so the first full sweep happens one full interval later.
func NewScheduler(store ObjectStore, sender Sender, sessions SessionTicker, opts SchedulerOptions) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.FullInterval <= 0 {
		opts.FullInterval = DefaultFullInterval
	}
	if opts.PartialInterval <= 0 {
		opts.PartialInterval = DefaultPartialInterval
	}
	if opts.Scope == 0 {
		opts.Scope = core.ScopeAll
	}
	if opts.Clock == nil {
		opts.Clock = clock.SystemClockDefault
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("replication")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Clock.Now()
	return &Scheduler{
		store:           store,
		sender:          sender,
		sessions:        sessions,
		tickInterval:    opts.TickInterval,
		fullInterval:    opts.FullInterval,
		partialInterval: opts.PartialInterval,
		scope:           opts.Scope,
		beforeTick:      opts.BeforeTick,
		clock:           opts.Clock,
		tracer:          opts.Tracer,
		metrics:         opts.Metrics,
		logger:          opts.Logger.With("component", "ReplicationScheduler"),
		lastFull:        now,
		lastPartial:     now,
	}
}

// Tick runs one scheduler iteration. It reports whether a sweep ran and
// what its broadcast did.
func (s *Scheduler) Tick(ctx context.Context) (BroadcastResult, bool) {
	start := time.Now()
	now := s.clock.Now()

	if s.beforeTick != nil {
		s.beforeTick(now)
	}
	s.store.Refresh()

	var (
		result BroadcastResult
		swept  bool
	)
	// Full wins; a due partial waits for the next tick.
	switch {
	case now.Sub(s.lastFull) > s.fullInterval:
		result = s.sweep(ctx, core.LevelFull)
		s.lastFull = now
		swept = true
	case now.Sub(s.lastPartial) > s.partialInterval:
		result = s.sweep(ctx, core.LevelPartial)
		s.lastPartial = now
		swept = true
	}

	s.sessions.TickAll(now)

	if s.metrics != nil {
		s.metrics.ObserveTick(time.Since(start))
	}
	return result, swept
}

func (s *Scheduler) sweep(ctx context.Context, level core.DirtyLevel) BroadcastResult {
	ctx, span := s.tracer.Start(ctx, "replication.sweep")
	defer span.End()

	c := NewCollector(level)
	s.store.VisitDirty(s.scope, level, c)

	result, err := s.sender.Send(ctx, c)
	span.SetAttributes(
		attribute.String("replication.level", level.String()),
		attribute.Int("replication.types", result.Types),
		attribute.Int("replication.updates", result.Updates),
		attribute.Int("replication.deletions", result.Deletions),
		attribute.Int("replication.bytes", result.Bytes),
		attribute.Int("replication.sessions", result.Sessions),
		attribute.Bool("replication.sent", result.Sent),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("Replication sweep failed", "level", level.String(), "error", err)
		return result
	}
	if result.Sent {
		s.logger.Debug("Replication transaction sent",
			"level", level.String(),
			"types", result.Types,
			"updates", result.Updates,
			"deletions", result.Deletions,
			"bytes", result.Bytes,
			"sessions", result.Sessions,
		)
	}
	return result
}

// Run calls Tick on every tick interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Replication scheduler started",
		"tick_interval", s.tickInterval,
		"full_interval", s.fullInterval,
		"partial_interval", s.partialInterval,
	)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Replication scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
