package replication

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/gomsync/core"
	"github.com/INLOpen/gomsync/hooks"
	"github.com/INLOpen/gomsync/protocol"
	"github.com/INLOpen/gomsync/session"
)

// SessionSet is the part of the session registry the broadcaster needs.
type SessionSet interface {
	ForEachSynchronized(fn func(*session.Session))
}

// BroadcastResult describes what one Send did.
type BroadcastResult struct {
	Level core.DirtyLevel
	// Sent is false when the collector was empty or a hook vetoed the send.
	Sent       bool
	Vetoed     bool
	Types      int
	Updates    int
	Deletions  int
	Bytes      int // encoded transaction size
	FrameBytes int // size on the wire, after framing and compression
	Sessions   int
	Failures   int
}

// Broadcaster encodes a collector once and writes the framed transaction
// to every synchronized session.
type Broadcaster struct {
	sessions    SessionSet
	framer      protocol.Encoder
	hookManager hooks.HookManager
	metrics     *Metrics
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. hookManager and metrics may be nil.
func NewBroadcaster(sessions SessionSet, framer protocol.Encoder, hookManager hooks.HookManager, metrics *Metrics, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broadcaster{
		sessions:    sessions,
		framer:      framer,
		hookManager: hookManager,
		metrics:     metrics,
		logger:      logger.With("component", "Broadcaster"),
	}
}

// Send broadcasts the collector's content. An empty collector is skipped.
// A failed write to one session is logged and counted; it never stops the
// broadcast and is never returned. The transport notices the broken
// connection on its own and removes the session.
func (b *Broadcaster) Send(ctx context.Context, c *Collector) (BroadcastResult, error) {
	result := BroadcastResult{Level: c.Level()}
	if c.Empty() {
		if b.metrics != nil {
			b.metrics.SkippedEmpty.Add(1)
		}
		return result, nil
	}

	start := time.Now()
	result.Types, result.Updates, result.Deletions = c.Counts()
	payload, err := EncodeTransaction(c)
	if err != nil {
		if b.metrics != nil {
			b.metrics.EncodeErrors.Add(1)
		}
		return result, fmt.Errorf("failed to encode %s transaction: %w", c.Level(), err)
	}
	result.Bytes = len(payload)

	if b.hookManager != nil {
		pre := hooks.PreTransactionSendPayload{
			Level:     result.Level,
			Types:     result.Types,
			Updates:   result.Updates,
			Deletions: result.Deletions,
			Bytes:     result.Bytes,
		}
		if err := b.hookManager.Trigger(ctx, hooks.NewPreTransactionSendEvent(pre)); err != nil {
			b.logger.Warn("Transaction send vetoed by hook", "level", result.Level.String(), "bytes", result.Bytes, "error", err)
			if b.metrics != nil {
				b.metrics.Vetoed.Add(1)
			}
			result.Vetoed = true
			return result, nil
		}
	}

	frame, err := b.framer.Encode(protocol.FrameReplicationTransaction, payload)
	if err != nil {
		if b.metrics != nil {
			b.metrics.EncodeErrors.Add(1)
		}
		return result, fmt.Errorf("failed to frame %s transaction: %w", c.Level(), err)
	}
	result.FrameBytes = len(frame)

	b.sessions.ForEachSynchronized(func(s *session.Session) {
		if err := s.Send(frame); err != nil {
			result.Failures++
			b.logger.Debug("Failed to send transaction to session", "session_key", s.Key(), "error", err)
			return
		}
		result.Sessions++
	})
	result.Sent = true

	if b.metrics != nil {
		b.metrics.countTransaction(result)
	}
	if result.Failures > 0 {
		b.logger.Warn("Transaction not delivered to every session", "level", result.Level.String(), "failures", result.Failures, "sessions", result.Sessions)
	}
	if b.hookManager != nil {
		post := hooks.PostTransactionSendPayload{
			Level:    result.Level,
			Bytes:    result.FrameBytes,
			Sessions: result.Sessions,
			Failures: result.Failures,
			Duration: time.Since(start),
		}
		_ = b.hookManager.Trigger(ctx, hooks.NewPostTransactionSendEvent(post))
	}
	return result, nil
}
