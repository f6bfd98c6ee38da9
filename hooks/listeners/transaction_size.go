package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/gomsync/hooks"
)

// ErrTransactionTooLarge is returned from PreTransactionSend when a
// transaction exceeds the hard limit, which suppresses the broadcast.
var ErrTransactionTooLarge = fmt.Errorf("replication transaction exceeds size limit")

// TransactionSizeAlerter watches outgoing replication transactions.
// Transactions above WarnBytes are logged; transactions above LimitBytes
// are vetoed. A zero threshold disables that check.
type TransactionSizeAlerter struct {
	logger     *slog.Logger
	warnBytes  int
	limitBytes int
}

// NewTransactionSizeAlerter creates a new listener for PreTransactionSend.
func NewTransactionSizeAlerter(logger *slog.Logger, warnBytes, limitBytes int) *TransactionSizeAlerter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &TransactionSizeAlerter{
		logger:     logger.With("component", "TransactionSizeAlerter"),
		warnBytes:  warnBytes,
		limitBytes: limitBytes,
	}
}

// OnEvent handles the PreTransactionSend event.
func (l *TransactionSizeAlerter) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreTransactionSend {
		return nil
	}

	payload, ok := event.Payload().(hooks.PreTransactionSendPayload)
	if !ok {
		l.logger.Error("Received PreTransactionSend event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	if l.limitBytes > 0 && payload.Bytes > l.limitBytes {
		l.logger.Error("Dropping oversized replication transaction",
			"level", payload.Level.String(),
			"bytes", payload.Bytes,
			"limit_bytes", l.limitBytes,
			"updates", payload.Updates,
			"deletions", payload.Deletions,
		)
		return fmt.Errorf("%w: %d > %d bytes", ErrTransactionTooLarge, payload.Bytes, l.limitBytes)
	}
	if l.warnBytes > 0 && payload.Bytes > l.warnBytes {
		l.logger.Warn("Large replication transaction",
			"level", payload.Level.String(),
			"bytes", payload.Bytes,
			"warn_bytes", l.warnBytes,
			"types", payload.Types,
			"updates", payload.Updates,
			"deletions", payload.Deletions,
		)
	}
	return nil
}

// Priority defines the execution order.
func (l *TransactionSizeAlerter) Priority() int { return 50 }

// IsAsync is ignored for Pre hooks, which always run synchronously.
func (l *TransactionSizeAlerter) IsAsync() bool { return false }
