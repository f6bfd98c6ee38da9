// Command client connects to a gomsync server over TCP, synchronizes and
// logs every replication transaction it receives.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/INLOpen/gomsync/core"
	"github.com/INLOpen/gomsync/protocol"
	"github.com/INLOpen/gomsync/replication"
	"github.com/INLOpen/gomsync/world"
)

type viewer struct {
	conn    net.Conn
	reader  *bufio.Reader
	logger  *slog.Logger
	movers  bool
	maxSize int
}

func (v *viewer) send(frameType protocol.FrameType, payload []byte) error {
	return protocol.WriteFrame(v.conn, frameType, payload)
}

// handshake reads Hello and asks the server to synchronize the session.
func (v *viewer) handshake() (core.SessionKey, error) {
	frameType, payload, err := protocol.ReadFrame(v.reader, v.maxSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read hello: %w", err)
	}
	if frameType != protocol.FrameHello {
		return 0, fmt.Errorf("expected hello, got %s", frameType)
	}
	var hello protocol.Hello
	if err := hello.UnmarshalBinary(payload); err != nil {
		return 0, err
	}
	if hello.Version != protocol.Version {
		return 0, fmt.Errorf("unsupported protocol version %d", hello.Version)
	}
	if err := v.send(protocol.FrameSyncRequest, nil); err != nil {
		return 0, err
	}
	return hello.Key, nil
}

// run reads frames until the connection ends or limit transactions were
// received. A zero limit means no limit.
func (v *viewer) run(limit int) error {
	received := 0
	for limit == 0 || received < limit {
		frameType, payload, err := protocol.ReadFrame(v.reader, v.maxSize)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				v.logger.Info("Server closed the connection", "transactions", received)
				return nil
			}
			return err
		}
		switch frameType {
		case protocol.FrameSyncAck:
			v.logger.Info("Session synchronized")
		case protocol.FramePing:
			v.logger.Debug("Pong")
		case protocol.FrameError:
			var msg protocol.ErrorMessage
			if err := msg.UnmarshalBinary(payload); err != nil {
				return err
			}
			return &msg
		case protocol.FrameReplicationTransaction:
			tx, err := replication.DecodeTransaction(payload)
			if err != nil {
				return err
			}
			received++
			v.logTransaction(tx)
		default:
			v.logger.Warn("Ignoring unknown frame", "frame", frameType.String())
		}
	}
	return nil
}

func (v *viewer) logTransaction(tx *replication.Transaction) {
	updates, deletions := tx.Counts()
	v.logger.Info("Transaction received", "updates", updates, "deletions", deletions, "flags", uint8(tx.Flags))

	types := make([]core.TypeID, 0, len(tx.Updates)+len(tx.Deletions))
	seen := make(map[core.TypeID]bool)
	for t := range tx.Updates {
		types = append(types, t)
		seen[t] = true
	}
	for t := range tx.Deletions {
		if !seen[t] {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		records := tx.Updates[t]
		full := 0
		for _, r := range records {
			if r.Full {
				full++
			}
			if v.movers {
				if m, err := world.DecodeMover(r.Data); err == nil {
					v.logger.Debug("Mover", "type", t, "id", r.ID, "state", r.State, "x", m.X, "y", m.Y)
				}
			}
		}
		v.logger.Info("Type summary", "type", t, "updates", len(records), "full", full, "deletions", len(tx.Deletions[t]))
	}
}

func main() {
	addr := flag.String("addr", "localhost:7777", "Address of the gomsync TCP listener")
	count := flag.Int("count", 0, "Exit after this many transactions (0 runs until interrupted)")
	movers := flag.Bool("movers", false, "Decode payloads as demo world movers (logged at debug level)")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", *addr)
	if err != nil {
		logger.Error("Failed to connect", "addr", *addr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	v := &viewer{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		logger:  logger,
		movers:  *movers,
		maxSize: protocol.DefaultMaxFrameBytes,
	}
	key, err := v.handshake()
	if err != nil {
		logger.Error("Handshake failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Connected", "addr", *addr, "session_key", key)

	if err := v.run(*count); err != nil && ctx.Err() == nil {
		logger.Error("Connection failed", "error", err)
		os.Exit(1)
	}
}
