package eventbus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// PersistentBus journals every event to an append-only JSONL file before
// handing it to the in-memory bus. A CLI that reattaches to a session (or
// the session index after a crash) calls Replay to catch up on everything
// it missed. The journal rotates once, keeping at most one .old sibling.
type PersistentBus struct {
	inner   *InMemoryBus
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	path    string
	written int64
	maxSize int64
	logger  *zap.Logger
}

// PersistentBusConfig configures the journal location and limits.
type PersistentBusConfig struct {
	Dir        string // journal directory (required)
	QueueDepth int    // in-memory queue depth
	MaxSize    int64  // journal bytes before rotation (default 10MB)
}

// NewPersistentBus opens (or creates) the journal under cfg.Dir.
func NewPersistentBus(cfg PersistentBusConfig, logger *zap.Logger) (*PersistentBus, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("eventbus: journal dir is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 * 1024 * 1024
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventbus: create journal dir: %w", err)
	}

	path := filepath.Join(cfg.Dir, "events.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventbus: open journal: %w", err)
	}
	var size int64
	if stat, err := f.Stat(); err == nil {
		size = stat.Size()
	}

	return &PersistentBus{
		inner:   NewInMemoryBus(logger, cfg.QueueDepth),
		file:    f,
		writer:  bufio.NewWriterSize(f, 64*1024),
		path:    path,
		written: size,
		maxSize: cfg.MaxSize,
		logger:  logger.With(zap.String("component", "persistent-bus")),
	}, nil
}

var _ Bus = (*PersistentBus)(nil)

// Publish journals ev, then dispatches it. A journal write failure is
// logged and the event still dispatches; observers losing replay fidelity
// beats losing the live event too.
func (b *PersistentBus) Publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("event not journalable", zap.String("kind", ev.Kind), zap.Error(err))
	} else {
		b.mu.Lock()
		n, werr := b.writer.Write(append(data, '\n'))
		if werr != nil {
			b.logger.Error("journal write failed", zap.Error(werr))
		}
		b.written += int64(n)
		_ = b.writer.Flush()
		if b.written >= b.maxSize {
			b.rotateLocked()
		}
		b.mu.Unlock()
	}

	b.inner.Publish(ctx, ev)
}

// Subscribe registers a handler on the underlying bus.
func (b *PersistentBus) Subscribe(kind string, h Handler) {
	b.inner.Subscribe(kind, h)
}

// Close flushes and closes the journal, then drains the in-memory bus.
func (b *PersistentBus) Close() {
	b.mu.Lock()
	_ = b.writer.Flush()
	_ = b.file.Sync()
	_ = b.file.Close()
	b.mu.Unlock()

	b.inner.Close()
}

// Replay re-publishes every journaled event to the current subscribers, in
// write order, and returns how many were replayed. Call it after
// subscribing and before live publishing starts. Corrupt lines (from a
// crash mid-write) are skipped.
func (b *PersistentBus) Replay(ctx context.Context) (int, error) {
	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("eventbus: open journal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	count := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			b.logger.Warn("skipping corrupt journal line", zap.Error(err))
			continue
		}
		b.inner.Publish(ctx, ev)
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("eventbus: journal scan: %w", err)
	}

	b.logger.Info("journal replayed", zap.Int("events", count))
	return count, nil
}

// Truncate resets the journal, typically after the observer has taken a
// full snapshot and no longer needs the history.
func (b *PersistentBus) Truncate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_ = b.writer.Flush()
	_ = b.file.Close()

	f, err := os.Create(b.path)
	if err != nil {
		return fmt.Errorf("eventbus: truncate journal: %w", err)
	}
	b.file = f
	b.writer = bufio.NewWriterSize(f, 64*1024)
	b.written = 0
	return nil
}

// rotateLocked swaps the journal for a fresh file, keeping one .old
// sibling. Caller holds b.mu.
func (b *PersistentBus) rotateLocked() {
	_ = b.writer.Flush()
	_ = b.file.Close()

	oldPath := b.path + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(b.path, oldPath)

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		b.logger.Error("journal rotation failed", zap.Error(err))
		return
	}
	b.file = f
	b.writer = bufio.NewWriterSize(f, 64*1024)
	b.written = 0
	b.logger.Info("journal rotated", zap.String("old", oldPath))
}

// Size returns the current journal size in bytes.
func (b *PersistentBus) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}
