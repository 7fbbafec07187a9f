package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/xraph/beacon/internal/clock"
	"github.com/xraph/beacon/queue"
)

// FilePermissions is the mode used when OpenFile creates the log.
const FilePermissions = 0o600

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("dlq: writer is closed")

// compile-time interface check
var _ queue.DropHandler = (*Writer)(nil)

// Writer appends dropped entries to a JSON-lines log. It is safe for
// concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock sets the time source for DroppedAt.
func WithClock(c clock.Clock) Option {
	return func(w *Writer) { w.clock = c }
}

// WithLogger sets the logger used when a write fails.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// NewWriter writes log lines to w. If w is an io.Closer, Close closes it.
func NewWriter(w io.Writer, opts ...Option) *Writer {
	dw := &Writer{
		w:      w,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	if c, ok := w.(io.Closer); ok {
		dw.closer = c
	}
	for _, opt := range opts {
		opt(dw)
	}
	if dw.logger == nil {
		dw.logger = slog.Default()
	}
	return dw
}

// OpenFile appends to the log at path, creating it if needed.
func OpenFile(path string, opts ...Option) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, FilePermissions)
	if err != nil {
		return nil, fmt.Errorf("dlq: open %s: %w", path, err)
	}
	return NewWriter(f, opts...), nil
}

// Write appends one line per entry.
func (w *Writer) Write(reason queue.DropReason, entries []*queue.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return ErrClosed
	}

	now := w.clock.Now().UTC()
	var buf []byte
	for _, e := range entries {
		line, err := json.Marshal(newEntry(e, reason, now))
		if err != nil {
			return fmt.Errorf("dlq: marshal entry: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("dlq: write: %w", err)
	}
	return nil
}

// OnDrop implements queue.DropHandler. Write failures are logged.
func (w *Writer) OnDrop(ctx context.Context, reason queue.DropReason, entries []*queue.Entry) {
	if err := w.Write(reason, entries); err != nil {
		w.logger.ErrorContext(ctx, "dead-letter write failed",
			"reason", reason, "entries", len(entries), "error", err)
	}
}

// Close closes the underlying file. Further writes return ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w = nil
	if w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	return err
}

// Read decodes every line of a log written by Writer.
func Read(r io.Reader) ([]*Entry, error) {
	var out []*Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("dlq: line %d: %w", line, err)
		}
		out = append(out, &e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dlq: read: %w", err)
	}
	return out, nil
}

// ReadFile decodes the log at path.
func ReadFile(path string) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dlq: open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}
