package auditor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Kind classifies a discrepancy.
type Kind string

const (
	// KindMissingObject: an item document refers to an object that does not exist.
	KindMissingObject Kind = "missing-object"
	// KindEmptyPrefix: a live prefix document has no live children and should
	// have been tombstoned.
	KindEmptyPrefix Kind = "empty-prefix"
	// KindMissingItem: an object has no item document.
	KindMissingItem Kind = "missing-item"
	// KindMetadataMismatch: an item document disagrees with its object's size
	// or custom metadata.
	KindMetadataMismatch Kind = "metadata-mismatch"
	// KindMissingPrefix: a storage prefix has no prefix document.
	KindMissingPrefix Kind = "missing-prefix"
)

// Repairable reports whether the discrepancy is fixed by resyncing its object.
func (k Kind) Repairable() bool {
	switch k {
	case KindMissingObject, KindMissingItem, KindMetadataMismatch:
		return true
	}
	return false
}

// Discrepancy is one difference between the bucket and the mirror.
type Discrepancy struct {
	Pass   Pass   `json:"pass"`
	Kind   Kind   `json:"kind"`
	Path   string `json:"path"`
	Key    string `json:"key"`
	Detail string `json:"detail,omitempty"`
}

func (d Discrepancy) String() string {
	s := fmt.Sprintf("%s: %s %s (%s)", d.Pass, d.Kind, d.Path, d.Key)
	if d.Detail != "" {
		s += ": " + d.Detail
	}
	return s
}

// Sink receives discrepancies. Implementations must be safe for concurrent
// use since both passes report into the same sink.
type Sink interface {
	Report(ctx context.Context, d Discrepancy)
}

// LogSink writes one structured log record per discrepancy.
type LogSink struct {
	logger *slog.Logger
	closer io.Closer
}

// NewLogSink logs discrepancies to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// OpenLogSink appends JSON discrepancy records to the file at path.
func OpenLogSink(path string) (*LogSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open discrepancy log: %w", err)
	}
	return &LogSink{logger: slog.New(slog.NewJSONHandler(f, nil)), closer: f}, nil
}

func (s *LogSink) Report(ctx context.Context, d Discrepancy) {
	attrs := []slog.Attr{
		slog.String("pass", string(d.Pass)),
		slog.String("kind", string(d.Kind)),
		slog.String("path", d.Path),
		slog.String("key", d.Key),
	}
	if d.Detail != "" {
		attrs = append(attrs, slog.String("detail", d.Detail))
	}
	s.logger.LogAttrs(ctx, slog.LevelWarn, "discrepancy", attrs...)
}

// Close closes the underlying file, if the sink owns one.
func (s *LogSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Collector keeps discrepancies in memory.
type Collector struct {
	mu    sync.Mutex
	found []Discrepancy
}

func (c *Collector) Report(_ context.Context, d Discrepancy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.found = append(c.found, d)
}

// Discrepancies returns a copy of everything reported so far.
func (c *Collector) Discrepancies() []Discrepancy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Discrepancy(nil), c.found...)
}

// Tee reports to every sink in turn.
type Tee []Sink

func (t Tee) Report(ctx context.Context, d Discrepancy) {
	for _, s := range t {
		s.Report(ctx, d)
	}
}
