package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"covercraft.ai/internal/sim/world"
)

// segment is one open zstd file.
type segment struct {
	f   *os.File
	enc *zstd.Encoder
	buf *bufio.Writer
}

func openSegment(path string) (*segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{f: f, enc: enc, buf: bufio.NewWriterSize(enc, 64*1024)}, nil
}

// writeLine appends b and a newline and flushes through to the encoder so a
// crash loses at most the current zstd block.
func (s *segment) writeLine(b []byte) error {
	if _, err := s.buf.Write(b); err != nil {
		return err
	}
	if err := s.buf.WriteByte('\n'); err != nil {
		return err
	}
	return s.buf.Flush()
}

func (s *segment) close() error {
	flushErr := s.buf.Flush()
	encErr := s.enc.Close()
	fileErr := s.f.Close()
	return errors.Join(flushErr, encErr, fileErr)
}

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir. With MaxLines set, a full
// hour continues in <prefix>-YYYY-MM-DD-HH.N.jsonl.zst.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	MaxLines int

	mu    sync.Mutex
	hour  string
	part  int
	lines int
	cur   *segment
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{baseDir: baseDir, prefix: prefix, now: time.Now}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	switch {
	case w.cur == nil || hour != w.hour:
		if err := w.openLocked(hour, 0); err != nil {
			return err
		}
	case w.MaxLines > 0 && w.lines >= w.MaxLines:
		if err := w.openLocked(hour, w.part+1); err != nil {
			return err
		}
	}
	if err := w.cur.writeLine(b); err != nil {
		return err
	}
	w.lines++
	return nil
}

// Lines reports how many lines went into the current file.
func (w *JSONLZstdWriter) Lines() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

func (w *JSONLZstdWriter) openLocked(hour string, part int) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	seg, err := openSegment(w.path(hour, part))
	if err != nil {
		return err
	}
	w.cur, w.hour, w.part, w.lines = seg, hour, part, 0
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	if w.cur == nil {
		return nil
	}
	err := w.cur.close()
	w.cur = nil
	return err
}

func (w *JSONLZstdWriter) path(hour string, part int) string {
	name := fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour)
	if part > 0 {
		name = fmt.Sprintf("%s-%s.%d.jsonl.zst", w.prefix, hour, part)
	}
	return filepath.Join(w.baseDir, name)
}

// AuditLogger writes cover audit entries under <worldDir>/audit.
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(worldDir string) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(worldDir, "audit"), "audit")}
}

func (l *AuditLogger) WriteAudit(v world.AuditEntry) error { return l.w.Write(v) }
func (l *AuditLogger) Close() error                        { return l.w.Close() }

// MultiAudit fans entries out to several sinks. Every sink is written; the
// first error is returned.
type MultiAudit []world.AuditLogger

func (m MultiAudit) WriteAudit(e world.AuditEntry) error {
	var first error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.WriteAudit(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
