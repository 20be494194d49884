package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLogger appends records as JSON lines to size-bounded segment files in a
// directory. A new segment is started when the next record would push the
// current one past the limit.
type FileLogger struct {
	dir          string
	segmentBytes int64
	redactor     *Redactor
	now          func() time.Time

	mu   sync.Mutex
	f    *os.File
	size int64
	seq  int
}

type FileOption func(*FileLogger)

// WithRedactor scrubs request and response payloads before writing.
func WithRedactor(r *Redactor) FileOption {
	return func(l *FileLogger) { l.redactor = r }
}

func WithFileClock(now func() time.Time) FileOption {
	return func(l *FileLogger) { l.now = now }
}

// NewFileLogger creates dir if needed. segmentMB <= 0 disables rollover.
func NewFileLogger(dir string, segmentMB int, opts ...FileOption) (*FileLogger, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	l := &FileLogger{
		dir:          dir,
		segmentBytes: int64(segmentMB) << 20,
		now:          time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

func (l *FileLogger) Log(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Time.IsZero() {
		rec.Time = l.now()
	}
	if l.redactor != nil {
		rec.Request = l.redactor.RedactJSON(rec.Request)
		rec.Response = l.redactor.RedactJSON(rec.Response)
		rec.Error = l.redactor.Redact(rec.Error)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode transcript record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil || (l.segmentBytes > 0 && l.size > 0 && l.size+int64(len(line)) > l.segmentBytes) {
		if err := l.rotate(); err != nil {
			return err
		}
	}
	n, err := l.f.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}

	if rec.Durability == DurabilityAlways || (rec.Durability == DurabilityCommit && rec.Phase == PhaseResponse) {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("sync transcript: %w", err)
		}
	}
	return nil
}

// rotate must be called with mu held.
func (l *FileLogger) rotate() error {
	if l.f != nil {
		if err := l.f.Close(); err != nil {
			return fmt.Errorf("close transcript segment: %w", err)
		}
	}
	l.seq++
	name := fmt.Sprintf("transcript-%s-%04d.jsonl", l.now().UTC().Format("20060102T150405Z"), l.seq)
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open transcript segment: %w", err)
	}
	l.f, l.size = f, 0
	return nil
}

// Segments lists segment files in creation order.
func (l *FileLogger) Segments() ([]string, error) {
	return filepath.Glob(filepath.Join(l.dir, "transcript-*.jsonl"))
}

func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
