package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/types"
)

const (
	// DefaultMaxLineSize bounds a single buffered SSE line.
	DefaultMaxLineSize = 2 << 20

	initialBufferSize = 64 * 1024
)

var (
	dataField  = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Summary describes a finished or abandoned stream. It is handed to the
// completion hook exactly once.
type Summary struct {
	Text   string
	Usage  types.Usage
	Reason types.StopReason
	Data   json.RawMessage
	Err    *proxyerr.Error
	// Abandoned is set when the consumer closed the stream before reading
	// its terminal event.
	Abandoned bool
	Events    int
	Duration  time.Duration
}

type Option func(*Transport)

func WithMaxLineSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLine = n
		}
	}
}

// WithProvider attributes transport failures to the named provider.
func WithProvider(name string) Option {
	return func(t *Transport) { t.provider = name }
}

// OnComplete registers fn to run once when the terminal event is delivered
// or the stream is closed early, whichever happens first.
func OnComplete(fn func(Summary)) Option {
	return func(t *Transport) { t.onComplete = fn }
}

func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// Transport reads an SSE body and yields events. Recv must be called from a
// single goroutine; Close may be called from any goroutine.
type Transport struct {
	ctx      context.Context
	body     io.ReadCloser
	scanner  *bufio.Scanner
	decoder  Decoder
	provider string
	maxLine  int
	now      func() time.Time
	start    time.Time

	// Owned by the Recv goroutine.
	queue     []Event
	hasUsage  bool
	delivered bool

	mu       sync.Mutex
	text     strings.Builder
	usage    types.Usage
	events   int
	terminal Event

	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
	stopWatch  func() bool
	onComplete func(Summary)
	doneOnce   sync.Once
}

// New wraps body. Cancelling ctx closes body, which unblocks a pending Recv.
// Decoders must not retain the payload slice passed to Decode.
func New(ctx context.Context, body io.ReadCloser, dec Decoder, opts ...Option) *Transport {
	t := &Transport{
		ctx:     ctx,
		body:    body,
		decoder: dec,
		maxLine: DefaultMaxLineSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.scanner = bufio.NewScanner(body)
	t.scanner.Buffer(make([]byte, 0, min(initialBufferSize, t.maxLine)), t.maxLine)
	t.start = t.now()
	t.stopWatch = context.AfterFunc(ctx, func() { t.closeBody() })
	return t
}

// Recv returns the next event. After the terminal event it returns io.EOF;
// after Close it returns ErrClosed.
func (t *Transport) Recv() (Event, error) {
	for {
		if t.delivered {
			return Event{}, io.EOF
		}
		if t.closed.Load() {
			return Event{}, ErrClosed
		}
		if len(t.queue) > 0 {
			ev := t.queue[0]
			t.queue = t.queue[1:]
			t.record(ev)
			if ev.Terminal() {
				t.delivered = true
				t.complete(false)
			}
			return ev, nil
		}
		t.advance()
	}
}

// Close releases the upstream body. Closing before the terminal event is
// reported to the completion hook as an abandoned stream.
func (t *Transport) Close() error {
	t.closed.Store(true)
	err := t.closeBody()
	t.complete(true)
	return err
}

// advance reads lines until at least one event is queued.
func (t *Transport) advance() {
	for t.scanner.Scan() {
		payload, ok := dataPayload(t.scanner.Bytes())
		if !ok {
			continue
		}
		if bytes.Equal(payload, doneMarker) {
			t.finish(Stop(t.pendingStop()))
			return
		}
		events, err := t.decoder.Decode(payload)
		if err != nil {
			t.finish(Failure(t.attribute(proxyerr.IO("decode stream payload", err))))
			return
		}
		for _, ev := range events {
			if t.accept(ev) {
				return
			}
		}
		if len(t.queue) > 0 {
			return
		}
	}
	t.finish(t.endOfInput(t.scanner.Err()))
}

// accept queues ev and reports whether it ended the stream.
func (t *Transport) accept(ev Event) bool {
	switch {
	case ev.Kind == KindDeltaText:
		if ev.Text != "" {
			t.queue = append(t.queue, ev)
		}
	case ev.Kind == KindUsage:
		t.mu.Lock()
		t.usage = t.usage.Merge(ev.Usage)
		t.mu.Unlock()
		t.hasUsage = true
	case ev.Terminal():
		if ev.Kind == KindError {
			if ev.Err == nil {
				ev.Err = proxyerr.Other("stream failed", nil)
			}
			ev.Err = t.attribute(ev.Err)
		}
		t.finish(ev)
		return true
	}
	return false
}

// finish queues the single merged usage report followed by the terminal
// event, then releases the upstream.
func (t *Transport) finish(term Event) {
	if t.hasUsage {
		t.mu.Lock()
		u := t.usage
		t.mu.Unlock()
		t.queue = append(t.queue, UsageReport(u))
	}
	t.queue = append(t.queue, term)
	t.closeBody()
}

func (t *Transport) endOfInput(err error) Event {
	if err == nil {
		return Stop(t.pendingStop())
	}
	if errors.Is(err, bufio.ErrTooLong) {
		return Failure(t.attribute(proxyerr.IO(fmt.Sprintf("stream line exceeds %d bytes", t.maxLine), err)))
	}
	if ctxErr := t.ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return Failure(proxyerr.Unavailable(t.provider, "stream exceeded its deadline", ctxErr))
		}
		return Failure(proxyerr.Other("stream cancelled", ctxErr))
	}
	return Failure(proxyerr.Unavailable(t.provider, "stream interrupted", err))
}

func (t *Transport) pendingStop() types.StopReason {
	if ps, ok := t.decoder.(PendingStopper); ok {
		if reason, ok := ps.PendingStop(); ok {
			return reason
		}
	}
	return types.StopReasonStop
}

func (t *Transport) attribute(pe *proxyerr.Error) *proxyerr.Error {
	if pe.Provider != "" || t.provider == "" {
		return pe
	}
	return pe.WithProvider(t.provider)
}

func (t *Transport) record(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events++
	switch {
	case ev.Kind == KindDeltaText:
		t.text.WriteString(ev.Text)
	case ev.Terminal():
		t.terminal = ev
	}
}

func (t *Transport) complete(abandoned bool) {
	t.doneOnce.Do(func() {
		t.stopWatch()
		if t.onComplete == nil {
			return
		}
		t.mu.Lock()
		s := Summary{
			Text:      t.text.String(),
			Usage:     t.usage,
			Events:    t.events,
			Abandoned: abandoned,
		}
		if !abandoned {
			s.Reason = t.terminal.Reason
			s.Data = t.terminal.Data
			s.Err = t.terminal.Err
		}
		t.mu.Unlock()
		s.Duration = t.now().Sub(t.start)
		t.onComplete(s)
	})
}

func (t *Transport) closeBody() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.body.Close()
	})
	return t.closeErr
}

// dataPayload extracts the payload of a "data:" line. Blank lines, comments
// and other SSE fields are ignored.
func dataPayload(line []byte) ([]byte, bool) {
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	if !bytes.HasPrefix(line, dataField) {
		return nil, false
	}
	p := line[len(dataField):]
	if len(p) > 0 && p[0] == ' ' {
		p = p[1:]
	}
	if len(p) == 0 {
		return nil, false
	}
	return p, true
}
