package stream

import (
	"errors"
	"io"
	"iter"
	"strings"
	"sync"

	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/types"
)

// Accumulator folds events into a final response.
type Accumulator struct {
	text   strings.Builder
	Usage  types.Usage
	Reason types.StopReason
	Err    *proxyerr.Error
	Done   bool
}

func (a *Accumulator) Apply(ev Event) {
	switch ev.Kind {
	case KindDeltaText:
		a.text.WriteString(ev.Text)
	case KindUsage:
		a.Usage = a.Usage.Merge(ev.Usage)
	case KindStop, KindFinal:
		a.Reason = ev.Reason
		a.Done = true
	case KindError:
		a.Err = ev.Err
		if a.Err == nil {
			a.Err = proxyerr.Other("stream failed", nil)
		}
		a.Done = true
	}
}

func (a *Accumulator) Text() string { return a.text.String() }

// Collect drains s and closes it. A stream ending in an Error event returns
// that error alongside whatever was accumulated.
func Collect(s Stream) (*Accumulator, error) {
	defer s.Close()

	acc := &Accumulator{}
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return acc, err
		}
		acc.Apply(ev)
	}
	if acc.Err != nil {
		return acc, acc.Err
	}
	return acc, nil
}

// All iterates over the events of s, terminal event included, and closes s
// when iteration ends or the loop breaks.
func All(s Stream) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		defer s.Close()
		for {
			ev, err := s.Recv()
			if err != nil {
				return
			}
			if !yield(ev) || ev.Terminal() {
				return
			}
		}
	}
}

// sliceStream replays a fixed, well-formed event sequence.
type sliceStream struct {
	mu         sync.Mutex
	events     []Event
	pos        int
	closed     bool
	onComplete func(Summary)
	once       sync.Once
	acc        Accumulator
}

// FromEvents returns a Stream over events, which must end with a terminal
// event. The completion hook, if given, fires exactly once.
func FromEvents(events []Event, onComplete func(Summary)) Stream {
	return &sliceStream{events: events, onComplete: onComplete}
}

// Replay streams a stored chat response as delta, usage and stop events.
func Replay(resp *types.ChatResponse, onComplete func(Summary)) Stream {
	var events []Event
	if resp.Text != "" {
		events = append(events, Delta(resp.Text))
	}
	if !resp.Usage.IsZero() {
		events = append(events, UsageReport(resp.Usage))
	}
	reason := resp.StopReason
	if reason == "" {
		reason = types.StopReasonStop
	}
	events = append(events, Stop(reason))
	return FromEvents(events, onComplete)
}

func (s *sliceStream) Recv() (Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Event{}, ErrClosed
	}
	if s.pos >= len(s.events) {
		s.mu.Unlock()
		return Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	s.acc.Apply(ev)
	s.mu.Unlock()

	if ev.Terminal() {
		s.complete(false)
	}
	return ev, nil
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	done := s.pos >= len(s.events)
	s.closed = true
	s.mu.Unlock()
	if !done {
		s.complete(true)
	}
	return nil
}

func (s *sliceStream) complete(abandoned bool) {
	s.once.Do(func() {
		if s.onComplete == nil {
			return
		}
		s.mu.Lock()
		sum := Summary{
			Text:      s.acc.Text(),
			Usage:     s.acc.Usage,
			Reason:    s.acc.Reason,
			Err:       s.acc.Err,
			Abandoned: abandoned,
			Events:    s.pos,
		}
		s.mu.Unlock()
		s.onComplete(sum)
	})
}
