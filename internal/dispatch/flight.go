package dispatch

import (
	"sync"

	"github.com/af-corp/aiproxy/internal/types"
)

// streamFlight is one upstream stream shared by identical concurrent calls.
// done is closed once the leader's stream has ended; resp and err are
// immutable afterwards.
type streamFlight struct {
	done chan struct{}
	resp *types.ChatResponse
	err  error
}

// streamFlights coalesces identical streaming calls. The leader streams from
// the provider; the others wait for it and replay its result.
type streamFlights struct {
	mu sync.Mutex
	m  map[string]*streamFlight
}

// join returns the flight in progress for key, or starts one led by the
// caller.
func (f *streamFlights) join(key string) (fl *streamFlight, leader bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fl, ok := f.m[key]; ok {
		return fl, false
	}
	if f.m == nil {
		f.m = make(map[string]*streamFlight)
	}
	fl = &streamFlight{done: make(chan struct{})}
	f.m[key] = fl
	return fl, true
}

// settle ends the flight. A nil resp with a nil err means the leader's
// client went away and waiters have to go upstream themselves.
func (f *streamFlights) settle(key string, fl *streamFlight, resp *types.ChatResponse, err error) {
	f.mu.Lock()
	if f.m[key] == fl {
		delete(f.m, key)
	}
	f.mu.Unlock()
	fl.resp = resp
	fl.err = err
	close(fl.done)
}
