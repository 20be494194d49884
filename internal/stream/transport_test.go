package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/types"
)

// trackingBody records whether Close was called.
type trackingBody struct {
	io.Reader
	closed atomic.Int32
}

func (b *trackingBody) Close() error {
	b.closed.Add(1)
	return nil
}

func body(s string) *trackingBody {
	return &trackingBody{Reader: strings.NewReader(s)}
}

func drain(t *testing.T, s Stream) []Event {
	t.Helper()
	var events []Event
	for i := 0; i < 1000; i++ {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("unexpected Recv error: %v", err)
		}
		events = append(events, ev)
	}
	t.Fatal("stream did not terminate")
	return nil
}

func assertWellFormed(t *testing.T, events []Event) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("expected at least a terminal event")
	}
	usage := 0
	for i, ev := range events {
		if ev.Kind == KindUsage {
			usage++
		}
		if ev.Terminal() && i != len(events)-1 {
			t.Fatalf("terminal event %s at position %d of %d", ev.Kind, i, len(events))
		}
	}
	if usage > 1 {
		t.Fatalf("expected at most one Usage event, got %d", usage)
	}
	if !events[len(events)-1].Terminal() {
		t.Fatalf("last event %s is not terminal", events[len(events)-1].Kind)
	}
}

func kinds(events []Event) string {
	parts := make([]string, len(events))
	for i, ev := range events {
		parts[i] = ev.Kind.String()
	}
	return strings.Join(parts, ",")
}

func TestTransport_DeltasThenFinish(t *testing.T) {
	b := body("data: {\"delta\":\"Hello\"}\n\ndata: {\"delta\":\", world\"}\n\ndata: {\"finish_reason\":\"stop\"}\n\n")
	tr := New(context.Background(), b, Generic())

	events := drain(t, tr)
	if got := kinds(events); got != "DeltaText,DeltaText,Stop" {
		t.Fatalf("kinds = %s", got)
	}
	if events[0].Text != "Hello" || events[1].Text != ", world" {
		t.Errorf("unexpected texts %q %q", events[0].Text, events[1].Text)
	}
	if events[2].Reason != types.StopReasonStop {
		t.Errorf("reason = %s", events[2].Reason)
	}
	if b.closed.Load() == 0 {
		t.Error("expected upstream body to be released after terminal event")
	}
}

func TestTransport_IgnoresCommentsBlankAndOtherFields(t *testing.T) {
	input := strings.Join([]string{
		": keep-alive",
		"",
		"event: message",
		"id: 7",
		"retry: 1000",
		"data:{\"delta\":\"no space\"}",
		"data: {\"delta\":\"one space\"}",
		"data:",
		"data: [DONE]",
		"data: {\"delta\":\"after done\"}",
	}, "\r\n")
	events := drain(t, New(context.Background(), body(input), Generic()))

	if got := kinds(events); got != "DeltaText,DeltaText,Stop" {
		t.Fatalf("kinds = %s", got)
	}
	if events[0].Text != "no space" || events[1].Text != "one space" {
		t.Errorf("unexpected texts %q %q", events[0].Text, events[1].Text)
	}
}

func TestTransport_SynthesizesStopAtEOF(t *testing.T) {
	events := drain(t, New(context.Background(), body("data: {\"delta\":\"partial\"}\n"), Generic()))
	if got := kinds(events); got != "DeltaText,Stop" {
		t.Fatalf("kinds = %s", got)
	}
}

func TestTransport_EmptyBodyYieldsSingleStop(t *testing.T) {
	events := drain(t, New(context.Background(), body(""), Generic()))
	if got := kinds(events); got != "Stop" {
		t.Fatalf("kinds = %s", got)
	}
}

func TestTransport_UsageMergedBeforeTerminal(t *testing.T) {
	input := "data: {\"usage\":{\"prompt_tokens\":10}}\n" +
		"data: {\"delta\":\"a\"}\n" +
		"data: {\"usage\":{\"completion_tokens\":4}}\n" +
		"data: {\"finish_reason\":\"length\"}\n"
	events := drain(t, New(context.Background(), body(input), Generic()))

	if got := kinds(events); got != "DeltaText,Usage,Stop" {
		t.Fatalf("kinds = %s", got)
	}
	want := types.Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}
	if events[1].Usage != want {
		t.Errorf("usage = %+v, want %+v", events[1].Usage, want)
	}
	if events[2].Reason != types.StopReasonLength {
		t.Errorf("reason = %s", events[2].Reason)
	}
}

func TestTransport_FinalCarriesData(t *testing.T) {
	input := "data: {\"delta\":\"x\"}\ndata: {\"finish_reason\":\"stop\",\"data\":{\"citations\":[1,2]}}\n"
	events := drain(t, New(context.Background(), body(input), Generic()))

	last := events[len(events)-1]
	if last.Kind != KindFinal {
		t.Fatalf("expected Final, got %s", last.Kind)
	}
	if string(last.Data) != `{"citations":[1,2]}` {
		t.Errorf("data = %s", last.Data)
	}
}

func TestTransport_MalformedPayloadIsSingleError(t *testing.T) {
	input := "data: {\"delta\":\"ok\"}\ndata: {not json\ndata: {\"delta\":\"never\"}\n"
	events := drain(t, New(context.Background(), body(input), Generic(), WithProvider("openai")))

	if got := kinds(events); got != "DeltaText,Error" {
		t.Fatalf("kinds = %s", got)
	}
	last := events[1]
	if last.Err.Kind != proxyerr.KindIo {
		t.Errorf("error kind = %s, want io", last.Err.Kind)
	}
	if last.Err.Provider != "openai" {
		t.Errorf("provider = %q", last.Err.Provider)
	}
}

func TestTransport_LineOverflowIsError(t *testing.T) {
	input := "data: {\"delta\":\"" + strings.Repeat("x", 4096) + "\"}\n"
	events := drain(t, New(context.Background(), body(input), Generic(), WithMaxLineSize(1024)))

	if got := kinds(events); got != "Error" {
		t.Fatalf("kinds = %s", got)
	}
	if events[0].Err.Kind != proxyerr.KindIo {
		t.Errorf("error kind = %s", events[0].Err.Kind)
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func (r *failingReader) Close() error { return nil }

func TestTransport_ReadErrorIsSingleError(t *testing.T) {
	r := &failingReader{data: []byte("data: {\"delta\":\"a\"}\n"), err: errors.New("connection reset by peer")}
	events := drain(t, New(context.Background(), r, Generic(), WithProvider("anthropic")))

	if got := kinds(events); got != "DeltaText,Error" {
		t.Fatalf("kinds = %s", got)
	}
	if events[1].Err.Kind != proxyerr.KindProviderUnavailable {
		t.Errorf("error kind = %s", events[1].Err.Kind)
	}
}

func TestTransport_ProviderErrorPayload(t *testing.T) {
	input := "data: {\"error\":{\"message\":\"overloaded\"}}\n"
	events := drain(t, New(context.Background(), body(input), Generic(), WithProvider("anthropic")))

	if got := kinds(events); got != "Error" {
		t.Fatalf("kinds = %s", got)
	}
	if events[0].Err.Message != "overloaded" || events[0].Err.Provider != "anthropic" {
		t.Errorf("unexpected error %+v", events[0].Err)
	}
}

func TestTransport_EOFAfterTerminal(t *testing.T) {
	tr := New(context.Background(), body("data: {\"finish_reason\":\"stop\"}\n"), Generic())
	drain(t, tr)
	for i := 0; i < 3; i++ {
		if _, err := tr.Recv(); !errors.Is(err, io.EOF) {
			t.Fatalf("Recv after terminal = %v, want io.EOF", err)
		}
	}
}

type pendingDecoder struct {
	reason types.StopReason
}

func (d *pendingDecoder) Decode(payload []byte) ([]Event, error) {
	if string(payload) == "finish" {
		d.reason = types.StopReasonToolUse
		return nil, nil
	}
	return []Event{Delta(string(payload))}, nil
}

func (d *pendingDecoder) PendingStop() (types.StopReason, bool) {
	return d.reason, d.reason != ""
}

func TestTransport_PendingStopReason(t *testing.T) {
	events := drain(t, New(context.Background(), body("data: hi\ndata: finish\ndata: [DONE]\n"), &pendingDecoder{}))
	last := events[len(events)-1]
	if last.Kind != KindStop || last.Reason != types.StopReasonToolUse {
		t.Fatalf("last = %+v, want Stop(tool_use)", last)
	}
}

func TestTransport_CompletionHookFiresOnce(t *testing.T) {
	var calls atomic.Int32
	var got Summary
	tr := New(context.Background(),
		body("data: {\"delta\":\"a\"}\ndata: {\"delta\":\"b\"}\ndata: {\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":2}}\n"),
		Generic(),
		OnComplete(func(s Summary) {
			calls.Add(1)
			got = s
		}),
	)
	drain(t, tr)
	tr.Close()
	tr.Close()

	if calls.Load() != 1 {
		t.Fatalf("completion hook called %d times, want 1", calls.Load())
	}
	if got.Abandoned {
		t.Error("expected a completed stream, got abandoned")
	}
	if got.Text != "ab" || got.Reason != types.StopReasonStop {
		t.Errorf("summary = %+v", got)
	}
	if got.Usage.TotalTokens != 3 {
		t.Errorf("usage = %+v", got.Usage)
	}
	if got.Events != 4 {
		t.Errorf("events = %d, want 4", got.Events)
	}
}

func TestTransport_EarlyCloseIsAbandoned(t *testing.T) {
	pr, pw := io.Pipe()
	var calls atomic.Int32
	var got Summary
	tr := New(context.Background(), pr, Generic(), OnComplete(func(s Summary) {
		calls.Add(1)
		got = s
	}))

	go func() {
		fmt.Fprint(pw, "data: {\"delta\":\"first\"}\n")
		// Upstream stalls here; the consumer gives up.
	}()

	ev, err := tr.Recv()
	if err != nil || ev.Text != "first" {
		t.Fatalf("first Recv = %+v, %v", ev, err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := tr.Recv(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Recv after Close = %v, want ErrClosed", err)
	}
	if calls.Load() != 1 || !got.Abandoned {
		t.Fatalf("expected one abandoned summary, got %d calls %+v", calls.Load(), got)
	}
	if got.Text != "first" {
		t.Errorf("text = %q", got.Text)
	}
}

func TestTransport_CloseUnblocksRecv(t *testing.T) {
	pr, _ := io.Pipe()
	tr := New(context.Background(), pr, Generic())

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Recv()
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	tr.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Recv = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
}

func TestTransport_DeadlineIsProviderUnavailable(t *testing.T) {
	pr, _ := io.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	var sum Summary
	tr := New(ctx, pr, Generic(), WithProvider("openai"), OnComplete(func(s Summary) {
		mu.Lock()
		sum = s
		mu.Unlock()
	}))
	events := drain(t, tr)

	if got := kinds(events); got != "Error" {
		t.Fatalf("kinds = %s", got)
	}
	if events[0].Err.Kind != proxyerr.KindProviderUnavailable {
		t.Errorf("kind = %s, want provider_unavailable", events[0].Err.Kind)
	}
	mu.Lock()
	defer mu.Unlock()
	if sum.Err == nil || sum.Abandoned {
		t.Errorf("summary = %+v", sum)
	}
}

func TestTransport_CancelIsOther(t *testing.T) {
	pr, _ := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	tr := New(ctx, pr, Generic())
	time.AfterFunc(10*time.Millisecond, cancel)

	events := drain(t, tr)
	if events[0].Kind != KindError || events[0].Err.Kind != proxyerr.KindOther {
		t.Fatalf("events = %+v", events)
	}
}

func TestTransport_RandomInputsAreWellFormed(t *testing.T) {
	lines := []string{
		`data: {"delta":"x"}`,
		`data: {"delta":""}`,
		`data: {"usage":{"prompt_tokens":3}}`,
		`data: {"usage":{"completion_tokens":5}}`,
		`data: {"finish_reason":"stop"}`,
		`data: {"finish_reason":"length","data":{"k":1}}`,
		`data: {"error":{"message":"boom"}}`,
		`data: {broken`,
		`data: [DONE]`,
		`: comment`,
		``,
		`event: ping`,
		`data: {"unrelated":true}`,
	}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		n := rng.Intn(12)
		var sb strings.Builder
		for j := 0; j < n; j++ {
			sb.WriteString(lines[rng.Intn(len(lines))])
			sb.WriteString("\n")
		}
		events := drain(t, New(context.Background(), body(sb.String()), Generic()))
		assertWellFormed(t, events)
	}
}

func TestEvent_JSONShape(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Delta("hi"), `{"type":"DeltaText","text":"hi"}`},
		{UsageReport(types.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}), `{"type":"Usage","prompt_tokens":1,"completion_tokens":2,"total_tokens":3}`},
		{Stop(types.StopReasonStop), `{"type":"Stop","reason":"stop"}`},
		{Final(types.StopReasonLength, json.RawMessage(`{"a":1}`)), `{"type":"Final","reason":"length","data":{"a":1}}`},
		{Failure(proxyerr.RateLimited("openai", 0, "slow")), `{"type":"Error","error":{"type":"rate_limited","message":"slow"}}`},
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.ev)
		if err != nil {
			t.Fatalf("marshal %s: %v", tt.ev.Kind, err)
		}
		if string(data) != tt.want {
			t.Errorf("marshal %s = %s, want %s", tt.ev.Kind, data, tt.want)
		}
	}
}
