package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/NodePath81/netspector/internal/measure"
)

type blockingMeasurer struct {
	mu       sync.Mutex
	calls    int
	release  chan struct{}
	feed     *Feed
	err      error
	panicMsg string
}

func newBlockingMeasurer() *blockingMeasurer {
	return &blockingMeasurer{release: make(chan struct{})}
}

func (m *blockingMeasurer) Run(ctx context.Context, name string, attempts int, latencyOnly bool) (measure.Record, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.feed != nil {
		m.feed.StageChanged(measure.StageLatency)
		m.feed.Progress(fmt.Sprintf("Sending %d pings to 8.8.8.8...", attempts))
	}
	select {
	case <-m.release:
	case <-ctx.Done():
		return measure.Record{}, ctx.Err()
	}
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.err != nil {
		return measure.Record{}, m.err
	}
	return measure.Record{
		ConnectionName: name,
		Ping:           measure.LatencySummary{AverageMs: 12.5, LossPercent: 0},
	}, nil
}

func (m *blockingMeasurer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type memoryHistory struct {
	records []measure.Record
	err     error
}

func (h *memoryHistory) LoadAll() ([]measure.Record, error) {
	return h.records, h.err
}

type harness struct {
	ctrl     *Controller
	hub      *Hub
	feed     *Feed
	measurer *blockingMeasurer
	history  *memoryHistory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(ctx.Done())
	feed := NewFeed(hub)
	m := newBlockingMeasurer()
	m.feed = feed
	history := &memoryHistory{}
	ctrl := NewController(ctx, m, history, feed, ControllerOptions{DefaultAttempts: 10, HistoryLimit: 10})
	ids := 0
	ctrl.newID = func() string {
		ids++
		return fmt.Sprintf("run-%d", ids)
	}
	return &harness{ctrl: ctrl, hub: hub, feed: feed, measurer: m, history: history}
}

func (h *harness) subscribe(t *testing.T) *feedClient {
	t.Helper()
	client := newFeedClient()
	h.hub.Register(client)
	t.Cleanup(func() { h.hub.Unregister(client) })
	return client
}

// collect reads feed messages until stop returns true.
func collect(t *testing.T, client *feedClient, stop func(FeedMessage) bool) []FeedMessage {
	t.Helper()
	var out []FeedMessage
	timeout := time.After(3 * time.Second)
	for {
		select {
		case data := <-client.send:
			var msg FeedMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("decode feed message: %v", err)
			}
			out = append(out, msg)
			if stop(msg) {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for feed messages, got %+v", out)
		}
	}
}

func idleState(msg FeedMessage) bool {
	return msg.Type == MessageState && msg.State != nil && msg.State.State == StateIdle
}

func TestControllerSingleRun(t *testing.T) {
	h := newHarness(t)
	runID, err := h.ctrl.Start(StartRequest{ConnectionName: "Home", Attempts: 5})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if runID != "run-1" {
		t.Fatalf("run id = %q", runID)
	}
	if st := h.ctrl.Status(); st.State != StateRunning || st.RunID != runID {
		t.Fatalf("unexpected status %+v", st)
	}
	if _, err := h.ctrl.Start(StartRequest{ConnectionName: "Other", Attempts: 5}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	close(h.measurer.release)
	h.ctrl.Wait()
	if st := h.ctrl.Status(); st.State != StateIdle || st.RunID != "" {
		t.Fatalf("controller not idle after run: %+v", st)
	}
	if _, err := h.ctrl.Start(StartRequest{ConnectionName: "Again", Attempts: 1}); err != nil {
		t.Fatalf("start after idle: %v", err)
	}
	h.ctrl.Wait()
	if got := h.measurer.Calls(); got != 2 {
		t.Fatalf("measurer calls = %d, want 2", got)
	}
}

func TestControllerRejectsInvalidAttempts(t *testing.T) {
	h := newHarness(t)
	for _, n := range []int{0, -3} {
		if _, err := h.ctrl.Start(StartRequest{Attempts: n}); !errors.Is(err, measure.ErrInvalidAttempts) {
			t.Fatalf("attempts %d: expected ErrInvalidAttempts, got %v", n, err)
		}
	}
	if st := h.ctrl.Status(); st.State != StateIdle {
		t.Fatalf("invalid start changed state: %+v", st)
	}
	if h.measurer.Calls() != 0 {
		t.Fatalf("measurer should not run")
	}
}

func TestControllerFeedOrder(t *testing.T) {
	h := newHarness(t)
	client := h.subscribe(t)
	runID, err := h.ctrl.Start(StartRequest{ConnectionName: "Office", Attempts: 3})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	close(h.measurer.release)
	msgs := collect(t, client, idleState)

	var types []string
	for _, msg := range msgs {
		types = append(types, msg.Type)
		if msg.RunID != runID {
			t.Fatalf("message %+v carries wrong run id", msg)
		}
	}
	want := []string{MessageState, MessageState, MessageProgress, MessageResult, MessageState}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("feed order = %v, want %v", types, want)
	}
	if msgs[1].State.Stage != measure.StageLatency.String() {
		t.Fatalf("stage message = %+v", msgs[1].State)
	}
	if msgs[2].Line != "Sending 3 pings to 8.8.8.8..." {
		t.Fatalf("progress line = %q", msgs[2].Line)
	}
	if msgs[3].Record == nil || msgs[3].Record.ConnectionName != "Office" {
		t.Fatalf("result message = %+v", msgs[3])
	}
}

func TestControllerFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.measurer.err = errors.New("persist result: disk full")
	client := h.subscribe(t)
	if _, err := h.ctrl.Start(StartRequest{Attempts: 2}); err != nil {
		t.Fatalf("start: %v", err)
	}
	close(h.measurer.release)
	msgs := collect(t, client, idleState)
	var sawError bool
	for _, msg := range msgs {
		if msg.Type == MessageResult {
			t.Fatalf("unexpected result after failure")
		}
		if msg.Type == MessageError && msg.Error == "persist result: disk full" {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("no error message in %+v", msgs)
	}
	h.ctrl.Wait()
	if st := h.ctrl.Status(); st.State != StateIdle || st.LastError == "" {
		t.Fatalf("unexpected status after failure %+v", st)
	}
}

func TestControllerRecoversPanic(t *testing.T) {
	h := newHarness(t)
	h.measurer.panicMsg = "boom"
	if _, err := h.ctrl.Start(StartRequest{Attempts: 1}); err != nil {
		t.Fatalf("start: %v", err)
	}
	close(h.measurer.release)
	h.ctrl.Wait()
	st := h.ctrl.Status()
	if st.State != StateIdle || st.LastError != "run panicked: boom" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestControllerHistory(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 12; i++ {
		h.history.records = append(h.history.records, measure.Record{ConnectionName: fmt.Sprintf("c%d", i)})
	}
	got, err := h.ctrl.History(0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 10 || got[0].ConnectionName != "c11" || got[9].ConnectionName != "c2" {
		t.Fatalf("unexpected history %+v", got)
	}
	got, _ = h.ctrl.History(3)
	if len(got) != 3 || got[2].ConnectionName != "c9" {
		t.Fatalf("unexpected limited history %+v", got)
	}
	h.history.records = nil
	got, err = h.ctrl.History(0)
	if err != nil || len(got) != 0 {
		t.Fatalf("empty history = %v, %v", got, err)
	}
}

// backToBackMeasurer finishes its first run immediately and holds every
// later one until ctx ends.
type backToBackMeasurer struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
}

func (m *backToBackMeasurer) Run(ctx context.Context, name string, attempts int, latencyOnly bool) (measure.Record, error) {
	m.mu.Lock()
	m.calls++
	first := m.calls == 1
	m.mu.Unlock()
	if first {
		return measure.Record{ConnectionName: name}, nil
	}
	close(m.entered)
	<-ctx.Done()
	return measure.Record{}, ctx.Err()
}

func TestControllerBackToBackRunKeepsFeedRunID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(ctx.Done())
	feed := NewFeed(hub)
	m := &backToBackMeasurer{entered: make(chan struct{})}
	ctrl := NewController(ctx, m, &memoryHistory{}, feed, ControllerOptions{DefaultAttempts: 10, HistoryLimit: 10})
	t.Cleanup(func() {
		cancel()
		ctrl.Wait()
	})

	if _, err := ctrl.Start(StartRequest{ConnectionName: "first", Attempts: 10}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	var second string
	deadline := time.Now().Add(3 * time.Second)
	for {
		id, err := ctrl.Start(StartRequest{ConnectionName: "second", Attempts: 10})
		if err == nil {
			second = id
			break
		}
		if !errors.Is(err, ErrRunInProgress) {
			t.Fatalf("second start: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("first run never finished")
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case <-m.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("second run never reached the measurer")
	}
	if runID, _ := feed.current(); runID != second {
		t.Fatalf("feed run id = %q, want %q", runID, second)
	}
	if snap := ctrl.Status(); snap.RunID != second || snap.State != StateRunning {
		t.Fatalf("status = %+v, want running %q", snap, second)
	}
}
