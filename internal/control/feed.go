package control

import (
	"sync"
	"time"

	"github.com/NodePath81/netspector/internal/measure"
)

// Feed tags progress lines and stage changes with the active run and
// publishes them on the hub. It is handed to the samplers as their
// progress sink and to the orchestrator as an observer.
type Feed struct {
	hub   *Hub
	mu    sync.Mutex
	runID string
	stage measure.Stage
}

func NewFeed(hub *Hub) *Feed {
	return &Feed{hub: hub}
}

func (f *Feed) begin(runID string) {
	f.mu.Lock()
	f.runID = runID
	f.stage = measure.StageIdle
	f.mu.Unlock()
}

func (f *Feed) end() {
	f.mu.Lock()
	f.runID = ""
	f.stage = measure.StageIdle
	f.mu.Unlock()
}

func (f *Feed) current() (string, measure.Stage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runID, f.stage
}

// Progress publishes one human-readable line for the active run.
func (f *Feed) Progress(line string) {
	runID, _ := f.current()
	f.hub.Broadcast(FeedMessage{Type: MessageProgress, RunID: runID, Line: line})
}

func (f *Feed) StageChanged(stage measure.Stage) {
	f.mu.Lock()
	f.stage = stage
	runID := f.runID
	f.mu.Unlock()
	if runID == "" {
		return
	}
	f.hub.Broadcast(FeedMessage{
		Type:  MessageState,
		RunID: runID,
		State: &StatusSnapshot{State: StateRunning, Stage: stage.String(), RunID: runID},
	})
}

func (f *Feed) RunFinished(measure.Record, bool, time.Duration, error) {}
