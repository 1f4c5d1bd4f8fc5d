package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NodePath81/netspector/internal/config"
	"github.com/NodePath81/netspector/internal/measure"
	"github.com/NodePath81/netspector/internal/storage"
	"github.com/NodePath81/netspector/internal/util"
	"github.com/google/uuid"
)

// ErrRunInProgress rejects a start request while another run is in flight.
var ErrRunInProgress = errors.New("run already in progress")

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Measurer performs one measurement run.
type Measurer interface {
	Run(ctx context.Context, connectionName string, attempts int, latencyOnly bool) (measure.Record, error)
}

// HistorySource returns every stored record, oldest first.
type HistorySource interface {
	LoadAll() ([]measure.Record, error)
}

type StatusSnapshot struct {
	State     State  `json:"state"`
	Stage     string `json:"stage"`
	RunID     string `json:"run_id,omitempty"`
	StartedAt int64  `json:"started_at,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

type StartRequest struct {
	ConnectionName string
	Attempts       int
	LatencyOnly    bool
}

type ControllerOptions struct {
	DefaultAttempts int
	HistoryLimit    int
	Logger          util.Logger
}

// Controller owns the single-run invariant of the presentation layer. The
// run itself executes on a worker goroutine; results reach clients through
// the hub.
type Controller struct {
	mu        sync.Mutex
	state     State
	runID     string
	startedAt time.Time
	lastErr   string

	ctx      context.Context
	measurer Measurer
	history  HistorySource
	feed     *Feed
	hub      *Hub
	opts     ControllerOptions
	logger   util.Logger
	wg       sync.WaitGroup
	newID    func() string
}

func NewController(ctx context.Context, measurer Measurer, history HistorySource, feed *Feed, opts ControllerOptions) *Controller {
	if opts.DefaultAttempts <= 0 {
		opts.DefaultAttempts = 10
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &Controller{
		state:    StateIdle,
		ctx:      ctx,
		measurer: measurer,
		history:  history,
		feed:     feed,
		hub:      feed.hub,
		opts:     opts,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// Start launches a run and returns its id. It fails with ErrRunInProgress
// while a run is active and with measure.ErrInvalidAttempts for a
// non-positive count.
func (c *Controller) Start(req StartRequest) (string, error) {
	if req.Attempts <= 0 {
		return "", fmt.Errorf("%w: got %d", measure.ErrInvalidAttempts, req.Attempts)
	}
	if req.Attempts < config.RecommendedMinCount || req.Attempts > config.RecommendedMaxCount {
		c.logger.Warn("ping count outside recommended range",
			"attempts", req.Attempts, "min", config.RecommendedMinCount, "max", config.RecommendedMaxCount)
	}
	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return "", ErrRunInProgress
	}
	runID := c.newID()
	c.state = StateRunning
	c.runID = runID
	c.startedAt = time.Now()
	c.lastErr = ""
	c.wg.Add(1)
	c.feed.begin(runID)
	c.mu.Unlock()

	c.hub.Broadcast(FeedMessage{Type: MessageState, RunID: runID, State: c.statusPtr()})
	c.logger.Info("run started", "run_id", runID, "connection", req.ConnectionName,
		"attempts", req.Attempts, "latency_only", req.LatencyOnly)
	go c.work(runID, req)
	return runID, nil
}

func (c *Controller) work(runID string, req StartRequest) {
	defer c.wg.Done()
	rec, err := c.run(req)

	if err != nil {
		c.logger.Error("run failed", "run_id", runID, "error", err)
		c.hub.Broadcast(FeedMessage{Type: MessageError, RunID: runID, Error: err.Error()})
	} else {
		c.logger.Info("run finished", "run_id", runID, "connection", rec.ConnectionName)
		c.hub.Broadcast(FeedMessage{Type: MessageResult, RunID: runID, Record: &rec})
	}

	c.mu.Lock()
	c.state = StateIdle
	c.runID = ""
	c.startedAt = time.Time{}
	if err != nil {
		c.lastErr = err.Error()
	}
	// The feed is released under mu so a Start that follows cannot have its
	// run id cleared by this worker.
	c.feed.end()
	c.mu.Unlock()
	c.hub.Broadcast(FeedMessage{Type: MessageState, RunID: runID, State: c.statusPtr()})
}

func (c *Controller) run(req StartRequest) (rec measure.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()
	return c.measurer.Run(c.ctx, req.ConnectionName, req.Attempts, req.LatencyOnly)
}

func (c *Controller) Status() StatusSnapshot {
	_, stage := c.feed.current()
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := StatusSnapshot{
		State:     c.state,
		Stage:     stage.String(),
		RunID:     c.runID,
		LastError: c.lastErr,
	}
	if !c.startedAt.IsZero() {
		snap.StartedAt = c.startedAt.UnixMilli()
	}
	return snap
}

func (c *Controller) statusPtr() *StatusSnapshot {
	snap := c.Status()
	return &snap
}

// History returns the most recent limit records, newest first. A
// non-positive limit uses the configured default.
func (c *Controller) History(limit int) ([]measure.Record, error) {
	if limit <= 0 {
		limit = c.opts.HistoryLimit
	}
	records, err := c.history.LoadAll()
	if err != nil {
		return nil, err
	}
	return storage.Recent(records, limit), nil
}

func (c *Controller) DefaultAttempts() int {
	return c.opts.DefaultAttempts
}

// Wait blocks until the in-flight run, if any, has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}
