package measure

import (
	"context"
	"fmt"
	"time"

	"github.com/NodePath81/netspector/internal/util"
)

// Stage is the position of a run in its lifecycle.
type Stage int

const (
	StageIdle Stage = iota
	StageLatency
	StageBandwidth
	StagePersisting
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageLatency:
		return "latency_in_progress"
	case StageBandwidth:
		return "bandwidth_in_progress"
	case StagePersisting:
		return "persisting"
	case StageComplete:
		return "complete"
	default:
		return "unknown"
	}
}

type LatencyRunner interface {
	Sample(ctx context.Context, target string, attempts int) LatencySummary
}

type BandwidthRunner interface {
	Sample(ctx context.Context) BandwidthSummary
}

// ResultLog persists a record atomically or returns an error.
type ResultLog interface {
	Save(rec Record) error
}

// Observer is told about stage transitions and finished runs.
type Observer interface {
	StageChanged(stage Stage)
	RunFinished(rec Record, latencyOnly bool, elapsed time.Duration, err error)
}

type Options struct {
	Target    string
	Now       func() time.Time
	Observers []Observer
	Logger    util.Logger
}

// Orchestrator sequences one measurement run: latency, optional bandwidth,
// then persistence. It holds no per-run state; callers serialize runs.
type Orchestrator struct {
	latency   LatencyRunner
	bandwidth BandwidthRunner
	log       ResultLog
	target    string
	now       func() time.Time
	observers []Observer
	logger    util.Logger
}

func NewOrchestrator(latency LatencyRunner, bandwidth BandwidthRunner, log ResultLog, opts Options) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &Orchestrator{
		latency:   latency,
		bandwidth: bandwidth,
		log:       log,
		target:    opts.Target,
		now:       now,
		observers: opts.Observers,
		logger:    logger,
	}
}

// Target is the host probed for latency.
func (o *Orchestrator) Target() string {
	return o.target
}

// Run performs one measurement and persists it. Probe losses and bandwidth
// failures are absorbed into the record; a failed save is returned and
// nothing is reported as persisted. A run whose ctx ends before the save
// returns the context error and writes nothing.
func (o *Orchestrator) Run(ctx context.Context, connectionName string, attempts int, latencyOnly bool) (Record, error) {
	if attempts <= 0 {
		return Record{}, fmt.Errorf("%w: got %d", ErrInvalidAttempts, attempts)
	}
	started := time.Now()
	name := util.StringOr(connectionName, DefaultConnectionName)

	o.stage(StageLatency)
	ping := o.latency.Sample(ctx, o.target, attempts)

	var speed BandwidthSummary
	if !latencyOnly {
		o.stage(StageBandwidth)
		speed = o.bandwidth.Sample(ctx)
	}

	rec := Record{
		Timestamp:      NewTimestamp(o.now()),
		ConnectionName: name,
		Ping:           ping,
		Speed:          speed,
	}

	// An interrupted run has fabricated losses and is never saved.
	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("run cancelled: %w", err)
		o.logger.Warn("measurement run cancelled", "connection", name, "error", err)
		o.finish(Record{}, latencyOnly, time.Since(started), err)
		o.stage(StageIdle)
		return Record{}, err
	}

	o.stage(StagePersisting)
	if err := o.log.Save(rec); err != nil {
		err = fmt.Errorf("persist result: %w", err)
		o.logger.Error("measurement run failed", "connection", name, "error", err)
		o.finish(Record{}, latencyOnly, time.Since(started), err)
		o.stage(StageIdle)
		return Record{}, err
	}
	o.stage(StageComplete)
	o.logger.Info("measurement run completed",
		"connection", name,
		"attempts", attempts,
		"latency_only", latencyOnly,
		"elapsed", time.Since(started),
	)
	o.finish(rec, latencyOnly, time.Since(started), nil)
	return rec, nil
}

func (o *Orchestrator) stage(s Stage) {
	for _, obs := range o.observers {
		obs.StageChanged(s)
	}
}

func (o *Orchestrator) finish(rec Record, latencyOnly bool, elapsed time.Duration, err error) {
	for _, obs := range o.observers {
		obs.RunFinished(rec, latencyOnly, elapsed, err)
	}
}
