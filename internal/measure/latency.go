package measure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NodePath81/netspector/internal/util"
)

const (
	DefaultProbeTimeout = 1 * time.Second
	DefaultProbePause   = 500 * time.Millisecond
)

// Pinger sends one echo probe and reports its round-trip time. It returns
// ErrNoResponse when the timeout elapses without a reply.
type Pinger interface {
	Ping(ctx context.Context, target string, timeout time.Duration) (time.Duration, error)
}

// ProgressFunc receives human-readable progress lines. Implementations must
// not block.
type ProgressFunc func(line string)

type LatencyOptions struct {
	Timeout  time.Duration
	Pause    time.Duration
	Progress ProgressFunc
	// OnOutcome observes every classified attempt.
	OnOutcome func(ProbeOutcome)
	Logger    util.Logger
}

// LatencyRun is the raw material of a summary: what was collected and how
// many attempts were made.
type LatencyRun struct {
	Target   string
	Attempts int
	Samples  []float64
	Lost     int
	Summary  LatencySummary
}

// LatencySampler drives a fixed-count probe loop over a Pinger.
type LatencySampler struct {
	pinger    Pinger
	timeout   time.Duration
	pause     time.Duration
	progress  ProgressFunc
	onOutcome func(ProbeOutcome)
	logger    util.Logger
	sleep     func(ctx context.Context, d time.Duration)
}

func NewLatencySampler(pinger Pinger, opts LatencyOptions) *LatencySampler {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	pause := opts.Pause
	if pause < 0 {
		pause = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &LatencySampler{
		pinger:    pinger,
		timeout:   timeout,
		pause:     pause,
		progress:  opts.Progress,
		onOutcome: opts.OnOutcome,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// Sample probes target attempts times and reduces the result.
func (s *LatencySampler) Sample(ctx context.Context, target string, attempts int) LatencySummary {
	return s.Run(ctx, target, attempts).Summary
}

// Run is Sample with the collected samples and loss count exposed.
// Every attempt is classified as responded or lost, so
// len(Samples)+Lost == Attempts.
func (s *LatencySampler) Run(ctx context.Context, target string, attempts int) LatencyRun {
	run := LatencyRun{
		Target:   target,
		Attempts: attempts,
		Samples:  make([]float64, 0, max(attempts, 0)),
	}
	emit(s.progress, fmt.Sprintf("Sending %d pings to %s...", attempts, target))
	for i := 1; i <= attempts; i++ {
		outcome := s.attempt(ctx, target, i)
		if outcome.Responded {
			run.Samples = append(run.Samples, outcome.RTTMs())
			emit(s.progress, fmt.Sprintf("  Ping %d: %.2f ms", i, outcome.RTTMs()))
		} else {
			run.Lost++
			emit(s.progress, lostLine(i, outcome.Err))
			s.logger.Debug("probe lost", "target", target, "attempt", i, "error", outcome.Err)
		}
		if s.onOutcome != nil {
			s.onOutcome(outcome)
		}
		if i < attempts {
			s.sleep(ctx, s.pause)
		}
	}
	run.Summary = Reduce(run.Samples, run.Lost, attempts)
	emit(s.progress, "[+] Ping test completed.")
	s.logger.Info("latency sample completed",
		"target", target,
		"attempts", attempts,
		"lost", run.Lost,
		"avg_ms", run.Summary.AverageMs,
		"jitter_ms", run.Summary.JitterMs,
	)
	return run
}

// attempt performs a single probe. Transport errors and panics become a
// lost outcome.
func (s *LatencySampler) attempt(ctx context.Context, target string, index int) (outcome ProbeOutcome) {
	outcome.Attempt = index
	defer func() {
		if r := recover(); r != nil {
			outcome = ProbeOutcome{Attempt: index, Err: fmt.Errorf("probe panic: %v", r)}
		}
	}()
	rtt, err := s.pinger.Ping(ctx, target, s.timeout)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	if rtt < 0 {
		outcome.Err = fmt.Errorf("negative rtt %v", rtt)
		return outcome
	}
	outcome.Responded = true
	outcome.RTT = rtt
	return outcome
}

func lostLine(index int, err error) string {
	if err == nil || errors.Is(err, ErrNoResponse) {
		return fmt.Sprintf("  Ping %d: timeout", index)
	}
	return fmt.Sprintf("  Ping %d: error - %v", index, err)
}

// emit forwards a line to the sink, swallowing any panic from it.
func emit(progress ProgressFunc, line string) {
	if progress == nil {
		return
	}
	defer func() { _ = recover() }()
	progress(line)
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
