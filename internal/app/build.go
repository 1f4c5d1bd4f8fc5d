package app

import (
	"fmt"

	"github.com/NodePath81/netspector/internal/config"
	"github.com/NodePath81/netspector/internal/measure"
	"github.com/NodePath81/netspector/internal/metrics"
	"github.com/NodePath81/netspector/internal/ndt7"
	"github.com/NodePath81/netspector/internal/probe"
	"github.com/NodePath81/netspector/internal/resolver"
	"github.com/NodePath81/netspector/internal/storage"
	"github.com/NodePath81/netspector/internal/util"
)

// BuildOptions customises the wiring. Zero values select the production
// transports.
type BuildOptions struct {
	Progress  measure.ProgressFunc
	Observers []measure.Observer
	Pinger    measure.Pinger
	Prober    measure.BandwidthProber
}

// Components is a fully wired measurement stack.
type Components struct {
	Store        storage.Log
	Metrics      *metrics.Metrics
	Orchestrator *measure.Orchestrator
	Latency      *measure.LatencySampler
	Bandwidth    *measure.BandwidthSampler
}

func Build(cfg config.Config, logger util.Logger, opts BuildOptions) (*Components, error) {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	store, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open result log: %w", err)
	}
	m := metrics.NewMetrics()

	pinger := opts.Pinger
	if pinger == nil {
		pinger = probe.NewICMPPinger(cfg.Ping, resolver.NewResolver(cfg.DNS), logger)
	}
	prober := opts.Prober
	if prober == nil {
		prober = ndt7.NewClient(cfg.Bandwidth, logger)
	}

	latency := measure.NewLatencySampler(pinger, measure.LatencyOptions{
		Timeout:   cfg.Ping.Timeout.Duration(),
		Pause:     cfg.Ping.Interval.Duration(),
		Progress:  opts.Progress,
		OnOutcome: m.ProbeOutcome,
		Logger:    logger,
	})
	bandwidth := measure.NewBandwidthSampler(prober, opts.Progress, logger)

	observers := append([]measure.Observer{m}, opts.Observers...)
	orch := measure.NewOrchestrator(latency, bandwidth, store, measure.Options{
		Target:    cfg.Ping.Target,
		Observers: observers,
		Logger:    logger,
	})
	return &Components{
		Store:        store,
		Metrics:      m,
		Orchestrator: orch,
		Latency:      latency,
		Bandwidth:    bandwidth,
	}, nil
}

func (c *Components) Close() error {
	if c == nil || c.Store == nil {
		return nil
	}
	return c.Store.Close()
}
