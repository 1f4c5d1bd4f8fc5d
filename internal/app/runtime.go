package app

import (
	"context"
	"time"

	"github.com/NodePath81/netspector/internal/config"
	"github.com/NodePath81/netspector/internal/control"
	"github.com/NodePath81/netspector/internal/util"
)

// Runtime is the presentation-layer process: the measurement stack behind
// the control server.
type Runtime struct {
	cfg        config.Config
	ctx        context.Context
	cancel     context.CancelFunc
	logger     util.Logger
	components *Components
	controller *control.Controller
	server     *control.Server
}

func NewRuntime(cfg config.Config, logger util.Logger, opts BuildOptions) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := control.NewHub(ctx.Done())
	feed := control.NewFeed(hub)

	opts.Progress = feed.Progress
	opts.Observers = append(opts.Observers, feed)
	components, err := Build(cfg, logger, opts)
	if err != nil {
		cancel()
		return nil, err
	}

	ctrl := control.NewController(ctx, components.Orchestrator, components.Store, feed, control.ControllerOptions{
		DefaultAttempts: cfg.Ping.Count,
		HistoryLimit:    cfg.Control.HistoryLimit,
		Logger:          logger,
	})
	server := control.NewServer(cfg.Control, ctrl, components.Metrics.Handler(), logger)

	return &Runtime{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		components: components,
		controller: ctrl,
		server:     server,
	}, nil
}

func (r *Runtime) Start() error {
	return r.server.Start(r.ctx)
}

// Addr is the address the control server listens on.
func (r *Runtime) Addr() string {
	return r.server.Addr()
}

func (r *Runtime) Controller() *control.Controller {
	return r.controller
}

// Stop cancels any in-flight run, waits for it and releases the result log.
func (r *Runtime) Stop() {
	r.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = r.server.Shutdown(ctx)
	cancel()
	r.controller.Wait()
	if err := r.components.Close(); err != nil {
		r.logger.Error("close result log failed", "error", err)
	}
}
