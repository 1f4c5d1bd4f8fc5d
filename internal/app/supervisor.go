package app

import (
	"sync"

	"github.com/NodePath81/netspector/internal/config"
	"github.com/NodePath81/netspector/internal/util"
)

// Supervisor owns the GUI runtime and rebuilds it from the config file on
// Restart.
type Supervisor struct {
	configPath string
	logger     util.Logger
	opts       BuildOptions
	mu         sync.Mutex
	runtime    *Runtime
}

func NewSupervisor(configPath string, logger util.Logger, opts BuildOptions) *Supervisor {
	return &Supervisor{
		configPath: configPath,
		logger:     logger,
		opts:       opts,
	}
}

func (s *Supervisor) Start() error {
	cfg, err := config.LoadOrDefault(s.configPath)
	if err != nil {
		return err
	}
	runtime, err := NewRuntime(cfg, s.logger, s.opts)
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		runtime.Stop()
		return err
	}
	s.mu.Lock()
	s.runtime = runtime
	s.mu.Unlock()
	s.logger.Info("gui started", "addr", runtime.Addr(), "config", s.configPath)
	return nil
}

// Addr is the listening address of the current runtime, if any.
func (s *Supervisor) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runtime == nil {
		return ""
	}
	return s.runtime.Addr()
}

func (s *Supervisor) Restart() error {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()

	if current != nil {
		current.Stop()
	}
	return s.Start()
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}
