// Package services runs the long-lived components of the engine.
package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Module is a component with a lifecycle.
type Module interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager coordinates lifecycle of all registered modules.
type Manager struct {
	modules []Module
	log     zerolog.Logger
	mu      sync.Mutex
	started bool
}

// NewManager creates a new manager with the provided modules. Modules start in order
// and stop in reverse.
func NewManager(log zerolog.Logger, mods ...Module) *Manager {
	return &Manager{
		modules: mods,
		log:     log.With().Str("component", "services").Logger(),
	}
}

// Add registers additional modules before Start is invoked.
func (m *Manager) Add(mod Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("services.Manager: cannot add modules after start")
	}
	m.modules = append(m.modules, mod)
	return nil
}

// Start initializes all modules. If any module fails, previously started modules are stopped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("services.Manager already started")
	}

	started := make([]Module, 0, len(m.modules))
	for _, mod := range m.modules {
		if mod == nil {
			continue
		}
		if err := mod.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(ctx); stopErr != nil {
					m.log.Error().Err(stopErr).Str("module", started[i].Name()).Msg("rollback stop failed")
				}
			}
			return fmt.Errorf("module %s failed: %w", mod.Name(), err)
		}
		m.log.Info().Str("module", mod.Name()).Msg("module started")
		started = append(started, mod)
	}

	m.started = true
	return nil
}

// Stop shuts down all modules in reverse order. Every module is asked to stop even if
// an earlier one fails; the failures are returned together.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	for i := len(m.modules) - 1; i >= 0; i-- {
		mod := m.modules[i]
		if mod == nil {
			continue
		}
		if err := mod.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", mod.Name(), err))
			continue
		}
		m.log.Info().Str("module", mod.Name()).Msg("module stopped")
	}
	m.started = false
	return result.ErrorOrNil()
}
