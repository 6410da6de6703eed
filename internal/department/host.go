package department

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/config"
	"github.com/fyrsmithlabs/directord/internal/logging"
)

// ErrDepartmentExists is returned when a department with the same name is
// already hosted.
var ErrDepartmentExists = errors.New("department already hosted")

// Host manages live department executors inside one process. Departments
// share the host's collaborators and configuration; each keeps its own
// task queue and resource monitor.
type Host struct {
	cfg    config.DepartmentConfig
	deps   Deps
	logger *logging.Logger

	mu     sync.Mutex
	byName map[string]*Department
	closed bool
}

// NewHost creates an empty host.
func NewHost(cfg config.DepartmentConfig, deps Deps) *Host {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Host{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		byName: make(map[string]*Department),
	}
}

// Create starts a department executor bound to sessionID. The name doubles
// as the bus address workflow execute steps target.
func (h *Host) Create(ctx context.Context, name, domain, sessionID string) (*Department, error) {
	if name == "" {
		return nil, errors.New("department name is required")
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := h.byName[name]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDepartmentExists, name)
	}
	h.mu.Unlock()

	dept, err := New(h.cfg, name, domain, sessionID, h.deps)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = dept.Close()
		return nil, ErrClosed
	}
	if _, ok := h.byName[name]; ok {
		h.mu.Unlock()
		_ = dept.Close()
		return nil, fmt.Errorf("%w: %s", ErrDepartmentExists, name)
	}
	h.byName[name] = dept
	h.mu.Unlock()

	h.logger.Info(ctx, "department hosted",
		zap.String("name", name),
		zap.String("domain", domain),
		zap.String("session_id", sessionID),
	)
	return dept, nil
}

// Get returns the hosted department with the given name.
func (h *Host) Get(name string) (*Department, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.byName[name]
	return d, ok
}

// List returns all hosted departments.
func (h *Host) List() []*Department {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Department, 0, len(h.byName))
	for _, d := range h.byName {
		out = append(out, d)
	}
	return out
}

// CloseSession closes every department bound to sessionID. Used when a
// session is terminated so executors stop answering its commands.
func (h *Host) CloseSession(ctx context.Context, sessionID string) {
	h.mu.Lock()
	var victims []*Department
	for name, d := range h.byName {
		if d.SessionID() == sessionID {
			victims = append(victims, d)
			delete(h.byName, name)
		}
	}
	h.mu.Unlock()

	for _, d := range victims {
		if err := d.Close(); err != nil {
			h.logger.Warn(ctx, "failed to close department",
				zap.String("name", d.Name()),
				zap.Error(err),
			)
		}
	}
}

// Close shuts every hosted department down.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	depts := make([]*Department, 0, len(h.byName))
	for _, d := range h.byName {
		depts = append(depts, d)
	}
	h.byName = nil
	h.mu.Unlock()

	var firstErr error
	for _, d := range depts {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
