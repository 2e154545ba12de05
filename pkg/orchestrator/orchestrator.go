// Package orchestrator owns the lifecycle of the review-gate services: it
// registers factories with their dependencies, constructs services lazily
// or eagerly in dependency order, monitors their health, restarts failed
// ones within a bounded budget, and disposes them in reverse order.
//
// Registrations live in an arena (a slice indexed by a stable id) and each
// slot carries an explicit lifecycle.State. Concurrent Get calls for the
// same service share one in-flight construction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"reviewgate/pkg/events"
	"reviewgate/pkg/lifecycle"
	"reviewgate/pkg/logging"
	"reviewgate/pkg/protocol"
)

// Sentinel errors. Resolution failures reach callers wrapped in a
// *protocol.DependencyError.
var (
	ErrAlreadyRegistered = errors.New("service already registered")
	ErrUnknownService    = errors.New("unknown service")
	ErrCycle             = errors.New("dependency cycle")
	ErrRestartsExhausted = errors.New("restart attempts exhausted")
	ErrDisposed          = errors.New("orchestrator disposed")
)

// Factory constructs a service. It runs after every declared dependency is
// Active, so it may Resolve them from o.
type Factory func(ctx context.Context, o *Orchestrator) (lifecycle.Service, error)

// Options configure a registration.
type Options struct {
	Deps     []string
	Required bool
	Lazy     bool
	Priority int // higher initializes earlier and disposes later
}

// Config holds orchestrator tuning.
type Config struct {
	HealthInterval     time.Duration
	RestartBackoff     time.Duration
	MaxRestartAttempts int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HealthInterval == 0 {
		out.HealthInterval = 30 * time.Second
	}
	if out.RestartBackoff == 0 {
		out.RestartBackoff = time.Second
	}
	if out.MaxRestartAttempts == 0 {
		out.MaxRestartAttempts = 3
	}
	return out
}

// registration is one arena slot.
type registration struct {
	id      int
	name    string
	factory Factory
	opts    Options

	state     lifecycle.State
	health    lifecycle.HealthCheck
	failures  int // consecutive failed restarts
	exhausted bool
	lastErr   error
	instance  lifecycle.Service

	restartMu sync.Mutex
	// restarting is closed when the running Restart has disposed the old
	// instance and waited its backoff; Get waits on it instead of racing
	// the disposal.
	restarting chan struct{}
}

// ServiceInfo is a point-in-time view of one registration.
type ServiceInfo struct {
	Name            string                `json:"name"`
	State           lifecycle.State       `json:"state"`
	Health          lifecycle.HealthCheck `json:"health"`
	Required        bool                  `json:"required"`
	Lazy            bool                  `json:"lazy"`
	Priority        int                   `json:"priority"`
	Deps            []string              `json:"deps,omitempty"`
	RestartFailures int                   `json:"restart_failures"`
	Exhausted       bool                  `json:"exhausted,omitempty"`
	LastError       string                `json:"last_error,omitempty"`
}

// Orchestrator is the service registry and supervisor. Construct one with
// New and pass it explicitly to whoever needs services.
type Orchestrator struct {
	cfg Config
	log *zap.Logger
	bus events.Publisher

	mu       sync.Mutex
	slots    []*registration
	index    map[string]int
	disposed bool

	flights singleflight.Group
	nowFunc func() time.Time
}

// New creates an empty orchestrator. bus may be nil.
func New(cfg Config, bus events.Publisher, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		log:     logging.OrNop(log).Named("orchestrator"),
		bus:     bus,
		index:   make(map[string]int),
		nowFunc: time.Now,
	}
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}

// Register adds a service. Dependencies need not be registered yet; they
// are resolved when the service is first constructed.
func (o *Orchestrator) Register(name string, factory Factory, opts Options) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("register: empty service name")
	}
	if factory == nil {
		return fmt.Errorf("register %s: nil factory", name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.index[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrAlreadyRegistered)
	}
	reg := &registration{
		id:      len(o.slots),
		name:    name,
		factory: factory,
		opts:    Options{Deps: append([]string(nil), opts.Deps...), Required: opts.Required, Lazy: opts.Lazy, Priority: opts.Priority},
		state:   lifecycle.StateUninitialized,
		health:  lifecycle.HealthCheck{Status: lifecycle.HealthUnknown},
	}
	o.slots = append(o.slots, reg)
	o.index[name] = reg.id
	return nil
}

// Get returns the active instance of name, constructing it (and its
// dependencies) first if needed. A Get that arrives while name is being
// restarted waits for the restart and returns the new instance.
func (o *Orchestrator) Get(ctx context.Context, name string) (lifecycle.Service, error) {
	var reg *registration
	o.mu.Lock()
	for {
		if o.disposed {
			o.mu.Unlock()
			return nil, &protocol.DependencyError{Service: name, Err: ErrDisposed}
		}
		var err error
		reg, err = o.lookupLocked(name)
		if err != nil {
			o.mu.Unlock()
			return nil, err
		}
		wait := reg.restarting
		if wait == nil {
			break
		}
		o.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, &protocol.DependencyError{Service: name, Err: fmt.Errorf("waiting for restart: %w", ctx.Err())}
		}
		o.mu.Lock()
	}
	if reg.state == lifecycle.StateActive && reg.instance != nil {
		inst := reg.instance
		o.mu.Unlock()
		return inst, nil
	}
	if reg.exhausted {
		o.mu.Unlock()
		return nil, &protocol.DependencyError{Service: name, Err: ErrRestartsExhausted}
	}
	if err := o.checkGraphLocked(name); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.mu.Unlock()

	v, err, _ := o.flights.Do(name, func() (any, error) {
		return o.construct(ctx, reg)
	})
	if err != nil {
		return nil, err
	}
	return v.(lifecycle.Service), nil //nolint:forcetypeassert // construct only returns services
}

// Resolve is Get with a type assertion.
func Resolve[T any](ctx context.Context, o *Orchestrator, name string) (T, error) {
	var zero T
	svc, err := o.Get(ctx, name)
	if err != nil {
		return zero, err
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("service %s is %T, not %T", name, svc, zero)
	}
	return typed, nil
}

func (o *Orchestrator) lookupLocked(name string) (*registration, error) {
	idx, ok := o.index[name]
	if !ok {
		return nil, &protocol.DependencyError{Service: name, Err: ErrUnknownService}
	}
	return o.slots[idx], nil
}

// checkGraphLocked walks the dependency subtree of root and rejects
// unknown names and cycles.
func (o *Orchestrator) checkGraphLocked(root string) error {
	const (
		visiting = 1
		done     = 2
	)
	marks := make(map[string]int)
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch marks[name] {
		case visiting:
			cycle := strings.Join(append(path, name), " -> ")
			return &protocol.DependencyError{Service: root, Dependency: name, Err: fmt.Errorf("%w: %s", ErrCycle, cycle)}
		case done:
			return nil
		}
		idx, ok := o.index[name]
		if !ok {
			owner := root
			if len(path) > 0 {
				owner = path[len(path)-1]
			}
			return &protocol.DependencyError{Service: owner, Dependency: name, Err: ErrUnknownService}
		}
		marks[name] = visiting
		for _, dep := range o.slots[idx].opts.Deps {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		marks[name] = done
		return nil
	}
	return visit(root, nil)
}

// construct brings reg to Active. Only one construct per name runs at a
// time (singleflight).
func (o *Orchestrator) construct(ctx context.Context, reg *registration) (lifecycle.Service, error) {
	o.mu.Lock()
	if reg.state == lifecycle.StateActive && reg.instance != nil {
		inst := reg.instance
		o.mu.Unlock()
		return inst, nil
	}
	o.mu.Unlock()

	for _, dep := range reg.opts.Deps {
		if _, err := o.Get(ctx, dep); err != nil {
			o.block(reg, err)
			return nil, &protocol.DependencyError{Service: reg.name, Dependency: dep, Err: err}
		}
	}

	if err := o.transition(reg, lifecycle.StateInitializing, nil); err != nil {
		return nil, err
	}
	start := o.nowFunc()

	inst, err := reg.factory(ctx, o)
	if err == nil && inst == nil {
		err = errors.New("factory returned nil service")
	}
	if err != nil {
		o.fail(reg, err)
		return nil, &protocol.DependencyError{Service: reg.name, Err: fmt.Errorf("construct: %w", err)}
	}
	if err := inst.Initialize(ctx); err != nil {
		if derr := inst.Dispose(ctx); derr != nil {
			o.log.Warn("dispose after failed initialize", zap.String("service", reg.name), zap.Error(derr))
		}
		o.fail(reg, err)
		return nil, &protocol.DependencyError{Service: reg.name, Err: fmt.Errorf("initialize: %w", err)}
	}

	// A dependency may have failed while this service was initializing.
	if dep, ok := o.inactiveDependency(reg); !ok {
		_ = inst.Dispose(ctx)
		err := fmt.Errorf("dependency %s left active state", dep)
		o.fail(reg, err)
		return nil, &protocol.DependencyError{Service: reg.name, Dependency: dep, Err: err}
	}

	o.mu.Lock()
	reg.instance = inst
	reg.lastErr = nil
	reg.health = lifecycle.HealthCheck{Status: lifecycle.HealthHealthy, Timestamp: o.nowFunc()}
	o.mu.Unlock()
	if err := o.transition(reg, lifecycle.StateActive, nil); err != nil {
		return nil, err
	}
	o.log.Info("service active",
		zap.String("service", reg.name),
		zap.Duration("took", o.nowFunc().Sub(start)))
	return inst, nil
}

func (o *Orchestrator) inactiveDependency(reg *registration) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, dep := range reg.opts.Deps {
		idx, ok := o.index[dep]
		if !ok || o.slots[idx].state != lifecycle.StateActive {
			return dep, false
		}
	}
	return "", true
}

// transition moves reg to next and publishes the change.
func (o *Orchestrator) transition(reg *registration, next lifecycle.State, cause error) error {
	o.mu.Lock()
	prev := reg.state
	if prev != next && !prev.CanTransition(next) {
		o.mu.Unlock()
		return &protocol.DependencyError{Service: reg.name, Err: fmt.Errorf("illegal transition %s -> %s", prev, next)}
	}
	reg.state = next
	o.mu.Unlock()

	if prev != next {
		o.publish(events.ServiceStateChanged{Service: reg.name, From: prev.String(), To: next.String(), Err: cause})
	}
	return nil
}

// fail records err and moves reg to Error.
func (o *Orchestrator) fail(reg *registration, err error) {
	o.mu.Lock()
	reg.lastErr = err
	reg.instance = nil
	reg.health = lifecycle.HealthCheck{Status: lifecycle.HealthUnhealthy, Timestamp: o.nowFunc(), Error: err.Error()}
	prev := reg.state
	reg.state = lifecycle.StateError
	o.mu.Unlock()

	o.log.Error("service failed", zap.String("service", reg.name), zap.Error(err))
	if prev != lifecycle.StateError {
		o.publish(events.ServiceStateChanged{Service: reg.name, From: prev.String(), To: lifecycle.StateError.String(), Err: err})
	}
}

// block records a dependency failure without touching reg's state: the
// service never started initializing.
func (o *Orchestrator) block(reg *registration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reg.lastErr = err
	reg.health = lifecycle.HealthCheck{Status: lifecycle.HealthUnhealthy, Timestamp: o.nowFunc(), Error: err.Error()}
}

// InitializeRequired constructs every required, non-lazy service in
// descending priority order. The first failure stops the pass and is
// returned; services that already reached Active stay Active.
func (o *Orchestrator) InitializeRequired(ctx context.Context) error {
	o.mu.Lock()
	var names []string
	order := make([]*registration, 0, len(o.slots))
	for _, reg := range o.slots {
		if reg.opts.Required && !reg.opts.Lazy {
			order = append(order, reg)
		}
	}
	o.mu.Unlock()

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].opts.Priority > order[j].opts.Priority
	})
	for _, reg := range order {
		names = append(names, reg.name)
	}
	o.log.Debug("initializing required services", zap.Strings("order", names))

	for _, reg := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := o.Get(ctx, reg.name); err != nil {
			return fmt.Errorf("initialize required services: %w", err)
		}
	}
	return nil
}

// Restart disposes the current instance of name, waits the restart
// backoff, and constructs a fresh one. It reports false once the
// registration has failed MaxRestartAttempts consecutive restarts; from
// then on it no longer touches the service until ResetRestarts.
func (o *Orchestrator) Restart(ctx context.Context, name string) (bool, error) {
	o.mu.Lock()
	reg, err := o.lookupLocked(name)
	if err == nil && o.disposed {
		err = &protocol.DependencyError{Service: name, Err: ErrDisposed}
	}
	o.mu.Unlock()
	if err != nil {
		return false, err
	}

	reg.restartMu.Lock()
	defer reg.restartMu.Unlock()

	if o.markExhausted(reg) {
		return false, &protocol.DependencyError{Service: name, Err: ErrRestartsExhausted}
	}

	o.log.Info("restarting service", zap.String("service", name))
	o.mu.Lock()
	reg.restarting = make(chan struct{})
	o.mu.Unlock()
	release := func() {
		o.mu.Lock()
		if reg.restarting != nil {
			close(reg.restarting)
			reg.restarting = nil
		}
		o.mu.Unlock()
	}
	defer release()

	_ = o.disposeOne(ctx, reg)

	select {
	case <-time.After(o.cfg.RestartBackoff):
	case <-ctx.Done():
		return false, ctx.Err()
	}

	// Waiting callers and this one now share a single construction.
	release()
	if _, err := o.Get(ctx, name); err != nil {
		o.mu.Lock()
		reg.failures++
		attempts := reg.failures
		o.mu.Unlock()
		o.log.Warn("restart failed",
			zap.String("service", name),
			zap.Int("attempt", attempts),
			zap.Int("max", o.cfg.MaxRestartAttempts),
			zap.Error(err))
		o.markExhausted(reg)
		return false, err
	}

	o.mu.Lock()
	reg.failures = 0
	o.mu.Unlock()
	return true, nil
}

// markExhausted flags reg as permanently unhealthy once its restart budget
// is spent and reports whether it is.
func (o *Orchestrator) markExhausted(reg *registration) bool {
	o.mu.Lock()
	if reg.failures < o.cfg.MaxRestartAttempts {
		o.mu.Unlock()
		return false
	}
	first := !reg.exhausted
	reg.exhausted = true
	reg.health = lifecycle.HealthCheck{
		Status:    lifecycle.HealthUnhealthy,
		Timestamp: o.nowFunc(),
		Error:     ErrRestartsExhausted.Error(),
	}
	o.mu.Unlock()

	if first {
		o.log.Error("service restart budget exhausted", zap.String("service", reg.name))
		o.publish(events.ServiceHealthChanged{Service: reg.name, Status: string(lifecycle.HealthUnhealthy), Error: ErrRestartsExhausted.Error()})
	}
	return true
}

// ResetRestarts clears the restart budget of name so Restart and Get may
// construct it again.
func (o *Orchestrator) ResetRestarts(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	reg, err := o.lookupLocked(name)
	if err != nil {
		return err
	}
	reg.failures = 0
	reg.exhausted = false
	reg.health = lifecycle.HealthCheck{Status: lifecycle.HealthUnknown, Timestamp: o.nowFunc()}
	return nil
}

// disposeOne releases reg's instance, if any. Errors are logged.
func (o *Orchestrator) disposeOne(ctx context.Context, reg *registration) error {
	o.mu.Lock()
	inst := reg.instance
	state := reg.state
	o.mu.Unlock()
	if inst == nil {
		return nil
	}
	if state == lifecycle.StateActive || state == lifecycle.StateError {
		_ = o.transition(reg, lifecycle.StateDisposing, nil)
	}

	err := inst.Dispose(ctx)

	o.mu.Lock()
	reg.instance = nil
	o.mu.Unlock()
	if err != nil {
		o.log.Warn("dispose failed", zap.String("service", reg.name), zap.Error(err))
		o.fail(reg, err)
		return fmt.Errorf("dispose %s: %w", reg.name, err)
	}
	_ = o.transition(reg, lifecycle.StateDisposed, nil)
	return nil
}

// Dispose disposes every constructed service in ascending priority order
// (the reverse of initialization). Failures are logged and joined; they do
// not stop the remaining disposals.
func (o *Orchestrator) Dispose(ctx context.Context) error {
	o.mu.Lock()
	o.disposed = true
	live := make([]*registration, 0, len(o.slots))
	for _, reg := range o.slots {
		if reg.instance != nil {
			live = append(live, reg)
		}
	}
	o.mu.Unlock()

	// Later registrations first among equal priorities.
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].opts.Priority != live[j].opts.Priority {
			return live[i].opts.Priority < live[j].opts.Priority
		}
		return live[i].id > live[j].id
	})

	var errs []error
	for _, reg := range live {
		if err := o.disposeOne(ctx, reg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// State returns the lifecycle state of name.
func (o *Orchestrator) State(name string) (lifecycle.State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reg, err := o.lookupLocked(name)
	if err != nil {
		return "", err
	}
	return reg.state, nil
}

// Health returns the latest health check of name.
func (o *Orchestrator) Health(name string) (lifecycle.HealthCheck, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reg, err := o.lookupLocked(name)
	if err != nil {
		return lifecycle.HealthCheck{}, err
	}
	return reg.health, nil
}

// Snapshot lists every registration in registration order.
func (o *Orchestrator) Snapshot() []ServiceInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ServiceInfo, 0, len(o.slots))
	for _, reg := range o.slots {
		info := ServiceInfo{
			Name:            reg.name,
			State:           reg.state,
			Health:          reg.health,
			Required:        reg.opts.Required,
			Lazy:            reg.opts.Lazy,
			Priority:        reg.opts.Priority,
			Deps:            append([]string(nil), reg.opts.Deps...),
			RestartFailures: reg.failures,
			Exhausted:       reg.exhausted,
		}
		if reg.lastErr != nil {
			info.LastError = reg.lastErr.Error()
		}
		out = append(out, info)
	}
	return out
}
