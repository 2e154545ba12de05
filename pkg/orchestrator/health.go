package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"reviewgate/pkg/events"
	"reviewgate/pkg/lifecycle"
)

// CheckHealth probes every Active service and records the result: healthy
// when its liveness flag is set, degraded otherwise, unhealthy when a
// deeper probe fails or panics. Services in the Error state are reported
// unhealthy with their last error. Check failures are recorded, never
// returned.
func (o *Orchestrator) CheckHealth(ctx context.Context) map[string]lifecycle.HealthCheck {
	type target struct {
		reg  *registration
		inst lifecycle.Service
	}

	o.mu.Lock()
	var targets []target
	for _, reg := range o.slots {
		switch {
		case reg.exhausted:
		case reg.state == lifecycle.StateActive && reg.instance != nil:
			targets = append(targets, target{reg: reg, inst: reg.instance})
		case reg.state == lifecycle.StateError:
			msg := "service in error state"
			if reg.lastErr != nil {
				msg = reg.lastErr.Error()
			}
			o.recordLocked(reg, lifecycle.HealthCheck{Status: lifecycle.HealthUnhealthy, Timestamp: o.nowFunc(), Error: msg})
		}
	}
	o.mu.Unlock()

	// Probes run without the lock: a service may call back into o.
	for _, t := range targets {
		hc := o.probe(ctx, t.inst)
		o.mu.Lock()
		if t.reg.instance == t.inst {
			o.recordLocked(t.reg, hc)
		}
		o.mu.Unlock()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]lifecycle.HealthCheck, len(o.slots))
	for _, reg := range o.slots {
		out[reg.name] = reg.health
	}
	return out
}

// probe runs one health check. A panicking service is unhealthy.
func (o *Orchestrator) probe(ctx context.Context, inst lifecycle.Service) (hc lifecycle.HealthCheck) {
	hc.Timestamp = o.nowFunc()
	defer func() {
		if r := recover(); r != nil {
			hc.Status = lifecycle.HealthUnhealthy
			hc.Error = fmt.Sprintf("health check panicked: %v", r)
		}
	}()

	hc.Status = lifecycle.HealthDegraded
	if inst.IsActive() {
		hc.Status = lifecycle.HealthHealthy
	}
	if m, ok := inst.(lifecycle.MetricsReporter); ok {
		hc.Metrics = m.Metrics()
	}
	if c, ok := inst.(lifecycle.HealthChecker); ok {
		if err := c.CheckHealth(ctx); err != nil {
			hc.Status = lifecycle.HealthUnhealthy
			hc.Error = err.Error()
		}
	}
	return hc
}

// recordLocked stores hc and publishes status changes. o.mu must be held;
// the bus never blocks.
func (o *Orchestrator) recordLocked(reg *registration, hc lifecycle.HealthCheck) {
	prev := reg.health.Status
	reg.health = hc
	if prev != hc.Status {
		o.publish(events.ServiceHealthChanged{Service: reg.name, Status: string(hc.Status), Error: hc.Error})
	}
}

// Run checks health every HealthInterval and restarts required services
// that are unhealthy, failed, or never came up. It returns when ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.monitorOnce(ctx)
		}
	}
}

func (o *Orchestrator) monitorOnce(ctx context.Context) {
	health := o.CheckHealth(ctx)

	o.mu.Lock()
	var restart []string
	for _, reg := range o.slots {
		if !reg.opts.Required || reg.exhausted || o.disposed {
			continue
		}
		switch {
		case reg.state == lifecycle.StateError:
			restart = append(restart, reg.name)
		case reg.state == lifecycle.StateActive && health[reg.name].Status == lifecycle.HealthUnhealthy:
			restart = append(restart, reg.name)
		case !reg.opts.Lazy && reg.state.Terminal():
			restart = append(restart, reg.name)
		}
	}
	o.mu.Unlock()

	for _, name := range restart {
		ok, err := o.Restart(ctx, name)
		if ok {
			o.log.Info("service restarted", zap.String("service", name))
			continue
		}
		if err != nil {
			o.log.Warn("automatic restart failed", zap.String("service", name), zap.Error(err))
		}
	}
}
