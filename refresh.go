package aggcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryhazerus/aggcache/source"
)

// RefreshStatus is the outcome of the last refresh attempt of a target.
type RefreshStatus int

const (
	// StatusNeverRun means no refresh has been attempted in this process.
	StatusNeverRun RefreshStatus = iota
	// StatusSuccess means the target was rebuilt.
	StatusSuccess
	// StatusError means the rebuild failed. Other targets are unaffected.
	StatusError
	// StatusSimulated means a rebuild was requested but the precomputed
	// store has no rebuild capability, so nothing was actually rebuilt.
	StatusSimulated
)

func (s RefreshStatus) String() string {
	switch s {
	case StatusNeverRun:
		return "never_run"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusSimulated:
		return "simulated"
	default:
		return fmt.Sprintf("RefreshStatus(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s RefreshStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RefreshTarget is the refresh state of one precomputed aggregate.
type RefreshTarget struct {
	Name string
	// LastRefreshedAt is the time of the last successful rebuild, nil if
	// the target was never rebuilt by this process.
	LastRefreshedAt *time.Time
	// RequestedAt is when the last refresh of this target was attempted.
	RequestedAt time.Time
	Status      RefreshStatus
	Err         error
}

// RefreshReport is the result of one RefreshAll pass.
type RefreshReport struct {
	Targets []RefreshTarget
	// OverallSuccess is true iff no target ended in StatusError.
	OverallSuccess bool
	Duration       time.Duration
	// Simulated is true if any target was only simulated.
	Simulated bool
}

// DurationMs returns the pass duration in milliseconds.
func (r RefreshReport) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// RefreshAll asks the precomputed store to rebuild every target backing a
// registered view. Each target is rebuilt in isolation: a failure or panic is
// recorded on that target alone. If the store cannot rebuild, targets are
// marked StatusSimulated instead of failing the pass.
//
// Passes are serialized; a second call waits for the first to finish.
func (e *Engine) RefreshAll(ctx context.Context) RefreshReport {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "aggcache.RefreshAll")
	defer span.End()

	names := e.targetNames()
	rebuilder, canRebuild := e.reader.(source.Rebuilder)
	if !canRebuild {
		e.logger.Info("precomputed store cannot rebuild, simulating refresh", zap.Int("targets", len(names)))
	}

	results := make([]RefreshTarget, len(names))
	var g errgroup.Group
	g.SetLimit(e.refreshConcurrency)
	for i, name := range names {
		g.Go(func() error {
			if canRebuild {
				results[i] = e.rebuildTarget(ctx, rebuilder, name)
			} else {
				results[i] = RefreshTarget{Name: name, RequestedAt: e.now(), Status: StatusSimulated}
			}
			return nil
		})
	}
	_ = g.Wait()

	report := RefreshReport{
		Targets:        results,
		OverallSuccess: true,
	}

	e.targetsMu.Lock()
	for i, t := range results {
		if t.Status != StatusSuccess {
			t.LastRefreshedAt = e.targets[t.Name].LastRefreshedAt
			results[i] = t
		}
		e.targets[t.Name] = t

		switch t.Status {
		case StatusError:
			report.OverallSuccess = false
		case StatusSimulated:
			report.Simulated = true
		}
	}
	e.targetsMu.Unlock()

	if e.invalidateOnRefresh {
		e.invalidateRefreshed(ctx, results)
	}

	report.Duration = time.Since(start)
	if e.metrics != nil {
		for _, t := range results {
			e.metrics.Refreshes.WithLabelValues(t.Name, t.Status.String()).Inc()
		}
		e.metrics.RefreshDuration.Observe(report.Duration.Seconds())
	}

	span.SetAttributes(
		attribute.Int("aggcache.targets", len(results)),
		attribute.Bool("aggcache.simulated", report.Simulated),
	)
	if !report.OverallSuccess {
		span.SetStatus(codes.Error, "one or more targets failed")
	}
	e.logger.Info("refresh pass finished",
		zap.Int("targets", len(results)),
		zap.Bool("success", report.OverallSuccess),
		zap.Bool("simulated", report.Simulated),
		zap.Duration("duration", report.Duration),
	)
	return report
}

func (e *Engine) rebuildTarget(ctx context.Context, rb source.Rebuilder, name string) (t RefreshTarget) {
	t = RefreshTarget{Name: name, RequestedAt: e.now()}
	defer func() {
		if r := recover(); r != nil {
			t.Status = StatusError
			t.Err = fmt.Errorf("aggcache: rebuild %s panicked: %v", name, r)
			e.logger.Error("rebuild panicked", zap.String("target", name), zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Rebuild)
	defer cancel()

	err := rb.Rebuild(ctx, name)
	switch {
	case err == nil:
		done := e.now()
		t.Status = StatusSuccess
		t.LastRefreshedAt = &done
	case errors.Is(err, source.ErrRebuildUnsupported):
		t.Status = StatusSimulated
		e.logger.Info("rebuild unsupported, simulating", zap.String("target", name), zap.Error(err))
	default:
		t.Status = StatusError
		t.Err = fmt.Errorf("aggcache: rebuild %s: %w", name, err)
		e.logger.Warn("rebuild failed", zap.String("target", name), zap.Error(err))
	}
	return t
}

func (e *Engine) invalidateRefreshed(ctx context.Context, results []RefreshTarget) {
	rebuilt := make(map[string]bool, len(results))
	for _, t := range results {
		if t.Status == StatusSuccess {
			rebuilt[t.Name] = true
		}
	}
	for _, v := range e.Views() {
		if rebuilt[v.TargetName()] {
			// Invalidate absorbs cache failures and never errors on a
			// non-empty pattern.
			_, _ = e.Invalidate(ctx, ViewPattern(v.Name))
		}
	}
}

// Targets returns the last known state of every refresh target, in the order
// their views were registered.
func (e *Engine) Targets() []RefreshTarget {
	names := e.targetNames()

	e.targetsMu.Lock()
	defer e.targetsMu.Unlock()
	out := make([]RefreshTarget, 0, len(names))
	for _, name := range names {
		out = append(out, e.targets[name])
	}
	return out
}

func (e *Engine) targetNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]bool, len(e.views))
	names := make([]string, 0, len(e.views))
	for _, v := range e.views {
		if name := v.TargetName(); !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// RunRefreshLoop calls RefreshAll every interval until ctx is done, and then
// returns ctx's error.
func (e *Engine) RunRefreshLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("aggcache: refresh interval must be positive, got %s", interval)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			e.RefreshAll(ctx)
		}
	}
}
