package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the fleet counters and histograms. The zero value is not
// usable; build one with NewInstruments. Every method is safe on a nil receiver
// so callers that run without telemetry need no guards.
type Instruments struct {
	spawns        metric.Int64Counter
	retries       metric.Int64Counter
	escalations   metric.Int64Counter
	stuck         metric.Int64Counter
	claimSteals   metric.Int64Counter
	iterationTime metric.Float64Histogram
	phaseTime     metric.Float64Histogram
}

// NewInstruments registers herd's instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)
	if in.spawns, err = meter.Int64Counter("herd.scheduler.spawns",
		metric.WithDescription("Shepherds and support roles started"),
	); err != nil {
		return nil, err
	}
	if in.retries, err = meter.Int64Counter("herd.scheduler.retries",
		metric.WithDescription("Blocked issues returned to the workable queue"),
	); err != nil {
		return nil, err
	}
	if in.escalations, err = meter.Int64Counter("herd.scheduler.escalations",
		metric.WithDescription("Issues escalated to a human"),
	); err != nil {
		return nil, err
	}
	if in.stuck, err = meter.Int64Counter("herd.stuck.detections",
		metric.WithDescription("Stuck detections by severity"),
	); err != nil {
		return nil, err
	}
	if in.claimSteals, err = meter.Int64Counter("herd.claim.steals",
		metric.WithDescription("Abandoned claims taken over"),
	); err != nil {
		return nil, err
	}
	if in.iterationTime, err = meter.Float64Histogram("herd.scheduler.iteration.duration",
		metric.WithDescription("Scheduler iteration wall time"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if in.phaseTime, err = meter.Float64Histogram("herd.shepherd.phase.duration",
		metric.WithDescription("Shepherd phase wall time"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return &in, nil
}

// Spawned counts a started worker; kind is "shepherd" or a role name.
func (in *Instruments) Spawned(ctx context.Context, kind string) {
	if in == nil {
		return
	}
	in.spawns.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Retried counts a blocked-issue retry in the given class.
func (in *Instruments) Retried(ctx context.Context, class string) {
	if in == nil {
		return
	}
	in.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

// Escalated counts an escalation in the given class.
func (in *Instruments) Escalated(ctx context.Context, class string) {
	if in == nil {
		return
	}
	in.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

// StuckDetected counts a positive stuck detection.
func (in *Instruments) StuckDetected(ctx context.Context, severity string) {
	if in == nil {
		return
	}
	in.stuck.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

// ClaimStolen counts an abandoned claim takeover.
func (in *Instruments) ClaimStolen(ctx context.Context) {
	if in == nil {
		return
	}
	in.claimSteals.Add(ctx, 1)
}

// IterationDone records one scheduler iteration.
func (in *Instruments) IterationDone(ctx context.Context, d time.Duration) {
	if in == nil {
		return
	}
	in.iterationTime.Record(ctx, d.Seconds())
}

// PhaseDone records one executed shepherd phase.
func (in *Instruments) PhaseDone(ctx context.Context, phase, status string, d time.Duration) {
	if in == nil {
		return
	}
	in.phaseTime.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("status", status),
	))
}
