package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const MeterName = "github.com/Skotchmaster/sessionguard"

// Metrics holds the token lifecycle counters. A nil *Metrics records nothing.
type Metrics struct {
	TokensIssued  metric.Int64Counter
	TokensRotated metric.Int64Counter
	ReuseDetected metric.Int64Counter
	TokensRevoked metric.Int64Counter
	// LinkFailed counts rotations whose old record could not be linked to
	// its successor.
	LinkFailed metric.Int64Counter
}

func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TokensIssued, err = meter.Int64Counter(
		"sessionguard.tokens.issued",
		metric.WithDescription("Number of refresh tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}

	m.TokensRotated, err = meter.Int64Counter(
		"sessionguard.tokens.rotated",
		metric.WithDescription("Number of successful refresh token rotations"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.rotated counter: %w", err)
	}

	m.ReuseDetected, err = meter.Int64Counter(
		"sessionguard.tokens.reuse_detected",
		metric.WithDescription("Number of revoked refresh tokens presented again"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.reuse_detected counter: %w", err)
	}

	m.TokensRevoked, err = meter.Int64Counter(
		"sessionguard.tokens.revoked",
		metric.WithDescription("Number of refresh tokens revoked outside rotation"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.revoked counter: %w", err)
	}

	m.LinkFailed, err = meter.Int64Counter(
		"sessionguard.tokens.link_failed",
		metric.WithDescription("Number of rotations that left the old token without a successor link"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.link_failed counter: %w", err)
	}

	return m, nil
}

// Noop returns counters backed by the no-op meter.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func (m *Metrics) RecordIssued(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordRotated(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokensRotated.Add(ctx, 1)
}

func (m *Metrics) RecordReuse(ctx context.Context) {
	if m == nil {
		return
	}
	m.ReuseDetected.Add(ctx, 1)
}

func (m *Metrics) RecordRevoked(ctx context.Context, reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensRevoked.Add(ctx, n, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordLinkFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.LinkFailed.Add(ctx, 1)
}
