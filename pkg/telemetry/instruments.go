package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/uniauth/uniauth"

// Metrics holds the domain instruments. A nil *Metrics is valid and records
// nothing, so callers never need to guard.
type Metrics struct {
	logins       metric.Int64Counter
	tokensIssued metric.Int64Counter
	codesIssued  metric.Int64Counter
	deliveries   metric.Int64Counter
	httpDuration metric.Float64Histogram
}

// NewMetrics registers the domain instruments on the meter provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	logins, err := meter.Int64Counter("uniauth_logins_total",
		metric.WithDescription("Login attempts by method and outcome"))
	if err != nil {
		return nil, fmt.Errorf("creating logins counter: %w", err)
	}
	tokensIssued, err := meter.Int64Counter("uniauth_tokens_issued_total",
		metric.WithDescription("Access tokens issued by grant type"))
	if err != nil {
		return nil, fmt.Errorf("creating tokens counter: %w", err)
	}
	codesIssued, err := meter.Int64Counter("uniauth_verification_codes_issued_total",
		metric.WithDescription("Verification codes issued by type"))
	if err != nil {
		return nil, fmt.Errorf("creating codes counter: %w", err)
	}
	deliveries, err := meter.Int64Counter("uniauth_webhook_deliveries_total",
		metric.WithDescription("Webhook delivery attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("creating deliveries counter: %w", err)
	}
	httpDuration, err := meter.Float64Histogram("uniauth_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	return &Metrics{
		logins:       logins,
		tokensIssued: tokensIssued,
		codesIssued:  codesIssued,
		deliveries:   deliveries,
		httpDuration: httpDuration,
	}, nil
}

// RecordLogin counts one login attempt.
func (m *Metrics) RecordLogin(ctx context.Context, method string, success bool) {
	if m == nil {
		return
	}
	m.logins.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("success", success),
	))
}

// RecordTokenIssued counts one issued access token.
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType string) {
	if m == nil {
		return
	}
	m.tokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordCodeIssued counts one issued verification code.
func (m *Metrics) RecordCodeIssued(ctx context.Context, codeType string) {
	if m == nil {
		return
	}
	m.codesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", codeType),
	))
}

// RecordDelivery counts one webhook delivery attempt outcome.
func (m *Metrics) RecordDelivery(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) recordHTTPRequest(ctx context.Context, seconds float64, method, route string, status int) {
	if m == nil {
		return
	}
	m.httpDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}
