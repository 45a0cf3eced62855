package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes venue-level instruments.
type Metrics struct {
	sessionsStarted  metric.Int64Counter
	sessionsEnded    metric.Int64Counter
	creditsCharged   metric.Float64Counter
	creditsToppedUp  metric.Float64Counter
	heartbeats       metric.Int64Counter
	commandsEnqueued metric.Int64Counter
	commandsAcked    metric.Int64Counter
	broadcastDropped metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "netcafe"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	var err error
	if m.sessionsStarted, err = meter.Int64Counter("netcafe_sessions_started_total"); err != nil {
		return nil, err
	}
	if m.sessionsEnded, err = meter.Int64Counter("netcafe_sessions_ended_total"); err != nil {
		return nil, err
	}
	if m.creditsCharged, err = meter.Float64Counter("netcafe_credits_charged_total"); err != nil {
		return nil, err
	}
	if m.creditsToppedUp, err = meter.Float64Counter("netcafe_credits_topped_up_total"); err != nil {
		return nil, err
	}
	if m.heartbeats, err = meter.Int64Counter("netcafe_device_heartbeats_total"); err != nil {
		return nil, err
	}
	if m.commandsEnqueued, err = meter.Int64Counter("netcafe_commands_enqueued_total"); err != nil {
		return nil, err
	}
	if m.commandsAcked, err = meter.Int64Counter("netcafe_commands_acked_total"); err != nil {
		return nil, err
	}
	if m.broadcastDropped, err = meter.Int64Counter("netcafe_broadcast_dropped_total"); err != nil {
		return nil, err
	}
	if m.rateLimitDenied, err = meter.Int64Counter("netcafe_rate_limit_denied_total"); err != nil {
		return nil, err
	}
	return m, nil
}

// NewNoop returns instruments backed by a noop provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordSessionStarted counts a started session by kind.
func (m *Metrics) RecordSessionStarted(ctx context.Context, orgID, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("org_id", strings.TrimSpace(orgID)),
		attribute.String("session_kind", kind),
	)
	m.sessionsStarted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSessionEnded counts an ended session by final status and reason.
func (m *Metrics) RecordSessionEnded(ctx context.Context, orgID, status, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("org_id", strings.TrimSpace(orgID)),
		attribute.String("status", status),
		attribute.String("reason", reason),
	)
	m.sessionsEnded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCreditsCharged adds usage charged against member balances.
func (m *Metrics) RecordCreditsCharged(ctx context.Context, orgID string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("org_id", strings.TrimSpace(orgID)))
	m.creditsCharged.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordTopUp adds credits purchased.
func (m *Metrics) RecordTopUp(ctx context.Context, orgID, paymentMethod string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	attrs := FilterAttributes(
		attribute.String("org_id", strings.TrimSpace(orgID)),
		attribute.String("payment_method", strings.TrimSpace(paymentMethod)),
	)
	m.creditsToppedUp.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordHeartbeat counts device heartbeats.
func (m *Metrics) RecordHeartbeat(ctx context.Context, orgID string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("org_id", strings.TrimSpace(orgID)))
	m.heartbeats.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCommandEnqueued counts queued device commands by type.
func (m *Metrics) RecordCommandEnqueued(ctx context.Context, commandType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("command_type", commandType))
	m.commandsEnqueued.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCommandAcked counts device acknowledgements by outcome.
func (m *Metrics) RecordCommandAcked(ctx context.Context, commandType, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("command_type", commandType),
		attribute.String("status", status),
	)
	m.commandsAcked.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBroadcastDropped counts events dropped for slow subscribers.
func (m *Metrics) RecordBroadcastDropped(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	kind := topic
	if idx := strings.Index(topic, ":"); idx > 0 {
		kind = topic[:idx]
	}
	attrs := FilterAttributes(attribute.String("topic_kind", kind))
	m.broadcastDropped.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, orgID, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("org_id", strings.TrimSpace(orgID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// device_id, member_id and session_id are unbounded and never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"org_id":         {},
	"endpoint":       {},
	"status_code":    {},
	"status":         {},
	"reason":         {},
	"session_kind":   {},
	"command_type":   {},
	"payment_method": {},
	"topic_kind":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
