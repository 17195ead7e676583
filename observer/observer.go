// Package observer provides OTEL-based observability for the nanoclaw
// host: run lifecycle counters, container supervision metrics, and queue
// retry/dead-letter accounting, exported over OTLP HTTP. Configuration
// comes from the standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT,
// etc.); when the endpoint is unset the SDK falls back to localhost.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/nanoclaw/nanoclaw/observer"

// Instruments holds all OTEL instruments the host records against.
type Instruments struct {
	Meter  metric.Meter
	Logger otellog.Logger

	// Run lifecycle
	RunsCreated   metric.Int64Counter
	RunsCompleted metric.Int64Counter

	// Container supervision
	ContainersActive metric.Int64UpDownCounter
	ContainerKills   metric.Int64Counter
	TurnDuration     metric.Float64Histogram

	// Queue health
	QueueRetries metric.Int64Counter
	DeadLetters  metric.Int64Counter

	// Steering
	SteerEvents metric.Int64Counter
}

// Init sets up OTEL metric and log providers with OTLP HTTP exporters.
// Returns a shutdown function that must be called on host exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("nanoclaw")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	runsCreated, err := meter.Int64Counter("run.created",
		metric.WithDescription("Worker runs accepted by dispatch validation"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	runsCompleted, err := meter.Int64Counter("run.completed",
		metric.WithDescription("Worker runs reaching a terminal state"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	containersActive, err := meter.Int64UpDownCounter("container.active",
		metric.WithDescription("Live containers holding a semaphore slot"),
		metric.WithUnit("{container}"))
	if err != nil {
		return nil, err
	}

	containerKills, err := meter.Int64Counter("container.kills",
		metric.WithDescription("Containers killed by a supervision timer"),
		metric.WithUnit("{container}"))
	if err != nil {
		return nil, err
	}

	turnDuration, err := meter.Float64Histogram("container.turn.duration",
		metric.WithDescription("Container turn wall time"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	queueRetries, err := meter.Int64Counter("queue.retries",
		metric.WithDescription("Batch delivery retries"),
		metric.WithUnit("{retry}"))
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("queue.dead_letters",
		metric.WithDescription("Batches dead-lettered after retry exhaustion"),
		metric.WithUnit("{batch}"))
	if err != nil {
		return nil, err
	}

	steerEvents, err := meter.Int64Counter("steer.events",
		metric.WithDescription("Steering messages sent to in-flight runs"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Meter:            meter,
		Logger:           logger,
		RunsCreated:      runsCreated,
		RunsCompleted:    runsCompleted,
		ContainersActive: containersActive,
		ContainerKills:   containerKills,
		TurnDuration:     turnDuration,
		QueueRetries:     queueRetries,
		DeadLetters:      deadLetters,
		SteerEvents:      steerEvents,
	}, nil
}
