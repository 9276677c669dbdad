package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/lazypipe/pkg/codec"
	"github.com/dukex/lazypipe/pkg/eval"
	"github.com/dukex/lazypipe/pkg/eventbus"
	"github.com/dukex/lazypipe/pkg/graph"
	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"
)

// EvaluatorConfig holds the settings shared by every binary that evaluates a graph.
type EvaluatorConfig struct {
	CacheURL         string
	Codec            string `validate:"required,oneof=json msgpack cbor"`
	Workers          int    `validate:"min=1,max=1024"`
	EventBus         string `validate:"omitempty,oneof=none gochannel kafka"`
	OtelEnabled      bool
	FailOnCacheError bool
	ServiceName      string `validate:"required"`
}

// EvaluatorFlags are the flags read by EvaluatorConfigFrom.
func EvaluatorFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "cache-url",
			Usage:   "Cache store URL (memory://, file://path, redis://, postgres://)",
			Value:   "memory://",
			Sources: cli.EnvVars("CACHE_URL"),
		},
		&cli.StringFlag{
			Name:    "codec",
			Usage:   "Output serialization format (json, msgpack, cbor)",
			Value:   codec.Default().Name(),
			Sources: cli.EnvVars("CODEC"),
		},
		&cli.IntFlag{
			Name:    "workers",
			Aliases: []string{"w"},
			Usage:   "Number of nodes executed concurrently",
			Value:   4,
			Sources: cli.EnvVars("WORKERS"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (none, gochannel, kafka)",
			Value:   "none",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.BoolFlag{
			Name:  "fail-on-cache-error",
			Usage: "Fail evaluations when the cache cannot be read instead of recomputing",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

// EvaluatorConfigFrom reads EvaluatorFlags from a parsed command and validates them.
func EvaluatorConfigFrom(command *cli.Command, serviceName string) (EvaluatorConfig, error) {
	cfg := EvaluatorConfig{
		CacheURL:         command.String("cache-url"),
		Codec:            command.String("codec"),
		Workers:          command.Int("workers"),
		EventBus:         command.String("event-bus"),
		OtelEnabled:      command.Bool("otel-enabled"),
		FailOnCacheError: command.Bool("fail-on-cache-error"),
		ServiceName:      serviceName,
	}

	return cfg, cfg.Validate()
}

func (c EvaluatorConfig) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// Runtime is an evaluator together with the resources it owns.
type Runtime struct {
	Evaluator *eval.Evaluator
	EventBus  *eventbus.WatermillEventBus

	closers []func(ctx context.Context) error
}

// Close releases the store, the event bus and the tracer, in reverse order of creation.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error

	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}

	return errors.Join(errs...)
}

// NewRuntime builds an evaluator over g from cfg.
func NewRuntime(ctx context.Context, logger *slog.Logger, g *graph.Graph, cfg EvaluatorConfig) (*Runtime, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	rt := &Runtime{}

	fail := func(err error) (*Runtime, error) {
		return nil, errors.Join(err, rt.Close(ctx))
	}

	outputCodec, err := codec.ByName(cfg.Codec)
	if err != nil {
		return fail(err)
	}

	store, err := NewStore(ctx, logger, cfg.CacheURL)
	if err != nil {
		return fail(fmt.Errorf("failed to open cache store: %w", err))
	}

	rt.closers = append(rt.closers, store.Close)

	tracer, shutdown, err := NewTracer(ctx, cfg.OtelEnabled, cfg.ServiceName)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize tracer: %w", err))
	}

	rt.closers = append(rt.closers, shutdown)

	opts := []eval.Option{
		eval.WithLogger(logger),
		eval.WithWorkers(cfg.Workers),
		eval.WithCodec(outputCodec),
		eval.WithStore(store),
		eval.WithTracer(tracer),
		eval.WithFailOnCacheError(cfg.FailOnCacheError),
	}

	bus, err := NewEventBus(cfg.EventBus, cfg.ServiceName, logger)
	if err != nil {
		return fail(err)
	}

	if bus != nil {
		rt.EventBus = bus
		rt.closers = append(rt.closers, func(context.Context) error { return bus.Close() })
		opts = append(opts, eval.WithPublisher(bus))
	}

	rt.Evaluator, err = eval.New(g, opts...)
	if err != nil {
		return fail(err)
	}

	logger.InfoContext(ctx, "Evaluator ready",
		"cache_url", cfg.CacheURL,
		"codec", cfg.Codec,
		"workers", cfg.Workers,
		"event_bus", cfg.EventBus,
	)

	return rt, nil
}
