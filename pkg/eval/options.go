package eval

import (
	"errors"
	"log/slog"
	"runtime"

	"github.com/dukex/lazypipe/pkg/cache"
	"github.com/dukex/lazypipe/pkg/cache/memory"
	"github.com/dukex/lazypipe/pkg/codec"
	"github.com/dukex/lazypipe/pkg/eventbus"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Options configures an Evaluator.
type Options struct {
	Workers          int                `validate:"min=1,max=1024"`
	Codec            codec.Codec        `validate:"-"`
	Store            cache.Store        `validate:"-"`
	Logger           *slog.Logger       `validate:"required"`
	Tracer           trace.Tracer       `validate:"-"`
	Publisher        eventbus.Publisher `validate:"-"`
	FailOnCacheError bool
}

// Option mutates Options.
type Option func(*Options)

// WithWorkers sets the number of concurrent node executions.
func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

// WithCodec sets the output serialization format.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

// WithStore sets the persistent cache.
func WithStore(s cache.Store) Option {
	return func(o *Options) { o.Store = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Options) { o.Tracer = t }
}

// WithPublisher publishes lifecycle events. Publish failures are logged only.
func WithPublisher(p eventbus.Publisher) Option {
	return func(o *Options) { o.Publisher = p }
}

// WithFailOnCacheError makes cache read failures fatal instead of forcing a recompute.
func WithFailOnCacheError(fail bool) Option {
	return func(o *Options) { o.FailOnCacheError = fail }
}

func defaultOptions() Options {
	return Options{
		Workers: runtime.GOMAXPROCS(0),
		Codec:   codec.Default(),
		Store:   memory.NewStore(),
		Logger:  slog.Default(),
		Tracer:  otel.Tracer("github.com/dukex/lazypipe/pkg/eval"),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (o *Options) validate() error {
	err := validate.Struct(o)
	if err != nil {
		return err
	}

	switch {
	case o.Codec == nil:
		return errors.New("codec is required")
	case o.Store == nil:
		return errors.New("store is required")
	case o.Tracer == nil:
		return errors.New("tracer is required")
	}

	return nil
}
