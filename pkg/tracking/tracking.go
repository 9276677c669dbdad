// Package tracking records experiment runs after an evaluation finishes.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrInvalidRun indicates a run that is missing its identity.
var ErrInvalidRun = errors.New("invalid run")

// Run is one logged experiment run.
type Run struct {
	ID         string             `json:"id"         validate:"required"`
	Experiment string             `json:"experiment" validate:"required"`
	Params     map[string]any     `json:"params,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Tags       map[string]string  `json:"tags,omitempty"`
	StartedAt  time.Time          `json:"started_at"  validate:"required"`
	FinishedAt time.Time          `json:"finished_at" validate:"required,gtefield=StartedAt"`
}

// NewRun starts a run with a fresh id.
func NewRun(experiment string, params map[string]any) Run {
	return Run{
		ID:         uuid.New().String(),
		Experiment: experiment,
		Params:     params,
		Metrics:    make(map[string]float64),
		Tags:       make(map[string]string),
		StartedAt:  time.Now().UTC(),
	}
}

// Finish stamps the end time and metrics.
func (r *Run) Finish(metrics map[string]float64) {
	for k, v := range metrics {
		r.Metrics[k] = v
	}

	r.FinishedAt = time.Now().UTC()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the run can be recorded.
func (r Run) Validate() error {
	err := validate.Struct(r)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRun, err)
	}

	return nil
}

// Sink records runs.
type Sink interface {
	LogRun(ctx context.Context, run Run) error
}

// MultiSink logs to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) LogRun(ctx context.Context, run Run) error {
	errs := make([]error, 0)

	for _, sink := range m {
		err := sink.LogRun(ctx, run)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
