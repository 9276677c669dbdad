package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/dukex/lazypipe/internal/experiment"
	"github.com/dukex/lazypipe/pkg/cmd"
	"github.com/dukex/lazypipe/pkg/log"
	"github.com/dukex/lazypipe/pkg/tracking"
	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"
)

// RunConfig is the validated configuration of the run and schedule commands.
type RunConfig struct {
	Targets     []string `validate:"dive,required"`
	ModelPath   string
	TrackingDir string
	Experiment  string `validate:"required"`
}

func runFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "target",
			Aliases: []string{"t"},
			Usage:   "Exported output to evaluate; without targets the full experiment runs",
		},
		&cli.StringFlag{
			Name:  "model-path",
			Usage: "Write the fitted model as JSON to this path",
		},
		&cli.StringFlag{
			Name:    "tracking-dir",
			Usage:   "Directory where experiment runs are recorded",
			Sources: cli.EnvVars("TRACKING_DIR"),
		},
		&cli.StringFlag{
			Name:  "experiment",
			Usage: "Experiment name used for tracking",
			Value: "lazypipe",
		},
	}

	flags = append(flags, bindingFlags()...)

	return append(flags, cmd.EvaluatorFlags()...)
}

func runConfigFrom(command *cli.Command) (RunConfig, error) {
	cfg := RunConfig{
		Targets:     command.StringSlice("target"),
		ModelPath:   command.String("model-path"),
		TrackingDir: command.String("tracking-dir"),
		Experiment:  command.String("experiment"),
	}

	err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg)
	if err != nil {
		return RunConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Evaluate the experiment, reusing cached results",
		Flags:   runFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			return withRuntime(ctx, command, "lazypipe", func(ctx context.Context, env *environment) error {
				return env.run(ctx, command.Root().Writer)
			})
		},
	}
}

// environment is everything a run needs, built from the command flags.
type environment struct {
	logger   *slog.Logger
	pipeline *experiment.Pipeline
	runtime  *cmd.Runtime
	config   RunConfig
	command  *cli.Command
}

func withRuntime(ctx context.Context, command *cli.Command, service string, fn func(context.Context, *environment) error) error {
	logger := log.WithModule("cli")

	cfg, err := runConfigFrom(command)
	if err != nil {
		return err
	}

	evalCfg, err := cmd.EvaluatorConfigFrom(command, service)
	if err != nil {
		return err
	}

	pipeline, err := experiment.New()
	if err != nil {
		return err
	}

	rt, err := cmd.NewRuntime(ctx, logger, pipeline.Graph, evalCfg)
	if err != nil {
		return err
	}

	defer func() {
		err := rt.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
		}
	}()

	return fn(ctx, &environment{
		logger:   logger,
		pipeline: pipeline,
		runtime:  rt,
		config:   cfg,
		command:  command,
	})
}

func (e *environment) sink() (tracking.Sink, error) {
	sinks := tracking.MultiSink{tracking.NewLogSink(e.logger)}

	if e.config.TrackingDir != "" {
		fileSink, err := tracking.NewFileSink(e.config.TrackingDir)
		if err != nil {
			return nil, err
		}

		sinks = append(sinks, fileSink)
	}

	if e.runtime.EventBus != nil {
		sinks = append(sinks, tracking.NewEventSink(e.runtime.EventBus))
	}

	return sinks, nil
}

func (e *environment) run(ctx context.Context, w io.Writer) error {
	binding, err := bindingFrom(e.command, e.pipeline)
	if err != nil {
		return err
	}

	if len(e.config.Targets) > 0 {
		handles, err := e.runtime.Evaluator.Resolve(e.config.Targets)
		if err != nil {
			return err
		}

		values, report, err := e.runtime.Evaluator.EvaluateWithReport(ctx, handles, binding)
		if err != nil {
			return err
		}

		out := make(map[string]any, len(values))
		for i, name := range e.config.Targets {
			out[name] = values[i]
		}

		return writeJSON(w, map[string]any{"values": out, "report": report})
	}

	sink, err := e.sink()
	if err != nil {
		return err
	}

	result, err := experiment.RunExperiment(ctx, e.runtime.Evaluator, e.pipeline, binding, experiment.RunOptions{
		ModelPath:  e.config.ModelPath,
		Sink:       sink,
		Experiment: e.config.Experiment,
	})
	if err != nil {
		return err
	}

	return writeJSON(w, map[string]any{
		"run_id":  result.RunID,
		"model":   result.Model,
		"metrics": result.Scores.Metrics(),
		"report":  result.Report,
	})
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(v)
}
