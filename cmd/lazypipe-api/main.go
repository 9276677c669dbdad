package main

import (
	"context"
	"os"

	"github.com/dukex/lazypipe/internal/experiment"
	"github.com/dukex/lazypipe/pkg/cmd"
	"github.com/dukex/lazypipe/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "lazypipe-api",
		Usage:                 "Serve the experiment pipeline over HTTP",
		EnableShellCompletion: true,
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		}, cmd.EvaluatorFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing lazypipe API")

			cfg, err := cmd.EvaluatorConfigFrom(command, "lazypipe-api")
			if err != nil {
				return err
			}

			pipeline, err := experiment.New()
			if err != nil {
				return err
			}

			rt, err := cmd.NewRuntime(ctx, logger, pipeline.Graph, cfg)
			if err != nil {
				return err
			}

			defer func() {
				err := rt.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			api := NewAPI(logger, rt.Evaluator, pipeline)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("lazypipe-api failed", "error", err)
		os.Exit(1)
	}
}
