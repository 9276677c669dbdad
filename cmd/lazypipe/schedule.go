package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/lazypipe/pkg/log"
	"github.com/dukex/lazypipe/pkg/schedule"
	cli "github.com/urfave/cli/v3"
)

func ScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Re-run the experiment on a cron schedule; unchanged steps come from the cache",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "cron",
				Usage:    "Cron expression (standard five fields or descriptors such as @hourly)",
				Required: true,
				Sources:  cli.EnvVars("SCHEDULE"),
			},
		}, runFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withRuntime(ctx, command, "lazypipe-scheduler", func(ctx context.Context, env *environment) error {
				scheduler := schedule.New(env.logger)

				err := scheduler.Add(schedule.Job{
					Name: env.config.Experiment,
					Cron: command.String("cron"),
					Run: func(ctx context.Context) error {
						return env.run(ctx, command.Root().Writer)
					},
				})
				if err != nil {
					return err
				}

				scheduler.Start(ctx)
				<-ctx.Done()
				scheduler.Stop()

				return nil
			})
		},
	}
}
