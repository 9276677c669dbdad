// Package main provides the lazypipe command line.
package main

import (
	"context"
	"os"

	"github.com/dukex/lazypipe/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	err := NewApp().Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("cli").Error("lazypipe failed", "error", err)
		os.Exit(1)
	}
}

func NewApp() *cli.Command {
	return &cli.Command{
		Name:                  "lazypipe",
		Usage:                 "Evaluate and inspect the cached experiment pipeline",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			RunCommand(),
			KeysCommand(),
			GraphCommand(),
			ParamsCommand(),
			ScheduleCommand(),
		},
	}
}
