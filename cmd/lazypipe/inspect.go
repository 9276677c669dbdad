package main

import (
	"context"

	"github.com/dukex/lazypipe/internal/experiment"
	"github.com/dukex/lazypipe/pkg/eval"
	"github.com/dukex/lazypipe/pkg/log"
	"github.com/dukex/lazypipe/pkg/web"
	cli "github.com/urfave/cli/v3"
)

func GraphCommand() *cli.Command {
	return &cli.Command{
		Name:  "graph",
		Usage: "Print the pipeline nodes, dependencies and exports",
		Action: func(_ context.Context, command *cli.Command) error {
			p, err := experiment.New()
			if err != nil {
				return err
			}

			return writeJSON(command.Root().Writer, web.TransformGraph(p.Graph))
		},
	}
}

func ParamsCommand() *cli.Command {
	return &cli.Command{
		Name:  "params",
		Usage: "Print the JSON schema of the pipeline parameters",
		Action: func(_ context.Context, command *cli.Command) error {
			p, err := experiment.New()
			if err != nil {
				return err
			}

			return writeJSON(command.Root().Writer, p.Params.Schema())
		},
	}
}

func KeysCommand() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "Print the cache keys of targets without evaluating anything",
		Flags: append([]cli.Flag{
			&cli.StringSliceFlag{
				Name:     "target",
				Aliases:  []string{"t"},
				Usage:    "Exported output",
				Required: true,
			},
		}, bindingFlags()...),
		Action: func(_ context.Context, command *cli.Command) error {
			p, err := experiment.New()
			if err != nil {
				return err
			}

			binding, err := bindingFrom(command, p)
			if err != nil {
				return err
			}

			ev, err := eval.New(p.Graph, eval.WithLogger(log.WithModule("cli")))
			if err != nil {
				return err
			}

			targets := command.StringSlice("target")

			handles, err := ev.Resolve(targets)
			if err != nil {
				return err
			}

			keys, err := ev.Keys(handles, binding)
			if err != nil {
				return err
			}

			out := make(map[string]string, len(keys))
			for i, name := range targets {
				out[name] = keys[i].String()
			}

			return writeJSON(command.Root().Writer, out)
		},
	}
}
