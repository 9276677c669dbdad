package main

import (
	"fmt"

	"github.com/dukex/lazypipe/internal/experiment"
	"github.com/dukex/lazypipe/pkg/params"
	cli "github.com/urfave/cli/v3"
)

func bindingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "params-file",
			Aliases: []string{"f"},
			Usage:   "Parameter file (.json or .hcl)",
			Sources: cli.EnvVars("PARAMS_FILE"),
		},
		&cli.StringSliceFlag{
			Name:    "param",
			Aliases: []string{"P"},
			Usage:   "Parameter assignment name=value, overrides the file",
		},
	}
}

// bindingFrom builds the binding for a command from its file and assignments.
func bindingFrom(command *cli.Command, p *experiment.Pipeline) (params.Binding, error) {
	overrides, err := params.ParseAssignments(command.StringSlice("param"))
	if err != nil {
		return params.Binding{}, err
	}

	if path := command.String("params-file"); path != "" {
		binding, err := p.LoadFile(path, overrides)
		if err != nil {
			return params.Binding{}, fmt.Errorf("failed to load %s: %w", path, err)
		}

		return binding, nil
	}

	err = p.Params.Validate(overrides)
	if err != nil {
		return params.Binding{}, err
	}

	return p.Bind(overrides)
}
