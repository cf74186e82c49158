package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/drover-io/drover/pkg/config"
)

// Static error variables for linter compliance.
var (
	ErrNoDefinitionGiven  = errors.New("no definition file or directory given")
	ErrInvalidDefinitions = errors.New("invalid workflow definitions found")
)

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate workflow definition documents",
		ArgsUsage: "<definition-file-or-directory>...",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "print",
				Usage: "Echo each valid definition as normalized JSON",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			args := command.Args().Slice()
			if len(args) == 0 {
				return ErrNoDefinitionGiven
			}

			paths := make([]string, 0, len(args))

			for _, arg := range args {
				info, err := os.Stat(arg)
				if err != nil {
					return fmt.Errorf("cannot read %s: %w", arg, err)
				}

				if info.IsDir() {
					discovered, err := config.DiscoverDefinitions(arg)
					if err != nil {
						return err
					}

					paths = append(paths, discovered...)
				} else {
					paths = append(paths, arg)
				}
			}

			_, _ = fmt.Fprintln(os.Stdout, "Workflow Definition Validation Results:")
			_, _ = fmt.Fprintln(os.Stdout, "========================================")

			valid := 0
			invalid := 0

			for _, path := range paths {
				def, err := config.LoadDefinition(path)
				if err != nil {
					_, _ = fmt.Fprintf(os.Stdout, "\n❌ INVALID: %s\n    %v\n", path, err)
					invalid++

					continue
				}

				_, _ = fmt.Fprintf(os.Stdout, "\n✅ VALID: %s (%s, %d steps)\n", path, def.Name, len(def.Steps))
				valid++

				if command.Bool("print") {
					doc, err := def.MarshalIndented()
					if err != nil {
						return fmt.Errorf("failed to render %s: %w", path, err)
					}

					_, _ = fmt.Fprintf(os.Stdout, "%s\n", doc)
				}
			}

			_, _ = fmt.Fprintf(os.Stdout, "\nValidation Summary:\n")
			_, _ = fmt.Fprintf(os.Stdout, "  Total definitions: %d\n", valid+invalid)
			_, _ = fmt.Fprintf(os.Stdout, "  Valid definitions: %d\n", valid)
			_, _ = fmt.Fprintf(os.Stdout, "  Invalid definitions: %d\n", invalid)

			if invalid > 0 {
				return fmt.Errorf("%w: %d", ErrInvalidDefinitions, invalid)
			}

			return nil
		},
	}
}
