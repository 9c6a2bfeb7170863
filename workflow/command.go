package workflow

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// Command validates workflow files without running them.
func Command() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "parse and validate workflow files",
		ArgsUsage: "<workflow file> [<workflow file> ...]",
		Action:    validate,
	}
}

func validate(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() == 0 {
		return cli.Exit("no workflow files given", 2)
	}

	var files []RawFile
	for _, path := range cmd.Args().Slice() {
		contents, err := os.ReadFile(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to read %s: %s", path, err), 2)
		}
		files = append(files, RawFile{Path: path, Contents: contents})
	}

	compiler := Compiler{}
	defs := compiler.Parse(files)

	for _, e := range compiler.Diagnostics.Errors {
		fmt.Fprintln(os.Stderr, e.String())
	}
	for _, w := range compiler.Diagnostics.Warnings {
		fmt.Fprintln(os.Stderr, w.String())
	}
	for _, def := range defs {
		fmt.Printf("%s: ok (%d jobs)\n", def.Path, len(def.Jobs))
	}

	if compiler.Diagnostics.IsErr() {
		return cli.Exit("", 1)
	}
	return nil
}
