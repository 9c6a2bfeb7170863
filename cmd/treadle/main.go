package main

import (
	"context"
	"os"

	"github.com/treadle-ci/treadle/log"
	"github.com/treadle-ci/treadle/runner"
	"github.com/treadle-ci/treadle/server"
	"github.com/treadle-ci/treadle/workflow"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "treadle",
		Usage: "workflow runner",
		Commands: []*cli.Command{
			server.Command(),
			runner.Command(),
			workflow.Command(),
		},
	}

	ctx := context.Background()
	logger := log.New("treadle")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
