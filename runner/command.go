package runner

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/treadle-ci/treadle/action"
	"github.com/treadle-ci/treadle/db"
	"github.com/treadle-ci/treadle/engine"
	"github.com/treadle-ci/treadle/engine/docker"
	"github.com/treadle-ci/treadle/engine/local"
	"github.com/treadle-ci/treadle/log"
	"github.com/treadle-ci/treadle/notifier"
	"github.com/treadle-ci/treadle/workflow"
	"github.com/urfave/cli/v3"
)

// Command runs a single workflow file against a synthetic event and
// exits with the run's exit code. Useful for trying out a workflow
// without a server.
func Command() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "execute one workflow file and exit",
		ArgsUsage: "<workflow file>",
		Action:    runOnce,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "event",
				Usage: "event kind: push, pull_request or release",
				Value: "push",
			},
			&cli.StringFlag{
				Name:  "branch",
				Usage: "branch the event refers to",
				Value: "main",
			},
			&cli.StringFlag{
				Name:  "release-type",
				Usage: "release event type, e.g. created",
			},
			&cli.StringFlag{
				Name:  "repo",
				Usage: "clone URL handed to checkout steps",
			},
			&cli.StringFlag{
				Name:  "sha",
				Usage: "commit to check out, defaults to the branch head",
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "where steps run: local or docker",
				Value: "local",
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Usage: "directory for job logs, logging disabled when empty",
			},
			&cli.StringFlag{
				Name:  "action-store",
				Usage: "base URL of a remote action manifest store",
			},
		},
	}
}

func runOnce(ctx context.Context, cmd *cli.Command) error {
	l := log.FromContext(ctx)

	path := cmd.Args().First()
	if path == "" {
		return cli.Exit("no workflow file given", 2)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to read workflow: %s", err), 2)
	}

	compiler := workflow.Compiler{}
	defs := compiler.Parse([]workflow.RawFile{{Path: path, Contents: contents}})
	for _, warning := range compiler.Diagnostics.Warnings {
		l.Warn("workflow warning", "path", warning.Path, "kind", warning.Type, "reason", warning.Reason)
	}
	if compiler.Diagnostics.IsErr() {
		for _, e := range compiler.Diagnostics.Errors {
			l.Error("workflow rejected", "path", e.Path, "error", e.Error)
		}
		return cli.Exit("workflow failed validation", 2)
	}
	def := defs[0]

	ev := workflow.Event{
		Kind:        cmd.String("event"),
		Branch:      workflow.BranchFromRef(cmd.String("branch")),
		ReleaseType: cmd.String("release-type"),
		Sha:         cmd.String("sha"),
	}
	if repo := cmd.String("repo"); repo != "" {
		ev.Repo = &workflow.Repo{
			Name:     filepath.Base(repo),
			CloneURL: repo,
		}
	}

	// interrupt cancels the run between steps
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := makeEngine(ctx, cmd.String("engine"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	// run status still flows through a db, but a throwaway one
	d, err := db.Make(filepath.Join(os.TempDir(), fmt.Sprintf("treadle-run-%d.db", os.Getpid())))
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to setup db: %s", err), 2)
	}

	registryOpts := []action.RegistryOpt{}
	if store := cmd.String("action-store"); store != "" {
		registryOpts = append(registryOpts, action.WithFallback(action.NewRemoteStore(store)))
	}

	n := notifier.New()
	opts := []SchedulerOpt{}
	if dir := cmd.String("log-dir"); dir != "" {
		opts = append(opts, WithLogDir(dir))
	}
	sched := NewScheduler(ctx, eng, action.Builtin(registryOpts...), d, &n, opts...)

	runID := NewRunID()
	if err := d.CreateRun(runID, def.Path, ev.String(), &n); err != nil {
		return cli.Exit(fmt.Sprintf("failed to record run: %s", err), 2)
	}

	result, err := sched.Dispatch(ctx, runID, ev, &def)
	if err != nil {
		return cli.Exit(fmt.Sprintf("run failed: %s", err), 2)
	}

	for _, job := range result.Jobs {
		l.Info("job finished", "job", job.Name, "status", job.Status)
		for _, step := range job.Steps {
			l.Info("step finished",
				"job", job.Name,
				"step", step.Name,
				"status", step.Status,
				"exit_code", step.ExitCode,
				"duration", step.Duration,
			)
		}
		for _, name := range job.NotRun {
			l.Info("step not run", "job", job.Name, "step", name)
		}
	}
	l.Info("run finished", "id", result.ID, "status", result.Status)

	if code := result.ExitCode(); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

func makeEngine(ctx context.Context, kind string) (engine.Engine, error) {
	switch kind {
	case "local":
		return local.New(ctx, local.Opts{})
	case "docker":
		return docker.New(ctx, docker.Opts{})
	}
	return nil, fmt.Errorf("unknown engine %q", kind)
}
