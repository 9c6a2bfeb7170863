package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/treadle-ci/treadle/action"
	"github.com/treadle-ci/treadle/config"
	"github.com/treadle-ci/treadle/db"
	"github.com/treadle-ci/treadle/engine"
	"github.com/treadle-ci/treadle/engine/docker"
	"github.com/treadle-ci/treadle/engine/local"
	"github.com/treadle-ci/treadle/log"
	"github.com/treadle-ci/treadle/notifier"
	"github.com/treadle-ci/treadle/queue"
	"github.com/treadle-ci/treadle/runner"
	"github.com/treadle-ci/treadle/secrets"
	"github.com/treadle-ci/treadle/workflow"
	"github.com/urfave/cli/v3"
)

type Server struct {
	ctx   context.Context
	cfg   *config.Config
	db    *db.DB
	l     *slog.Logger
	n     *notifier.Notifier
	sched *runner.Scheduler
	jq    *queue.Queue
}

func Command() *cli.Command {
	return &cli.Command{
		Name:   "server",
		Usage:  "run a treadle server",
		Action: Run,
		Description: `
Environment variables:
	TREADLE_SERVER_LISTEN_ADDR   (default: 0.0.0.0:6555)
	TREADLE_SERVER_DB_PATH       (default: treadle.db)
	TREADLE_SERVER_WORKFLOW_DIR  (default: .treadle/workflows)
	TREADLE_SERVER_DEV           (default: false)
	TREADLE_RUNS_ENGINE          (default: local)
	TREADLE_RUNS_WORKSPACE_DIR   (default: system temp dir)
	TREADLE_RUNS_DOCKER_IMAGE    (default: docker.io/library/ubuntu:latest)
	TREADLE_RUNS_STEP_TIMEOUT    (default: 5m)
	TREADLE_RUNS_LOG_DIR         (default: /var/log/treadle)
	TREADLE_RUNS_QUEUE_SIZE      (default: 100)
	TREADLE_RUNS_WORKERS         (default: 2)
	TREADLE_RUNS_ACTION_STORE    (optional, base URL of an action manifest store)
	TREADLE_SECRETS_DB_PATH      (default: treadle.db)
`,
	}
}

func Run(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	sm, err := secrets.NewSQLiteManager(cfg.Secrets.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup secrets manager: %w", err)
	}

	n := notifier.New()

	eng, err := makeEngine(ctx, cfg)
	if err != nil {
		return err
	}

	registryOpts := []action.RegistryOpt{}
	if cfg.Runs.ActionStore != "" {
		registryOpts = append(registryOpts, action.WithFallback(action.NewRemoteStore(cfg.Runs.ActionStore)))
	}
	actions := action.Builtin(registryOpts...)

	sched := runner.NewScheduler(ctx, eng, actions, d, &n,
		runner.WithSecrets(sm),
		runner.WithLogDir(cfg.Runs.LogDir),
	)

	jq := queue.NewQueue(cfg.Runs.QueueSize, cfg.Runs.Workers)

	server := Server{
		ctx:   ctx,
		cfg:   cfg,
		db:    d,
		l:     logger,
		n:     &n,
		sched: sched,
		jq:    jq,
	}

	// starts run workers in the background
	jq.Start()
	defer jq.Stop()

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.Router(),
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(sctx)
	}()

	logger.Info("starting treadle server", "address", cfg.Server.ListenAddr, "engine", cfg.Runs.Engine)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func makeEngine(ctx context.Context, cfg *config.Config) (engine.Engine, error) {
	switch cfg.Runs.Engine {
	case "local":
		return local.New(ctx, local.Opts{
			Dir:         cfg.Runs.WorkspaceDir,
			StepTimeout: cfg.Runs.StepTimeoutDuration(),
		})
	case "docker":
		return docker.New(ctx, docker.Opts{
			Image:       cfg.Runs.DockerImage,
			StepTimeout: cfg.Runs.StepTimeoutDuration(),
		})
	}
	return nil, fmt.Errorf("unknown engine %q", cfg.Runs.Engine)
}

func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(s.RequestLogger)
	mux.Get("/events", s.Events)
	mux.Post("/events", s.Intake)
	mux.Get("/runs", s.Runs)
	mux.Get("/runs/{id}", s.RunDetail)
	mux.Get("/logs/{id}/{job}", s.Logs)
	return mux
}

// Intake accepts a repository event and dispatches one run per
// workflow file whose triggers could match. Runs execute on the
// queue; the response only says what was enqueued.
func (s *Server) Intake(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Intake")

	var ev workflow.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}
	if ev.Kind == "" {
		http.Error(w, "event kind is required", http.StatusBadRequest)
		return
	}
	ev.Branch = workflow.BranchFromRef(ev.Branch)

	defs, diagnostics, err := s.loadWorkflows()
	if err != nil {
		l.Error("failed to load workflows", "dir", s.cfg.Server.WorkflowDir, "error", err)
		http.Error(w, "failed to load workflows", http.StatusInternalServerError)
		return
	}
	for _, e := range diagnostics.Errors {
		l.Error("workflow rejected", "path", e.Path, "error", e.Error)
	}
	for _, warning := range diagnostics.Warnings {
		l.Warn("workflow warning", "path", warning.Path, "kind", warning.Type, "reason", warning.Reason)
	}

	runIDs := []string{}
	for _, def := range defs {
		def := def
		runID := runner.NewRunID()
		if err := s.db.CreateRun(runID, def.Path, ev.String(), s.n); err != nil {
			l.Error("failed to record run", "workflow", def.Path, "error", err)
			continue
		}

		ok := s.jq.Enqueue(queue.Job{
			Run: func() error {
				_, err := s.sched.Dispatch(s.ctx, runID, ev, &def)
				return err
			},
			OnFail: func(jobError error) {
				s.l.Error("run failed", "id", runID, "error", jobError)
			},
		})
		if !ok {
			l.Error("failed to enqueue run: queue is full", "id", runID)
			if err := s.db.MarkRun(runID, db.RunFailed, s.n); err != nil {
				l.Error("failed to mark run", "id", runID, "error", err)
			}
			continue
		}

		l.Info("run enqueued", "id", runID, "workflow", def.Path, "event", ev.String())
		runIDs = append(runIDs, runID)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"run_ids": runIDs})
}

func (s *Server) Runs(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.GetRuns(r.URL.Query().Get("cursor"))
	if err != nil {
		s.l.Error("failed to list runs", "error", err)
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) RunDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.db.GetRun(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.l.Error("failed to fetch run", "id", id, "error", err)
		http.Error(w, "failed to fetch run", http.StatusInternalServerError)
		return
	}

	jobs, err := s.db.GetJobs(id)
	if err != nil {
		s.l.Error("failed to fetch jobs", "id", id, "error", err)
		http.Error(w, "failed to fetch jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []db.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"run": run, "jobs": jobs})
}

// Logs serves the JSON-line log of a single job.
func (s *Server) Logs(w http.ResponseWriter, r *http.Request) {
	id := engine.JobID{
		RunID: chi.URLParam(r, "id"),
		Job:   chi.URLParam(r, "job"),
	}

	f, err := engine.OpenLogFile(s.cfg.Runs.LogDir, id)
	if errors.Is(err, os.ErrNotExist) {
		http.Error(w, "log not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.l.Error("failed to open log", "id", id.String(), "error", err)
		http.Error(w, "failed to open log", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/jsonlines")
	io.Copy(w, f)
}

func (s *Server) loadWorkflows() ([]workflow.Definition, workflow.Diagnostics, error) {
	entries, err := os.ReadDir(s.cfg.Server.WorkflowDir)
	if err != nil {
		return nil, workflow.Diagnostics{}, err
	}

	var files []workflow.RawFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml") {
			continue
		}
		path := filepath.Join(s.cfg.Server.WorkflowDir, name)
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, workflow.Diagnostics{}, err
		}
		files = append(files, workflow.RawFile{Path: name, Contents: contents})
	}

	compiler := workflow.Compiler{}
	defs := compiler.Parse(files)
	return defs, compiler.Diagnostics, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
