package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr  string `env:"LISTEN_ADDR, default=0.0.0.0:6555"`
	DBPath      string `env:"DB_PATH, default=treadle.db"`
	WorkflowDir string `env:"WORKFLOW_DIR, default=.treadle/workflows"`
	Dev         bool   `env:"DEV, default=false"`
}

type Runs struct {
	// Engine selects where steps run: "local" or "docker".
	Engine       string `env:"ENGINE, default=local"`
	WorkspaceDir string `env:"WORKSPACE_DIR"`
	DockerImage  string `env:"DOCKER_IMAGE, default=docker.io/library/ubuntu:latest"`
	StepTimeout  string `env:"STEP_TIMEOUT, default=5m"`
	LogDir       string `env:"LOG_DIR, default=/var/log/treadle"`
	QueueSize    int    `env:"QUEUE_SIZE, default=100"`
	Workers      int    `env:"WORKERS, default=2"`

	// ActionStore is the base URL of a remote action-manifest store;
	// when empty only built-in actions resolve.
	ActionStore string `env:"ACTION_STORE"`
}

// StepTimeoutDuration parses the configured default step timeout,
// falling back to five minutes on a malformed value.
func (r Runs) StepTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(r.StepTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

type Secrets struct {
	DBPath string `env:"DB_PATH, default=treadle.db"`
}

type Config struct {
	Server  Server  `env:",prefix=TREADLE_SERVER_"`
	Runs    Runs    `env:",prefix=TREADLE_RUNS_"`
	Secrets Secrets `env:",prefix=TREADLE_SECRETS_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
