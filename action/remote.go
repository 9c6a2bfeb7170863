package action

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"gopkg.in/yaml.v3"

	"github.com/treadle-ci/treadle/engine"
	"github.com/treadle-ci/treadle/workflow"
)

// RemoteStore resolves actions from an HTTP store of YAML manifests,
// one per name and version, at <base>/<name>/<version>.yaml. Fetches
// are retried on transient failures; a manifest that does not exist is
// an ErrUnknownAction.
type RemoteStore struct {
	base   string
	client *http.Client
}

func NewRemoteStore(base string) *RemoteStore {
	return &RemoteStore{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type manifest struct {
	Name  string `yaml:"name"`
	Steps []struct {
		Name string            `yaml:"name"`
		Run  string            `yaml:"run"`
		Env  map[string]string `yaml:"env"`
	} `yaml:"steps"`
}

func (s *RemoteStore) Resolve(ctx context.Context, ref workflow.Ref) (Action, error) {
	url := fmt.Sprintf("%s/%s/%s.yaml", s.base, ref.Name, ref.Version)

	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}

			resp, err := s.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusNotFound:
				return retry.Unrecoverable(fmt.Errorf("%w: %s", ErrUnknownAction, ref))
			case resp.StatusCode != http.StatusOK:
				return fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
			}

			body, err = io.ReadAll(resp.Body)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}

	var m manifest
	if err := yaml.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest for %s: %w", ref, err)
	}
	if len(m.Steps) == 0 {
		return nil, fmt.Errorf("manifest for %s declares no steps", ref)
	}

	return manifestAction{ref: ref, m: m}, nil
}

// manifestAction expands a fetched manifest. Inputs are exposed to the
// manifest's commands as INPUT_<KEY> environment variables.
type manifestAction struct {
	ref workflow.Ref
	m   manifest
}

func (a manifestAction) Expand(rc RunContext, in workflow.Inputs) ([]engine.Step, error) {
	inputEnv := make(map[string]string, len(in))
	for k, v := range in {
		inputEnv[inputEnvKey(k)] = v
	}

	steps := make([]engine.Step, 0, len(a.m.Steps))
	for _, ms := range a.m.Steps {
		env := make(map[string]string, len(inputEnv)+len(ms.Env))
		for k, v := range inputEnv {
			env[k] = v
		}
		for k, v := range ms.Env {
			env[k] = v
		}

		name := ms.Name
		if name == "" {
			name = a.ref.String()
		}

		steps = append(steps, engine.Step{
			Name:    name,
			Kind:    engine.StepKindSystem,
			Command: ms.Run,
			Env:     env,
		})
	}

	return steps, nil
}

func inputEnvKey(key string) string {
	key = strings.ToUpper(key)
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	return "INPUT_" + key
}
