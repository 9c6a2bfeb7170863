package engine

import (
	"fmt"
	"sort"
)

type EnvVars []string

// ConstructEnvs converts an environment mapping into an exec-friendly
// []string{"KEY=value", ...} slice, sorted for deterministic output.
func ConstructEnvs(envs map[string]string) EnvVars {
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var vars EnvVars
	for _, k := range keys {
		vars.AddEnv(k, envs[k])
	}
	return vars
}

// Slice returns the EnvVars as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv appends a key=value string to the EnvVars.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}
