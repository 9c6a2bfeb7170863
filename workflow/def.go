package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// - a workflow file declares triggers ("on:") and a set of named jobs
// - jobs are mutually independent and run in parallel
// - each job is a sequence of steps, these execute serially
// - a step is either an action reference (uses:) or an inline command (run:)

type (
	// Definition is the structural representation of one workflow file.
	Definition struct {
		Name string            `yaml:"name"`
		On   Triggers          `yaml:"on"`
		Env  map[string]string `yaml:"env"`
		Jobs map[string]Job    `yaml:"jobs"`

		// Path is the file the definition was read from, set by FromFile.
		Path string `yaml:"-"`
	}

	Triggers struct {
		Push        *BranchFilter  `yaml:"push"`
		PullRequest *BranchFilter  `yaml:"pull_request"`
		Release     *ReleaseFilter `yaml:"release"`
	}

	BranchFilter struct {
		Branches StringList `yaml:"branches"`
	}

	ReleaseFilter struct {
		Types StringList `yaml:"types"`
	}

	Job struct {
		Name   string            `yaml:"name"`
		RunsOn string            `yaml:"runs-on"`
		Env    map[string]string `yaml:"env"`
		Steps  []Step            `yaml:"steps"`
	}

	Step struct {
		Name    string            `yaml:"name"`
		Uses    string            `yaml:"uses"`
		Run     string            `yaml:"run"`
		With    Inputs            `yaml:"with"`
		Env     map[string]string `yaml:"env"`
		Timeout string            `yaml:"timeout"`
	}

	// Inputs is the `with:` configuration mapping of a step. Values are
	// opaque to the engine, they only mean something to the resolved
	// action, so scalars of any YAML type are kept as strings.
	Inputs map[string]string

	StringList []string
)

// FromFile decodes a single workflow definition. Duplicate job names are
// rejected by the YAML decoder (duplicate mapping keys), so job-name
// uniqueness holds for every successfully decoded Definition.
func FromFile(path string, contents []byte) (Definition, error) {
	var def Definition

	dec := yaml.NewDecoder(strings.NewReader(string(contents)))
	if err := dec.Decode(&def); err != nil {
		return def, err
	}

	def.Path = path
	return def, nil
}

// JobNames returns job names in lexical order. Go map iteration is
// randomized; dispatch and tests want a stable order.
func (d *Definition) JobNames() []string {
	names := make([]string, 0, len(d.Jobs))
	for name := range d.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsAction reports whether the step is an external action reference.
func (s Step) IsAction() bool {
	return s.Uses != ""
}

// Label is the step's display name: the explicit name if present, else
// the action reference or the command itself.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Uses != "" {
		return s.Uses
	}
	return s.Run
}

// TimeoutDuration parses the step's timeout, returning zero when unset.
func (s Step) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(s.Timeout)
}

// Custom unmarshaller for Triggers: accepts the shorthand forms
// `on: push`, `on: [push, pull_request]` and a bare `push:` key, all of
// which declare the kind with an empty filter.
func (t *Triggers) UnmarshalYAML(value *yaml.Node) error {
	declare := func(kind string) {
		switch kind {
		case TriggerKindPush:
			t.Push = &BranchFilter{}
		case TriggerKindPullRequest:
			t.PullRequest = &BranchFilter{}
		case TriggerKindRelease:
			t.Release = &ReleaseFilter{}
		}
	}

	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag != "!!null" {
			declare(value.Value)
		}
		return nil
	case yaml.SequenceNode:
		var kinds []string
		if err := value.Decode(&kinds); err != nil {
			return err
		}
		for _, k := range kinds {
			declare(k)
		}
		return nil
	}

	type raw Triggers
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	*t = Triggers(r)

	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i+1].Tag == "!!null" {
			declare(value.Content[i].Value)
		}
	}
	return nil
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {
		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}

// Custom unmarshaller for Inputs: accepts string, bool and integer
// scalar values, stringifying them.
func (in *Inputs) UnmarshalYAML(unmarshal func(any) error) error {
	var raw map[string]any
	if err := unmarshal(&raw); err != nil {
		return err
	}

	m := make(map[string]string, len(raw))
	for k, v := range raw {
		switch vv := v.(type) {
		case string:
			m[k] = vv
		case bool, int, int64, float64:
			m[k] = fmt.Sprint(vv)
		default:
			return fmt.Errorf("cannot unmarshal '%v' of type %T into an input value", v, v)
		}
	}

	*in = m
	return nil
}
