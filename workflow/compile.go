package workflow

import (
	"errors"
	"fmt"
)

// The compiler turns raw workflow files into validated definitions,
// collecting diagnostics along the way. A definition with error
// diagnostics never reaches the scheduler: parse and validation
// failures are fatal before a run starts.

type RawFile struct {
	Path     string
	Contents []byte
}

type Compiler struct {
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

var (
	ErrNoJobs        = errors.New("workflow declares no jobs")
	ErrNoSteps       = errors.New("job declares no steps")
	ErrAmbiguousStep = errors.New("step declares both `uses` and `run`")
	ErrEmptyStep     = errors.New("step declares neither `uses` nor `run`")
	ErrBadActionRef  = errors.New("action reference must be of the form name@version")
)

type WarningKind string

var (
	NeverTriggers        WarningKind = "never triggers"
	InvalidConfiguration WarningKind = "invalid configuration"
)

// Parse decodes every raw file, dropping the ones that fail with an
// error diagnostic.
func (c *Compiler) Parse(files []RawFile) []Definition {
	var defs []Definition

	for _, f := range files {
		def, err := FromFile(f.Path, f.Contents)
		if err != nil {
			c.Diagnostics.AddError(f.Path, err)
			continue
		}

		before := len(c.Diagnostics.Errors)
		c.validate(&def)
		if len(c.Diagnostics.Errors) > before {
			continue
		}

		defs = append(defs, def)
	}

	return defs
}

func (c *Compiler) validate(d *Definition) {
	if d.On.Push == nil && d.On.PullRequest == nil && d.On.Release == nil {
		c.Diagnostics.AddWarning(d.Path, NeverTriggers, "no `on:` triggers declared")
	}

	if len(d.Jobs) == 0 {
		c.Diagnostics.AddError(d.Path, ErrNoJobs)
		return
	}

	for _, name := range d.JobNames() {
		c.validateJob(d.Path+"#"+name, d.Jobs[name])
	}
}

func (c *Compiler) validateJob(path string, j Job) {
	if len(j.Steps) == 0 {
		c.Diagnostics.AddError(path, ErrNoSteps)
		return
	}

	for i, s := range j.Steps {
		c.validateStep(fmt.Sprintf("%s.%d", path, i), s)
	}
}

func (c *Compiler) validateStep(path string, s Step) {
	switch {
	case s.Uses != "" && s.Run != "":
		c.Diagnostics.AddError(path, ErrAmbiguousStep)
	case s.Uses == "" && s.Run == "":
		c.Diagnostics.AddError(path, ErrEmptyStep)
	}

	if s.Uses != "" {
		if _, err := ParseRef(s.Uses); err != nil {
			c.Diagnostics.AddError(path, err)
		}
	}

	if s.Run != "" && len(s.With) > 0 {
		c.Diagnostics.AddWarning(path, InvalidConfiguration, "`with:` has no effect on run steps")
	}

	if _, err := s.TimeoutDuration(); err != nil {
		c.Diagnostics.AddError(path, fmt.Errorf("invalid timeout: %w", err))
	}
}
