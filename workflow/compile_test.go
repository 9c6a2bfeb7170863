package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func parseOne(t *testing.T, contents string) ([]Definition, Diagnostics) {
	t.Helper()
	c := Compiler{}
	defs := c.Parse([]RawFile{{Path: "ci.yml", Contents: []byte(contents)}})
	return defs, c.Diagnostics
}

func TestParseValidWorkflow(t *testing.T) {
	defs, diagnostics := parseOne(t, fullWorkflow)

	assert.True(t, diagnostics.IsEmpty(), "expected no diagnostics: %v %v", diagnostics.Errors, diagnostics.Warnings)
	assert.Len(t, defs, 1)
}

func TestParseMalformedYAML(t *testing.T) {
	defs, diagnostics := parseOne(t, "jobs: [\n")

	assert.True(t, diagnostics.IsErr())
	assert.Empty(t, defs)
}

func TestParseNoJobs(t *testing.T) {
	defs, diagnostics := parseOne(t, `
on:
  push:
`)

	assert.True(t, diagnostics.IsErr())
	assert.ErrorIs(t, diagnostics.Errors[0].Error, ErrNoJobs)
	assert.Empty(t, defs)
}

func TestParseNoSteps(t *testing.T) {
	_, diagnostics := parseOne(t, `
on:
  push:
jobs:
  build:
    runs-on: ubuntu-latest
`)

	assert.True(t, diagnostics.IsErr())
	assert.ErrorIs(t, diagnostics.Errors[0].Error, ErrNoSteps)
	assert.Equal(t, "ci.yml#build", diagnostics.Errors[0].Path)
}

func TestParseAmbiguousStep(t *testing.T) {
	_, diagnostics := parseOne(t, `
on:
  push:
jobs:
  build:
    steps:
      - uses: checkout@v2
        run: make
`)

	assert.True(t, diagnostics.IsErr())
	assert.ErrorIs(t, diagnostics.Errors[0].Error, ErrAmbiguousStep)
	assert.Equal(t, "ci.yml#build.0", diagnostics.Errors[0].Path)
}

func TestParseEmptyStep(t *testing.T) {
	_, diagnostics := parseOne(t, `
on:
  push:
jobs:
  build:
    steps:
      - name: does nothing
`)

	assert.True(t, diagnostics.IsErr())
	assert.ErrorIs(t, diagnostics.Errors[0].Error, ErrEmptyStep)
}

func TestParseBadActionRef(t *testing.T) {
	for _, uses := range []string{"checkout", "checkout@", "@v2"} {
		_, diagnostics := parseOne(t, `
on:
  push:
jobs:
  build:
    steps:
      - uses: "`+uses+`"
`)
		assert.True(t, diagnostics.IsErr(), "%q should be rejected", uses)
		assert.ErrorIs(t, diagnostics.Errors[0].Error, ErrBadActionRef)
	}
}

func TestParseBadTimeout(t *testing.T) {
	_, diagnostics := parseOne(t, `
on:
  push:
jobs:
  build:
    steps:
      - run: make
        timeout: whenever
`)

	assert.True(t, diagnostics.IsErr())
}

func TestParseWarnings(t *testing.T) {
	defs, diagnostics := parseOne(t, `
jobs:
  build:
    steps:
      - run: make
        with:
          ignored: "true"
`)

	assert.False(t, diagnostics.IsErr())
	assert.Len(t, defs, 1, "warnings alone should not drop the definition")
	assert.Len(t, diagnostics.Warnings, 2)
	assert.Equal(t, NeverTriggers, diagnostics.Warnings[0].Type)
	assert.Equal(t, InvalidConfiguration, diagnostics.Warnings[1].Type)
}

func TestParseBadFileDoesNotPoisonOthers(t *testing.T) {
	c := Compiler{}
	defs := c.Parse([]RawFile{
		{Path: "broken.yml", Contents: []byte("jobs: {}")},
		{Path: "ci.yml", Contents: []byte(fullWorkflow)},
	})

	assert.True(t, c.Diagnostics.IsErr())
	assert.Len(t, defs, 1)
	assert.Equal(t, "ci.yml", defs[0].Path)
}
