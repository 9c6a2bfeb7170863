package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{"actions/checkout@v2", Ref{"actions/checkout", "v2"}, false},
		{"toolchain@v1", Ref{"toolchain", "v1"}, false},
		{"checkout", Ref{}, true},
		{"checkout@", Ref{}, true},
		{"@v2", Ref{}, true},
		{"", Ref{}, true},
	}

	for _, tt := range tests {
		ref, err := ParseRef(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrBadActionRef, "input %q", tt.in)
			continue
		}
		assert.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, ref)
	}
}

func TestRefString(t *testing.T) {
	assert.Equal(t, "actions/checkout@v2", Ref{Name: "actions/checkout", Version: "v2"}.String())
}
