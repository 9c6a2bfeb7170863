package workflow

import (
	"fmt"
	"strings"
)

// Ref is a parsed `uses: name@version` action reference. Both the
// compiler and the action resolver validate references through
// ParseRef so the syntax is defined in exactly one place.
type Ref struct {
	Name    string
	Version string
}

func (r Ref) String() string {
	return r.Name + "@" + r.Version
}

func ParseRef(s string) (Ref, error) {
	name, version, ok := strings.Cut(s, "@")
	if !ok || name == "" || version == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrBadActionRef, s)
	}
	return Ref{Name: name, Version: version}, nil
}
