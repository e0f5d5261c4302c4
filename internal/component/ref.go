package component

import (
	"fmt"
	"strings"
)

// Ref is the handle of a component: the name of its container and its own
// name. Relations between components (parent, children, affects) are stored
// as Refs and resolved on use, so cyclic graphs need no special care.
type Ref struct {
	Container string `json:"container"`
	Name      string `json:"name"`
}

// String returns "container/name".
func (r Ref) String() string {
	return r.Container + "/" + r.Name
}

// IsZero reports whether r designates no component.
func (r Ref) IsZero() bool {
	return r.Container == "" && r.Name == ""
}

// ParseRef parses the "container/name" form returned by String.
func ParseRef(s string) (Ref, error) {
	container, name, ok := strings.Cut(s, "/")
	if !ok || container == "" || name == "" {
		return Ref{}, fmt.Errorf("%w: invalid component reference %q", ErrLookup, s)
	}
	return Ref{Container: container, Name: name}, nil
}
