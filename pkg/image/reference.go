package image

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultTag is used when a reference carries no tag.
const DefaultTag = "latest"

// ErrInvalidReference is returned for references with an empty name or tag.
var ErrInvalidReference = errors.New("invalid image reference")

// Reference identifies an image by repository name and tag.
type Reference struct {
	Name string
	Tag  string
}

// ParseReference splits refString at the first ':' into name and tag.
func ParseReference(refString string) (Reference, error) {
	name, tag, found := strings.Cut(refString, ":")
	if !found {
		tag = DefaultTag
	}

	if name == "" {
		return Reference{}, fmt.Errorf("%w %q: empty name", ErrInvalidReference, refString)
	}
	if tag == "" {
		return Reference{}, fmt.Errorf("%w %q: empty tag", ErrInvalidReference, refString)
	}

	return Reference{Name: name, Tag: tag}, nil
}

// Repository returns the registry repository path for the reference.
// Single-segment names such as "alpine" live under namespace.
func (r Reference) Repository(namespace string) string {
	if strings.Contains(r.Name, "/") || namespace == "" {
		return r.Name
	}
	return namespace + "/" + r.Name
}

func (r Reference) String() string {
	return r.Name + ":" + r.Tag
}
