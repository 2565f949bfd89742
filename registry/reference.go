// Package registry handles image reference construction and the
// pre-push checks the pipeline performs against an OCI registry:
// tag-conflict detection under a configurable policy and best-effort
// repository creation for registries that require it.
package registry

import (
	"fmt"
	"strings"

	orasregistry "oras.land/oras-go/v2/registry"

	cerrors "github.com/conveyorcd/conveyor/errors"
)

// ConflictPolicy controls what happens when the target tag already
// exists in the registry at push time.
type ConflictPolicy string

const (
	// ConflictFail aborts the build stage when the tag already exists.
	ConflictFail ConflictPolicy = "fail"

	// ConflictOverwrite allows the push to replace an existing tag.
	ConflictOverwrite ConflictPolicy = "overwrite"
)

// Validate checks that the policy is one of the known values.
func (p ConflictPolicy) Validate() error {
	switch p {
	case ConflictFail, ConflictOverwrite:
		return nil
	default:
		return cerrors.New(cerrors.CodeInvalidConfig, cerrors.SeverityFatal,
			fmt.Sprintf("unknown conflict policy %q", string(p)))
	}
}

// Reference identifies a tagged image in a registry.
type Reference struct {
	// Registry is the registry host, optionally with a port.
	Registry string

	// Repository is the repository path within the registry.
	Repository string

	// Tag is the image tag.
	Tag string
}

// ParseReference parses a full image reference of the form
// registry/repository:tag. Digest references are rejected; the
// pipeline always pushes by tag.
func ParseReference(s string) (Reference, error) {
	if strings.Contains(s, "@") {
		return Reference{}, cerrors.New(cerrors.CodeInvalidConfig, cerrors.SeverityFatal,
			fmt.Sprintf("digest references are not supported: %q", s))
	}

	parsed, err := orasregistry.ParseReference(s)
	if err != nil {
		return Reference{}, cerrors.Wrap(err, cerrors.CodeInvalidConfig, cerrors.SeverityFatal,
			fmt.Sprintf("invalid image reference %q", s))
	}
	if parsed.Reference == "" {
		return Reference{}, cerrors.New(cerrors.CodeInvalidConfig, cerrors.SeverityFatal,
			fmt.Sprintf("image reference %q has no tag", s))
	}

	return Reference{
		Registry:   parsed.Registry,
		Repository: parsed.Repository,
		Tag:        parsed.Reference,
	}, nil
}

// ImageRef builds the reference for a pipeline run: the run number
// becomes the tag, so successive runs produce distinct tags while
// re-runs of the same number collide and hit the conflict policy.
func ImageRef(registry, repository string, runNumber int) Reference {
	return Reference{
		Registry:   registry,
		Repository: repository,
		Tag:        fmt.Sprintf("%d", runNumber),
	}
}

// String renders the reference in registry/repository:tag form.
func (r Reference) String() string {
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.Tag)
}

// Validate checks the reference has all three components.
func (r Reference) Validate() error {
	if r.Registry == "" || r.Repository == "" || r.Tag == "" {
		return cerrors.New(cerrors.CodeInvalidConfig, cerrors.SeverityFatal,
			fmt.Sprintf("incomplete image reference %q", r.String()))
	}
	return nil
}
