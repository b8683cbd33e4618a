package schema

import (
	_ "crypto/sha256"
	"fmt"
	"strings"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// ValidateSubmissionID ensures an id is usable as a container name component.
// Allowed characters: A-Z, a-z, 0-9, '.', '_', '-'; the first must be alphanumeric.
func ValidateSubmissionID(id SubmissionID) error {
	raw := string(id)
	if raw == "" || strings.TrimSpace(raw) != raw {
		return ErrInvalidSubmission
	}
	for i, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case i > 0 && (r == '.' || r == '_' || r == '-'):
		default:
			return ErrInvalidSubmission
		}
	}
	return nil
}

// NormalizeImageRef validates a repository and content digest and returns the
// canonical repository@digest reference. Tags are rejected so a mutable
// reference can never be run.
func NormalizeImageRef(repository, dgst string) (string, error) {
	repository = strings.TrimSpace(repository)
	dgst = strings.TrimSpace(dgst)
	if repository == "" || dgst == "" {
		return "", ErrInvalidImage
	}
	named, err := reference.ParseNormalizedNamed(repository)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if !reference.IsNameOnly(named) {
		return "", fmt.Errorf("%w: repository %q must not carry a tag or digest", ErrInvalidImage, repository)
	}
	parsed, err := digest.Parse(dgst)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	canonical, err := reference.WithDigest(named, parsed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return canonical.String(), nil
}
