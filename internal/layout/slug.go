package layout

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidSlug is wrapped by every slug validation failure.
var ErrInvalidSlug = errors.New("invalid slug")

var (
	slugPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
	maxSlugLen  = 64
)

// ValidateSlug checks that a municipality slug is safe to use as a
// directory name. Slugs are lower-case and contain only [a-z0-9_-].
func ValidateSlug(s string) error {
	if s == "" {
		return fmt.Errorf("%w: slug cannot be empty", ErrInvalidSlug)
	}

	if len(s) > maxSlugLen {
		return fmt.Errorf("%w: slug exceeds maximum length of %d bytes", ErrInvalidSlug, maxSlugLen)
	}

	if !slugPattern.MatchString(s) {
		return fmt.Errorf("%w %q: must be lowercase and contain only [a-z0-9_-]", ErrInvalidSlug, s)
	}

	return nil
}

// ValidateSlugs validates every slug and rejects duplicates, preserving order.
func ValidateSlugs(slugs []string) error {
	seen := make(map[string]bool, len(slugs))
	for _, s := range slugs {
		if err := ValidateSlug(s); err != nil {
			return err
		}
		if seen[s] {
			return fmt.Errorf("%w: duplicate slug %q", ErrInvalidSlug, s)
		}
		seen[s] = true
	}
	return nil
}
