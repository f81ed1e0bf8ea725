package workspace

import (
	"fmt"
	"regexp"
	"strings"
)

// nonWord matches runs of characters that are not letters, digits, or
// underscores. Each run collapses to a single hyphen in the slug.
var nonWord = regexp.MustCompile(`[^a-z0-9_]+`)

// maxSlugLen bounds the slug portion of a branch name.
const maxSlugLen = 50

// Slug converts a feature name into a branch-safe slug: lowercase, non-word
// runs collapsed to single hyphens, no leading or trailing hyphen, at most
// 50 characters.
func Slug(name string) string {
	s := strings.ToLower(name)
	s = nonWord.ReplaceAllString(s, "-")
	s = strings.ReplaceAll(s, "_", "-")
	// Collapse hyphen runs introduced by the underscore replacement.
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = s[:maxSlugLen]
		s = strings.TrimRight(s, "-")
	}
	return s
}

// BranchName returns the deterministic branch name for a feature.
func BranchName(featureID int, featureName string) string {
	return fmt.Sprintf("feature/%d-%s", featureID, Slug(featureName))
}
