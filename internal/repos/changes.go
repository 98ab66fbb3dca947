package repos

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// FileChange is one changed file reported by a Service implementation.
type FileChange struct {
	Path   string
	Before string
	After  string
}

// ChangeSummary renders a unified diff across the changed files, suitable
// for PR bodies and as evaluation-phase context.
func ChangeSummary(changes []FileChange) (string, error) {
	var b strings.Builder
	for _, c := range changes {
		diff := difflib.UnifiedDiff{
			A:        difflib.SplitLines(c.Before),
			B:        difflib.SplitLines(c.After),
			FromFile: "a/" + c.Path,
			ToFile:   "b/" + c.Path,
			Context:  3,
		}
		text, err := difflib.GetUnifiedDiffString(diff)
		if err != nil {
			return "", fmt.Errorf("failed to diff %s: %w", c.Path, err)
		}
		b.WriteString(text)
	}
	return b.String(), nil
}
