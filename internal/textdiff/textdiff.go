// Package textdiff computes character-level deltas between two versions of
// a field value. The output only feeds audit lines; it never affects
// classification.
package textdiff

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Differ reports the characters present in newText but not oldText (added)
// and those present in oldText but not newText (removed), each concatenated
// in order of appearance.
type Differ interface {
	Diff(oldText, newText string) (added, removed string)
}

// Differ names accepted by ByName.
const (
	NameMyers    = "myers"
	NameSequence = "sequence"
)

// ByName returns the differ registered under name. Empty selects Myers.
func ByName(name string) (Differ, error) {
	switch strings.ToLower(name) {
	case "", NameMyers:
		return Myers{}, nil
	case NameSequence:
		return Sequence{}, nil
	default:
		return nil, fmt.Errorf("unknown differ %q (want %s or %s)", name, NameMyers, NameSequence)
	}
}

// Myers diffs with the Myers algorithm followed by semantic cleanup, which
// merges scattered single-character edits into readable runs.
type Myers struct{}

// Diff implements Differ.
func (Myers) Diff(oldText, newText string) (string, string) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(oldText, newText, false))

	var added, removed strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added.WriteString(d.Text)
		case diffmatchpatch.DiffDelete:
			removed.WriteString(d.Text)
		}
	}
	return added.String(), removed.String()
}

// Sequence diffs rune sequences with difflib's matching-blocks algorithm,
// the longest-common-block matcher popularized by Python's difflib.
type Sequence struct{}

// Diff implements Differ.
func (Sequence) Diff(oldText, newText string) (string, string) {
	a := splitRunes(oldText)
	b := splitRunes(newText)

	var added, removed strings.Builder
	for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
		switch op.Tag {
		case 'r':
			removed.WriteString(strings.Join(a[op.I1:op.I2], ""))
			added.WriteString(strings.Join(b[op.J1:op.J2], ""))
		case 'd':
			removed.WriteString(strings.Join(a[op.I1:op.I2], ""))
		case 'i':
			added.WriteString(strings.Join(b[op.J1:op.J2], ""))
		}
	}
	return added.String(), removed.String()
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
