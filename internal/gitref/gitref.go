// Package gitref normalizes git branch references.
package gitref

import (
	"regexp"
	"strings"
)

// BranchRefPrefix is the namespace of branch references.
const BranchRefPrefix = "refs/heads/"

var commitHashRe = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

// BranchName strips the refs/heads/ prefix from ref.
// Refs without the prefix are returned unchanged.
func BranchName(ref string) string {
	return strings.TrimPrefix(strings.TrimSpace(ref), BranchRefPrefix)
}

// IsCommitHash returns true if ref is a full 40 character hexadecimal commit
// id.
func IsCommitHash(ref string) bool {
	return commitHashRe.MatchString(ref)
}

// Ref is a normalized branch reference.
type Ref struct {
	// Name is the branch name without the refs/heads/ prefix or the commit
	// id if the reference pins a commit.
	Name string
	// Pinned is true when Name is a commit id instead of a branch.
	Pinned bool
}

// Normalize strips the refs/heads/ prefix of ref.
// If the result is a full commit id, the returned Ref is pinned.
func Normalize(ref string) Ref {
	name := BranchName(ref)
	return Ref{
		Name:   name,
		Pinned: IsCommitHash(name),
	}
}

// FullRef returns the fully qualified reference of the branch.
func (r Ref) FullRef() string {
	if r.Pinned {
		return r.Name
	}

	return BranchRefPrefix + r.Name
}

func (r Ref) String() string {
	return r.Name
}

// EqualFold reports whether the branch names are equal, ignoring case and
// the refs/heads/ prefix.
func EqualFold(a, b string) bool {
	return strings.EqualFold(BranchName(a), BranchName(b))
}
