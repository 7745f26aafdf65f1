// Package topology validates that a range of commits has the shape created by
// rebasing a branch onto its target while recreating its merge commits.
//
// The validator consumes commit-parent records as printed by
// "git rev-list --parents --topo-order <target>..<head>": newest commit first,
// every commit before its parents and, for merge commits, the commits of the
// merged-in line (the last parent) before the commits of the first parent.
//
// A valid range is a single line of history. Each record must be the
// continuation parent (the last parent) of the previous record. A merge commit
// opens a segment that is closed by the record whose continuation parent is
// the first parent of the merge. Segments can not be nested, a merge commit
// inside an open segment makes the range invalid, as does a segment that is
// still open when the range ends. An empty range is invalid, there is nothing
// to merge.
//
// The validator does not build a graph, it relies on the order guarantee of
// the listing.
package topology
