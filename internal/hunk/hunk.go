// Package hunk implements hunk assignment and dependency tracking
// (C3): for each uncommitted worktree hunk, it decides which stack and
// commit, if any, the hunk is locked to, per spec §4.3.
package hunk

import (
	"context"
	"fmt"
	"sort"

	"github.com/gitbutlerapp/but-core/internal/git"
)

// Lock pins a hunk to a single commit on a single stack: the hunk may
// only be absorbed into that commit, because the commit introduced the
// overlapping region the hunk now touches.
type Lock struct {
	StackID  string
	CommitID git.Hash
}

// Assignment is one worktree hunk's placement decision.
type Assignment struct {
	// Path is the file the hunk belongs to.
	Path string

	// HunkHeader is the hunk's unified-diff header
	// ("@@ -o,l +o,l @@"), or "" when the whole file could not be
	// decomposed into hunks (see [Dependencies.Skipped]).
	HunkHeader string

	// StackID is the single stack this hunk may be freely absorbed
	// into, resolved from Locks. It is "" both when the hunk is
	// unassigned (Locks is empty, free to place on any stack) and
	// when it is conflicting (len(Locks) > 1, ambiguous) — the two
	// are distinguished by inspecting Locks itself.
	StackID string

	// Locks are the (stack, commit) pairs whose committed changes
	// overlap this hunk. Per spec §4.3 policy, more than one entry
	// means more than one stack's history touches the same lines;
	// such a hunk is conflicting and must be committed explicitly.
	Locks []Lock
}

// Dependencies summarizes the hunk-lock computation across the whole
// worktree, for callers (C4's Absorb, in particular) that need the
// full picture rather than a single assignment at a time.
type Dependencies struct {
	// Locks maps each locked hunk (by "path\x00header") to its lock
	// set, mirroring every non-empty Assignment.Locks.
	Locks map[string][]Lock

	// Skipped lists paths whose commit-side diff could not be
	// computed (binary content, or a diff too large for Git to
	// render), per spec §4.3's "Failure" clause. Every worktree hunk
	// on a skipped path is unassigned.
	Skipped []string
}

func lockKey(path, header string) string {
	return path + "\x00" + header
}

// CommitInput is one commit's tree alongside the tree it is diffed
// against to compute its own changes (its parent's tree, or the
// stack's base tree for the bottommost commit).
type CommitInput struct {
	ID         git.Hash
	Tree       git.Hash
	ParentTree git.Hash
}

// StackInput is one applied stack's commits, tip-first (index 0 is the
// stack's topmost commit) — the order spec §4.3's "topmost lock wins"
// policy depends on.
type StackInput struct {
	ID      string
	Commits []CommitInput
}

// Request is the input to [Assign].
type Request struct {
	// Worktree is diffed against Head to compute WorktreeHunks.
	Worktree *git.Worktree

	// Repo is used to diff each commit against its parent tree.
	Repo *git.Repository

	// Head is the tree-ish the worktree is compared against — the
	// workspace commit, or its equivalent, currently checked out.
	Head string

	// Stacks are every stack applied to the workspace.
	Stacks []StackInput
}

type commitRange struct {
	stack   string
	commit  git.Hash
	hunk    git.HunkRange
	topness int // index within the stack's Commits slice; lower is more tip-ward
}

// Assign computes, for every hunk in the worktree, which stack(s) and
// commit(s) it locks to, per spec §4.3's algorithm.
func Assign(ctx context.Context, req Request) ([]Assignment, *Dependencies, error) {
	workByPath := make(map[string]git.FileDiff)
	for fd, err := range req.Worktree.DiffHunksWork(ctx, req.Head) {
		if err != nil {
			return nil, nil, fmt.Errorf("diff worktree: %w", err)
		}
		workByPath[fd.Path] = fd
	}

	ranges := make(map[string][]commitRange) // path -> commit ranges touching it
	skippedSet := make(map[string]bool)

	for _, stack := range req.Stacks {
		for idx, c := range stack.Commits {
			for fd, err := range req.Repo.DiffHunks(ctx, c.ParentTree.String(), c.Tree.String()) {
				if err != nil {
					return nil, nil, fmt.Errorf("diff commit %s: %w", c.ID.Short(), err)
				}
				if fd.Binary {
					skippedSet[fd.Path] = true
					continue
				}
				for _, h := range fd.Hunks {
					ranges[fd.Path] = append(ranges[fd.Path], commitRange{
						stack:   stack.ID,
						commit:  c.ID,
						hunk:    h,
						topness: idx,
					})
				}
			}
		}
	}

	var assignments []Assignment
	locks := make(map[string][]Lock)

	paths := make([]string, 0, len(workByPath))
	for p := range workByPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		fd := workByPath[path]

		if fd.Binary || skippedSet[path] {
			skippedSet[path] = true
			assignments = append(assignments, Assignment{Path: path})
			continue
		}

		for _, wh := range fd.Hunks {
			a := Assignment{Path: path, HunkHeader: wh.Header()}

			// Within each stack, keep only the topmost overlapping
			// commit: amending a lower commit would force
			// re-resolution of every commit above it.
			topmostByStack := make(map[string]commitRange)
			for _, cr := range ranges[path] {
				if !overlaps(wh, cr.hunk) {
					continue
				}
				best, ok := topmostByStack[cr.stack]
				if !ok || cr.topness < best.topness {
					topmostByStack[cr.stack] = cr
				}
			}

			stackIDs := make([]string, 0, len(topmostByStack))
			for id := range topmostByStack {
				stackIDs = append(stackIDs, id)
			}
			sort.Strings(stackIDs)

			for _, id := range stackIDs {
				cr := topmostByStack[id]
				a.Locks = append(a.Locks, Lock{StackID: cr.stack, CommitID: cr.commit})
			}

			if len(a.Locks) == 1 {
				a.StackID = a.Locks[0].StackID
			}
			if len(a.Locks) > 0 {
				locks[lockKey(path, a.HunkHeader)] = a.Locks
			}

			assignments = append(assignments, a)
		}
	}

	skipped := make([]string, 0, len(skippedSet))
	for p := range skippedSet {
		skipped = append(skipped, p)
	}
	sort.Strings(skipped)

	return assignments, &Dependencies{Locks: locks, Skipped: skipped}, nil
}

// overlaps reports whether a WorktreeHunk's old-side range (its
// position in the tree the stacks are built on) intersects a
// CommitHunk's new-side range (its position in that commit's own
// resulting tree). These are the only two ranges expressed in
// comparable coordinates without walking the full history between
// them; spec §4.3's "translated through prior overlapping commits"
// wording is satisfied approximately by the topmost-lock-wins rule
// above, rather than by recomputing a cumulative line shift.
func overlaps(work git.HunkRange, commit git.HunkRange) bool {
	workFrom, workTo := span(work.OldStart, work.OldLines)
	commitFrom, commitTo := span(commit.NewStart, commit.NewLines)
	return workFrom < commitTo && commitFrom < workTo
}

// span converts a possibly-zero-length unified-diff range (a pure
// insertion or deletion carries a zero line count) into a half-open
// [from, to) interval suitable for overlap comparisons. A zero-length
// range is treated as covering the single line immediately at start.
func span(start, lines int) (from, to int) {
	if lines == 0 {
		return start, start + 1
	}
	return start, start + lines
}
