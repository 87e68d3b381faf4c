// Package graph implements the graph traversal and workspace
// projection component (C1): it walks refs and first-parent commit
// chains into Segments and Stacks, then projects a Workspace view.
package graph

import (
	"github.com/gitbutlerapp/but-core/internal/git"
)

// ManagedMode classifies how the workspace ref relates to the
// managed metadata, per spec §3.
type ManagedMode int

const (
	// AdHoc means there is no recognized workspace commit and no
	// persisted Workspace metadata: the entrypoint is a plain branch
	// tip, with at most one "stack" in play.
	AdHoc ManagedMode = iota
	// Managed means the entrypoint is a recognized WorkspaceCommit
	// backed by persisted Workspace metadata.
	Managed
	// ManagedMissingCommit means Workspace metadata exists but the
	// entrypoint commit is not (or is no longer) a recognized
	// WorkspaceCommit — the workspace ref was reset out from under it.
	ManagedMissingCommit
)

func (m ManagedMode) String() string {
	switch m {
	case AdHoc:
		return "ad-hoc"
	case Managed:
		return "managed"
	case ManagedMissingCommit:
		return "managed-missing-commit"
	default:
		return "unknown"
	}
}

// PushStatus summarizes how a Segment's tip compares to its
// remote-tracking ref, per spec §4.1.
type PushStatus int

const (
	// NothingToPush means the segment's tip matches its remote.
	NothingToPush PushStatus = iota
	// UnpushedCommits means the local tip is ahead of the remote by a
	// fast-forward.
	UnpushedCommits
	// UnpushedCommitsRequiringForce means the local tip has diverged
	// from the remote (neither is an ancestor of the other), so
	// pushing requires a force-push.
	UnpushedCommitsRequiringForce
	// CompletelyUnpushed means the segment has no remote-tracking ref
	// at all.
	CompletelyUnpushed
)

func (s PushStatus) String() string {
	switch s {
	case NothingToPush:
		return "nothing-to-push"
	case UnpushedCommits:
		return "unpushed-commits"
	case UnpushedCommitsRequiringForce:
		return "unpushed-commits-requiring-force"
	case CompletelyUnpushed:
		return "completely-unpushed"
	default:
		return "unknown"
	}
}

// Segment is a maximal chain of commits on a single ref, bounded
// below by another ref or by the stack's base (spec §3).
type Segment struct {
	// RefName is the full ref name for this segment, or "" if the
	// segment is anonymous (no ref points at its tip).
	RefName string

	// Commits are this segment's commits, tip-first (index 0 is the
	// segment's newest commit).
	Commits []git.Commit

	// RemoteRef is this segment's configured remote-tracking ref, or
	// "" if none is configured.
	RemoteRef string

	// PushStatus is computed by [Project]; zero (NothingToPush) until
	// then.
	PushStatus PushStatus

	// Workspace marks the synthetic segment representing the
	// workspace commit itself, when one is present above the stacks.
	Workspace bool
}

// Tip returns the segment's newest commit hash, or [git.ZeroHash] if
// the segment is empty.
func (s Segment) Tip() git.Hash {
	if len(s.Commits) == 0 {
		return git.ZeroHash
	}
	return s.Commits[0].Hash
}

// Stack is an ordered, non-empty sequence of Segments whose commits
// chain through first-parent (spec §3).
type Stack struct {
	// ID is the stack's stable id, empty for an ad-hoc, unmanaged
	// stack that has never been persisted.
	ID string

	// Segments are ordered from the stack's tip (index 0) to its base.
	Segments []Segment

	// Base is the merge base between this stack and the workspace
	// target.
	Base git.Hash
}

// Tip returns the stack's topmost commit hash, or [git.ZeroHash] if
// the stack has no commits at all (every segment empty).
func (s Stack) Tip() git.Hash {
	for _, seg := range s.Segments {
		if t := seg.Tip(); !t.IsZero() {
			return t
		}
	}
	return git.ZeroHash
}

// Workspace is a projected view of a set of concurrently applied
// Stacks (spec §3).
type Workspace struct {
	// Stacks currently applied, ordered by stack id then insertion
	// order (spec §4.2's parent-ordering rule).
	Stacks []Stack

	// TargetRef is the remote-tracking ref stacks are measured
	// against. Empty if no target is configured — tolerated per
	// spec §4.1.
	TargetRef string

	// TargetTip is the resolved commit TargetRef points at, or
	// [git.ZeroHash] if TargetRef is empty or unresolvable.
	TargetTip git.Hash

	// PushRemote is the remote stacks are pushed to.
	PushRemote string

	// ManagedRef is the workspace ref this projection was built from.
	ManagedRef string

	// ManagedMode classifies the entrypoint per the const block above.
	ManagedMode ManagedMode
}

// Overlay virtually adds, hides, or overrides refs for a what-if
// projection without touching the repository (spec §4.1 "Inputs").
type Overlay struct {
	// AddRefs virtually creates or moves refs to the given hashes.
	AddRefs map[string]git.Hash

	// HideRefs virtually removes these refs from consideration, even
	// if they exist in the repository.
	HideRefs map[string]bool
}

func (o *Overlay) addRefs() map[string]git.Hash {
	if o == nil {
		return nil
	}
	return o.AddRefs
}

func (o *Overlay) hideRefs() map[string]bool {
	if o == nil {
		return nil
	}
	return o.HideRefs
}
