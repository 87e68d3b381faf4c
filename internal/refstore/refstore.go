// Package refstore implements the RefMetadata capability set (spec
// §6.2, §9): a small, pluggable key-value store keyed by ref name,
// holding either a Workspace or a Branch value. Tests use the
// in-memory implementation ([MemStore]); production uses the
// on-disk one ([FileStore]).
package refstore

import (
	"context"
	"iter"
)

// RefInfo is metadata common to every stored ref, independent of
// whether it holds a Workspace or a Branch value.
type RefInfo struct {
	// RefName is the full ref name this metadata describes, e.g.
	// "refs/heads/feature1" or "refs/gitbutler/workspace".
	RefName string
}

// StackBranch is one branch segment within a WorkspaceStack.
type StackBranch struct {
	// RefName is the full ref name of the branch.
	RefName string

	// Archived indicates the branch has been retired from the stack
	// but its history is kept for display purposes.
	Archived bool
}

// WorkspaceStack is one applied stack within a Workspace value,
// identified by a stable id that survives rewrites.
type WorkspaceStack struct {
	// ID is the stack's stable id (a UUID, per spec §3 "Object
	// identity").
	ID string

	// Branches are the stack's segments, ordered from the stack's
	// base to its tip.
	Branches []StackBranch
}

// Workspace is the persisted metadata for a workspace ref: its
// applied stacks, target ref, and push remote.
type Workspace struct {
	RefInfo RefInfo

	// Stacks are the applied stacks, in the deterministic order used
	// to compute the workspace commit's parents (spec §4.2).
	Stacks []WorkspaceStack

	// TargetRef is the remote-tracking ref stacks are measured
	// against, e.g. "refs/remotes/origin/main". Empty if unset.
	TargetRef string

	// PushRemote is the remote stacks are pushed to. Empty if unset.
	PushRemote string
}

// IsDefault reports whether w is the zero value: present in the
// store (the key exists) but carrying no information, as opposed to
// the key being entirely absent. Callers use this together with
// [Store.WorkspaceOpt]'s bool to distinguish the two cases.
func (w Workspace) IsDefault() bool {
	return len(w.Stacks) == 0 && w.TargetRef == "" && w.PushRemote == ""
}

// Review holds the forge review identifiers associated with a
// Branch, if it has been submitted.
type Review struct {
	// PRNumber is the forge-assigned pull/merge request number.
	// Zero if unset.
	PRNumber int

	// ReviewID is an opaque forge-specific review identifier, used by
	// forges that don't key reviews by a simple number. Empty if
	// unset.
	ReviewID string
}

// IsDefault reports whether r carries no review information.
func (r Review) IsDefault() bool {
	return r.PRNumber == 0 && r.ReviewID == ""
}

// Branch is the persisted metadata for a single branch ref.
type Branch struct {
	RefInfo RefInfo

	// Description is a free-form human description of the branch's
	// purpose. Empty if unset.
	Description string

	Review Review
}

// IsDefault reports whether b carries no metadata beyond its ref
// name.
func (b Branch) IsDefault() bool {
	return b.Description == "" && b.Review.IsDefault()
}

// Entry is one (ref name, value) pair as returned by [Store.Iter].
// Value is either a [Workspace] or a [Branch].
type Entry struct {
	RefName string
	Value   any
}

// Store is the RefMetadata capability set consumed by the C1 graph
// projection and by C4's branch apply/unapply operations.
type Store interface {
	// Iter yields every stored entry, in unspecified order.
	Iter(ctx context.Context) iter.Seq2[Entry, error]

	// Workspace returns the stored Workspace for ref, or
	// [ErrNotFound] if no entry exists for ref at all.
	Workspace(ctx context.Context, ref string) (Workspace, error)

	// WorkspaceOpt is like Workspace, but returns ok=false instead of
	// an error when ref has no entry.
	WorkspaceOpt(ctx context.Context, ref string) (w Workspace, ok bool, err error)

	// Branch returns the stored Branch for ref, or [ErrNotFound] if
	// no entry exists for ref at all.
	Branch(ctx context.Context, ref string) (Branch, error)

	// BranchOpt is like Branch, but returns ok=false instead of an
	// error when ref has no entry.
	BranchOpt(ctx context.Context, ref string) (b Branch, ok bool, err error)

	// SetWorkspace stores w under ref, replacing any existing entry
	// (of either kind) for ref.
	SetWorkspace(ctx context.Context, ref string, w Workspace) error

	// SetBranch stores b under ref, replacing any existing entry (of
	// either kind) for ref.
	SetBranch(ctx context.Context, ref string, b Branch) error

	// Remove deletes the entry for ref, reporting whether one existed.
	Remove(ctx context.Context, ref string) (bool, error)
}
