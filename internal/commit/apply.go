package commit

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/graph"
	"github.com/gitbutlerapp/but-core/internal/oplog"
	"github.com/gitbutlerapp/but-core/internal/refstore"
)

// ApplyRequest names a branch to bring into the workspace, per
// spec §4.4.7.
type ApplyRequest struct {
	BranchRef string // e.g. "refs/heads/feature1"
}

// ApplyResult is the outcome of an Apply operation.
type ApplyResult struct {
	StackID   string
	Unchanged bool
}

// Apply brings BranchRef into the workspace. If it is already
// reachable from the workspace entrypoint (one of the stacks'
// segments already carries it), this is a no-op. Otherwise it is
// registered as a new stack and the workspace commit is regenerated
// via C2; per spec §4.4.7's default `OnWorkspaceConflict =
// AbortAndReport`, a merge conflict here is surfaced directly rather
// than retried with a different policy.
//
// An AdHoc workspace — one with no persisted Workspace metadata yet —
// is promoted to Managed the first time a second branch is applied:
// its single implicit stack is recorded explicitly alongside the new
// one, so neither loses its identity once metadata exists.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	const op = "commit.Apply"

	ws, err := e.loadWorkspace(ctx)
	if err != nil {
		return ApplyResult{}, err
	}

	for _, s := range ws.Stacks {
		for _, seg := range s.Segments {
			if seg.RefName == req.BranchRef {
				return ApplyResult{StackID: s.ID, Unchanged: true}, nil
			}
		}
	}

	if _, err := e.repo.PeelToCommit(ctx, req.BranchRef); err != nil {
		return ApplyResult{}, errs.New(errs.NotFound, op, fmt.Errorf("resolve %s: %w", req.BranchRef, err))
	}

	meta, ok, err := e.store.WorkspaceOpt(ctx, e.WorkspaceRef)
	if err != nil {
		return ApplyResult{}, errs.New(errs.ObjectStore, op, err)
	}
	if !ok || meta.IsDefault() {
		// AdHoc: seed the existing stacks explicitly before adding the
		// new one, so promoting to Managed doesn't drop them.
		meta.RefInfo = refstore.RefInfo{RefName: e.WorkspaceRef}
		meta.Stacks = nil
		for _, s := range ws.Stacks {
			meta.Stacks = append(meta.Stacks, workspaceStackOf(s))
		}
	}

	newID := uuid.New().String()
	meta.Stacks = append(meta.Stacks, refstore.WorkspaceStack{
		ID:       newID,
		Branches: []refstore.StackBranch{{RefName: req.BranchRef}},
	})

	if err := e.store.SetWorkspace(ctx, e.WorkspaceRef, meta); err != nil {
		return ApplyResult{}, errs.New(errs.ObjectStore, op, err)
	}

	if _, _, err := e.refreshWorkspaceCommit(ctx, ""); err != nil {
		return ApplyResult{}, err
	}
	e.snapshot(ctx, oplog.OpApplyBranch, fmt.Sprintf("apply %s", req.BranchRef))

	return ApplyResult{StackID: newID}, nil
}

// UnapplyRequest names a stack to remove from the workspace, per
// spec §4.4.7.
type UnapplyRequest struct {
	StackID string
}

// Unapply removes StackID from the applied set and regenerates the
// workspace commit. The stack's branch refs are left exactly where
// they are so the stack can be re-applied later.
func (e *Engine) Unapply(ctx context.Context, req UnapplyRequest) error {
	const op = "commit.Unapply"

	ws, err := e.loadWorkspace(ctx)
	if err != nil {
		return err
	}
	if _, _, err := findStack(ws, req.StackID); err != nil {
		return errs.New(errs.NotFound, op, err)
	}

	meta, ok, err := e.store.WorkspaceOpt(ctx, e.WorkspaceRef)
	if err != nil {
		return errs.New(errs.ObjectStore, op, err)
	}
	if !ok {
		// AdHoc: nothing persisted means there is nothing to drop from
		// metadata beyond the single implicit stack itself.
		meta.RefInfo = refstore.RefInfo{RefName: e.WorkspaceRef}
		for _, s := range ws.Stacks {
			if s.ID == req.StackID {
				continue
			}
			meta.Stacks = append(meta.Stacks, workspaceStackOf(s))
		}
	} else {
		kept := meta.Stacks[:0]
		for _, s := range meta.Stacks {
			if s.ID != req.StackID {
				kept = append(kept, s)
			}
		}
		meta.Stacks = kept
	}

	if err := e.store.SetWorkspace(ctx, e.WorkspaceRef, meta); err != nil {
		return errs.New(errs.ObjectStore, op, err)
	}

	if _, _, err := e.refreshWorkspaceCommit(ctx, ""); err != nil {
		return err
	}
	e.snapshot(ctx, oplog.OpUnapplyBranch, fmt.Sprintf("unapply %s", req.StackID))
	return nil
}

// workspaceStackOf converts a projected [graph.Stack] into the
// persisted metadata shape, base to tip.
func workspaceStackOf(s graph.Stack) refstore.WorkspaceStack {
	ws := refstore.WorkspaceStack{ID: s.ID}
	for i := len(s.Segments) - 1; i >= 0; i-- {
		if ref := s.Segments[i].RefName; ref != "" {
			ws.Branches = append(ws.Branches, refstore.StackBranch{RefName: ref})
		}
	}
	return ws
}
