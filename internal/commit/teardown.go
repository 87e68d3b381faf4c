package commit

import (
	"context"
	"fmt"

	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/oplog"
	"github.com/gitbutlerapp/but-core/internal/wsref"
)

// TeardownResult reports what [Engine.Teardown] found and, if
// anything, undid.
type TeardownResult struct {
	// Clean is true when the workspace ref already was an ordinary
	// WorkspaceCommit with nothing dangling above it; Teardown did
	// nothing.
	Clean bool
	// WorkspaceCommit is the nearest recognized workspace commit
	// found below the ref's tip.
	WorkspaceCommit git.Hash
	// Dangling lists the commits (nearest first) that were sitting
	// above WorkspaceCommit and were unwound.
	Dangling []git.Hash
}

// Teardown detects commits made directly on the workspace ref,
// bypassing the Commit Engine (spec §8 scenario 6, §4.7's supplemented
// teardown feature), and resets the ref back to the last genuine
// workspace commit. It never discards the dangling work itself: a
// mixed reset leaves every path those commits touched as uncommitted
// changes in the worktree, exactly as if the commits had never been
// made. If the workspace ref has no worktree attached (object-database
// only use), only the ref is moved — there is nothing to reset.
func (e *Engine) Teardown(ctx context.Context) (TeardownResult, error) {
	const op = "commit.Teardown"

	verify, err := wsref.VerifyWorkspace(ctx, e.repo, e.WorkspaceRef)
	if err != nil {
		return TeardownResult{}, err
	}
	if len(verify.Dangling) == 0 {
		return TeardownResult{Clean: true, WorkspaceCommit: verify.WorkspaceCommit}, nil
	}
	if verify.WorkspaceCommit.IsZero() {
		return TeardownResult{}, errs.New(errs.NotFound, op, fmt.Errorf("no workspace commit found below %s", e.WorkspaceRef))
	}

	e.snapshot(ctx, oplog.OpTeardown, fmt.Sprintf("teardown: %d dangling commit(s)", len(verify.Dangling)))

	old, err := e.repo.PeelToCommit(ctx, e.WorkspaceRef)
	if err != nil {
		return TeardownResult{}, errs.New(errs.ObjectStore, op, err)
	}
	if err := e.repo.SetRef(ctx, git.SetRefRequest{Ref: e.WorkspaceRef, Hash: verify.WorkspaceCommit, OldHash: old}); err != nil {
		return TeardownResult{}, errs.New(errs.ObjectStore, op, fmt.Errorf("reset %s: %w", e.WorkspaceRef, err))
	}

	if e.wt != nil {
		if err := e.wt.Reset(ctx, verify.WorkspaceCommit.String(), git.ResetOptions{Mode: git.ResetMixed}); err != nil {
			return TeardownResult{}, errs.New(errs.ObjectStore, op, fmt.Errorf("reset worktree: %w", err))
		}
	}

	return TeardownResult{WorkspaceCommit: verify.WorkspaceCommit, Dangling: verify.Dangling}, nil
}
