package commit

import (
	"context"
	"fmt"

	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/oplog"
	"github.com/gitbutlerapp/but-core/internal/rebase"
)

// AmendRequest describes a rewrite of an existing commit's tree with
// the DiffSpecs selected out of the worktree (spec §4.4.2).
type AmendRequest struct {
	StackID string
	Target  git.Hash
	Specs   []DiffSpec
	Message string // empty keeps Target's own message
}

// AmendResult is the outcome of an Amend operation. NewCommit is the
// zero hash when every spec was rejected, in which case nothing was
// written.
type AmendResult struct {
	NewCommit git.Hash
	Rejected  []RejectedSpec
}

// Amend rewrites Target's tree with the selected hunks and rebases
// every descendant above it. The amending content is expressed as a
// throwaway commit object carrying Target's own original parent's
// tree plus the selected hunks, fed in as a StepFixup depending on a
// StepPick of Target — per [rebase.StepFixup]'s contract, this
// squashes the two into Target's position in the chain.
func (e *Engine) Amend(ctx context.Context, req AmendRequest) (AmendResult, error) {
	const op = "commit.Amend"

	ws, err := e.loadWorkspace(ctx)
	if err != nil {
		return AmendResult{}, err
	}

	stack, _, err := findStack(ws, req.StackID)
	if err != nil {
		return AmendResult{}, errs.New(errs.NotFound, op, err)
	}
	commits, refAtTip := commitsBaseToTip(stack)

	idx := -1
	for i, c := range commits {
		if c.Hash == req.Target {
			idx = i
			break
		}
	}
	if idx < 0 {
		return AmendResult{}, errs.New(errs.NotFound, op, fmt.Errorf("commit %s is not in stack %q", req.Target.Short(), req.StackID))
	}

	parentHash := stack.Base
	if idx > 0 {
		parentHash = commits[idx-1].Hash
	}
	parentTree, err := e.repo.PeelToTree(ctx, parentHash.String())
	if err != nil {
		return AmendResult{}, errs.New(errs.ObjectStore, op, err)
	}

	hunkTree, rejected, ok, err := e.buildTreeFromSpecs(ctx, parentTree, req.Specs)
	if err != nil {
		return AmendResult{}, errs.New(errs.ObjectStore, op, err)
	}
	if !ok {
		return AmendResult{Rejected: rejected}, nil
	}

	// Left parentless: executeFixup falls back to its grandParent's
	// tree (parentTree, the same tree this was built from) when
	// resolving the hunk commit's own base.
	synthetic, err := e.repo.CommitTree(ctx, git.CommitTreeRequest{
		Tree:    hunkTree,
		Message: req.Message,
	})
	if err != nil {
		return AmendResult{}, errs.New(errs.ObjectStore, op, err)
	}

	plan := &rebase.Plan{
		Base: parentHash,
		Steps: []rebase.Step{
			{ID: 1, Kind: rebase.StepPick, Commit: req.Target, Order: 1},
			{ID: 2, Kind: rebase.StepFixup, Commit: synthetic, NewMessage: req.Message, DependsOn: []int{1}, Order: 2},
		},
	}
	plan.Steps = planTail(plan.Steps, 3, commits, idx+1, refAtTip, topRef(stack), 2)

	out, err := e.finish(ctx, plan, oplog.OpAmendCommit, req.Message)
	if err != nil {
		return AmendResult{}, err
	}

	return AmendResult{NewCommit: mappedHash(out, req.Target), Rejected: rejected}, nil
}
