package commit

import (
	"context"

	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/graph"
	"github.com/gitbutlerapp/but-core/internal/oplog"
	"github.com/gitbutlerapp/but-core/internal/rebase"
)

// CreateRequest describes a new commit to insert into an applied
// stack, built from the DiffSpecs selected out of the worktree (spec
// §4.4.1).
type CreateRequest struct {
	Destination Destination
	Specs       []DiffSpec
	Message     string
}

// CreateResult is the outcome of a Create operation. NewCommit is the
// zero hash when every spec was rejected, in which case nothing was
// written.
type CreateResult struct {
	NewCommit git.Hash
	Rejected  []RejectedSpec
}

// Create builds a new commit from the selected hunks and inserts it
// at req.Destination, rebasing every commit above it. There is no
// dedicated "commit this tree" step kind in [rebase.Plan], so the new
// tree is wrapped in a throwaway commit object parented directly on
// the insertion point and fed in as an ordinary StepPick: picking a
// commit onto its own real parent is a trivial merge that always
// resolves to that commit's own tree.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	const op = "commit.Create"

	ws, err := e.loadWorkspace(ctx)
	if err != nil {
		return CreateResult{}, err
	}

	stack, commits, refAtTip, idx, parentHash, err := e.resolveDestination(ws, req.Destination)
	if err != nil {
		return CreateResult{}, errs.New(errs.NotFound, op, err)
	}

	parentTree, err := e.repo.PeelToTree(ctx, parentHash.String())
	if err != nil {
		return CreateResult{}, errs.New(errs.ObjectStore, op, err)
	}

	newTree, rejected, ok, err := e.buildTreeFromSpecs(ctx, parentTree, req.Specs)
	if err != nil {
		return CreateResult{}, errs.New(errs.ObjectStore, op, err)
	}
	if !ok {
		return CreateResult{Rejected: rejected}, nil
	}

	newCommit, err := e.insertCommit(ctx, op, stack, commits, refAtTip, idx, parentHash, newTree, req.Message, oplog.OpCreateCommit)
	if err != nil {
		return CreateResult{}, err
	}

	return CreateResult{NewCommit: newCommit, Rejected: rejected}, nil
}

// insertCommit picks a throwaway commit carrying tree as its content,
// parented on parentHash, into the stack at idx, and rebases every
// original commit in commits[idx:] above it. It is the shared tail of
// Create and Absorb's blank-commit insertion.
func (e *Engine) insertCommit(ctx context.Context, op string, stack graph.Stack, commits []git.Commit, refAtTip map[git.Hash]string, idx int, parentHash, tree git.Hash, message string, logOp oplog.Operation) (git.Hash, error) {
	synthetic, err := e.repo.CommitTree(ctx, git.CommitTreeRequest{
		Tree:    tree,
		Message: message,
		Parents: []git.Hash{parentHash},
	})
	if err != nil {
		return git.ZeroHash, errs.New(errs.ObjectStore, op, err)
	}

	plan := &rebase.Plan{
		Base: parentHash,
		Steps: []rebase.Step{
			{ID: 1, Kind: rebase.StepPick, Commit: synthetic, Order: 1},
		},
	}
	plan.Steps = planTail(plan.Steps, 2, commits, idx, refAtTip, topRef(stack), 1)

	out, err := e.finish(ctx, plan, logOp, message)
	if err != nil {
		return git.ZeroHash, err
	}
	return mappedHash(out, synthetic), nil
}
