package commit

import (
	"context"
	"fmt"

	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/graph"
	"github.com/gitbutlerapp/but-core/internal/oplog"
	"github.com/gitbutlerapp/but-core/internal/rebase"
)

// MoveRequest relocates an existing commit to a new position, within
// its own stack or another one, per spec §4.4.4.
type MoveRequest struct {
	SourceStackID string
	Source        git.Hash
	Destination   Destination
}

// MoveResult is the outcome of a Move operation.
type MoveResult struct {
	// NewCommit is Source's hash after the move.
	NewCommit git.Hash
	// Unchanged is true when Source was already at Destination and
	// nothing was written.
	Unchanged bool
}

// Move removes Source from its stack and re-inserts it at
// req.Destination, rebasing whatever sat above it. Spec §4.4.4
// forbids moving a commit to a specific position ([PositionAfter]) in
// a stack other than its own — such a move has no well-defined rebase
// order against a stack the commit was never part of — so that
// combination is rejected outright.
func (e *Engine) Move(ctx context.Context, req MoveRequest) (MoveResult, error) {
	const op = "commit.Move"

	ws, err := e.loadWorkspace(ctx)
	if err != nil {
		return MoveResult{}, err
	}

	srcStack, _, err := findStack(ws, req.SourceStackID)
	if err != nil {
		return MoveResult{}, errs.New(errs.NotFound, op, err)
	}
	srcCommits, _ := commitsBaseToTip(srcStack)

	srcIdx := -1
	for i, c := range srcCommits {
		if c.Hash == req.Source {
			srcIdx = i
			break
		}
	}
	if srcIdx < 0 {
		return MoveResult{}, errs.New(errs.NotFound, op, fmt.Errorf("commit %s is not in stack %q", req.Source.Short(), req.SourceStackID))
	}

	if req.Destination.StackID != req.SourceStackID && req.Destination.Position == PositionAfter {
		return MoveResult{}, errs.New(errs.InvalidPlan, op,
			fmt.Errorf("cannot insert commit %s at a specific position in a different stack", req.Source.Short()))
	}

	if req.Destination.StackID == req.SourceStackID {
		return e.moveWithinStack(ctx, op, srcStack, srcCommits, srcIdx, req.Destination)
	}
	return e.moveAcrossStacks(ctx, ws, op, req.Source, srcStack, srcCommits, srcIdx, req.Destination)
}

// moveWithinStack relocates Source inside its own stack: the affected
// span — from whichever of the old or new position comes first, up to
// the stack's tip — is rebuilt in the new order. If the new position
// resolves to the same spot Source already occupies, nothing is
// written.
func (e *Engine) moveWithinStack(
	ctx context.Context, op string,
	stack graph.Stack, commits []git.Commit, srcIdx int, dest Destination,
) (MoveResult, error) {
	_, refAtTip := commitsBaseToTip(stack)
	// The stack's top ref follows the new top of the stack, not the
	// commit it used to sit on: with no entry here, planTail attaches
	// it after the last step.
	top := topRef(stack)
	for h, ref := range refAtTip {
		if ref == top {
			delete(refAtTip, h)
		}
	}
	source := commits[srcIdx]

	without := make([]git.Commit, 0, len(commits)-1)
	without = append(without, commits[:srcIdx]...)
	without = append(without, commits[srcIdx+1:]...)

	insertAt, err := destIndexWithin(without, dest)
	if err != nil {
		return MoveResult{}, errs.New(errs.NotFound, op, err)
	}

	if insertAt == srcIdx {
		return MoveResult{NewCommit: source.Hash, Unchanged: true}, nil
	}

	newOrder := make([]git.Commit, 0, len(commits))
	newOrder = append(newOrder, without[:insertAt]...)
	newOrder = append(newOrder, source)
	newOrder = append(newOrder, without[insertAt:]...)

	changeStart := srcIdx
	if insertAt < changeStart {
		changeStart = insertAt
	}

	parentHash := stack.Base
	if changeStart > 0 {
		parentHash = newOrder[changeStart-1].Hash
	}

	plan := &rebase.Plan{Base: parentHash}
	plan.Steps = planTail(nil, 1, newOrder, changeStart, refAtTip, topRef(stack), 0)

	out, err := e.finish(ctx, plan, oplog.OpMoveCommit, "")
	if err != nil {
		return MoveResult{}, err
	}

	return MoveResult{NewCommit: mappedHash(out, source.Hash)}, nil
}

// moveAcrossStacks relocates Source out of its own stack and onto the
// top or bottom of a different one (the only positions
// [Engine.Move] allows cross-stack). The source commit is cherry-picked
// directly — no synthetic wrapper commit is needed, since picking a
// commit onto a new parent with its own original parent's tree as the
// merge base is exactly "relocate this commit's diff onto a new base."
// Both stacks' plans are executed to completion before either one's
// references are written, so a failure building the second plan never
// leaves the first stack's ref retargeted with nothing to show for
// it; the workspace commit is refreshed and snapshotted once at the
// end, covering both.
func (e *Engine) moveAcrossStacks(
	ctx context.Context, ws *graph.Workspace, op string,
	source git.Hash, srcStack graph.Stack, srcCommits []git.Commit, srcIdx int, dest Destination,
) (MoveResult, error) {
	_, srcRefAtTip := commitsBaseToTip(srcStack)

	withoutSource := make([]git.Commit, 0, len(srcCommits)-1)
	withoutSource = append(withoutSource, srcCommits[:srcIdx]...)
	withoutSource = append(withoutSource, srcCommits[srcIdx+1:]...)

	srcParentHash := srcStack.Base
	if srcIdx > 0 {
		srcParentHash = srcCommits[srcIdx-1].Hash
	}

	planA := &rebase.Plan{Base: srcParentHash}
	planA.Steps = planTail(nil, 1, withoutSource, 0, srcRefAtTip, topRef(srcStack), 0)

	outA, err := rebase.Execute(ctx, e.repo, e.cfg, planA)
	if err != nil {
		return MoveResult{}, err
	}

	destStack, destCommits, destRefAtTip, idx, parentHash, err := e.resolveDestination(ws, dest)
	if err != nil {
		return MoveResult{}, errs.New(errs.NotFound, op, err)
	}

	planB := &rebase.Plan{
		Base: parentHash,
		Steps: []rebase.Step{
			{ID: 1, Kind: rebase.StepPick, Commit: source, Order: 1},
		},
	}
	planB.Steps = planTail(planB.Steps, 2, destCommits, idx, destRefAtTip, topRef(destStack), 1)

	outB, err := rebase.Execute(ctx, e.repo, e.cfg, planB)
	if err != nil {
		return MoveResult{}, err
	}

	// Both plans have built their commits; only now write refs, so a
	// failure above leaves the repository's refs untouched (spec
	// §4.4's "on any error the refs and metadata are untouched").
	if err := e.applyReferences(ctx, outA); err != nil {
		return MoveResult{}, err
	}
	if err := e.applyReferences(ctx, outB); err != nil {
		return MoveResult{}, err
	}

	if _, _, err := e.refreshWorkspaceCommit(ctx, ""); err != nil {
		return MoveResult{}, err
	}
	e.snapshot(ctx, oplog.OpMoveCommit, "")

	return MoveResult{NewCommit: mappedHash(outB, source)}, nil
}

// destIndexWithin resolves dest against commits (a stack's own
// commits, base to tip, with the commit being moved already removed),
// returning the index to insert at.
func destIndexWithin(commits []git.Commit, dest Destination) (int, error) {
	switch dest.Position {
	case PositionBottom:
		return 0, nil
	case PositionTop:
		return len(commits), nil
	case PositionAfter:
		for i, c := range commits {
			if c.Hash == dest.After {
				return i + 1, nil
			}
		}
		return 0, fmt.Errorf("commit %s is not in stack %q", dest.After.Short(), dest.StackID)
	default:
		return 0, fmt.Errorf("unknown position %d", dest.Position)
	}
}
