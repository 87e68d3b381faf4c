package commit

import (
	"context"
	"fmt"

	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/oplog"
	"github.com/gitbutlerapp/but-core/internal/rebase"
)

// SplitRequest partitions an existing commit's changes into two
// commits by file path, per spec §4.4.5. Paths named in Keep stay on
// the first (original-position) commit; every other path the target
// touches moves to a new commit directly above it.
type SplitRequest struct {
	StackID     string
	Target      git.Hash
	Keep        map[string]bool
	KeepMessage string // empty keeps Target's own message
	RestMessage string
}

// SplitResult is the outcome of a Split operation.
type SplitResult struct {
	// Kept is the commit now holding the Keep paths, at Target's old
	// position.
	Kept git.Hash
	// Rest is the new commit holding everything else, directly above
	// Kept. Zero if Target touched nothing outside Keep.
	Rest git.Hash
}

// Split reads Target's own diff against its parent, partitions it by
// path into a "keep" patch and a "rest" patch, and replaces Target
// with one or two commits carrying each — rebasing every descendant
// above it. Each half is expressed as a throwaway commit object fed in
// as a StepPick. The kept half is parented on Target's parent, so it
// picks cleanly onto it. The rest half carries Target's full tree and
// is left parentless, so its merge falls back to the running cursor's
// own tree (the kept half) as the base.
func (e *Engine) Split(ctx context.Context, req SplitRequest) (SplitResult, error) {
	const op = "commit.Split"

	ws, err := e.loadWorkspace(ctx)
	if err != nil {
		return SplitResult{}, err
	}

	stack, _, err := findStack(ws, req.StackID)
	if err != nil {
		return SplitResult{}, errs.New(errs.NotFound, op, err)
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
		return SplitResult{}, errs.New(errs.NotFound, op, fmt.Errorf("commit %s is not in stack %q", req.Target.Short(), req.StackID))
	}

	parentHash := stack.Base
	if idx > 0 {
		parentHash = commits[idx-1].Hash
	}
	parentTree, err := e.repo.PeelToTree(ctx, parentHash.String())
	if err != nil {
		return SplitResult{}, errs.New(errs.ObjectStore, op, err)
	}

	targetCommit, err := e.repo.ReadCommit(ctx, req.Target.String())
	if err != nil {
		return SplitResult{}, errs.New(errs.ObjectStore, op, err)
	}

	fullPatch, err := e.repo.DiffPatch(ctx, parentTree.String(), targetCommit.Tree.String())
	if err != nil {
		return SplitResult{}, errs.New(errs.ObjectStore, op, err)
	}

	keepPatch, restPatch := splitByPaths(fullPatch, req.Keep)

	keepMessage := req.KeepMessage
	if keepMessage == "" {
		keepMessage = targetCommit.Message()
	}

	keepTree := parentTree
	if keepPatch != "" {
		keepTree, err = e.repo.ApplyPatch(ctx, git.ApplyPatchRequest{Tree: parentTree, Patch: keepPatch})
		if err != nil {
			return SplitResult{}, errs.New(errs.ObjectStore, op, fmt.Errorf("apply kept half: %w", err))
		}
	}

	keepSynthetic, err := e.repo.CommitTree(ctx, git.CommitTreeRequest{Tree: keepTree, Message: keepMessage, Parents: []git.Hash{parentHash}})
	if err != nil {
		return SplitResult{}, errs.New(errs.ObjectStore, op, err)
	}

	steps := []rebase.Step{
		{ID: 1, Kind: rebase.StepPick, Commit: keepSynthetic, Order: 1},
	}
	nextID := 2
	lastID := 1

	var restSynthetic git.Hash
	if restPatch != "" {
		restMessage := req.RestMessage
		if restMessage == "" {
			restMessage = keepMessage
		}

		// Left parentless: executePick falls back to the running
		// cursor's own tree (keepTree) when resolving this commit's
		// merge base, since this synthetic commit records no parent
		// of its own.
		restSynthetic, err = e.repo.CommitTree(ctx, git.CommitTreeRequest{Tree: targetCommit.Tree, Message: restMessage})
		if err != nil {
			return SplitResult{}, errs.New(errs.ObjectStore, op, err)
		}

		steps = append(steps, rebase.Step{ID: nextID, Kind: rebase.StepPick, Commit: restSynthetic, DependsOn: []int{lastID}, Order: nextID})
		lastID = nextID
		nextID++
	}

	plan := &rebase.Plan{Base: parentHash, Steps: planTail(steps, nextID, commits, idx+1, refAtTip, topRef(stack), lastID)}

	message := keepMessage
	if restPatch != "" {
		message = req.RestMessage
	}
	out, err := e.finish(ctx, plan, oplog.OpSplitCommit, message)
	if err != nil {
		return SplitResult{}, err
	}

	result := SplitResult{Kept: mappedHash(out, keepSynthetic)}
	if restPatch != "" {
		result.Rest = mappedHash(out, restSynthetic)
	}
	return result, nil
}
