package commit

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/graph"
	"github.com/gitbutlerapp/but-core/internal/oplog"
	"github.com/gitbutlerapp/but-core/internal/rebase"
	"github.com/gitbutlerapp/but-core/internal/refstore"
)

// SplitBranchRequest tears a single segment (BranchRef) off its
// source stack and re-homes it, optionally dropping every file not
// named in Paths from each of its commits, per spec §4.4.6.
type SplitBranchRequest struct {
	// StackID is the stack BranchRef is currently a segment of.
	StackID string
	// BranchRef is the subject segment's ref name.
	BranchRef string

	// NewStack, when true, creates a new stack from the torn-off
	// commits. Otherwise Destination names where in an existing stack
	// they land.
	NewStack bool
	// Destination is the dependent-branch insertion point when
	// NewStack is false: its After field must name a commit already
	// reachable in the destination stack (typically a segment's tip).
	Destination Destination

	// Paths, when non-empty, restricts every torn-off commit to only
	// these file paths; everything else the commit touched is
	// dropped. Empty carries every commit unchanged.
	Paths map[string]bool
}

// SplitBranchResult is the outcome of a SplitBranch operation.
type SplitBranchResult struct {
	// NewStackID is set when NewStack was requested.
	NewStackID string
	// Tip is BranchRef's new location after the tear-off.
	Tip git.Hash
}

// SplitBranch extracts BranchRef's commits from their source stack,
// filters each one down to Paths (dropping any that end up empty —
// "Empty commits after filtering are dropped", spec §4.4.6), and
// either starts a new stack from them or inserts them above an
// existing commit in another (or the same) stack. Each retained
// commit is rebuilt as a synthetic commit on the original commit's
// parent, carrying only the kept paths' diff, then picked onto the
// destination cursor.
func (e *Engine) SplitBranch(ctx context.Context, req SplitBranchRequest) (SplitBranchResult, error) {
	const op = "commit.SplitBranch"

	ws, err := e.loadWorkspace(ctx)
	if err != nil {
		return SplitBranchResult{}, err
	}

	srcStack, _, err := findStack(ws, req.StackID)
	if err != nil {
		return SplitBranchResult{}, errs.New(errs.NotFound, op, err)
	}

	segIdx := -1
	for i, seg := range srcStack.Segments {
		if seg.RefName == req.BranchRef {
			segIdx = i
			break
		}
	}
	if segIdx < 0 {
		return SplitBranchResult{}, errs.New(errs.NotFound, op, fmt.Errorf("branch %q is not a segment of stack %q", req.BranchRef, req.StackID))
	}
	subject := srcStack.Segments[segIdx]
	if len(subject.Commits) == 0 {
		return SplitBranchResult{}, errs.New(errs.InvalidPlan, op, fmt.Errorf("branch %q has no commits to tear off", req.BranchRef))
	}

	srcCommits, srcRefAtTip := commitsBaseToTip(srcStack)

	// subject's own commits occupy a contiguous, base-to-tip range of
	// srcCommits: everything below it (segIdx+1..) contributes lo
	// entries, then len(subject.Commits) entries belong to it.
	lo := 0
	for _, seg := range srcStack.Segments[segIdx+1:] {
		lo += len(seg.Commits)
	}
	hi := lo + len(subject.Commits)

	torn := srcCommits[lo:hi]

	filteredSteps, lastFilteredID, builtAny, err := e.buildCarriedSteps(ctx, torn, req.Paths)
	if err != nil {
		return SplitBranchResult{}, err
	}
	if !builtAny {
		return SplitBranchResult{}, errs.New(errs.InvalidPlan, op, fmt.Errorf("nothing in %q survives filtering to the requested paths", req.BranchRef))
	}

	// Rebuild the source stack without subject's commits, dropping its
	// ref (it is relocating) and reattaching everything that sat above
	// it (closer to the tip) onto whatever now sits below.
	remaining := make([]git.Commit, 0, len(srcCommits)-len(torn))
	remaining = append(remaining, srcCommits[:lo]...)
	remaining = append(remaining, srcCommits[hi:]...)
	remainingRefAtTip := make(map[git.Hash]string, len(srcRefAtTip))
	for h, ref := range srcRefAtTip {
		if ref != req.BranchRef {
			remainingRefAtTip[h] = ref
		}
	}

	srcParent := srcStack.Base
	if lo > 0 {
		srcParent = srcCommits[lo-1].Hash
	}
	planA := &rebase.Plan{Base: srcParent}
	planA.Steps = planTail(nil, 1, remaining, lo, remainingRefAtTip, topRefExcluding(srcStack, req.BranchRef), 0)
	outA, err := rebase.Execute(ctx, e.repo, e.cfg, planA)
	if err != nil {
		return SplitBranchResult{}, err
	}

	// ws still reflects pre-planA state: neither plan's references have
	// been written yet (spec §4.4's transactional guarantee — "on any
	// error the refs and metadata are untouched"), so the destination's
	// commit hashes, which live outside the torn-off range, are not
	// stale.
	var (
		result  SplitBranchResult
		outB    *rebase.Output
		persist func(ctx context.Context) error
	)
	if req.NewStack {
		outB, result, persist, err = e.buildSplitBranchNewStackPlan(ctx, ws, req, filteredSteps, lastFilteredID)
	} else {
		outB, result, err = e.buildSplitBranchExistingPlan(ctx, ws, req, filteredSteps, lastFilteredID)
	}
	if err != nil {
		return SplitBranchResult{}, err
	}

	// Both plans are fully built; only now write anything, so a
	// failure above leaves every ref and metadata entry untouched.
	if err := e.applyReferences(ctx, outA); err != nil {
		return SplitBranchResult{}, err
	}
	if err := e.applyReferences(ctx, outB); err != nil {
		return SplitBranchResult{}, err
	}
	if persist != nil {
		if err := persist(ctx); err != nil {
			return SplitBranchResult{}, err
		}
	}

	if _, _, err := e.refreshWorkspaceCommit(ctx, ""); err != nil {
		return SplitBranchResult{}, err
	}
	e.snapshot(ctx, oplog.OpSplitBranch, fmt.Sprintf("split %s", req.BranchRef))
	return result, nil
}

// buildCarriedSteps turns each commit in torn (base to tip) into a
// StepPick of a filtered synthetic commit parented on the original
// commit's parent, chained by DependsOn. Commits left empty by
// filtering are dropped entirely; builtAny reports whether anything
// survived.
func (e *Engine) buildCarriedSteps(ctx context.Context, torn []git.Commit, carry map[string]bool) (steps []rebase.Step, lastID int, builtAny bool, err error) {
	nextID := 1
	prevID := 0
	for i, c := range torn {
		parentHash := git.ZeroHash
		if len(c.Parents) > 0 {
			parentHash = c.Parents[0]
		}
		var parentTree git.Hash
		if parentHash.IsZero() {
			parentTree = git.ZeroHash
		} else {
			parentTree, err = e.repo.PeelToTree(ctx, parentHash.String())
			if err != nil {
				return nil, 0, false, errs.New(errs.ObjectStore, "commit.SplitBranch", err)
			}
		}

		fullPatch, err := e.repo.DiffPatch(ctx, parentTree.String(), c.Tree.String())
		if err != nil {
			return nil, 0, false, errs.New(errs.ObjectStore, "commit.SplitBranch", err)
		}

		carryPatch := fullPatch
		if len(carry) > 0 {
			carryPatch, _ = splitByPaths(fullPatch, carry)
			if carryPatch == "" {
				continue
			}
		}

		filteredTree := parentTree
		if carryPatch != fullPatch || parentTree.IsZero() {
			filteredTree, err = e.repo.ApplyPatch(ctx, git.ApplyPatchRequest{Tree: parentTree, Patch: carryPatch})
			if err != nil {
				return nil, 0, false, errs.New(errs.ObjectStore, "commit.SplitBranch", fmt.Errorf("apply carried paths for %s: %w", c.Hash.Short(), err))
			}
		} else {
			filteredTree = c.Tree
		}

		var parents []git.Hash
		if !parentHash.IsZero() {
			parents = []git.Hash{parentHash}
		}
		synthetic, err := e.repo.CommitTree(ctx, git.CommitTreeRequest{Tree: filteredTree, Message: c.Message(), Parents: parents})
		if err != nil {
			return nil, 0, false, errs.New(errs.ObjectStore, "commit.SplitBranch", err)
		}

		id := nextID
		nextID++
		var dependsOn []int
		if i > 0 && prevID != 0 {
			dependsOn = []int{prevID}
		}
		steps = append(steps, rebase.Step{ID: id, Kind: rebase.StepPick, Commit: synthetic, DependsOn: dependsOn, Order: id})
		prevID = id
		builtAny = true
	}
	return steps, prevID, builtAny, nil
}

// buildSplitBranchNewStackPlan builds and executes (without writing
// any ref or metadata) the plan that picks filteredSteps onto the
// workspace target tip and attaches BranchRef at the resulting
// cursor. The returned persist closure registers the new stack in ref
// metadata; the caller runs it only after every plan's references
// have been written successfully.
func (e *Engine) buildSplitBranchNewStackPlan(ctx context.Context, ws *graph.Workspace, req SplitBranchRequest, steps []rebase.Step, lastID int) (*rebase.Output, SplitBranchResult, func(context.Context) error, error) {
	const op = "commit.SplitBranch"

	refStep := rebase.Step{ID: lastID + 1, Kind: rebase.StepReference, RefName: req.BranchRef, DependsOn: []int{lastID}, Order: lastID + 1}
	plan := &rebase.Plan{Base: ws.TargetTip, Steps: append(steps, refStep)}

	out, err := rebase.Execute(ctx, e.repo, e.cfg, plan)
	if err != nil {
		return nil, SplitBranchResult{}, nil, err
	}

	newID := uuid.New().String()
	persist := func(ctx context.Context) error {
		meta, ok, err := e.store.WorkspaceOpt(ctx, e.WorkspaceRef)
		if err != nil {
			return errs.New(errs.ObjectStore, op, err)
		}
		if !ok || meta.IsDefault() {
			meta.RefInfo = refstore.RefInfo{RefName: e.WorkspaceRef}
		}
		meta.Stacks = append(meta.Stacks, refstore.WorkspaceStack{
			ID:       newID,
			Branches: []refstore.StackBranch{{RefName: req.BranchRef}},
		})
		if err := e.store.SetWorkspace(ctx, e.WorkspaceRef, meta); err != nil {
			return errs.New(errs.ObjectStore, op, err)
		}
		return nil
	}

	return out, SplitBranchResult{NewStackID: newID, Tip: out.TopCommit}, persist, nil
}

// buildSplitBranchExistingPlan builds and executes (without writing
// any ref) the plan that picks filteredSteps into the middle of an
// existing stack, directly above the commit req.Destination.After
// names (typically a dependent branch marker's tip), rebasing
// whatever sat above that point.
func (e *Engine) buildSplitBranchExistingPlan(ctx context.Context, ws *graph.Workspace, req SplitBranchRequest, steps []rebase.Step, lastID int) (*rebase.Output, SplitBranchResult, error) {
	const op = "commit.SplitBranch"

	destStack, destCommits, destRefAtTip, idx, parentHash, err := e.resolveDestination(ws, req.Destination)
	if err != nil {
		return nil, SplitBranchResult{}, errs.New(errs.NotFound, op, err)
	}

	refStep := rebase.Step{ID: lastID + 1, Kind: rebase.StepReference, RefName: req.BranchRef, DependsOn: []int{lastID}, Order: lastID + 1}
	allSteps := append(steps, refStep)
	allSteps = planTail(allSteps, lastID+2, destCommits, idx, destRefAtTip, topRef(destStack), lastID+1)

	plan := &rebase.Plan{Base: parentHash, Steps: allSteps}
	out, err := rebase.Execute(ctx, e.repo, e.cfg, plan)
	if err != nil {
		return nil, SplitBranchResult{}, err
	}

	tip := out.TopCommit
	for _, ru := range out.References {
		if ru.Name == req.BranchRef {
			tip = ru.Commit
			break
		}
	}
	return out, SplitBranchResult{Tip: tip}, nil
}

// topRefExcluding returns s's top-segment ref name, unless it is
// exclude (the segment being torn off was the stack's topmost one),
// in which case the next segment down (now the new top) is reported.
func topRefExcluding(s graph.Stack, exclude string) string {
	for _, seg := range s.Segments {
		if seg.RefName != "" && seg.RefName != exclude {
			return seg.RefName
		}
	}
	return ""
}
