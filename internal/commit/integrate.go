package commit

import (
	"context"
	"fmt"
	"strings"

	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/graph"
	"github.com/gitbutlerapp/but-core/internal/integrate"
	"github.com/gitbutlerapp/but-core/internal/oplog"
	"github.com/gitbutlerapp/but-core/internal/rebase"
)

// Resolution is the per-stack policy [Engine.IntegrateUpstream] applies
// once a stack's relationship to a moved target has been classified,
// per spec §4.4.9.
type Resolution int

const (
	// ResolutionRebase replays the stack's own commits onto the new
	// target tip via C5, the default for a stack with local work the
	// new target hasn't seen yet.
	ResolutionRebase Resolution = iota
	// ResolutionMerge merges the new target tip into the stack,
	// producing a two-parent commit instead of rewriting history.
	ResolutionMerge
	// ResolutionDeleteLocally drops the stack from the workspace and
	// best-effort deletes its local branch refs, for a stack whose
	// commits already landed upstream.
	ResolutionDeleteLocally
	// ResolutionHardReset points every branch ref in the stack
	// directly at the new target tip, discarding the stack's own
	// commits outright.
	ResolutionHardReset
)

// IntegrateUpstreamRequest moves every applied stack's relationship to
// a newly-fetched target tip, per spec §4.4.9.
type IntegrateUpstreamRequest struct {
	// NewTargetTip is the target ref's tip after a fetch.
	NewTargetTip git.Hash

	// Resolutions maps stack id to the policy to apply for that
	// stack. A stack with no entry defaults to ResolutionRebase.
	Resolutions map[string]Resolution
}

// StackIntegration reports, for one stack, whether C6 classified its
// tip as already integrated into the new target tip, and what happened
// to it. WasUpToDate and Integrated both carry that one classification.
type StackIntegration struct {
	StackID      string
	WasUpToDate  bool
	Integrated   bool
	Resolution   Resolution
	NewTip       git.Hash
	Deleted      bool
}

// IntegrateUpstreamResult is the outcome of an IntegrateUpstream
// operation, one entry per stack that was applied at the start.
type IntegrateUpstreamResult struct {
	Stacks []StackIntegration
}

// IntegrateUpstream classifies each applied stack's tip against
// req.NewTargetTip via C6 ([integrate.IsIntegrated]), then applies
// that stack's requested [Resolution]. Every stack converges onto
// req.NewTargetTip one way or another; the workspace commit is
// regenerated once, after every stack has been processed.
func (e *Engine) IntegrateUpstream(ctx context.Context, req IntegrateUpstreamRequest) (IntegrateUpstreamResult, error) {
	const op = "commit.IntegrateUpstream"

	ws, err := e.loadWorkspace(ctx)
	if err != nil {
		return IntegrateUpstreamResult{}, err
	}

	var result IntegrateUpstreamResult
	var toUnapply []string

	for _, stack := range ws.Stacks {
		res := req.Resolutions[stack.ID]

		tip := stack.Tip()
		var isIntegrated bool
		if !tip.IsZero() {
			isIntegrated, err = integrate.IsIntegrated(ctx, e.repo, integrate.Request{
				Commit:          tip,
				TargetRemoteTip: req.NewTargetTip,
				LocalTargetTip:  ws.TargetTip,
			})
			if err != nil {
				return IntegrateUpstreamResult{}, errs.New(errs.ObjectStore, op, err)
			}
		}

		si := StackIntegration{StackID: stack.ID, WasUpToDate: isIntegrated, Integrated: isIntegrated, Resolution: res}

		switch res {
		case ResolutionRebase:
			newTip, err := e.integrateRebaseStack(ctx, stack, req.NewTargetTip)
			if err != nil {
				return IntegrateUpstreamResult{}, err
			}
			si.NewTip = newTip

		case ResolutionMerge:
			newTip, err := e.integrateMergeStack(ctx, stack, req.NewTargetTip)
			if err != nil {
				return IntegrateUpstreamResult{}, err
			}
			si.NewTip = newTip

		case ResolutionDeleteLocally:
			if err := e.integrateDeleteStack(ctx, stack); err != nil {
				return IntegrateUpstreamResult{}, err
			}
			si.Deleted = true
			si.NewTip = req.NewTargetTip
			toUnapply = append(toUnapply, stack.ID)

		case ResolutionHardReset:
			if err := e.integrateHardResetStack(ctx, stack, req.NewTargetTip); err != nil {
				return IntegrateUpstreamResult{}, err
			}
			si.NewTip = req.NewTargetTip

		default:
			return IntegrateUpstreamResult{}, errs.New(errs.InvalidPlan, op, fmt.Errorf("stack %q: unknown resolution %d", stack.ID, res))
		}

		result.Stacks = append(result.Stacks, si)
	}

	if len(toUnapply) > 0 {
		if err := e.dropStacksFromMetadata(ctx, toUnapply); err != nil {
			return IntegrateUpstreamResult{}, err
		}
	}

	if _, _, err := e.refreshWorkspaceCommit(ctx, ""); err != nil {
		return IntegrateUpstreamResult{}, err
	}
	e.snapshot(ctx, oplog.OpIntegrateUpdates, fmt.Sprintf("integrate %d stack(s) onto %s", len(ws.Stacks), req.NewTargetTip.Short()))

	return result, nil
}

// integrateRebaseStack replays stack's own commits onto newBase via
// C5, the same "rebuild above a new parent" shape [Engine.Move] and
// [Engine.SplitBranch] use.
func (e *Engine) integrateRebaseStack(ctx context.Context, stack graph.Stack, newBase git.Hash) (git.Hash, error) {
	commits, refAtTip := commitsBaseToTip(stack)
	if len(commits) == 0 {
		// Nothing of the stack's own to replay; its branch ref(s) move
		// straight to the new base.
		if err := e.retargetBranches(ctx, stack, newBase); err != nil {
			return git.ZeroHash, err
		}
		return newBase, nil
	}

	plan := &rebase.Plan{Base: newBase}
	plan.Steps = planTail(nil, 1, commits, 0, refAtTip, topRef(stack), 0)

	out, err := e.runPlan(ctx, plan)
	if err != nil {
		return git.ZeroHash, err
	}
	return out.TopCommit, nil
}

// integrateMergeStack merges newTarget into stack's tip, producing a
// two-parent commit rather than rewriting the stack's own commits.
func (e *Engine) integrateMergeStack(ctx context.Context, stack graph.Stack, newTarget git.Hash) (git.Hash, error) {
	tip := stack.Tip()
	if tip.IsZero() {
		if err := e.retargetBranches(ctx, stack, newTarget); err != nil {
			return git.ZeroHash, err
		}
		return newTarget, nil
	}

	plan := &rebase.Plan{
		Base: tip,
		Steps: []rebase.Step{
			{ID: 1, Kind: rebase.StepMerge, Commit: newTarget, NewMessage: fmt.Sprintf("Merge %s into %s", newTarget.Short(), topRef(stack)), Order: 1},
		},
	}
	if ref := topRef(stack); ref != "" {
		plan.Steps = append(plan.Steps, rebase.Step{ID: 2, Kind: rebase.StepReference, RefName: ref, DependsOn: []int{1}, Order: 2})
	}

	out, err := e.runPlan(ctx, plan)
	if err != nil {
		return git.ZeroHash, err
	}
	return out.TopCommit, nil
}

// integrateHardResetStack points every branch ref in stack directly
// at newTip, discarding the stack's own commits.
func (e *Engine) integrateHardResetStack(ctx context.Context, stack graph.Stack, newTip git.Hash) error {
	return e.retargetBranches(ctx, stack, newTip)
}

// integrateDeleteStack best-effort deletes every local branch ref in
// stack. Deletion failures (e.g. a ref that was never actually local)
// are ignored: the caller has already decided the stack's commits are
// accounted for upstream, and a dangling ref left behind is harmless.
func (e *Engine) integrateDeleteStack(ctx context.Context, stack graph.Stack) error {
	for _, ref := range branchNames(stack) {
		name := strings.TrimPrefix(ref, "refs/heads/")
		_ = e.repo.DeleteBranch(ctx, name, git.BranchDeleteOptions{Force: true})
	}
	return nil
}

// retargetBranches CAS-updates every branch ref in stack to point at
// target.
func (e *Engine) retargetBranches(ctx context.Context, stack graph.Stack, target git.Hash) error {
	for _, ref := range branchNames(stack) {
		old, err := e.repo.PeelToCommit(ctx, ref)
		if err != nil {
			old = git.ZeroHash
		}
		if err := e.repo.SetRef(ctx, git.SetRefRequest{Ref: ref, Hash: target, OldHash: old}); err != nil {
			return errs.New(errs.ObjectStore, "commit.IntegrateUpstream", fmt.Errorf("retarget %s: %w", ref, err))
		}
	}
	return nil
}

// dropStacksFromMetadata removes the named stack ids from persisted
// Workspace metadata, the same shape [Engine.Unapply] uses for a
// single stack.
func (e *Engine) dropStacksFromMetadata(ctx context.Context, stackIDs []string) error {
	drop := make(map[string]bool, len(stackIDs))
	for _, id := range stackIDs {
		drop[id] = true
	}

	meta, ok, err := e.store.WorkspaceOpt(ctx, e.WorkspaceRef)
	if err != nil {
		return errs.New(errs.ObjectStore, "commit.IntegrateUpstream", err)
	}
	if !ok {
		return nil
	}

	kept := meta.Stacks[:0]
	for _, s := range meta.Stacks {
		if !drop[s.ID] {
			kept = append(kept, s)
		}
	}
	meta.Stacks = kept

	if err := e.store.SetWorkspace(ctx, e.WorkspaceRef, meta); err != nil {
		return errs.New(errs.ObjectStore, "commit.IntegrateUpstream", err)
	}
	return nil
}
