// Package commit implements the Commit Engine (C4): the nine
// user-level operations that create, amend, absorb, move, split, and
// otherwise rewrite commits across the applied stacks, per spec §4.4.
//
// Every operation computes a [rebase.Plan], runs it through
// [rebase.Execute] (C5), folds the result back into the workspace
// commit via [wsref.UpdateWorkspaceCommit] (C2), and finally asks
// [oplog.Oplog] (C7) to record the change. Per spec §7, a snapshot
// failure is logged and swallowed: the mutation it describes already
// succeeded, and refusing to return it to the caller over a
// best-effort history entry would be the wrong trade.
package commit

import (
	"context"
	"fmt"

	"github.com/gitbutlerapp/but-core/internal/config"
	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/graph"
	"github.com/gitbutlerapp/but-core/internal/oplog"
	"github.com/gitbutlerapp/but-core/internal/rebase"
	"github.com/gitbutlerapp/but-core/internal/refstore"
	"github.com/gitbutlerapp/but-core/internal/silog"
	"github.com/gitbutlerapp/but-core/internal/wsref"
)

// Engine is the Commit Engine for one repository's workspace. It
// reads applied-stack state through C1 ([graph]), and writes through
// C5 ([rebase]), C2 ([wsref]), and C7 ([oplog]).
type Engine struct {
	repo  *git.Repository
	wt    *git.Worktree // nil for object-database-only use (tests, server contexts without a checkout)
	store refstore.Store
	cfg   *config.Config
	log   *silog.Logger

	ol *oplog.Oplog

	// WorkspaceRef is the managed workspace ref this engine maintains.
	WorkspaceRef string
}

// New returns an [Engine] operating against repo's workspace ref. wt
// may be nil when the caller only needs object-database mutations
// (the oplog then captures empty conflicts/index trees).
func New(repo *git.Repository, wt *git.Worktree, store refstore.Store, cfg *config.Config, log *silog.Logger, workspaceRef string) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = silog.Nop()
	}
	return &Engine{
		repo:         repo,
		wt:           wt,
		store:        store,
		cfg:          cfg,
		log:          log,
		ol:           oplog.New(repo, store, cfg, log),
		WorkspaceRef: workspaceRef,
	}
}

// loadWorkspace re-traverses and projects the current workspace, the
// ground truth every operation plans against (spec §2's C1→C4 edge).
func (e *Engine) loadWorkspace(ctx context.Context) (*graph.Workspace, error) {
	ws, err := graph.WorkspaceOfRedoneTraversal(ctx, e.repo, e.store, e.WorkspaceRef, nil)
	if err != nil {
		return nil, errs.New(errs.ObjectStore, "commit.loadWorkspace", err)
	}
	return ws, nil
}

// findStack returns the stack with the given id, by index.
func findStack(ws *graph.Workspace, stackID string) (graph.Stack, int, error) {
	for i, s := range ws.Stacks {
		if s.ID == stackID {
			return s, i, nil
		}
	}
	return graph.Stack{}, -1, fmt.Errorf("stack %q is not applied", stackID)
}

// commitsBaseToTip flattens a stack's segments into a single
// base-to-tip commit slice, alongside the ref name (if any) that
// should be reattached directly above each commit's position.
func commitsBaseToTip(s graph.Stack) (commits []git.Commit, refAbove map[git.Hash]string) {
	refAbove = make(map[git.Hash]string)
	for i := len(s.Segments) - 1; i >= 0; i-- {
		seg := s.Segments[i]
		for j := len(seg.Commits) - 1; j >= 0; j-- {
			commits = append(commits, seg.Commits[j])
		}
		if seg.RefName != "" && len(seg.Commits) > 0 {
			refAbove[seg.Commits[0].Hash] = seg.RefName
		} else if seg.RefName != "" {
			// An empty segment's ref sits directly on the segment
			// below's tip; record it against the prior commit added
			// so the reference step still gets emitted.
			if len(commits) > 0 {
				refAbove[commits[len(commits)-1].Hash] = seg.RefName
			}
		}
	}
	return commits, refAbove
}

// branchNames collects every branch ref across a stack's segments,
// base to tip, for the workspace commit's manifest.
func branchNames(s graph.Stack) []string {
	var names []string
	for i := len(s.Segments) - 1; i >= 0; i-- {
		if ref := s.Segments[i].RefName; ref != "" {
			names = append(names, ref)
		}
	}
	return names
}

// refreshWorkspaceCommit re-derives the applied-stack manifest from
// repository state (post any ref updates a plan wrote) and folds it
// into the workspace commit via C2.
func (e *Engine) refreshWorkspaceCommit(ctx context.Context, description string) (*graph.Workspace, wsref.Result, error) {
	ws, err := e.loadWorkspace(ctx)
	if err != nil {
		return nil, wsref.Result{}, err
	}

	if description == "" {
		if cur, err := e.repo.ReadCommit(ctx, e.WorkspaceRef); err == nil {
			if d, _, perr := wsref.ParseMessage(cur.Message()); perr == nil {
				description = d
			}
		}
	}

	stacks := make([]wsref.StackTip, len(ws.Stacks))
	for i, s := range ws.Stacks {
		stacks[i] = wsref.StackTip{ID: s.ID, Tip: s.Tip(), Branches: branchNames(s)}
	}

	res, err := wsref.UpdateWorkspaceCommit(ctx, e.repo, wsref.UpdateRequest{
		WorkspaceRef: e.WorkspaceRef,
		TargetTip:    ws.TargetTip,
		Stacks:       stacks,
		Description:  description,
		MergePolicy:  e.cfg.WorkspaceMerge,
	})
	if err != nil {
		return ws, wsref.Result{}, err
	}
	return ws, res, nil
}

// applyReferences writes every Reference step's resolved ref, per
// [rebase.Output]'s contract that Execute itself never touches a ref.
func (e *Engine) applyReferences(ctx context.Context, out *rebase.Output) error {
	for _, ru := range out.References {
		old := git.ZeroHash
		if cur, err := e.repo.PeelToCommit(ctx, ru.Name); err == nil {
			old = cur
		}
		if err := e.repo.SetRef(ctx, git.SetRefRequest{Ref: ru.Name, Hash: ru.Commit, OldHash: old}); err != nil {
			return errs.New(errs.ObjectStore, "commit.applyReferences", fmt.Errorf("update %s: %w", ru.Name, err))
		}
	}
	return nil
}

// snapshot takes a best-effort oplog snapshot for op. A failure here
// is logged, never returned: the mutation it would describe has
// already landed (spec §7).
func (e *Engine) snapshot(ctx context.Context, op oplog.Operation, message string) {
	if e.ol == nil {
		return
	}
	if _, err := e.ol.Snapshot(ctx, e.wt, oplog.Request{Operation: op, Message: message, WorkspaceRef: e.WorkspaceRef}); err != nil {
		e.log.Warn("commit: snapshot failed, continuing without one", "operation", op, "error", err)
	}
}

// runPlan executes plan through C5 and writes any resulting branch
// references, without touching the workspace commit or oplog. It is
// the first half of [Engine.finish], and IntegrateUpstream calls it
// once per stack before a single workspace-commit refresh. The
// cross-stack paths of Move and SplitBranch do not use it: they call
// [rebase.Execute] for both plans before writing any reference.
func (e *Engine) runPlan(ctx context.Context, plan *rebase.Plan) (*rebase.Output, error) {
	out, err := rebase.Execute(ctx, e.repo, e.cfg, plan)
	if err != nil {
		return nil, err
	}
	if err := e.applyReferences(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// finish runs plan through C5, writes any branch references it
// produced, folds the result into the workspace commit via C2, and
// takes a C7 snapshot. It is the shared tail of every single-plan
// mutating operation in this package.
func (e *Engine) finish(ctx context.Context, plan *rebase.Plan, op oplog.Operation, message string) (*rebase.Output, error) {
	out, err := e.runPlan(ctx, plan)
	if err != nil {
		return nil, err
	}
	if _, _, err := e.refreshWorkspaceCommit(ctx, ""); err != nil {
		return nil, err
	}
	e.snapshot(ctx, op, message)
	return out, nil
}

// buildTreeFromSpecs applies specs to parentTree, reading their
// content from the worktree, and reports any that could not be
// satisfied. tree equals parentTree (with ok=false) if every spec was
// rejected.
func (e *Engine) buildTreeFromSpecs(ctx context.Context, parentTree git.Hash, specs []DiffSpec) (tree git.Hash, rejected []RejectedSpec, ok bool, err error) {
	if e.wt == nil {
		return git.ZeroHash, nil, false, fmt.Errorf("commit: no worktree available to read changes from")
	}

	paths := make([]string, 0, len(specs))
	for _, s := range specs {
		paths = append(paths, s.Path)
	}

	full, err := e.wt.DiffPatchWork(ctx, parentTree.String(), paths...)
	if err != nil {
		return git.ZeroHash, nil, false, fmt.Errorf("diff worktree: %w", err)
	}

	patch, rejected := selectPatch(full, specs)
	if patch == "" {
		return parentTree, rejected, false, nil
	}

	newTree, err := e.repo.ApplyPatch(ctx, git.ApplyPatchRequest{Tree: parentTree, Patch: patch})
	if err != nil {
		return git.ZeroHash, nil, false, fmt.Errorf("apply selected hunks: %w", err)
	}
	return newTree, rejected, true, nil
}
