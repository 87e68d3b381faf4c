package commit

import (
	"context"
	"fmt"

	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
)

// DiscardRequest selects uncommitted worktree changes to throw away,
// per spec §4.4.8.
type DiscardRequest struct {
	Specs []DiffSpec
}

// DiscardResult is the outcome of a Discard operation.
type DiscardResult struct {
	Discarded []DiffSpec
	Rejected  []RejectedSpec
}

// Discard applies the inverse of each selected hunk directly to the
// worktree and index, unlike every other operation in this package,
// which only ever creates new commit objects. A spec naming a path
// inside a submodule is rejected rather than applied: a hunk-level
// patch has no well-defined inverse across a submodule boundary.
func (e *Engine) Discard(ctx context.Context, req DiscardRequest) (DiscardResult, error) {
	const op = "commit.Discard"

	if e.wt == nil {
		return DiscardResult{}, errs.New(errs.ObjectStore, op, fmt.Errorf("commit: no worktree available to discard changes in"))
	}

	head, err := e.wt.Head(ctx)
	if err != nil {
		return DiscardResult{}, errs.New(errs.ObjectStore, op, err)
	}
	headTree, err := e.repo.PeelToTree(ctx, head.String())
	if err != nil {
		return DiscardResult{}, errs.New(errs.ObjectStore, op, err)
	}

	submodules, err := submodulePaths(ctx, e.repo, headTree)
	if err != nil {
		return DiscardResult{}, errs.New(errs.ObjectStore, op, err)
	}

	var allowed []DiffSpec
	var rejected []RejectedSpec
	for _, s := range req.Specs {
		if submodules[s.Path] {
			rejected = append(rejected, RejectedSpec{Spec: s, Reason: FileNotFound})
			continue
		}
		allowed = append(allowed, s)
	}
	if len(allowed) == 0 {
		return DiscardResult{Rejected: rejected}, nil
	}

	paths := make([]string, 0, len(allowed))
	for _, s := range allowed {
		paths = append(paths, s.Path)
	}
	full, err := e.wt.DiffPatchWork(ctx, headTree.String(), paths...)
	if err != nil {
		return DiscardResult{}, errs.New(errs.ObjectStore, op, err)
	}

	patch, moreRejected := selectPatch(full, allowed)
	rejected = append(rejected, moreRejected...)
	if patch == "" {
		return DiscardResult{Rejected: rejected}, nil
	}

	if err := e.wt.ApplyPatchWork(ctx, git.ApplyPatchRequest{Patch: patch, Reverse: true}); err != nil {
		return DiscardResult{}, errs.New(errs.ObjectStore, op, err)
	}

	discarded := make([]DiffSpec, 0, len(allowed))
	for _, s := range allowed {
		if !rejectedContains(rejected, s.Path) {
			discarded = append(discarded, s)
		}
	}
	return DiscardResult{Discarded: discarded, Rejected: rejected}, nil
}

// submodulePaths lists every gitlink (submodule) entry in tree, by
// path, so Discard can refuse to cross one.
func submodulePaths(ctx context.Context, repo *git.Repository, tree git.Hash) (map[string]bool, error) {
	entries, err := repo.ListTree(ctx, tree, git.ListTreeOptions{Recurse: true})
	if err != nil {
		return nil, fmt.Errorf("list tree: %w", err)
	}
	paths := make(map[string]bool)
	for ent, err := range entries {
		if err != nil {
			return nil, fmt.Errorf("list tree: %w", err)
		}
		if ent.Type == git.CommitType {
			paths[ent.Name] = true
		}
	}
	return paths, nil
}

func rejectedContains(rejected []RejectedSpec, path string) bool {
	for _, r := range rejected {
		if r.Spec.Path == path && r.Reason == HunkDoesNotApply {
			return true
		}
	}
	return false
}
