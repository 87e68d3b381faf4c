// Package integrate implements the integration detector (C6): it
// decides whether a commit's change has already landed on the
// workspace's push target, per spec §4.6.
package integrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
)

// ChangeIDTrailer is the commit trailer key carrying the stable
// "logical change" identifier spec §9 describes: "Given x with
// trailer Change-Id: K on the stack, fetch main such that a commit on
// main has the same trailer K. is_integrated(x, origin/main) must be
// true even though x.id differs from any commit on main."
const ChangeIDTrailer = "Change-Id"

// Request identifies the commit to test and the two ends of the
// target branch's tracking relationship: the remote-tracking ref
// (target_remote, e.g. "origin/main") and the local branch it tracks.
type Request struct {
	// Commit is the commit being tested for integration.
	Commit git.Hash

	// TargetRemoteTip is the tip of the target's remote-tracking ref.
	TargetRemoteTip git.Hash

	// LocalTargetTip is the tip of the local branch TargetRemoteTip
	// tracks. Commits reachable from TargetRemoteTip but not from
	// LocalTargetTip are "upstream" — new arrivals not yet seen
	// locally — per spec §4.6 step 2.
	LocalTargetTip git.Hash
}

// IsIntegrated decides whether req.Commit's change has already landed
// on the target, following the seven-step algorithm of spec §4.6:
// identity, "nothing new upstream", change-id match, commit-id match,
// merge-base identity, and finally a 3-way tree merge against the
// target tip — with empty commits always excluded.
func IsIntegrated(ctx context.Context, repo *git.Repository, req Request) (bool, error) {
	const op = "integrate.IsIntegrated"

	// Step 1: head identity is not proof of integration.
	if req.Commit == req.TargetRemoteTip {
		return false, nil
	}

	upstreamIDs, upstreamChangeIDs, err := upstreamCommits(ctx, repo, req.TargetRemoteTip, req.LocalTargetTip)
	if err != nil {
		return false, errs.New(errs.ObjectStore, op, err)
	}

	// Step 2: nothing new landed upstream since the local target was
	// last observed, so nothing can have been integrated.
	if len(upstreamIDs) == 0 {
		return false, nil
	}

	commit, err := repo.ReadCommit(ctx, req.Commit.String())
	if err != nil {
		return false, errs.New(errs.ObjectStore, op, err)
	}
	message := commit.Message()

	// Step 3: change-id match.
	if changeID, ok := git.Trailer(message, ChangeIDTrailer); ok {
		if upstreamChangeIDs[changeID] {
			return true, nil
		}
	}

	// Step 4: commit-id match.
	if upstreamIDs[req.Commit] {
		return true, nil
	}

	// Step 5: commit is itself an ancestor of the target.
	mergeBase, err := repo.MergeBase(ctx, req.TargetRemoteTip.String(), req.Commit.String())
	if err != nil {
		return false, errs.New(errs.ObjectStore, op, err)
	}
	if mergeBase == req.Commit {
		return true, nil
	}

	// Step 7 (checked ahead of step 6's merge, as in the reference
	// implementation): an empty commit is never considered integrated,
	// since a tree-identity merge result would otherwise false-positive
	// on every no-op pick.
	if len(commit.Parents) > 0 {
		parent, err := repo.ReadCommit(ctx, commit.Parents[0].String())
		if err != nil {
			return false, errs.New(errs.ObjectStore, op, err)
		}
		if commit.Tree == parent.Tree {
			return false, nil
		}
	}

	// Step 6: does a 3-way merge of the commit into the target tree
	// resolve cleanly to the target tree itself?
	targetTree, err := repo.PeelToTree(ctx, req.TargetRemoteTip.String())
	if err != nil {
		return false, errs.New(errs.ObjectStore, op, err)
	}

	mergedTree, err := repo.MergeTree(ctx, git.MergeTreeRequest{
		Branch1:   req.Commit.String(),
		Branch2:   req.TargetRemoteTip.String(),
		MergeBase: mergeBase.String(),
	})
	if err != nil {
		var conflict *git.MergeTreeConflictError
		if errors.As(err, &conflict) {
			return false, nil
		}
		return false, errs.New(errs.ObjectStore, op, err)
	}

	return mergedTree == targetTree, nil
}

// upstreamCommits returns the set of commit hashes and change-ids
// reachable from targetRemoteTip but not from localTargetTip (spec
// §4.6 step 2/3). If localTargetTip is zero (no local tracking branch
// resolved), every ancestor of targetRemoteTip counts as upstream.
func upstreamCommits(ctx context.Context, repo *git.Repository, targetRemoteTip, localTargetTip git.Hash) (map[git.Hash]bool, map[string]bool, error) {
	if targetRemoteTip.IsZero() {
		return nil, nil, nil
	}

	rng := git.CommitRangeFrom(targetRemoteTip.String())
	if !localTargetTip.IsZero() {
		rng = rng.ExcludeFrom(localTargetTip.String())
	}

	ids := make(map[git.Hash]bool)
	changeIDs := make(map[string]bool)
	for hash, err := range repo.ListCommits(ctx, rng) {
		if err != nil {
			return nil, nil, fmt.Errorf("list upstream commits: %w", err)
		}
		ids[hash] = true

		c, err := repo.ReadCommit(ctx, hash.String())
		if err != nil {
			return nil, nil, fmt.Errorf("read upstream commit %s: %w", hash.Short(), err)
		}
		if changeID, ok := git.Trailer(c.Message(), ChangeIDTrailer); ok {
			changeIDs[changeID] = true
		}
	}
	return ids, changeIDs, nil
}
