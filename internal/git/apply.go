package git

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gitbutlerapp/but-core/internal/osutil"
)

// ApplyPatchRequest applies a zero-context unified diff onto Tree and
// returns the resulting tree. Patch must apply cleanly against Tree's
// blobs; the commit engine is responsible for resolving this ahead of
// time (spec §4.4's rejected_specs classification) since a dirty apply
// here is surfaced as a single opaque error, not per-hunk detail.
type ApplyPatchRequest struct {
	Tree    Hash
	Patch   string
	Reverse bool
}

// ApplyPatch mirrors [Repository.UpdateTree]'s temp-index trick: load
// Tree into a scratch index, run `git apply` against it, and write the
// result back out as a tree, all without touching the real index or
// worktree.
func (r *Repository) ApplyPatch(ctx context.Context, req ApplyPatchRequest) (_ Hash, err error) {
	indexFile, err := osutil.TempFilePath("", "gs-index-*")
	if err != nil {
		return ZeroHash, fmt.Errorf("create index: %w", err)
	}
	defer func() {
		err = errors.Join(err, os.Remove(indexFile))
	}()

	if err := r.gitCmd(ctx, "read-tree", "--index-output", indexFile, req.Tree.String()).Run(r.exec); err != nil {
		return ZeroHash, fmt.Errorf("read-tree: %w", err)
	}

	args := []string{"apply", "--cached", "--unidiff-zero", "--allow-empty"}
	if req.Reverse {
		args = append(args, "--reverse")
	}
	args = append(args, "-")

	applyCmd := r.gitCmd(ctx, args...).AppendEnv("GIT_INDEX_FILE=" + indexFile).StdinString(req.Patch)
	if err := applyCmd.Run(r.exec); err != nil {
		return ZeroHash, fmt.Errorf("apply: %w", err)
	}

	treeHash, err := r.gitCmd(ctx, "write-tree").AppendEnv("GIT_INDEX_FILE=" + indexFile).OutputString(r.exec)
	if err != nil {
		return ZeroHash, fmt.Errorf("write-tree: %w", err)
	}
	return Hash(treeHash), nil
}

// DiffPatch renders the raw unified-diff text (zero context lines)
// between two trees for the given paths, for callers that need to
// isolate and re-apply individual hunks rather than whole-file
// content — the commit engine's DiffSpec handling, in particular.
func (r *Repository) DiffPatch(ctx context.Context, treeish1, treeish2 string, paths ...string) (string, error) {
	args := []string{"diff", "--no-color", "--find-renames", "--unified=0", treeish1, treeish2}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	out, err := r.gitCmd(ctx, args...).OutputString(r.exec)
	if err != nil {
		return "", fmt.Errorf("diff: %w", err)
	}
	return out, nil
}

// DiffPatchWork renders the raw unified-diff text (zero context
// lines) between treeish and the current worktree contents for the
// given paths (all paths if none given).
func (w *Worktree) DiffPatchWork(ctx context.Context, treeish string, paths ...string) (string, error) {
	args := []string{"diff", "--no-color", "--find-renames", "--unified=0", treeish}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	out, err := w.gitCmd(ctx, args...).OutputString(w.exec)
	if err != nil {
		return "", fmt.Errorf("diff: %w", err)
	}
	return out, nil
}

// ApplyPatchWork applies a zero-context unified diff directly against
// the live worktree and index (unlike [Repository.ApplyPatch], which
// only ever touches a scratch index). Used to discard specific hunks
// of uncommitted work: the patch is the hunk itself, applied with
// Reverse set.
func (w *Worktree) ApplyPatchWork(ctx context.Context, req ApplyPatchRequest) error {
	args := []string{"apply", "--unidiff-zero", "--index"}
	if req.Reverse {
		args = append(args, "--reverse")
	}
	args = append(args, "-")

	if err := w.gitCmd(ctx, args...).StdinString(req.Patch).Run(w.exec); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	return nil
}
