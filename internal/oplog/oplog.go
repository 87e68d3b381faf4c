// Package oplog implements the Oplog/Snapshot component (C7): a
// recoverable point-in-time history of the workspace, stored as a
// chain of commits on a dedicated ref, per spec §4.7 and §6.5.
//
// Every mutating workspace operation calls [Oplog.Snapshot] before it
// is considered complete. A snapshot commit's tree has four fixed
// entries — "workspace/", "virtual_branches/", "conflicts/", and
// "index" — enough to reconstruct the workspace's refs, ref metadata,
// staged changes, and any live merge-conflict state at the time it
// was taken. Snapshots chain by first-parent in the order they were
// created; [Oplog.Restore] walks back to a named one and replays it.
package oplog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/gitbutlerapp/but-core/internal/config"
	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/refstore"
	"github.com/gitbutlerapp/but-core/internal/silog"
)

// Ref is the dedicated ref the snapshot chain lives on (spec §6.5).
// Its tip is always the most recently created snapshot.
const Ref = "refs/gitbutler/oplog"

// Tree entry names fixed by spec §6.5.
const (
	entryWorkspace = "workspace"
	entryBranches  = "virtual_branches"
	entryConflicts = "conflicts"
	entryIndex     = "index"
)

// Commit trailers fixed by spec §6.5.
const (
	trailerOperation = "operation"
	trailerMessage   = "message"
)

// casRetries bounds the number of times [Oplog.Snapshot] retries its
// ref update after losing a race with a concurrent writer, mirroring
// the retry budget of the teacher's ref-backed key-value store.
const casRetries = 5

// Operation names the kind of mutating action a snapshot was taken
// for. Values correspond 1:1 to the C4 Commit Engine's nine
// operations (spec §4.4), plus a handful the oplog itself performs.
type Operation string

// Operations recorded in the "operation" trailer (spec §4.4, §6.5).
const (
	OpCreateCommit     Operation = "commit.create"
	OpAmendCommit      Operation = "commit.amend"
	OpAbsorb           Operation = "commit.absorb"
	OpMoveCommit       Operation = "commit.move"
	OpSplitCommit      Operation = "commit.split"
	OpSplitBranch      Operation = "branch.split"
	OpApplyBranch      Operation = "branch.apply"
	OpUnapplyBranch    Operation = "branch.unapply"
	OpDiscard          Operation = "worktree.discard"
	OpIntegrateUpdates Operation = "commit.integrate_upstream"
	OpRestore          Operation = "oplog.restore"
	OpTeardown         Operation = "workspace.teardown"
)

// Snapshot is one entry in the oplog chain: the commit it corresponds
// to, the operation that produced it, and the four subtree hashes
// that make up its state.
type Snapshot struct {
	// ID is the snapshot commit's hash.
	ID git.Hash
	// Parent is the previous snapshot in the chain, or zero for the
	// first snapshot ever taken.
	Parent git.Hash

	Operation Operation
	// Message is free-form detail about the operation, e.g. which
	// commit or stack it acted on. Empty if none was given.
	Message string

	// CreatedAt is when the snapshot commit was written.
	CreatedAt time.Time

	// WorkspaceTree is the captured repo state: the tree of the
	// workspace ref's tip at snapshot time.
	WorkspaceTree git.Hash
	// BranchesTree holds one blob per ref-metadata entry, laid out
	// the same way [refstore.FileStore] lays out its directory.
	BranchesTree git.Hash
	// ConflictsTree holds the live worktree conflict state, if any,
	// or the empty tree otherwise.
	ConflictsTree git.Hash
	// IndexTree is the tree the active index would produce if
	// committed as-is.
	IndexTree git.Hash
}

// Describe renders a one-line human summary of the snapshot, the way
// a "gitbutler snapshot list" command would: the operation, a
// relative age, and the free-form message if any.
func (s Snapshot) Describe() string {
	age := humanize.Time(s.CreatedAt)
	if s.Message == "" {
		return fmt.Sprintf("%s (%s)", s.Operation, age)
	}
	return fmt.Sprintf("%s: %s (%s)", s.Operation, s.Message, age)
}

// Request describes the mutating operation a snapshot is being taken
// for.
type Request struct {
	Operation Operation
	Message   string

	// WorkspaceRef is the ref whose tip is captured as the
	// "workspace/" entry — normally the managed workspace ref, but
	// tests may point it at any ref with a valid tree.
	WorkspaceRef string
}

// Oplog captures and restores workspace snapshots for one repository.
type Oplog struct {
	repo  *git.Repository
	store refstore.Store
	cfg   *config.Config
	sig   git.Signature
	log   *silog.Logger
}

// New returns an [Oplog] writing snapshots for repo, reading ref
// metadata from store and honoring cfg's large-file and auto-snapshot
// thresholds.
func New(repo *git.Repository, store refstore.Store, cfg *config.Config, log *silog.Logger) *Oplog {
	if log == nil {
		log = silog.Nop()
	}
	return &Oplog{
		repo:  repo,
		store: store,
		cfg:   cfg,
		sig:   git.Signature{Name: "GitButler Oplog", Email: "gitbutler@gitbutler.com"},
		log:   log,
	}
}

// Snapshot captures the current workspace state and appends it to the
// oplog chain, returning the new snapshot. Per spec §7, a failure here
// is the caller's to handle: the commit engine logs and continues
// rather than failing the operation the snapshot was taken for.
func (o *Oplog) Snapshot(ctx context.Context, wt *git.Worktree, req Request) (Snapshot, error) {
	const op = "oplog.Snapshot"

	workspaceTree, err := o.repo.PeelToTree(ctx, req.WorkspaceRef)
	if err != nil {
		return Snapshot{}, errs.New(errs.ObjectStore, op, fmt.Errorf("resolve %q: %w", req.WorkspaceRef, err))
	}

	branchesTree, err := o.buildBranchesTree(ctx)
	if err != nil {
		return Snapshot{}, errs.New(errs.ObjectStore, op, err)
	}

	conflictsTree, err := o.buildConflictsTree(ctx, wt)
	if err != nil {
		return Snapshot{}, errs.New(errs.ObjectStore, op, err)
	}

	indexTree, err := o.buildIndexTree(ctx, wt)
	if err != nil {
		return Snapshot{}, errs.New(errs.ObjectStore, op, err)
	}

	message := string(req.Operation)
	message = git.AppendTrailer(message, trailerOperation, string(req.Operation))
	if req.Message != "" {
		message = git.AppendTrailer(message, trailerMessage, req.Message)
	}

	var result Snapshot
	var updateErr error
	for range casRetries {
		prevCommit, err := o.repo.PeelToCommit(ctx, Ref)
		if err != nil {
			if !errors.Is(err, git.ErrNotExist) {
				return Snapshot{}, errs.New(errs.ObjectStore, op, err)
			}
			prevCommit = git.ZeroHash
		}

		tree, err := o.repo.MakeTree(ctx, func(yield func(git.TreeEntry) bool) {
			entries := []git.TreeEntry{
				{Mode: git.DirMode, Type: git.TreeType, Hash: workspaceTree, Name: entryWorkspace},
				{Mode: git.DirMode, Type: git.TreeType, Hash: branchesTree, Name: entryBranches},
				{Mode: git.DirMode, Type: git.TreeType, Hash: conflictsTree, Name: entryConflicts},
				{Mode: git.DirMode, Type: git.TreeType, Hash: indexTree, Name: entryIndex},
			}
			for _, e := range entries {
				if !yield(e) {
					return
				}
			}
		})
		if err != nil {
			return Snapshot{}, errs.New(errs.ObjectStore, op, fmt.Errorf("make tree: %w", err))
		}

		commitReq := git.CommitTreeRequest{
			Tree:      tree,
			Message:   message,
			Author:    &o.sig,
			Committer: &o.sig,
		}
		if !prevCommit.IsZero() {
			commitReq.Parents = []git.Hash{prevCommit}
		}
		newCommit, err := o.repo.CommitTree(ctx, commitReq)
		if err != nil {
			return Snapshot{}, errs.New(errs.ObjectStore, op, fmt.Errorf("commit-tree: %w", err))
		}

		setReq := git.SetRefRequest{Ref: Ref, Hash: newCommit}
		if !prevCommit.IsZero() {
			setReq.OldHash = prevCommit
		} else {
			setReq.OldHash = git.ZeroHash
		}
		if err := o.repo.SetRef(ctx, setReq); err != nil {
			updateErr = err
			o.log.Warn("oplog: ref update lost a race, retrying", "error", err)
			continue
		}

		result = Snapshot{
			ID:            newCommit,
			Parent:        prevCommit,
			Operation:     req.Operation,
			Message:       req.Message,
			CreatedAt:     time.Now(),
			WorkspaceTree: workspaceTree,
			BranchesTree:  branchesTree,
			ConflictsTree: conflictsTree,
			IndexTree:     indexTree,
		}
		return result, nil
	}

	return Snapshot{}, errs.New(errs.ObjectStore, op, fmt.Errorf("set ref after %d attempts: %w", casRetries, updateErr))
}

// buildBranchesTree lays out one blob per ref-metadata entry under
// "virtual_branches/", in the same filename scheme [refstore.FileStore]
// uses on disk, so a restore can simply replay the blobs back into a
// FileStore directory.
func (o *Oplog) buildBranchesTree(ctx context.Context) (git.Hash, error) {
	if o.store == nil {
		return o.emptyTree(ctx)
	}

	var entries []git.TreeEntry
	for e, err := range o.store.Iter(ctx) {
		if err != nil {
			return git.ZeroHash, fmt.Errorf("iterate ref metadata: %w", err)
		}

		data, err := refstore.EncodeEntry(e)
		if err != nil {
			return git.ZeroHash, err
		}
		blob, err := o.repo.WriteObject(ctx, git.BlobType, bytes.NewReader(data))
		if err != nil {
			return git.ZeroHash, fmt.Errorf("write %q: %w", e.RefName, err)
		}
		entries = append(entries, git.TreeEntry{
			Mode: git.RegularMode,
			Type: git.BlobType,
			Hash: blob,
			Name: refstore.Filename(e.RefName),
		})
	}

	return o.repo.MakeTree(ctx, func(yield func(git.TreeEntry) bool) {
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	})
}

// buildConflictsTree captures any worktree paths Git currently
// reports as unmerged. Files at or above
// cfg.SnapshotLargeFileThreshold are left out of the tree (only a
// warning naming the path is logged); nothing in the tree records them
// (spec §9).
func (o *Oplog) buildConflictsTree(ctx context.Context, wt *git.Worktree) (git.Hash, error) {
	if wt == nil {
		return o.emptyTree(ctx)
	}

	var writes []git.BlobInfo
	for fs, err := range wt.DiffWork(ctx) {
		if err != nil {
			return git.ZeroHash, fmt.Errorf("diff worktree: %w", err)
		}
		if fs.Status != string(git.FileUnmerged) {
			continue
		}

		blob, size, oversize, err := o.snapshotWorktreeFile(ctx, wt, fs.Path)
		if err != nil {
			return git.ZeroHash, fmt.Errorf("snapshot conflicted path %q: %w", fs.Path, err)
		}
		if oversize {
			o.log.Warn("oplog: skipping large conflicted file, referenced by path only",
				"path", fs.Path, "size", humanize.Bytes(uint64(size)))
			continue
		}
		writes = append(writes, git.BlobInfo{Mode: git.RegularMode, Path: fs.Path, Hash: blob})
	}

	if len(writes) == 0 {
		return o.emptyTree(ctx)
	}

	return git.MakeTreeRecursive(ctx, o.repo, func(yield func(git.BlobInfo) bool) {
		for _, w := range writes {
			if !yield(w) {
				return
			}
		}
	})
}

// snapshotWorktreeFile hashes path's current worktree content into
// the object database, unless it is at or above the configured
// large-file threshold, in which case nothing is written and
// oversize reports true.
func (o *Oplog) snapshotWorktreeFile(ctx context.Context, wt *git.Worktree, path string) (blob git.Hash, size int64, oversize bool, err error) {
	full := wt.RootDir() + "/" + path
	info, err := os.Stat(full)
	if err != nil {
		return git.ZeroHash, 0, false, err
	}
	threshold := o.cfg.SnapshotLargeFileThreshold
	if threshold > 0 && info.Size() >= threshold {
		return git.ZeroHash, info.Size(), true, nil
	}

	f, err := os.Open(full)
	if err != nil {
		return git.ZeroHash, 0, false, err
	}
	defer f.Close()

	hash, err := o.repo.WriteObject(ctx, git.BlobType, f)
	if err != nil {
		return git.ZeroHash, 0, false, err
	}
	return hash, info.Size(), false, nil
}

// buildIndexTree writes the active index out as a tree object, per
// spec §6.5's "index" entry. A bare worktree-less snapshot (tests
// exercising C4 operations directly on the object database) uses the
// empty tree instead.
func (o *Oplog) buildIndexTree(ctx context.Context, wt *git.Worktree) (git.Hash, error) {
	if wt == nil {
		return o.emptyTree(ctx)
	}
	tree, err := wt.WriteIndexTree(ctx)
	if err != nil {
		return git.ZeroHash, fmt.Errorf("write index tree: %w", err)
	}
	return tree, nil
}

func (o *Oplog) emptyTree(ctx context.Context) (git.Hash, error) {
	return o.repo.MakeTree(ctx, func(func(git.TreeEntry) bool) {})
}

// List walks the oplog chain from its tip by first-parent, newest
// first, returning at most limit snapshots (0 for unbounded) created
// at or after since (the zero Time for no lower bound).
func (o *Oplog) List(ctx context.Context, limit int, since time.Time) ([]Snapshot, error) {
	const op = "oplog.List"

	tip, err := o.repo.PeelToCommit(ctx, Ref)
	if err != nil {
		if errors.Is(err, git.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.New(errs.ObjectStore, op, err)
	}

	var out []Snapshot
	cur := tip
	for !cur.IsZero() {
		if limit > 0 && len(out) >= limit {
			break
		}

		c, err := o.repo.ReadCommit(ctx, cur.String())
		if err != nil {
			return nil, errs.New(errs.ObjectStore, op, fmt.Errorf("read %s: %w", cur.Short(), err))
		}

		if !since.IsZero() && c.Committer.Time.Before(since) {
			break
		}

		snap, err := o.readSnapshot(ctx, c)
		if err != nil {
			return nil, errs.New(errs.ObjectStore, op, err)
		}
		out = append(out, snap)

		if len(c.Parents) == 0 {
			break
		}
		cur = c.Parents[0]
	}
	return out, nil
}

func (o *Oplog) readSnapshot(ctx context.Context, c git.Commit) (Snapshot, error) {
	entries, err := o.repo.ListTree(ctx, c.Tree, git.ListTreeOptions{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list tree %s: %w", c.Hash.Short(), err)
	}

	snap := Snapshot{
		ID:        c.Hash,
		CreatedAt: c.Committer.Time,
	}
	if len(c.Parents) > 0 {
		snap.Parent = c.Parents[0]
	}
	if v, ok := git.Trailer(c.Message(), trailerOperation); ok {
		snap.Operation = Operation(v)
	}
	if v, ok := git.Trailer(c.Message(), trailerMessage); ok {
		snap.Message = v
	}

	for e, err := range entries {
		if err != nil {
			return Snapshot{}, fmt.Errorf("list tree %s: %w", c.Hash.Short(), err)
		}
		switch e.Name {
		case entryWorkspace:
			snap.WorkspaceTree = e.Hash
		case entryBranches:
			snap.BranchesTree = e.Hash
		case entryConflicts:
			snap.ConflictsTree = e.Hash
		case entryIndex:
			snap.IndexTree = e.Hash
		}
	}
	return snap, nil
}

// Restore reinstates the repository to the state captured by the
// snapshot with the given id: it replays "virtual_branches/" back
// into the ref-metadata store, then resets workspaceRef to the
// snapshot's workspace tree and checks out the worktree to match.
//
// If the worktree has uncommitted changes (staged or unstaged,
// relative to HEAD) and force is false, Restore refuses with
// [errs.RequiresForce] rather than discard uncommitted work silently.
func (o *Oplog) Restore(ctx context.Context, wt *git.Worktree, workspaceRef string, id git.Hash, force bool) error {
	const op = "oplog.Restore"

	c, err := o.repo.ReadCommit(ctx, id.String())
	if err != nil {
		return errs.New(errs.NotFound, op, fmt.Errorf("read snapshot %s: %w", id.Short(), err))
	}
	snap, err := o.readSnapshot(ctx, c)
	if err != nil {
		return errs.New(errs.ObjectStore, op, err)
	}

	if wt != nil && !force {
		diverged, err := worktreeDiverged(ctx, wt)
		if err != nil {
			return errs.New(errs.ObjectStore, op, err)
		}
		if diverged {
			return errs.New(errs.RequiresForce, op, errors.New("worktree has uncommitted changes since the last snapshot")).
				WithRemediation("pass force=true to discard them, or commit/stash first")
		}
	}

	if err := o.restoreBranches(ctx, snap.BranchesTree); err != nil {
		return errs.New(errs.ObjectStore, op, err)
	}

	snapshotCommit, err := o.repo.CommitTree(ctx, git.CommitTreeRequest{
		Tree:    snap.WorkspaceTree,
		Message: "oplog: restore " + id.Short(),
		Parents: currentParent(ctx, o.repo, workspaceRef),
	})
	if err != nil {
		return errs.New(errs.ObjectStore, op, fmt.Errorf("recreate workspace commit: %w", err))
	}

	if err := o.repo.SetRef(ctx, git.SetRefRequest{Ref: workspaceRef, Hash: snapshotCommit}); err != nil {
		return errs.New(errs.ObjectStore, op, err)
	}

	if wt != nil {
		if err := wt.Reset(ctx, snapshotCommit.String(), git.ResetOptions{Mode: git.ResetHard}); err != nil {
			return errs.New(errs.ObjectStore, op, fmt.Errorf("checkout restored state: %w", err))
		}
	}

	return nil
}

// currentParent returns ref's current commit as a single-element
// parent list, or nil if ref does not resolve (a fresh or
// never-initialized workspace).
func currentParent(ctx context.Context, repo *git.Repository, ref string) []git.Hash {
	h, err := repo.PeelToCommit(ctx, ref)
	if err != nil {
		return nil
	}
	return []git.Hash{h}
}

// restoreBranches replays a "virtual_branches/" tree back into the
// metadata store it was captured from.
func (o *Oplog) restoreBranches(ctx context.Context, tree git.Hash) error {
	if o.store == nil || tree.IsZero() {
		return nil
	}

	entries, err := o.repo.ListTree(ctx, tree, git.ListTreeOptions{})
	if err != nil {
		return fmt.Errorf("list virtual_branches tree: %w", err)
	}
	for e, err := range entries {
		if err != nil {
			return fmt.Errorf("list virtual_branches tree: %w", err)
		}

		var buf bytes.Buffer
		if err := o.repo.ReadObject(ctx, git.BlobType, e.Hash, &buf); err != nil {
			return fmt.Errorf("read %s: %w", e.Name, err)
		}

		var disk struct {
			Workspace *refstore.Workspace `yaml:"workspace,omitempty"`
			Branch    *refstore.Branch    `yaml:"branch,omitempty"`
		}
		if err := yaml.Unmarshal(buf.Bytes(), &disk); err != nil {
			return fmt.Errorf("decode %s: %w", e.Name, err)
		}
		switch {
		case disk.Workspace != nil:
			if err := o.store.SetWorkspace(ctx, disk.Workspace.RefInfo.RefName, *disk.Workspace); err != nil {
				return fmt.Errorf("restore workspace %q: %w", disk.Workspace.RefInfo.RefName, err)
			}
		case disk.Branch != nil:
			if err := o.store.SetBranch(ctx, disk.Branch.RefInfo.RefName, *disk.Branch); err != nil {
				return fmt.Errorf("restore branch %q: %w", disk.Branch.RefInfo.RefName, err)
			}
		}
	}
	return nil
}

// worktreeDiverged reports whether the worktree has any uncommitted
// changes (staged or unstaged) relative to HEAD, used by Restore's
// force check.
func worktreeDiverged(ctx context.Context, wt *git.Worktree) (bool, error) {
	for range wt.DiffWork(ctx) {
		return true, nil
	}
	head, err := wt.Head(ctx)
	if err != nil {
		return false, err
	}
	staged, err := wt.DiffIndex(ctx, head.String())
	if err != nil {
		return false, err
	}
	return len(staged) > 0, nil
}

// ShouldAutoSnapshot reports whether enough has changed since the
// last snapshot (by line count or elapsed time) that one should be
// taken proactively, per spec §4.7.
func (o *Oplog) ShouldAutoSnapshot(ctx context.Context, wt *git.Worktree, workspaceRef string) (bool, error) {
	last, err := o.repo.PeelToCommit(ctx, Ref)
	if err != nil {
		if errors.Is(err, git.ErrNotExist) {
			// Never snapshotted: always due.
			return true, nil
		}
		return false, errs.New(errs.ObjectStore, "oplog.ShouldAutoSnapshot", err)
	}

	lastCommit, err := o.repo.ReadCommit(ctx, last.String())
	if err != nil {
		return false, errs.New(errs.ObjectStore, "oplog.ShouldAutoSnapshot", err)
	}
	if time.Since(lastCommit.Committer.Time) >= o.cfg.AutoSnapshotInterval {
		return true, nil
	}

	lastTree, err := o.repo.ListTree(ctx, lastCommit.Tree, git.ListTreeOptions{})
	if err != nil {
		return false, errs.New(errs.ObjectStore, "oplog.ShouldAutoSnapshot", err)
	}
	var lastWorkspaceTree git.Hash
	for e, err := range lastTree {
		if err != nil {
			return false, errs.New(errs.ObjectStore, "oplog.ShouldAutoSnapshot", err)
		}
		if e.Name == entryWorkspace {
			lastWorkspaceTree = e.Hash
		}
	}

	currentTree, err := o.repo.PeelToTree(ctx, workspaceRef)
	if err != nil {
		return false, errs.New(errs.ObjectStore, "oplog.ShouldAutoSnapshot", err)
	}

	lines := 0
	for fd, err := range o.repo.DiffHunks(ctx, lastWorkspaceTree.String(), currentTree.String()) {
		if err != nil {
			return false, errs.New(errs.ObjectStore, "oplog.ShouldAutoSnapshot", err)
		}
		for _, h := range fd.Hunks {
			lines += h.OldLines + h.NewLines
		}
	}

	if wt != nil {
		for fd, err := range wt.DiffHunksWork(ctx, currentTree.String()) {
			if err != nil {
				return false, errs.New(errs.ObjectStore, "oplog.ShouldAutoSnapshot", err)
			}
			for _, h := range fd.Hunks {
				lines += h.OldLines + h.NewLines
			}
		}
	}

	return lines >= o.cfg.AutoSnapshotLines, nil
}
