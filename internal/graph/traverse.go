package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/refstore"
)

// workspaceAuthorName and workspaceAuthorEmail identify a
// WorkspaceCommit (spec §6.4). This is the minimal recognition rule
// only; the full update/verify protocol lives in the C2 component,
// which depends on this package rather than the other way around.
const (
	workspaceAuthorName    = "GitButler"
	workspaceAuthorEmail   = "gitbutler@gitbutler.com"
	workspaceMessagePrefix = "GitButler Workspace Commit"
)

func looksLikeWorkspaceCommit(c git.Commit) bool {
	return c.Author.Name == workspaceAuthorName &&
		c.Author.Email == workspaceAuthorEmail &&
		strings.HasPrefix(c.Subject, workspaceMessagePrefix)
}

// Graph is the result of [Traverse]: refs and first-parent commit
// chains partitioned into Segments and Stacks, not yet annotated with
// push status (that's [Project]'s job).
type Graph struct {
	Entrypoint  git.Hash
	Base        git.Hash
	TargetRef   string
	TargetTip   git.Hash
	PushRemote  string
	ManagedRef  string
	ManagedMode ManagedMode
	Stacks      []Stack
}

// Traverse builds a [Graph] starting from entrypointRef (a full ref
// name, or "HEAD"), per spec §4.1. It never modifies the repository.
func Traverse(ctx context.Context, repo *git.Repository, store refstore.Store, entrypointRef string, overlay *Overlay) (*Graph, error) {
	entrypointHash, err := repo.PeelToCommit(ctx, entrypointRef)
	if err != nil {
		if errors.Is(err, git.ErrNotExist) {
			entrypointHash, err = repo.PeelToCommit(ctx, "HEAD")
		}
		if err != nil {
			return nil, fmt.Errorf("graph: resolve entrypoint %q: %w", entrypointRef, err)
		}
	}

	refsByCommit, err := buildRefIndex(ctx, repo, overlay)
	if err != nil {
		return nil, err
	}

	meta, hasMeta, err := store.WorkspaceOpt(ctx, entrypointRef)
	if err != nil {
		return nil, fmt.Errorf("graph: load workspace metadata for %q: %w", entrypointRef, err)
	}

	entrypointCommit, err := repo.ReadCommit(ctx, entrypointHash.String())
	if err != nil {
		return nil, fmt.Errorf("graph: read entrypoint commit %s: %w", entrypointHash.Short(), err)
	}

	g := &Graph{
		Entrypoint: entrypointHash,
		ManagedRef: entrypointRef,
	}

	isWorkspaceCommit := looksLikeWorkspaceCommit(entrypointCommit)
	switch {
	case hasMeta && isWorkspaceCommit:
		g.ManagedMode = Managed
	case hasMeta && !isWorkspaceCommit:
		g.ManagedMode = ManagedMissingCommit
	default:
		g.ManagedMode = AdHoc
	}
	if hasMeta {
		g.TargetRef = meta.TargetRef
		g.PushRemote = meta.PushRemote
	}

	if g.TargetRef != "" {
		tip, err := repo.PeelToCommit(ctx, g.TargetRef)
		if err != nil {
			if !errors.Is(err, git.ErrNotExist) {
				return nil, fmt.Errorf("graph: resolve target ref %q: %w", g.TargetRef, err)
			}
			// Missing target ref is tolerated (spec §4.1 "Failure").
			g.TargetRef = ""
		} else {
			g.TargetTip = tip
		}
	}

	if g.TargetTip.IsZero() {
		g.Base = git.ZeroHash
	} else if repo.IsAncestor(ctx, g.TargetTip, entrypointHash) {
		g.Base = g.TargetTip
	} else {
		base, err := repo.MergeBase(ctx, entrypointHash.String(), g.TargetTip.String())
		if err != nil {
			return nil, fmt.Errorf("graph: merge-base(%s, %s): %w", entrypointHash.Short(), g.TargetTip.Short(), err)
		}
		g.Base = base
	}

	tips, err := stackTips(ctx, repo, entrypointCommit, isWorkspaceCommit, meta, hasMeta)
	if err != nil {
		return nil, err
	}

	commits := make(map[git.Hash]git.Commit)
	for _, st := range tips {
		segs, err := walkSegments(ctx, repo, commits, refsByCommit, st.tip, g.Base)
		if err != nil {
			return nil, fmt.Errorf("graph: walk stack %q: %w", st.id, err)
		}

		base := g.Base
		if !g.TargetTip.IsZero() {
			if mb, err := repo.MergeBase(ctx, st.tip.String(), g.TargetTip.String()); err == nil {
				base = mb
			}
		}

		g.Stacks = append(g.Stacks, Stack{
			ID:       st.id,
			Segments: segs,
			Base:     base,
		})
	}

	return g, nil
}

type stackTip struct {
	id  string
	tip git.Hash
}

// stackTips resolves the ordered list of stack tips for the
// entrypoint, per spec §3 invariant 2 and §4.2 "Parents are the tips
// of applied stacks, in deterministic order (by stack id, then
// insertion order)".
func stackTips(ctx context.Context, repo *git.Repository, entrypoint git.Commit, isWorkspaceCommit bool, meta refstore.Workspace, hasMeta bool) ([]stackTip, error) {
	if hasMeta && len(meta.Stacks) > 0 {
		tips := make([]stackTip, 0, len(meta.Stacks))
		for _, ws := range meta.Stacks {
			tip, err := resolveStackTip(ctx, repo, entrypoint, isWorkspaceCommit, ws)
			if err != nil {
				return nil, err
			}
			if tip.IsZero() {
				continue
			}
			tips = append(tips, stackTip{id: ws.ID, tip: tip})
		}
		sort.SliceStable(tips, func(i, j int) bool { return tips[i].id < tips[j].id })
		return tips, nil
	}

	if isWorkspaceCommit {
		tips := make([]stackTip, 0, len(entrypoint.Parents))
		for _, p := range entrypoint.Parents {
			tips = append(tips, stackTip{id: uuid.New().String(), tip: p})
		}
		return tips, nil
	}

	// A plain (non-workspace) entrypoint is itself a single stack's tip.
	return []stackTip{{id: uuid.New().String(), tip: entrypoint.Hash}}, nil
}

// resolveStackTip finds the current tip commit for a managed stack's
// topmost (non-archived) branch. When the entrypoint is a recognized
// WorkspaceCommit, its parents are authoritative (they reflect the
// actual merged-in state); otherwise (ManagedMissingCommit) the
// branch's own ref is used directly.
func resolveStackTip(ctx context.Context, repo *git.Repository, entrypoint git.Commit, isWorkspaceCommit bool, ws refstore.WorkspaceStack) (git.Hash, error) {
	// Branches is ordered base to tip; the topmost non-archived entry
	// is the one whose ref position reflects the stack's current tip.
	var topRef string
	for i := len(ws.Branches) - 1; i >= 0; i-- {
		if ws.Branches[i].Archived {
			continue
		}
		topRef = ws.Branches[i].RefName
		break
	}
	if topRef == "" {
		return git.ZeroHash, nil
	}

	tip, err := repo.PeelToCommit(ctx, topRef)
	if err != nil {
		if errors.Is(err, git.ErrNotExist) {
			return git.ZeroHash, nil
		}
		return git.ZeroHash, fmt.Errorf("graph: resolve stack branch %q: %w", topRef, err)
	}

	if isWorkspaceCommit {
		for _, p := range entrypoint.Parents {
			if p == tip || repo.IsAncestor(ctx, tip, p) {
				return p, nil
			}
		}
	}
	return tip, nil
}

// buildRefIndex maps each commit hash to the full ref names that
// point directly at it, in a deterministic order, merging in the
// overlay's virtual ref additions/removals.
func buildRefIndex(ctx context.Context, repo *git.Repository, overlay *Overlay) (map[git.Hash][]string, error) {
	entries, err := repo.ListRefs(ctx, "refs/heads/", "refs/remotes/")
	if err != nil {
		return nil, fmt.Errorf("graph: list refs: %w", err)
	}

	hidden := overlay.hideRefs()
	index := make(map[git.Hash][]string)
	for e, err := range entries {
		if err != nil {
			return nil, fmt.Errorf("graph: list refs: %w", err)
		}
		if hidden[e.Name] {
			continue
		}
		index[e.Hash] = append(index[e.Hash], e.Name)
	}

	for name, hash := range overlay.addRefs() {
		if hidden[name] {
			continue
		}
		index[hash] = append(index[hash], name)
	}

	return index, nil
}

// walkSegments walks first-parent from tip down to (but excluding)
// base, materializing a new Segment whenever the current commit has
// one or more refs pointing at it (spec §4.1 "Algorithm"). When
// several refs point at the same commit, the extras become empty
// Segments stacked above it, in ref-index order (spec §4.1).
func walkSegments(ctx context.Context, repo *git.Repository, cache map[git.Hash]git.Commit, refsByCommit map[git.Hash][]string, tip, base git.Hash) ([]Segment, error) {
	if tip.IsZero() {
		return nil, nil
	}

	var segments []Segment

	cur := tip
	for !cur.IsZero() && cur != base {
		c, ok := cache[cur]
		if !ok {
			var err error
			c, err = repo.ReadCommit(ctx, cur.String())
			if err != nil {
				return nil, fmt.Errorf("read commit %s: %w", cur.Short(), err)
			}
			cache[cur] = c
		}

		refs := refsByCommit[cur]
		switch {
		case len(segments) == 0:
			// The last ref (if any) owns this commit; any earlier refs
			// in the list become empty segments stacked above it.
			for i := 0; i < len(refs)-1; i++ {
				segments = append(segments, Segment{RefName: refs[i]})
			}
			owner := ""
			if len(refs) > 0 {
				owner = refs[len(refs)-1]
			}
			segments = append(segments, Segment{RefName: owner})
		case len(refs) > 0:
			for i := 0; i < len(refs)-1; i++ {
				segments = append(segments, Segment{RefName: refs[i]})
			}
			segments = append(segments, Segment{RefName: refs[len(refs)-1]})
		}

		last := &segments[len(segments)-1]
		last.Commits = append(last.Commits, c)

		if len(c.Parents) == 0 {
			break
		}
		cur = c.Parents[0]
	}

	return segments, nil
}
