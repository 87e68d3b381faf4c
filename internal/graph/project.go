package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/refstore"
)

// Project partitions a traversed [Graph] into a [Workspace] view,
// computing each Segment's push status against its remote-tracking
// ref (spec §4.1 "Push status"). Per-segment comparisons run
// concurrently, since each is an independent pair of local `git`
// invocations.
func Project(ctx context.Context, repo *git.Repository, g *Graph) (*Workspace, error) {
	ws := &Workspace{
		Stacks:      make([]Stack, len(g.Stacks)),
		TargetRef:   g.TargetRef,
		TargetTip:   g.TargetTip,
		PushRemote:  g.PushRemote,
		ManagedRef:  g.ManagedRef,
		ManagedMode: g.ManagedMode,
	}
	copy(ws.Stacks, g.Stacks)

	group, gctx := errgroup.WithContext(ctx)
	for si := range ws.Stacks {
		stack := &ws.Stacks[si]
		stack.Segments = append([]Segment(nil), stack.Segments...)
		for sgi := range stack.Segments {
			seg := &stack.Segments[sgi]
			group.Go(func() error {
				status, remoteRef, err := segmentPushStatus(gctx, repo, *seg)
				if err != nil {
					return err
				}
				seg.PushStatus = status
				seg.RemoteRef = remoteRef
				return nil
			})
		}
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("graph: compute push status: %w", err)
	}

	return ws, nil
}

// WorkspaceOfRedoneTraversal rebuilds the graph from scratch and
// projects it, per spec §4.1's named convenience operation.
func WorkspaceOfRedoneTraversal(ctx context.Context, repo *git.Repository, store refstore.Store, entrypointRef string, overlay *Overlay) (*Workspace, error) {
	g, err := Traverse(ctx, repo, store, entrypointRef, overlay)
	if err != nil {
		return nil, err
	}
	return Project(ctx, repo, g)
}

func segmentPushStatus(ctx context.Context, repo *git.Repository, seg Segment) (PushStatus, string, error) {
	if seg.RefName == "" {
		return CompletelyUnpushed, "", nil
	}

	shortName := strings.TrimPrefix(seg.RefName, "refs/heads/")
	remote, err := repo.BranchUpstream(ctx, shortName)
	if err != nil {
		if errors.Is(err, git.ErrNotExist) {
			return CompletelyUnpushed, "", nil
		}
		return NothingToPush, "", fmt.Errorf("upstream of %q: %w", shortName, err)
	}

	remoteHash, err := repo.PeelToCommit(ctx, remote)
	if err != nil {
		if errors.Is(err, git.ErrNotExist) {
			return CompletelyUnpushed, remote, nil
		}
		return NothingToPush, remote, fmt.Errorf("resolve %q: %w", remote, err)
	}

	tip := seg.Tip()
	switch {
	case tip == remoteHash:
		return NothingToPush, remote, nil
	case repo.IsAncestor(ctx, remoteHash, tip):
		return UnpushedCommits, remote, nil
	default:
		return UnpushedCommitsRequiringForce, remote, nil
	}
}
