package oplog_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitbutlerapp/but-core/internal/config"
	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/git/gittest"
	"github.com/gitbutlerapp/but-core/internal/oplog"
	"github.com/gitbutlerapp/but-core/internal/refstore"
	"github.com/gitbutlerapp/but-core/internal/silog/silogtest"
	"github.com/gitbutlerapp/but-core/internal/text"
)

func openFixture(t *testing.T, script string) *git.Worktree {
	t.Helper()

	fixture, err := gittest.LoadFixtureScript([]byte(text.Dedent(script)))
	require.NoError(t, err)
	t.Cleanup(fixture.Cleanup)

	wt, err := git.OpenWorktree(t.Context(), fixture.Dir(), git.OpenOptions{
		Log: silogtest.New(t),
	})
	require.NoError(t, err)
	return wt
}

func TestSnapshot_appendsToChain(t *testing.T) {
	wt := openFixture(t, `
		git init -b main
		git commit --allow-empty -m base
	`)
	repo := wt.Repository()
	ctx := t.Context()

	store := refstore.NewMemStore()
	require.NoError(t, store.SetWorkspace(ctx, "refs/gitbutler/workspace", refstore.Workspace{
		Stacks: []refstore.WorkspaceStack{
			{ID: "stack-1", Branches: []refstore.StackBranch{{RefName: "refs/heads/feature"}}},
		},
	}))

	ol := oplog.New(repo, store, config.Default(), silogtest.New(t))

	first, err := ol.Snapshot(ctx, wt, oplog.Request{Operation: oplog.OpCreateCommit, Message: "first", WorkspaceRef: "main"})
	require.NoError(t, err)
	assert.True(t, first.Parent.IsZero())

	second, err := ol.Snapshot(ctx, wt, oplog.Request{Operation: oplog.OpAmendCommit, Message: "second", WorkspaceRef: "main"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.Parent)

	tip, err := repo.PeelToCommit(ctx, oplog.Ref)
	require.NoError(t, err)
	assert.Equal(t, second.ID, tip)

	snaps, err := ol.List(ctx, 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, oplog.OpAmendCommit, snaps[0].Operation)
	assert.Equal(t, "second", snaps[0].Message)
	assert.Equal(t, oplog.OpCreateCommit, snaps[1].Operation)
}

func TestSnapshot_capturesRefMetadata(t *testing.T) {
	wt := openFixture(t, `
		git init -b main
		git commit --allow-empty -m base
	`)
	repo := wt.Repository()
	ctx := t.Context()

	store := refstore.NewMemStore()
	require.NoError(t, store.SetBranch(ctx, "refs/heads/feature", refstore.Branch{Description: "my feature"}))

	ol := oplog.New(repo, store, config.Default(), silogtest.New(t))
	snap, err := ol.Snapshot(ctx, wt, oplog.Request{Operation: oplog.OpCreateCommit, WorkspaceRef: "main"})
	require.NoError(t, err)
	assert.False(t, snap.BranchesTree.IsZero())

	// Restoring into a fresh store replays the branch metadata back.
	fresh := refstore.NewMemStore()
	ol2 := oplog.New(repo, fresh, config.Default(), silogtest.New(t))
	require.NoError(t, ol2.Restore(ctx, wt, "refs/gitbutler/restored", snap.ID, true))

	b, err := fresh.Branch(ctx, "refs/heads/feature")
	require.NoError(t, err)
	assert.Equal(t, "my feature", b.Description)
}

func TestRestore_refusesWithoutForceWhenWorktreeDiverged(t *testing.T) {
	wt := openFixture(t, `
		git init -b main
		echo original > tracked.txt
		git add tracked.txt
		git commit -m base
	`)
	repo := wt.Repository()
	ctx := t.Context()

	store := refstore.NewMemStore()
	ol := oplog.New(repo, store, config.Default(), silogtest.New(t))

	snap, err := ol.Snapshot(ctx, wt, oplog.Request{Operation: oplog.OpCreateCommit, WorkspaceRef: "main"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(wt.RootDir()+"/tracked.txt", []byte("uncommitted"), 0o644))

	err = ol.Restore(ctx, wt, "refs/gitbutler/workspace", snap.ID, false)
	assert.Error(t, err)
}

func TestShouldAutoSnapshot_trueWhenNeverSnapshotted(t *testing.T) {
	wt := openFixture(t, `
		git init -b main
		git commit --allow-empty -m base
	`)
	repo := wt.Repository()
	ctx := t.Context()

	ol := oplog.New(repo, refstore.NewMemStore(), config.Default(), silogtest.New(t))
	due, err := ol.ShouldAutoSnapshot(ctx, wt, "main")
	require.NoError(t, err)
	assert.True(t, due)
}
