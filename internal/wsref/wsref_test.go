package wsref_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitbutlerapp/but-core/internal/config"
	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/git/gittest"
	"github.com/gitbutlerapp/but-core/internal/silog/silogtest"
	"github.com/gitbutlerapp/but-core/internal/text"
	"github.com/gitbutlerapp/but-core/internal/wsref"
)

func openFixture(t *testing.T, script string) *git.Repository {
	t.Helper()

	fixture, err := gittest.LoadFixtureScript([]byte(text.Dedent(script)))
	require.NoError(t, err)
	t.Cleanup(fixture.Cleanup)

	repo, err := git.Open(t.Context(), fixture.Dir(), git.OpenOptions{
		Log: silogtest.New(t),
	})
	require.NoError(t, err)
	return repo
}

func TestBuildMessage_parseRoundtrip(t *testing.T) {
	stacks := []wsref.StackTip{
		{ID: "a-id", Tip: git.Hash("1111111111111111111111111111111111111111"), Branches: []string{"stack-a"}},
		{ID: "b-id", Tip: git.Hash("2222222222222222222222222222222222222222"), Branches: []string{"stack-b", "stack-b-sub"}},
	}

	msg, err := wsref.BuildMessage("applies stack-a and stack-b", stacks)
	require.NoError(t, err)
	assert.Contains(t, msg, wsref.MessagePrefix)

	desc, got, err := wsref.ParseMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, "applies stack-a and stack-b", desc)
	assert.Equal(t, stacks, got)
}

func TestParseMessage_wrongPrefix(t *testing.T) {
	_, _, err := wsref.ParseMessage("some other commit")
	assert.Error(t, err)
}

func TestUpdateWorkspaceCommit_twoStacks(t *testing.T) {
	repo := openFixture(t, `
		git init -b main
		git commit --allow-empty -m initial
		git branch stack-a
		git branch stack-b
		git checkout stack-a
		git commit --allow-empty -m a1
		git checkout stack-b
		git commit --allow-empty -m b1
		git checkout main
	`)

	ctx := t.Context()
	targetTip, err := repo.PeelToCommit(ctx, "refs/heads/main")
	require.NoError(t, err)
	aTip, err := repo.PeelToCommit(ctx, "refs/heads/stack-a")
	require.NoError(t, err)
	bTip, err := repo.PeelToCommit(ctx, "refs/heads/stack-b")
	require.NoError(t, err)

	req := wsref.UpdateRequest{
		WorkspaceRef: "refs/heads/gitbutler/workspace",
		TargetTip:    targetTip,
		Stacks: []wsref.StackTip{
			{ID: "a-id", Tip: aTip, Branches: []string{"stack-a"}},
			{ID: "b-id", Tip: bTip, Branches: []string{"stack-b"}},
		},
		Description: "applies stack-a and stack-b",
		MergePolicy: config.MergeWhenMultiStack,
	}

	result, err := wsref.UpdateWorkspaceCommit(ctx, repo, req)
	require.NoError(t, err)
	assert.False(t, result.Unchanged)
	require.False(t, result.Hash.IsZero())

	c, err := repo.ReadCommit(ctx, result.Hash.String())
	require.NoError(t, err)
	assert.True(t, wsref.IsWorkspaceCommit(c))
	assert.ElementsMatch(t, []git.Hash{aTip, bTip}, c.Parents)

	// Idempotent: repeating the same request reuses the same commit.
	again, err := wsref.UpdateWorkspaceCommit(ctx, repo, req)
	require.NoError(t, err)
	assert.True(t, again.Unchanged)
	assert.Equal(t, result.Hash, again.Hash)
}

func TestUpdateWorkspaceCommit_singleStackPassthrough(t *testing.T) {
	repo := openFixture(t, `
		git init -b main
		git commit --allow-empty -m initial
		git checkout -b feature1
		git commit --allow-empty -m work
		git checkout main
	`)

	ctx := t.Context()
	targetTip, err := repo.PeelToCommit(ctx, "refs/heads/main")
	require.NoError(t, err)
	tip, err := repo.PeelToCommit(ctx, "refs/heads/feature1")
	require.NoError(t, err)

	req := wsref.UpdateRequest{
		WorkspaceRef: "refs/heads/gitbutler/workspace",
		TargetTip:    targetTip,
		Stacks: []wsref.StackTip{
			{ID: "feature1-id", Tip: tip, Branches: []string{"feature1"}},
		},
		Description: "applies feature1",
		MergePolicy: config.MergeWhenMultiStack,
	}

	result, err := wsref.UpdateWorkspaceCommit(ctx, repo, req)
	require.NoError(t, err)

	c, err := repo.ReadCommit(ctx, result.Hash.String())
	require.NoError(t, err)
	assert.Equal(t, []git.Hash{tip}, c.Parents)
}

func TestUpdateWorkspaceCommit_conflict(t *testing.T) {
	repo := openFixture(t, `
		git init -b main
		git add file.txt
		git commit -m base
		git branch stack-a
		git branch stack-b
		git checkout stack-a
		cp $WORK/extra/a.txt file.txt
		git add file.txt
		git commit -m a1
		git checkout stack-b
		cp $WORK/extra/b.txt file.txt
		git add file.txt
		git commit -m b1
		git checkout main

		-- file.txt --
		base
		-- extra/a.txt --
		a-change
		-- extra/b.txt --
		b-change
	`)

	ctx := t.Context()
	targetTip, err := repo.PeelToCommit(ctx, "refs/heads/main")
	require.NoError(t, err)
	aTip, err := repo.PeelToCommit(ctx, "refs/heads/stack-a")
	require.NoError(t, err)
	bTip, err := repo.PeelToCommit(ctx, "refs/heads/stack-b")
	require.NoError(t, err)

	req := wsref.UpdateRequest{
		WorkspaceRef: "refs/heads/gitbutler/workspace",
		TargetTip:    targetTip,
		Stacks: []wsref.StackTip{
			{ID: "a-id", Tip: aTip},
			{ID: "b-id", Tip: bTip},
		},
		Description: "conflicting stacks",
	}

	_, err = wsref.UpdateWorkspaceCommit(ctx, repo, req)
	require.Error(t, err)
	assert.Equal(t, errs.WorkspaceConflict, errs.KindOf(err))

	// No ref was written on conflict.
	_, peelErr := repo.PeelToCommit(ctx, "refs/heads/gitbutler/workspace")
	assert.ErrorIs(t, peelErr, git.ErrNotExist)
}

func TestVerifyWorkspace(t *testing.T) {
	repo := openFixture(t, `
		git init -b main
		git commit --allow-empty -m initial
		git branch stack-a
		git checkout stack-a
		git commit --allow-empty -m a1
		as 'GitButler <gitbutler@gitbutler.com>'
		git checkout main
		git checkout -b gitbutler/workspace
		git merge --no-ff -m 'GitButler Workspace Commit\n\napplies stack-a' stack-a
		git checkout gitbutler/workspace
		git commit --allow-empty -m 'dangling change'
	`)

	ctx := t.Context()
	result, err := wsref.VerifyWorkspace(ctx, repo, "refs/heads/gitbutler/workspace")
	require.NoError(t, err)
	assert.False(t, result.WorkspaceCommit.IsZero())
	assert.Len(t, result.Dangling, 1)
	assert.False(t, result.OK())
}
