package hunk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/git/gittest"
	"github.com/gitbutlerapp/but-core/internal/hunk"
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

func commitInput(t *testing.T, repo *git.Repository, ref, parentTreeOf string) hunk.CommitInput {
	t.Helper()
	ctx := t.Context()

	c, err := repo.ReadCommit(ctx, ref)
	require.NoError(t, err)

	parentTree := git.ZeroHash
	if parentTreeOf != "" {
		p, err := repo.ReadCommit(ctx, parentTreeOf)
		require.NoError(t, err)
		parentTree = p.Tree
	}

	return hunk.CommitInput{ID: c.Hash, Tree: c.Tree, ParentTree: parentTree}
}

func findAssignment(t *testing.T, assignments []hunk.Assignment, path, header string) hunk.Assignment {
	t.Helper()
	for _, a := range assignments {
		if a.Path == path && a.HunkHeader == header {
			return a
		}
	}
	t.Fatalf("no assignment for %s %s", path, header)
	return hunk.Assignment{}
}

func TestAssign_unassignedAndSingleLock(t *testing.T) {
	wt := openFixture(t, `
		git init -b main
		git add base.txt other.txt
		git commit -m base
		git checkout -b stackA
		cp $WORK/extra/a-base.txt base.txt
		git add base.txt
		git commit -m 'stackA changes line 2'
		git checkout -b stackB main
		git checkout main

		cp $WORK/extra/a-base.txt base.txt
		cp $WORK/extra/other.txt other.txt

		-- base.txt --
		line1
		line2
		line3
		-- other.txt --
		other1
		other2
		-- extra/a-base.txt --
		line1
		A-changed
		line3
		-- extra/other.txt --
		other1
		OTHER-changed
	`)

	ctx := t.Context()
	repo := wt.Repository()

	stackA := hunk.StackInput{
		ID:      "stackA",
		Commits: []hunk.CommitInput{commitInput(t, repo, "refs/heads/stackA", "refs/heads/main")},
	}
	stackB := hunk.StackInput{ID: "stackB"}

	assignments, deps, err := hunk.Assign(ctx, hunk.Request{
		Worktree: wt,
		Repo:     repo,
		Head:     "HEAD",
		Stacks:   []hunk.StackInput{stackA, stackB},
	})
	require.NoError(t, err)
	assert.Empty(t, deps.Skipped)

	locked := findAssignment(t, assignments, "base.txt", "@@ -2,1 +2,1 @@")
	require.Len(t, locked.Locks, 1)
	assert.Equal(t, "stackA", locked.StackID)
	assert.Equal(t, "stackA", locked.Locks[0].StackID)

	free := findAssignment(t, assignments, "other.txt", "@@ -2,1 +2,1 @@")
	assert.Empty(t, free.Locks)
	assert.Empty(t, free.StackID)
}

func TestAssign_conflictingAcrossStacks(t *testing.T) {
	wt := openFixture(t, `
		git init -b main
		git add base.txt
		git commit -m base
		git checkout -b stackA
		cp $WORK/extra/a.txt base.txt
		git add base.txt
		git commit -m 'stackA changes line 2'
		git checkout -b stackB main
		cp $WORK/extra/b.txt base.txt
		git add base.txt
		git commit -m 'stackB changes line 2 too'
		git checkout main

		cp $WORK/extra/work.txt base.txt

		-- base.txt --
		line1
		line2
		line3
		-- extra/a.txt --
		line1
		A-changed
		line3
		-- extra/b.txt --
		line1
		B-changed
		line3
		-- extra/work.txt --
		line1
		WORK-changed
		line3
	`)

	ctx := t.Context()
	repo := wt.Repository()

	stackA := hunk.StackInput{
		ID:      "stackA",
		Commits: []hunk.CommitInput{commitInput(t, repo, "refs/heads/stackA", "refs/heads/main")},
	}
	stackB := hunk.StackInput{
		ID:      "stackB",
		Commits: []hunk.CommitInput{commitInput(t, repo, "refs/heads/stackB", "refs/heads/main")},
	}

	assignments, _, err := hunk.Assign(ctx, hunk.Request{
		Worktree: wt,
		Repo:     repo,
		Head:     "HEAD",
		Stacks:   []hunk.StackInput{stackA, stackB},
	})
	require.NoError(t, err)

	conflicted := findAssignment(t, assignments, "base.txt", "@@ -2,1 +2,1 @@")
	assert.Empty(t, conflicted.StackID)
	require.Len(t, conflicted.Locks, 2)
}

func TestAssign_topmostCommitWinsWithinStack(t *testing.T) {
	wt := openFixture(t, `
		git init -b main
		git add base.txt
		git commit -m base
		git checkout -b stackA
		cp $WORK/extra/a1.txt base.txt
		git add base.txt
		git commit -m 'A1: line 2 v1'
		cp $WORK/extra/a2.txt base.txt
		git add base.txt
		git commit -m 'A2: line 2 v2'
		git checkout main

		cp $WORK/extra/a2.txt base.txt

		-- base.txt --
		line1
		line2
		line3
		-- extra/a1.txt --
		line1
		A1-changed
		line3
		-- extra/a2.txt --
		line1
		A2-changed
		line3
	`)

	ctx := t.Context()
	repo := wt.Repository()

	a2 := commitInput(t, repo, "refs/heads/stackA", "refs/heads/stackA~1")
	a1 := commitInput(t, repo, "refs/heads/stackA~1", "refs/heads/main")
	stackA := hunk.StackInput{
		ID:      "stackA",
		Commits: []hunk.CommitInput{a2, a1}, // tip-first
	}

	assignments, _, err := hunk.Assign(ctx, hunk.Request{
		Worktree: wt,
		Repo:     repo,
		Head:     "HEAD",
		Stacks:   []hunk.StackInput{stackA},
	})
	require.NoError(t, err)

	locked := findAssignment(t, assignments, "base.txt", "@@ -2,1 +2,1 @@")
	require.Len(t, locked.Locks, 1)
	assert.Equal(t, a2.ID, locked.Locks[0].CommitID)
}
