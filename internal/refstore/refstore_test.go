package refstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitbutlerapp/but-core/internal/refstore"
)

func stores(t *testing.T) map[string]refstore.Store {
	t.Helper()
	return map[string]refstore.Store{
		"mem":  refstore.NewMemStore(),
		"file": refstore.NewFileStore(t.TempDir()),
	}
}

func TestStore_workspaceRoundtrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			const ref = "refs/gitbutler/workspace"

			_, ok, err := s.WorkspaceOpt(ctx, ref)
			require.NoError(t, err)
			assert.False(t, ok)

			want := refstore.Workspace{
				Stacks: []refstore.WorkspaceStack{
					{
						ID: "stack-1",
						Branches: []refstore.StackBranch{
							{RefName: "refs/heads/feature1"},
						},
					},
				},
				TargetRef:  "refs/remotes/origin/main",
				PushRemote: "origin",
			}
			require.NoError(t, s.SetWorkspace(ctx, ref, want))

			got, err := s.Workspace(ctx, ref)
			require.NoError(t, err)
			want.RefInfo.RefName = ref
			assert.Equal(t, want, got)

			got2, ok, err := s.WorkspaceOpt(ctx, ref)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, want, got2)
		})
	}
}

func TestStore_branchRoundtrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			const ref = "refs/heads/feature1"

			want := refstore.Branch{
				Description: "adds the frobnicator",
				Review:      refstore.Review{PRNumber: 42},
			}
			require.NoError(t, s.SetBranch(ctx, ref, want))

			got, err := s.Branch(ctx, ref)
			require.NoError(t, err)
			want.RefInfo.RefName = ref
			assert.Equal(t, want, got)
		})
	}
}

func TestStore_notFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			_, err := s.Workspace(ctx, "refs/does/not/exist")
			assert.ErrorIs(t, err, refstore.ErrNotFound)

			_, err = s.Branch(ctx, "refs/does/not/exist")
			assert.ErrorIs(t, err, refstore.ErrNotFound)
		})
	}
}

func TestStore_wrongKind(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			const ref = "refs/heads/feature1"

			require.NoError(t, s.SetBranch(ctx, ref, refstore.Branch{}))

			_, err := s.Workspace(ctx, ref)
			assert.Error(t, err)

			_, _, err = s.WorkspaceOpt(ctx, ref)
			assert.Error(t, err)
		})
	}
}

func TestStore_removeAndIter(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			require.NoError(t, s.SetBranch(ctx, "refs/heads/a", refstore.Branch{Description: "a"}))
			require.NoError(t, s.SetWorkspace(ctx, "refs/gitbutler/workspace", refstore.Workspace{PushRemote: "origin"}))

			var refs []string
			for e, err := range s.Iter(ctx) {
				require.NoError(t, err)
				refs = append(refs, e.RefName)
			}
			assert.ElementsMatch(t, []string{"refs/heads/a", "refs/gitbutler/workspace"}, refs)

			existed, err := s.Remove(ctx, "refs/heads/a")
			require.NoError(t, err)
			assert.True(t, existed)

			existed, err = s.Remove(ctx, "refs/heads/a")
			require.NoError(t, err)
			assert.False(t, existed)

			_, ok, err := s.BranchOpt(ctx, "refs/heads/a")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestWorkspace_isDefault(t *testing.T) {
	assert.True(t, refstore.Workspace{}.IsDefault())
	assert.False(t, (refstore.Workspace{PushRemote: "origin"}).IsDefault())
}

func TestBranch_isDefault(t *testing.T) {
	assert.True(t, refstore.Branch{}.IsDefault())
	assert.False(t, (refstore.Branch{Description: "x"}).IsDefault())
	assert.False(t, (refstore.Branch{Review: refstore.Review{PRNumber: 1}}).IsDefault())
}
