package commit

import (
	"context"
	"fmt"

	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/graph"
	"github.com/gitbutlerapp/but-core/internal/hunk"
	"github.com/gitbutlerapp/but-core/internal/oplog"
)

// blankCommitMessage is used for the placeholder commit Absorb inserts
// at the top of a stack with no commits of its own, so an unlocked
// hunk always has somewhere to land.
const blankCommitMessage = "wip"

// AbsorbRequest selects the worktree changes to absorb into their
// locked commits, per spec §4.4.3. An empty Specs absorbs every
// uncommitted change. DefaultStackID is where hunks with no lock at
// all (touching no committed line) land.
type AbsorbRequest struct {
	Specs          []DiffSpec
	DefaultStackID string
}

// AbsorbFileResult reports what happened to one hunk assignment.
type AbsorbFileResult struct {
	Path       string
	HunkHeader string
	Absorbed   bool
	StackID    string
	Commit     git.Hash
	Reason     RejectReason
}

// AbsorbResult is the outcome of an Absorb operation.
type AbsorbResult struct {
	Files   []AbsorbFileResult
	Skipped []string // paths hunk.Assign could not decompose (spec §4.3's Failure clause)
}

// Absorb runs the hunk assignment algorithm (C3) over the current
// worktree changes and folds each locked hunk into the commit that
// owns it via [Engine.Amend], one target at a time. Hunks with no
// lock land at the top of DefaultStackID — inserting a blank commit
// first if that stack is empty — and hunks locked to more than one
// stack are left uncommitted for the caller to resolve explicitly.
func (e *Engine) Absorb(ctx context.Context, req AbsorbRequest) (AbsorbResult, error) {
	const op = "commit.Absorb"

	ws, err := e.loadWorkspace(ctx)
	if err != nil {
		return AbsorbResult{}, err
	}

	stackInputs, err := e.hunkStackInputs(ctx, ws)
	if err != nil {
		return AbsorbResult{}, errs.New(errs.ObjectStore, op, err)
	}

	assignments, deps, err := hunk.Assign(ctx, hunk.Request{
		Worktree: e.wt,
		Repo:     e.repo,
		Head:     e.WorkspaceRef,
		Stacks:   stackInputs,
	})
	if err != nil {
		return AbsorbResult{}, errs.New(errs.ObjectStore, op, err)
	}

	wanted := specFilter(req.Specs)

	type groupKey struct {
		stackID string
		commit  git.Hash
	}
	groups := make(map[groupKey][]DiffSpec)
	var groupOrder []groupKey
	results := make([]AbsorbFileResult, 0, len(assignments))

	var defaultTarget git.Hash // resolved at most once: a second blank commit would orphan the first

	for _, a := range assignments {
		if a.HunkHeader == "" {
			// Binary or otherwise skipped; hunk.Dependencies.Skipped
			// already records the path.
			continue
		}
		if wanted != nil && !wanted(a.Path, a.HunkHeader) {
			continue
		}

		switch {
		case len(a.Locks) == 1:
			lock := a.Locks[0]
			key := groupKey{stackID: lock.StackID, commit: lock.CommitID}
			groups[key] = appendHunk(groups[key], a.Path, a.HunkHeader)
			if !containsKey(groupOrder, key) {
				groupOrder = append(groupOrder, key)
			}
			results = append(results, AbsorbFileResult{Path: a.Path, HunkHeader: a.HunkHeader, StackID: lock.StackID})

		case len(a.Locks) > 1:
			results = append(results, AbsorbFileResult{Path: a.Path, HunkHeader: a.HunkHeader, Reason: HunkDoesNotApply})

		default: // unlocked: falls to the default stack's tip
			defaultStackID := req.DefaultStackID
			if defaultStackID == "" && len(ws.Stacks) > 0 {
				// Spec invariant 6's priority chain bottoms out at the
				// leftmost stack's top commit when the caller names no
				// default.
				defaultStackID = ws.Stacks[0].ID
			}
			if defaultStackID == "" {
				results = append(results, AbsorbFileResult{Path: a.Path, HunkHeader: a.HunkHeader, Reason: NoEffectiveChanges})
				continue
			}
			if defaultTarget.IsZero() {
				target, err := e.absorbDefaultTarget(ctx, ws, defaultStackID)
				if err != nil {
					return AbsorbResult{}, err
				}
				defaultTarget = target
			}
			key := groupKey{stackID: defaultStackID, commit: defaultTarget}
			groups[key] = appendHunk(groups[key], a.Path, a.HunkHeader)
			if !containsKey(groupOrder, key) {
				groupOrder = append(groupOrder, key)
			}
			results = append(results, AbsorbFileResult{Path: a.Path, HunkHeader: a.HunkHeader, StackID: defaultStackID})
		}
	}

	commitOf := make(map[groupKey]git.Hash, len(groupOrder))
	for _, key := range groupOrder {
		res, err := e.Amend(ctx, AmendRequest{StackID: key.stackID, Target: key.commit, Specs: groups[key]})
		if err != nil {
			return AbsorbResult{}, err
		}
		commitOf[key] = res.NewCommit
	}

	for i := range results {
		if results[i].Reason != "" {
			continue
		}
		for key, specs := range groups {
			if key.stackID != results[i].StackID {
				continue
			}
			if hasHunk(specs, results[i].Path, results[i].HunkHeader) {
				results[i].Absorbed = true
				results[i].Commit = commitOf[key]
				break
			}
		}
	}

	e.snapshot(ctx, oplog.OpAbsorb, "absorb worktree changes")

	return AbsorbResult{Files: results, Skipped: deps.Skipped}, nil
}

// absorbDefaultTarget resolves the commit unlocked hunks should amend
// into: the stack's current tip, or a freshly inserted blank commit
// if the stack has none yet.
func (e *Engine) absorbDefaultTarget(ctx context.Context, ws *graph.Workspace, stackID string) (git.Hash, error) {
	const op = "commit.Absorb"

	stack, _, err := findStack(ws, stackID)
	if err != nil {
		return git.ZeroHash, errs.New(errs.NotFound, op, err)
	}
	commits, refAtTip := commitsBaseToTip(stack)
	if len(commits) > 0 {
		return commits[len(commits)-1].Hash, nil
	}

	parentTree, err := e.repo.PeelToTree(ctx, stack.Base.String())
	if err != nil {
		return git.ZeroHash, errs.New(errs.ObjectStore, op, err)
	}
	return e.insertCommit(ctx, op, stack, commits, refAtTip, 0, stack.Base, parentTree, blankCommitMessage, oplog.OpAbsorb)
}

// hunkStackInputs builds the tip-first commit inputs [hunk.Assign]
// needs, per stack.
func (e *Engine) hunkStackInputs(ctx context.Context, ws *graph.Workspace) ([]hunk.StackInput, error) {
	stacks := make([]hunk.StackInput, len(ws.Stacks))

	for i, s := range ws.Stacks {
		commits, _ := commitsBaseToTip(s) // base-to-tip
		baseTree, err := e.repo.PeelToTree(ctx, s.Base.String())
		if err != nil {
			return nil, fmt.Errorf("peel stack %q base: %w", s.ID, err)
		}

		in := make([]hunk.CommitInput, len(commits))
		for j := len(commits) - 1; j >= 0; j-- { // tip-first, per StackInput's contract
			c := commits[j]
			parentTree := baseTree
			if j > 0 {
				parentTree = commits[j-1].Tree
			}
			in[len(commits)-1-j] = hunk.CommitInput{ID: c.Hash, Tree: c.Tree, ParentTree: parentTree}
		}
		stacks[i] = hunk.StackInput{ID: s.ID, Commits: in}
	}

	return stacks, nil
}

func appendHunk(specs []DiffSpec, path, header string) []DiffSpec {
	for i, s := range specs {
		if s.Path == path {
			specs[i].Hunks = append(specs[i].Hunks, header)
			return specs
		}
	}
	return append(specs, DiffSpec{Path: path, Hunks: []string{header}})
}

func hasHunk(specs []DiffSpec, path, header string) bool {
	for _, s := range specs {
		if s.Path != path {
			continue
		}
		for _, h := range s.Hunks {
			if h == header {
				return true
			}
		}
	}
	return false
}

func containsKey[K comparable](keys []K, k K) bool {
	for _, existing := range keys {
		if existing == k {
			return true
		}
	}
	return false
}

// specFilter builds a predicate matching (path, hunkHeader) pairs
// named by specs, or nil if specs is empty (meaning "absorb
// everything").
func specFilter(specs []DiffSpec) func(path, header string) bool {
	if len(specs) == 0 {
		return nil
	}
	whole := make(map[string]bool)
	byHunk := make(map[string]bool)
	for _, s := range specs {
		if len(s.Hunks) == 0 {
			whole[s.Path] = true
			continue
		}
		for _, h := range s.Hunks {
			byHunk[s.Path+"\x00"+h] = true
		}
	}
	return func(path, header string) bool {
		return whole[path] || byHunk[path+"\x00"+header]
	}
}
