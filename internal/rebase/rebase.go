// Package rebase implements the rebase engine (C5): it executes an
// ordered plan of Pick/Merge/Fixup/Reference steps, producing new
// commits while preserving conflict-tree state, per spec §4.5.
package rebase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gitbutlerapp/but-core/internal/config"
	"github.com/gitbutlerapp/but-core/internal/conflict"
	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/graph"
)

// StepKind identifies the kind of operation a [Step] performs.
type StepKind int

const (
	// StepPick cherry-picks Commit onto the running cursor.
	StepPick StepKind = iota
	// StepMerge merges Commit into the running cursor, producing a
	// two-parent commit.
	StepMerge
	// StepFixup amends the tree of the step it DependsOn with
	// Commit's changes, squashing the two into a single commit.
	StepFixup
	// StepReference attaches RefName to the running cursor.
	StepReference
)

func (k StepKind) String() string {
	switch k {
	case StepPick:
		return "pick"
	case StepMerge:
		return "merge"
	case StepFixup:
		return "fixup"
	case StepReference:
		return "reference"
	default:
		return "unknown"
	}
}

// Step is one operation in a [Plan].
type Step struct {
	// ID uniquely identifies this step within its Plan, for use in
	// DependsOn and in reading back [Output.CommitMapping].
	ID int

	Kind StepKind

	// Commit is the source commit for Pick, Merge, and Fixup.
	Commit git.Hash

	// NewMessage overrides the resulting commit's message. Required
	// for Merge; optional for Pick (keeps Commit's own message) and
	// Fixup (keeps the message of the step it amends).
	NewMessage string

	// RefName is the reference to attach, for StepReference.
	RefName string

	// DependsOn lists the IDs of steps that must run, and whose
	// result this step continues from, before this one runs — the
	// step graph's child→parent edges of spec §4.5. The first entry
	// is this step's chain parent (Plan.Base if DependsOn is empty);
	// any further entries are pure ordering constraints.
	DependsOn []int

	// Order breaks ties between independent steps during the
	// topological sort; smaller runs first.
	Order int
}

// Plan is an ordered list of steps to execute atop Base.
type Plan struct {
	// Base is the commit every step without a DependsOn entry
	// continues from.
	Base git.Hash

	// Steps make up the plan, in declaration order. Declaration order
	// is also what the "first non-Reference step"/"directly follow a
	// Reference" validation rules are checked against; execution
	// order is separately determined by the DependsOn graph.
	Steps []Step
}

// CommitMapping records that a commit originally at Original now lives
// at New after the plan's execution. A Fixup updates an existing
// mapping entry (for the step it amends) rather than adding a new one,
// since the two original commits collapse into a single result.
type CommitMapping struct {
	Original git.Hash
	New      git.Hash
}

// RefUpdate is a reference that should be set to Commit once every
// step has succeeded.
type RefUpdate struct {
	Name   string
	Commit git.Hash
}

// Output is the result of executing a [Plan].
type Output struct {
	// TopCommit is the final running cursor: the newest commit on the
	// last-executed chain.
	TopCommit git.Hash

	// CommitMapping records original-to-new commit ids, in the order
	// steps completed.
	CommitMapping []CommitMapping

	// References are every Reference step's resolved (name, commit)
	// pair. The caller is responsible for writing these; Execute
	// itself never touches a ref.
	References []RefUpdate
}

// Validate checks the plan against spec §4.5's validation rules,
// without touching the repository.
func (p *Plan) Validate() error {
	byID := make(map[int]bool, len(p.Steps))
	for _, s := range p.Steps {
		if byID[s.ID] {
			return fmt.Errorf("duplicate step id %d", s.ID)
		}
		byID[s.ID] = true
	}

	seenCommits := make(map[git.Hash]bool, len(p.Steps))
	var sawPickOrMerge bool
	for i, s := range p.Steps {
		for _, d := range s.DependsOn {
			if !byID[d] {
				return fmt.Errorf("step %d: depends on unknown step %d", s.ID, d)
			}
		}

		switch s.Kind {
		case StepPick, StepMerge, StepFixup:
			if s.Commit.IsZero() {
				return fmt.Errorf("step %d: commit is required", s.ID)
			}
			if s.Commit == p.Base {
				return fmt.Errorf("step %d: base commit %s cannot appear in a pick/merge/fixup", s.ID, s.Commit.Short())
			}
			if seenCommits[s.Commit] {
				return fmt.Errorf("step %d: commit %s already appears in an earlier step", s.ID, s.Commit.Short())
			}
			seenCommits[s.Commit] = true

			if s.Kind == StepMerge && s.NewMessage == "" {
				return fmt.Errorf("step %d: merge requires a new message", s.ID)
			}

			if s.Kind == StepFixup {
				if !sawPickOrMerge {
					return fmt.Errorf("step %d: fixup cannot be the first non-reference step", s.ID)
				}
				if i > 0 && p.Steps[i-1].Kind == StepReference {
					return fmt.Errorf("step %d: fixup cannot directly follow a reference step", s.ID)
				}
				if len(s.DependsOn) == 0 {
					return fmt.Errorf("step %d: fixup must depend on the step it amends", s.ID)
				}
			}
			sawPickOrMerge = true

		case StepReference:
			if !validReferenceName(s.RefName) {
				return fmt.Errorf("step %d: %q is not a full ref name or all-uppercase shorthand", s.ID, s.RefName)
			}

		default:
			return fmt.Errorf("step %d: unknown step kind %v", s.ID, s.Kind)
		}
	}

	return nil
}

func validReferenceName(name string) bool {
	if name == "" {
		return false
	}
	if strings.HasPrefix(name, "refs/") {
		return true
	}
	for _, r := range name {
		if r != '_' && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// chain tracks per-step results as steps execute, so later steps
// (Fixup amending an earlier Pick, Reference passing through a
// cursor) can read back what a dependency produced.
type chain struct {
	cursor map[int]git.Hash // step ID -> resulting commit (or pass-through parent, for Reference)
	tree   map[int]git.Hash
	author map[int]*git.Signature
	msg    map[int]string
}

// Execute runs every step of the plan against repo, in dependency
// order, and returns the resulting commits and reference updates. No
// reference is written by Execute itself — on any error, nothing the
// caller hasn't already committed is reachable, since every written
// commit is an orphan object until a ref points at it.
func Execute(ctx context.Context, repo *git.Repository, cfg *config.Config, plan *Plan) (*Output, error) {
	const op = "rebase.Execute"

	if cfg == nil {
		cfg = config.Default()
	}
	if err := plan.Validate(); err != nil {
		return nil, errs.New(errs.InvalidPlan, op, err)
	}

	byID := make(map[int]*Step, len(plan.Steps))
	for i := range plan.Steps {
		byID[plan.Steps[i].ID] = &plan.Steps[i]
	}

	ids := make([]int, len(plan.Steps))
	for i, s := range plan.Steps {
		ids[i] = s.ID
	}
	depsOf := func(id int) []int {
		deps := append([]int(nil), byID[id].DependsOn...)
		sort.Slice(deps, func(i, j int) bool { return byID[deps[i]].Order < byID[deps[j]].Order })
		return deps
	}

	if err := detectCycle(ids, depsOf); err != nil {
		return nil, errs.New(errs.CycleOrMissing, op, err)
	}

	order := graph.ToposortMulti(ids, depsOf)

	c := &chain{
		cursor: make(map[int]git.Hash),
		tree:   make(map[int]git.Hash),
		author: make(map[int]*git.Signature),
		msg:    make(map[int]string),
	}

	var (
		mapping     []CommitMapping
		mappingIdx  = make(map[git.Hash]int) // original -> index in mapping
		refs        []RefUpdate
		top         = plan.Base
		recordOrig  = func(original, newHash git.Hash) {
			if i, ok := mappingIdx[original]; ok {
				mapping[i].New = newHash
				return
			}
			mappingIdx[original] = len(mapping)
			mapping = append(mapping, CommitMapping{Original: original, New: newHash})
		}
	)

	for _, id := range order {
		step := byID[id]

		parent := plan.Base
		if len(step.DependsOn) > 0 {
			parent = c.cursor[step.DependsOn[0]]
		}
		if step.Kind == StepFixup && len(step.DependsOn) > 0 {
			// A fixup replaces the step it amends, so it continues
			// from that step's own parent.
			parent = plan.Base
			if prev := byID[step.DependsOn[0]]; len(prev.DependsOn) > 0 {
				parent = c.cursor[prev.DependsOn[0]]
			}
		}

		switch step.Kind {
		case StepReference:
			c.cursor[id] = parent
			if len(step.DependsOn) > 0 {
				c.tree[id] = c.tree[step.DependsOn[0]]
				c.msg[id] = c.msg[step.DependsOn[0]]
			}
			refs = append(refs, RefUpdate{Name: step.RefName, Commit: parent})
			top = parent
			continue
		}

		parentCommit, err := repo.ReadCommit(ctx, parent.String())
		if err != nil {
			return nil, errs.New(errs.ObjectStore, op, fmt.Errorf("read parent %s: %w", parent.Short(), err))
		}

		var (
			newHash git.Hash
			newTree git.Hash
			msg     string
			author  *git.Signature
		)

		switch step.Kind {
		case StepPick:
			newHash, newTree, msg, author, err = executePick(ctx, repo, cfg, parentCommit, *step)
		case StepMerge:
			newHash, newTree, msg, author, err = executeMerge(ctx, repo, parentCommit, *step)
		case StepFixup:
			prevID := step.DependsOn[0]
			newHash, newTree, msg, author, err = executeFixup(ctx, repo, parentCommit, *step, c.tree[prevID], c.msg[prevID], c.author[prevID])
		}
		if err != nil {
			return nil, err
		}

		c.cursor[id] = newHash
		c.tree[id] = newTree
		c.msg[id] = msg
		c.author[id] = author
		top = newHash

		if step.Kind == StepFixup {
			prevID := step.DependsOn[0]
			prevStep := byID[prevID]
			recordOrig(prevStep.Commit, newHash)
		}
		recordOrig(step.Commit, newHash)
	}

	return &Output{
		TopCommit:     top,
		CommitMapping: mapping,
		References:    refs,
	}, nil
}

// executePick cherry-picks step.Commit onto parent, applying cfg's
// PickMode/EmptyCommit policies and preserving ConflictTree state on
// conflict, per spec §4.5.
func executePick(
	ctx context.Context, repo *git.Repository, cfg *config.Config,
	parent git.Commit, step Step,
) (newHash, newTree git.Hash, message string, author *git.Signature, err error) {
	const op = "rebase.pick"

	source, err := repo.ReadCommit(ctx, step.Commit.String())
	if err != nil {
		return "", "", "", nil, errs.New(errs.ObjectStore, op, err)
	}

	message = source.Message()
	if step.NewMessage != "" {
		message = step.NewMessage
	}
	author = &source.Author

	sourceParentTree := parent.Tree // falls back to the running cursor if the source has no parent
	if len(source.Parents) > 0 {
		sourceParent, err := repo.ReadCommit(ctx, source.Parents[0].String())
		if err != nil {
			return "", "", "", nil, errs.New(errs.ObjectStore, op, err)
		}
		sourceParentTree = sourceParent.Tree
	}

	mergedTree, conflicted, paths, mtErr := mergeOnto(ctx, repo, parent.Hash.String(), step.Commit.String(), sourceParentTree.String())
	if mtErr != nil {
		return "", "", "", nil, mtErr
	}

	noop := mergedTree == parent.Tree && !conflicted
	if noop && cfg.PickMode == config.PickSkipIfNoop {
		return parent.Hash, parent.Tree, message, author, nil
	}
	if noop && cfg.EmptyCommit == config.EmptyCommitUsePrevious {
		return parent.Hash, parent.Tree, message, author, nil
	}

	finalTree := mergedTree
	if conflicted {
		ct, err := buildConflictTree(ctx, repo, parent.Tree, source.Tree, sourceParentTree, mergedTree, paths)
		if err != nil {
			return "", "", "", nil, errs.New(errs.ObjectStore, op, err)
		}
		finalTree = ct.tree
		message = conflict.WithTrailer(message, ct.conflicted)
	}

	newHash, err = repo.CommitTree(ctx, git.CommitTreeRequest{
		Tree:    finalTree,
		Message: message,
		Parents: []git.Hash{parent.Hash},
		Author:  author,
	})
	if err != nil {
		return "", "", "", nil, errs.New(errs.ObjectStore, op, err)
	}
	return newHash, finalTree, message, author, nil
}

// executeMerge merges step.Commit into parent, producing a two-parent
// commit.
func executeMerge(
	ctx context.Context, repo *git.Repository, parent git.Commit, step Step,
) (newHash, newTree git.Hash, message string, author *git.Signature, err error) {
	const op = "rebase.merge"

	source, err := repo.ReadCommit(ctx, step.Commit.String())
	if err != nil {
		return "", "", "", nil, errs.New(errs.ObjectStore, op, err)
	}

	mergeBase, err := repo.MergeBase(ctx, parent.Hash.String(), step.Commit.String())
	if err != nil {
		return "", "", "", nil, errs.New(errs.ObjectStore, op, err)
	}
	baseTree, err := repo.PeelToTree(ctx, mergeBase.String())
	if err != nil {
		return "", "", "", nil, errs.New(errs.ObjectStore, op, err)
	}

	mergedTree, conflicted, paths, mtErr := mergeOnto(ctx, repo, parent.Hash.String(), step.Commit.String(), baseTree.String())
	if mtErr != nil {
		return "", "", "", nil, mtErr
	}

	message = step.NewMessage
	finalTree := mergedTree
	if conflicted {
		ct, err := buildConflictTree(ctx, repo, parent.Tree, source.Tree, baseTree, mergedTree, paths)
		if err != nil {
			return "", "", "", nil, errs.New(errs.ObjectStore, op, err)
		}
		finalTree = ct.tree
		message = conflict.WithTrailer(message, ct.conflicted)
	}

	newHash, err = repo.CommitTree(ctx, git.CommitTreeRequest{
		Tree:    finalTree,
		Message: message,
		Parents: []git.Hash{parent.Hash, step.Commit},
	})
	if err != nil {
		return "", "", "", nil, errs.New(errs.ObjectStore, op, err)
	}
	return newHash, finalTree, message, nil, nil
}

// executeFixup amends prevTree (the result of the step being amended)
// with step.Commit's own changes, producing one commit parented on
// grandParent — the amended step's own parent — rather than stacking a
// new commit on top of it.
func executeFixup(
	ctx context.Context, repo *git.Repository, grandParent git.Commit, step Step,
	prevTree git.Hash, prevMessage string, prevAuthor *git.Signature,
) (newHash, newTree git.Hash, message string, author *git.Signature, err error) {
	const op = "rebase.fixup"

	source, err := repo.ReadCommit(ctx, step.Commit.String())
	if err != nil {
		return "", "", "", nil, errs.New(errs.ObjectStore, op, err)
	}

	sourceParentTree := grandParent.Tree
	if len(source.Parents) > 0 {
		sourceParent, err := repo.ReadCommit(ctx, source.Parents[0].String())
		if err != nil {
			return "", "", "", nil, errs.New(errs.ObjectStore, op, err)
		}
		sourceParentTree = sourceParent.Tree
	}

	mergedTree, conflicted, paths, mtErr := mergeOnto(ctx, repo, prevTree.String(), step.Commit.String(), sourceParentTree.String())
	if mtErr != nil {
		return "", "", "", nil, mtErr
	}

	message = prevMessage
	if step.NewMessage != "" {
		message = step.NewMessage
	}
	author = prevAuthor

	finalTree := mergedTree
	if conflicted {
		ct, err := buildConflictTree(ctx, repo, prevTree, source.Tree, sourceParentTree, mergedTree, paths)
		if err != nil {
			return "", "", "", nil, errs.New(errs.ObjectStore, op, err)
		}
		finalTree = ct.tree
		message = conflict.WithTrailer(message, ct.conflicted)
	}

	newHash, err = repo.CommitTree(ctx, git.CommitTreeRequest{
		Tree:    finalTree,
		Message: message,
		Parents: []git.Hash{grandParent.Hash},
		Author:  author,
	})
	if err != nil {
		return "", "", "", nil, errs.New(errs.ObjectStore, op, err)
	}
	return newHash, finalTree, message, author, nil
}

// mergeOnto performs a 3-way merge of theirs into ours with the given
// base, reporting conflicted=true (and the conflicting paths) rather
// than an error when the merge doesn't resolve cleanly. Any other
// failure is returned as an errs.ObjectStore error.
func mergeOnto(ctx context.Context, repo *git.Repository, ours, theirs, base string) (tree git.Hash, conflicted bool, paths conflict.Paths, err error) {
	const op = "rebase.mergeOnto"

	tree, mtErr := repo.MergeTree(ctx, git.MergeTreeRequest{
		Branch1:   ours,
		Branch2:   theirs,
		MergeBase: base,
	})
	if mtErr == nil {
		return tree, false, conflict.Paths{}, nil
	}

	var ce *git.MergeTreeConflictError
	if !errors.As(mtErr, &ce) {
		return "", false, conflict.Paths{}, errs.New(errs.ObjectStore, op, mtErr)
	}

	for _, f := range ce.Files {
		switch f.Stage {
		case git.ConflictStageBase:
			paths.AncestorEntries = append(paths.AncestorEntries, f.Path)
		case git.ConflictStageOurs:
			paths.OurEntries = append(paths.OurEntries, f.Path)
		case git.ConflictStageTheirs:
			paths.TheirEntries = append(paths.TheirEntries, f.Path)
		}
	}
	return tree, true, paths, nil
}

type builtConflictTree struct {
	tree       git.Hash
	conflicted int
}

// buildConflictTree wraps the three sides of a failed merge plus
// Git's own conflict-marker tree (auto) into a ConflictTree (spec
// §6.3), via internal/conflict.
func buildConflictTree(ctx context.Context, repo *git.Repository, oursTree, theirsTree, baseTree, autoTree git.Hash, paths conflict.Paths) (builtConflictTree, error) {
	ct := conflict.Tree{
		Ours:   oursTree,
		Theirs: theirsTree,
		Base:   baseTree,
		Auto:   autoTree,
		Paths:  paths,
	}
	tree, err := conflict.Build(ctx, repo, ct)
	if err != nil {
		return builtConflictTree{}, err
	}
	return builtConflictTree{tree: tree, conflicted: ct.Conflicted()}, nil
}

func detectCycle(ids []int, deps func(int) []int) error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[int]int, len(ids))
	var visit func(int) error
	visit = func(id int) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("step graph has a cycle at step %d", id)
		}
		color[id] = gray
		for _, d := range deps(id) {
			if err := visit(d); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
