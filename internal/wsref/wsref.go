// Package wsref implements the workspace commit protocol (C2): it
// maintains a synthetic merge commit that realizes the set of applied
// stacks atop the push target, per spec §4.2.
package wsref

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/gitbutlerapp/but-core/internal/config"
	"github.com/gitbutlerapp/but-core/internal/errs"
	"github.com/gitbutlerapp/but-core/internal/git"
)

// MessagePrefix is the literal prefix every WorkspaceCommit's message
// begins with (spec §4.2, §6.4).
const MessagePrefix = "GitButler Workspace Commit"

// AuthorName and AuthorEmail are the fixed identity every
// WorkspaceCommit is authored and committed under, so that recognition
// never depends on parsing free text (spec §4.2, §6.4).
const (
	AuthorName  = "GitButler"
	AuthorEmail = "gitbutler@gitbutler.com"
)

// Author returns the fixed signature used for every WorkspaceCommit.
// Time is left zero so [git.Repository.CommitTree] stamps the current
// time.
func Author() *git.Signature {
	return &git.Signature{Name: AuthorName, Email: AuthorEmail}
}

// StackTip describes one applied stack's contribution to a
// WorkspaceCommit: its merge parent and the branch names claiming it,
// in the deterministic order spec §4.2 requires (by stack id, then
// insertion order — callers are expected to have already sorted this
// slice that way).
type StackTip struct {
	ID       string
	Tip      git.Hash
	Branches []string
}

// manifestStack is the TOML-encoded record of one StackTip embedded in
// the commit message's machine-readable block.
type manifestStack struct {
	ID       string   `toml:"id"`
	Tip      string   `toml:"tip"`
	Branches []string `toml:"branches,omitempty"`
}

type manifest struct {
	Stacks []manifestStack `toml:"stacks"`
}

const manifestFenceOpen = "```gitbutler-stacks"
const manifestFenceClose = "```"

// BuildMessage renders a WorkspaceCommit message: the fixed prefix,
// a human description, and a fenced TOML block recording the applied
// stacks and their ownership claims (spec §4.2 "machine-readable
// block listing applied stacks, their tips, and ownership claims").
func BuildMessage(description string, stacks []StackTip) (string, error) {
	m := manifest{Stacks: make([]manifestStack, len(stacks))}
	for i, st := range stacks {
		m.Stacks[i] = manifestStack{ID: st.ID, Tip: st.Tip.String(), Branches: st.Branches}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return "", fmt.Errorf("wsref: encode stack manifest: %w", err)
	}

	var msg strings.Builder
	msg.WriteString(MessagePrefix)
	msg.WriteString("\n\n")
	description = strings.TrimSpace(description)
	if description != "" {
		msg.WriteString(description)
		msg.WriteString("\n\n")
	}
	msg.WriteString(manifestFenceOpen)
	msg.WriteString("\n")
	msg.WriteString(buf.String())
	msg.WriteString(manifestFenceClose)
	return msg.String(), nil
}

// ParseMessage extracts the human description and the applied-stack
// manifest from a WorkspaceCommit message built by [BuildMessage]. It
// returns an error if message does not begin with [MessagePrefix].
func ParseMessage(message string) (description string, stacks []StackTip, err error) {
	if !strings.HasPrefix(message, MessagePrefix) {
		return "", nil, fmt.Errorf("wsref: message does not begin with %q", MessagePrefix)
	}
	rest := strings.TrimPrefix(message, MessagePrefix)
	rest = strings.TrimLeft(rest, "\n")

	open := strings.Index(rest, manifestFenceOpen)
	if open < 0 {
		// No manifest block; the rest of the message is description.
		return strings.TrimSpace(rest), nil, nil
	}
	description = strings.TrimSpace(rest[:open])

	body := rest[open+len(manifestFenceOpen):]
	body = strings.TrimPrefix(body, "\n")
	fenceEnd := strings.Index(body, manifestFenceClose)
	if fenceEnd < 0 {
		return "", nil, fmt.Errorf("wsref: unterminated stack manifest block")
	}
	body = body[:fenceEnd]

	var m manifest
	if err := toml.Unmarshal([]byte(body), &m); err != nil {
		return "", nil, fmt.Errorf("wsref: decode stack manifest: %w", err)
	}

	stacks = make([]StackTip, len(m.Stacks))
	for i, ms := range m.Stacks {
		stacks[i] = StackTip{ID: ms.ID, Tip: git.Hash(ms.Tip), Branches: ms.Branches}
	}
	return description, stacks, nil
}

// IsWorkspaceCommit reports whether c is a WorkspaceCommit per spec
// §6.4: fixed author identity AND message prefix must both match. This
// is the canonical predicate; internal/graph keeps a minimal copy of
// the same check to avoid an import cycle (C1 is a dependency of C2,
// not the reverse).
func IsWorkspaceCommit(c git.Commit) bool {
	return c.Author.Name == AuthorName &&
		c.Author.Email == AuthorEmail &&
		strings.HasPrefix(c.Subject, MessagePrefix)
}

// UpdateRequest describes the desired state of a WorkspaceCommit.
type UpdateRequest struct {
	// WorkspaceRef is the full ref name the new commit is written to
	// (e.g. "refs/heads/gitbutler/workspace").
	WorkspaceRef string

	// TargetTip is the push target's tip commit, merged as the base
	// layer beneath every stack (spec §4.2 "Tree is an N-way tree
	// merge of the target tip with each stack tip"). May be zero if
	// there is no target (spec §4.1 "Failure").
	TargetTip git.Hash

	// Stacks are the applied stacks, already ordered per spec §4.2
	// (by stack id, then insertion order).
	Stacks []StackTip

	// Description is the human-readable portion of the commit
	// message.
	Description string

	// MergePolicy is the workspace merge policy for this update
	// (spec §3 invariant 3). The parents are always the stack tips,
	// one per applied stack, so a single applied stack yields a
	// single-parent commit under either policy.
	MergePolicy config.WorkspaceMergePolicy
}

// Result is returned by [UpdateWorkspaceCommit].
type Result struct {
	// Hash is the resulting WorkspaceCommit.
	Hash git.Hash

	// Unchanged reports whether Hash was already the ref's tip and no
	// new commit was written (spec §4.2 "Idempotent when the inputs
	// are unchanged").
	Unchanged bool
}

// UpdateWorkspaceCommit builds (or reuses) the WorkspaceCommit that
// realizes req's applied stacks atop req.TargetTip, and points
// req.WorkspaceRef at it.
//
// Conflicts during the N-way tree merge are reported as
// [errs.WorkspaceConflict], carrying the offending stack and file set
// via the wrapped [git.MergeTreeConflictError]; no commit or ref
// update is performed in that case (spec §4.2).
func UpdateWorkspaceCommit(ctx context.Context, repo *git.Repository, req UpdateRequest) (Result, error) {
	const op = "wsref.UpdateWorkspaceCommit"

	parents, err := parentList(req.TargetTip, req.Stacks, req.MergePolicy)
	if err != nil {
		return Result{}, errs.New(errs.InvalidPlan, op, err)
	}

	tree, err := mergeTree(ctx, repo, req.TargetTip, req.Stacks)
	if err != nil {
		var conflict *git.MergeTreeConflictError
		if errors.As(err, &conflict) {
			return Result{}, errs.New(errs.WorkspaceConflict, op, conflict)
		}
		return Result{}, errs.New(errs.ObjectStore, op, err)
	}

	message, err := BuildMessage(req.Description, req.Stacks)
	if err != nil {
		return Result{}, errs.New(errs.ObjectStore, op, err)
	}

	oldHash := git.ZeroHash
	if cur, err := repo.ReadCommit(ctx, req.WorkspaceRef); err == nil {
		oldHash = cur.Hash
		if cur.Tree == tree && cur.Message() == message && sameParents(cur.Parents, parents) {
			return Result{Hash: cur.Hash, Unchanged: true}, nil
		}
	}

	hash, err := repo.CommitTree(ctx, git.CommitTreeRequest{
		Tree:    tree,
		Message: message,
		Parents: parents,
		Author:  Author(),
	})
	if err != nil {
		return Result{}, errs.New(errs.ObjectStore, op, err)
	}

	if err := repo.SetRef(ctx, git.SetRefRequest{
		Ref:     req.WorkspaceRef,
		Hash:    hash,
		OldHash: oldHash,
	}); err != nil {
		return Result{}, errs.New(errs.ObjectStore, op, err)
	}

	return Result{Hash: hash}, nil
}

func parentList(targetTip git.Hash, stacks []StackTip, policy config.WorkspaceMergePolicy) ([]git.Hash, error) {
	if len(stacks) == 0 {
		if targetTip.IsZero() {
			return nil, fmt.Errorf("no applied stacks and no target: nothing to commit")
		}
		return []git.Hash{targetTip}, nil
	}

	if len(stacks) == 1 && policy == config.MergeWhenMultiStack {
		// Single-parent passthrough: spec §3 invariant 3.
		return []git.Hash{stacks[0].Tip}, nil
	}

	// The target is only the merge base of the tree, not a commit
	// parent: parents are exactly the stack tips (spec §4.2 "Parents
	// are the tips of applied stacks", invariant 3 "N stacks → N
	// parents").
	parents := make([]git.Hash, 0, len(stacks))
	for _, st := range stacks {
		parents = append(parents, st.Tip)
	}
	return parents, nil
}

// mergeTree computes the workspace tree by iteratively 3-way-merging
// each stack's tip into a running result, against the merge base of
// the *original* target tip and that stack tip (spec §4.2 "using the
// merge base target ∩ stack_tip"), with ours = previous partial result
// and theirs = incoming stack.
func mergeTree(ctx context.Context, repo *git.Repository, targetTip git.Hash, stacks []StackTip) (git.Hash, error) {
	if len(stacks) == 0 {
		if targetTip.IsZero() {
			return git.ZeroHash, fmt.Errorf("no applied stacks and no target: nothing to merge")
		}
		return repo.PeelToTree(ctx, targetTip.String())
	}

	baseFor := targetTip

	var ours git.Hash
	if !targetTip.IsZero() {
		tree, err := repo.PeelToTree(ctx, targetTip.String())
		if err != nil {
			return git.ZeroHash, fmt.Errorf("resolve target tree: %w", err)
		}
		ours = tree
	} else {
		tree, err := repo.PeelToTree(ctx, stacks[0].Tip.String())
		if err != nil {
			return git.ZeroHash, fmt.Errorf("resolve stack tree: %w", err)
		}
		ours = tree
		baseFor = stacks[0].Tip
		stacks = stacks[1:]
	}

	for _, st := range stacks {
		base, err := repo.MergeBase(ctx, baseFor.String(), st.Tip.String())
		if err != nil {
			return git.ZeroHash, fmt.Errorf("merge-base(%s, %s): %w", baseFor.Short(), st.Tip.Short(), err)
		}

		tree, err := repo.MergeTree(ctx, git.MergeTreeRequest{
			Branch1:   ours.String(),
			Branch2:   st.Tip.String(),
			MergeBase: base.String(),
		})
		if err != nil {
			return git.ZeroHash, fmt.Errorf("merge stack into workspace tree: %w", err)
		}

		// Branch1/Branch2 only need to be tree-ish when MergeBase is
		// given explicitly (as it always is here), so the running
		// result tree feeds directly into the next iteration.
		ours = tree
	}

	return ours, nil
}

func sameParents(got []git.Hash, want []git.Hash) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// VerifyResult is returned by [VerifyWorkspace].
type VerifyResult struct {
	// WorkspaceCommit is the first recognized WorkspaceCommit found
	// walking first-parent from head, or the zero hash if none was
	// found.
	WorkspaceCommit git.Hash

	// Dangling lists the commits (nearest first) sitting above
	// WorkspaceCommit on first-parent — i.e. ordinary commits made
	// directly on the workspace ref instead of through the Commit
	// Engine. C7's teardown uses this list to decide what to carry
	// over when the workspace ref is rebuilt (spec §4.2, §4.7).
	Dangling []git.Hash
}

// OK reports whether head is exactly a WorkspaceCommit with nothing
// dangling above it.
func (r VerifyResult) OK() bool {
	return !r.WorkspaceCommit.IsZero() && len(r.Dangling) == 0
}

// VerifyWorkspace walks head..  (first-parent) looking for the nearest
// WorkspaceCommit, per spec §4.2 "verify_workspace(head) → Result:
// Walks head..: if non-workspace commits sit above the workspace
// commit, those are 'dangling'".
func VerifyWorkspace(ctx context.Context, repo *git.Repository, head string) (VerifyResult, error) {
	const op = "wsref.VerifyWorkspace"

	cur, err := repo.PeelToCommit(ctx, head)
	if err != nil {
		return VerifyResult{}, errs.New(errs.NotFound, op, err)
	}

	var dangling []git.Hash
	for !cur.IsZero() {
		c, err := repo.ReadCommit(ctx, cur.String())
		if err != nil {
			return VerifyResult{}, errs.New(errs.ObjectStore, op, err)
		}

		if IsWorkspaceCommit(c) {
			return VerifyResult{WorkspaceCommit: c.Hash, Dangling: dangling}, nil
		}

		dangling = append(dangling, c.Hash)
		if len(c.Parents) == 0 {
			break
		}
		cur = c.Parents[0]
	}

	return VerifyResult{Dangling: dangling}, nil
}
