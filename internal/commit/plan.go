package commit

import (
	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/graph"
	"github.com/gitbutlerapp/but-core/internal/rebase"
)

// topRef is the branch ref attached to a stack's topmost segment, the
// ref every plan must re-attach once the running cursor reaches the
// new stack tip.
func topRef(s graph.Stack) string {
	if len(s.Segments) == 0 {
		return ""
	}
	return s.Segments[0].RefName
}

// mappedHash looks up what original now resolves to after a
// [rebase.Output], falling back to original itself if Execute never
// touched it (e.g. it sat below every step's Base).
func mappedHash(out *rebase.Output, original git.Hash) git.Hash {
	for _, m := range out.CommitMapping {
		if m.Original == original {
			return m.New
		}
	}
	return original
}

// planTail appends a StepPick — and, for any commit that was a
// segment's tip, a following StepReference — for every commit in
// commits[idx:], chaining each from the previous step starting at
// firstID. A firstID of 0 means the first generated step continues
// straight from the plan's Base instead of an earlier step. If
// nothing in that range carries topRefName (the insertion point sits
// at the very top of the stack), one final Reference step attaches it
// to the last step produced instead.
func planTail(steps []rebase.Step, nextID int, commits []git.Commit, idx int, refAtTip map[git.Hash]string, topRefName string, firstID int) []rebase.Step {
	prevID := firstID
	attachedTop := false
	first := true

	for _, c := range commits[idx:] {
		id := nextID
		nextID++

		var dependsOn []int
		if !first || firstID != 0 {
			dependsOn = []int{prevID}
		}
		steps = append(steps, rebase.Step{ID: id, Kind: rebase.StepPick, Commit: c.Hash, DependsOn: dependsOn, Order: id})
		prevID = id
		first = false

		if ref, ok := refAtTip[c.Hash]; ok {
			rid := nextID
			nextID++
			steps = append(steps, rebase.Step{ID: rid, Kind: rebase.StepReference, RefName: ref, DependsOn: []int{prevID}, Order: rid})
			prevID = rid
			if ref == topRefName {
				attachedTop = true
			}
		}
	}

	if !attachedTop && topRefName != "" {
		id := nextID
		steps = append(steps, rebase.Step{ID: id, Kind: rebase.StepReference, RefName: topRefName, DependsOn: refDependsOn(prevID, first), Order: id})
	}

	return steps
}

// refDependsOn builds the DependsOn slice for a Reference step that
// passes through prevID, or nil when nothing has run yet and it
// should pass through the plan's Base instead.
func refDependsOn(prevID int, nothingRanYet bool) []int {
	if nothingRanYet {
		return nil
	}
	return []int{prevID}
}
