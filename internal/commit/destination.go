package commit

import (
	"fmt"

	"github.com/gitbutlerapp/but-core/internal/git"
	"github.com/gitbutlerapp/but-core/internal/graph"
)

// Position selects where within a stack a commit operation targets,
// per spec §4.4.1/§4.4.4.
type Position int

const (
	PositionTop Position = iota
	PositionBottom
	PositionAfter
)

// Destination names a spot within an applied stack: either end, or
// directly after a specific existing commit.
type Destination struct {
	StackID  string
	Position Position
	After    git.Hash // required when Position == PositionAfter
}

// resolveDestination locates dest within ws, returning the stack's
// flattened commits (base to tip), the ref attached directly to each
// segment tip, the index in commits above which the destination sits,
// and the commit the new material should be parented on.
func (e *Engine) resolveDestination(ws *graph.Workspace, dest Destination) (graph.Stack, []git.Commit, map[git.Hash]string, int, git.Hash, error) {
	stack, _, err := findStack(ws, dest.StackID)
	if err != nil {
		return graph.Stack{}, nil, nil, 0, git.ZeroHash, err
	}
	commits, refAtTip := commitsBaseToTip(stack)

	switch dest.Position {
	case PositionBottom:
		return stack, commits, refAtTip, 0, stack.Base, nil

	case PositionTop:
		parent := stack.Base
		if len(commits) > 0 {
			parent = commits[len(commits)-1].Hash
		}
		return stack, commits, refAtTip, len(commits), parent, nil

	case PositionAfter:
		for i, c := range commits {
			if c.Hash == dest.After {
				return stack, commits, refAtTip, i + 1, c.Hash, nil
			}
		}
		return graph.Stack{}, nil, nil, 0, git.ZeroHash, fmt.Errorf("commit %s is not in stack %q", dest.After.Short(), dest.StackID)

	default:
		return graph.Stack{}, nil, nil, 0, git.ZeroHash, fmt.Errorf("unknown position %d", dest.Position)
	}
}
