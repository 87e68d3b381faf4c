// Package conflict builds and reads the ConflictTree: the structured
// tree the workspace engine writes into a commit to preserve an
// unresolved 3-way merge state (spec §6.3) instead of failing the
// operation that produced it.
package conflict

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/gitbutlerapp/but-core/internal/git"
)

// Paths is the set of paths that were conflicting in a 3-way merge,
// grouped by which side(s) touched them. Encoded as the "conflicts"
// TOML blob (spec §6.3).
type Paths struct {
	AncestorEntries []string `toml:"ancestor_entries"`
	OurEntries      []string `toml:"our_entries"`
	TheirEntries    []string `toml:"their_entries"`
}

// Count returns the number of distinct conflicting paths across all
// three sides, used to populate the commit's "conflicted" trailer.
func (p Paths) Count() int {
	seen := make(map[string]struct{}, len(p.AncestorEntries)+len(p.OurEntries)+len(p.TheirEntries))
	for _, groups := range [][]string{p.AncestorEntries, p.OurEntries, p.TheirEntries} {
		for _, path := range groups {
			seen[path] = struct{}{}
		}
	}
	return len(seen)
}

// readmeText is the literal warning written at "README.txt" so that a
// vanilla Git checkout of a conflicted commit explains itself.
const readmeText = `This commit records an unresolved merge conflict.

The working tree you are looking at ("auto/") is an automatic,
best-effort resolution and is not the final state of this change.
Open this commit in GitButler to resolve the conflict properly.

See "ours/", "theirs/", and "base/" for the three sides of the
merge, and "conflicts" for the list of paths that disagree.
`

// Tree is a parsed ConflictTree: the five fixed entries of spec §6.3.
type Tree struct {
	// Ours is the tree of the incoming side.
	Ours git.Hash
	// Theirs is the tree of the base side.
	Theirs git.Hash
	// Base is the merge-base tree.
	Base git.Hash
	// Auto is the force-ours auto-resolution, checked out by tools
	// that don't understand ConflictTree.
	Auto git.Hash

	Paths Paths
}

// Conflicted reports the commit-trailer value this tree should carry:
// the number of conflicting paths, or 1 if every path auto-resolved
// but the merge was still forced to conflict (spec §6.3).
func (t Tree) Conflicted() int {
	if n := t.Paths.Count(); n > 0 {
		return n
	}
	return 1
}

const (
	entryOurs    = "ours"
	entryTheirs  = "theirs"
	entryBase    = "base"
	entryAuto    = "auto"
	entryBlob    = "conflicts"
	entryReadme  = "README.txt"
	trailerKey   = "conflicted"
)

// Build writes t's four subtrees plus the "conflicts" TOML blob and
// "README.txt" as a new tree object, and returns its hash.
func Build(ctx context.Context, repo *git.Repository, t Tree) (git.Hash, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(t.Paths); err != nil {
		return git.ZeroHash, fmt.Errorf("conflict: encode conflicts blob: %w", err)
	}
	conflictsHash, err := repo.WriteObject(ctx, git.BlobType, &buf)
	if err != nil {
		return git.ZeroHash, fmt.Errorf("conflict: write conflicts blob: %w", err)
	}

	readmeHash, err := repo.WriteObject(ctx, git.BlobType, bytes.NewBufferString(readmeText))
	if err != nil {
		return git.ZeroHash, fmt.Errorf("conflict: write README.txt: %w", err)
	}

	tree, err := repo.MakeTree(ctx, func(yield func(git.TreeEntry) bool) {
		entries := []git.TreeEntry{
			{Mode: git.DirMode, Type: git.TreeType, Hash: t.Ours, Name: entryOurs},
			{Mode: git.DirMode, Type: git.TreeType, Hash: t.Theirs, Name: entryTheirs},
			{Mode: git.DirMode, Type: git.TreeType, Hash: t.Base, Name: entryBase},
			{Mode: git.DirMode, Type: git.TreeType, Hash: t.Auto, Name: entryAuto},
			{Mode: git.RegularMode, Type: git.BlobType, Hash: conflictsHash, Name: entryBlob},
			{Mode: git.RegularMode, Type: git.BlobType, Hash: readmeHash, Name: entryReadme},
		}
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	})
	if err != nil {
		return git.ZeroHash, fmt.Errorf("conflict: make tree: %w", err)
	}
	return tree, nil
}

// Read parses a ConflictTree previously written by [Build] back out
// of the repository.
func Read(ctx context.Context, repo *git.Repository, tree git.Hash) (*Tree, error) {
	entries, err := repo.ListTree(ctx, tree, git.ListTreeOptions{})
	if err != nil {
		return nil, fmt.Errorf("conflict: list tree: %w", err)
	}

	var out Tree
	var conflictsHash git.Hash
	for e, err := range entries {
		if err != nil {
			return nil, fmt.Errorf("conflict: list tree: %w", err)
		}
		switch e.Name {
		case entryOurs:
			out.Ours = e.Hash
		case entryTheirs:
			out.Theirs = e.Hash
		case entryBase:
			out.Base = e.Hash
		case entryAuto:
			out.Auto = e.Hash
		case entryBlob:
			conflictsHash = e.Hash
		case entryReadme:
			// Informational only; not parsed back.
		}
	}

	if conflictsHash.IsZero() {
		return nil, fmt.Errorf("conflict: tree %s is not a ConflictTree: no %q entry", tree.Short(), entryBlob)
	}
	if out.Ours.IsZero() || out.Theirs.IsZero() || out.Base.IsZero() || out.Auto.IsZero() {
		return nil, fmt.Errorf("conflict: tree %s is not a ConflictTree: missing ours/theirs/base/auto", tree.Short())
	}

	var blob bytes.Buffer
	if err := repo.ReadObject(ctx, git.BlobType, conflictsHash, &blob); err != nil {
		return nil, fmt.Errorf("conflict: read conflicts blob: %w", err)
	}
	if err := toml.Unmarshal(blob.Bytes(), &out.Paths); err != nil {
		return nil, fmt.Errorf("conflict: decode conflicts blob: %w", err)
	}

	return &out, nil
}

// WithTrailer appends the "conflicted = N" trailer required by spec
// §6.3 to a commit message.
func WithTrailer(message string, n int) string {
	return git.AppendTrailer(message, trailerKey, strconv.Itoa(n))
}

// TrailerValue reads the "conflicted" trailer from a commit message,
// returning ok=false if absent.
func TrailerValue(message string) (n int, ok bool) {
	v, ok := git.Trailer(message, trailerKey)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
