package git

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"iter"
)

// RefEntry is one ref returned by [Repository.ListRefs].
type RefEntry struct {
	// Name is the full ref name, e.g. "refs/heads/feature1".
	Name string

	// Hash is the object the ref points at.
	Hash Hash
}

// ListRefs lists every ref matching any of the given patterns (e.g.
// "refs/heads/", "refs/remotes/origin/"), generalizing the
// single-purpose query in [Repository.LocalBranches] to the full ref
// namespace the graph traversal needs to locate Segment boundaries.
func (r *Repository) ListRefs(ctx context.Context, patterns ...string) (iter.Seq2[RefEntry, error], error) {
	args := []string{
		"for-each-ref",
		"--format=%(objectname)%09%(refname)",
	}
	args = append(args, patterns...)

	cmd := r.gitCmd(ctx, args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("git for-each-ref: %w", err)
	}

	if err := cmd.Start(r.exec); err != nil {
		return nil, fmt.Errorf("start git for-each-ref: %w", err)
	}

	return func(yield func(RefEntry, error) bool) {
		scan := bufio.NewScanner(out)
		for scan.Scan() {
			line := bytes.TrimSpace(scan.Bytes())
			if len(line) == 0 {
				continue
			}

			hash, name, _ := bytes.Cut(line, []byte{'\t'})
			if !yield(RefEntry{Name: string(name), Hash: Hash(hash)}, nil) {
				_ = cmd.Kill(r.exec)
				return
			}
		}

		if err := scan.Err(); err != nil {
			yield(RefEntry{}, fmt.Errorf("read output: %w", err))
			return
		}

		if err := cmd.Wait(r.exec); err != nil {
			yield(RefEntry{}, fmt.Errorf("git for-each-ref: %w", err))
		}
	}, nil
}
