package git

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"regexp"
	"strconv"
	"strings"
)

// HunkRange is one unified-diff hunk's old- and new-side line ranges,
// as they would appear in a "@@ -old_start,old_lines +new_start,new_lines @@"
// header.
type HunkRange struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
}

// Header renders the range as a standard unified-diff hunk header.
func (h HunkRange) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
}

// FileDiff is one file's hunks from a zero-context unified diff.
type FileDiff struct {
	// Path is the file's path on the new side of the diff.
	Path string

	// OldPath is the file's path on the old side. It differs from Path
	// only when Git detected a rename or copy; otherwise it equals Path.
	OldPath string

	// Binary reports that Git refused to produce a textual diff for
	// this file (e.g. it is binary, or exceeds Git's diff size limits).
	// Hunks is empty when Binary is true.
	Binary bool

	// Hunks are the file's changed regions, in the order Git reports
	// them (top of file to bottom).
	Hunks []HunkRange
}

var hunkHeaderPattern = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// parseHunkHeader parses a "@@ -o,l +o,l @@..." line. A missing line
// count (as Git emits for single-line hunks) defaults to 1.
func parseHunkHeader(line string) (HunkRange, bool) {
	m := hunkHeaderPattern.FindStringSubmatch(line)
	if m == nil {
		return HunkRange{}, false
	}

	oldStart, err := strconv.Atoi(m[1])
	if err != nil {
		return HunkRange{}, false
	}
	oldLines := 1
	if m[2] != "" {
		if oldLines, err = strconv.Atoi(m[2]); err != nil {
			return HunkRange{}, false
		}
	}

	newStart, err := strconv.Atoi(m[3])
	if err != nil {
		return HunkRange{}, false
	}
	newLines := 1
	if m[4] != "" {
		if newLines, err = strconv.Atoi(m[4]); err != nil {
			return HunkRange{}, false
		}
	}

	return HunkRange{
		OldStart: oldStart,
		OldLines: oldLines,
		NewStart: newStart,
		NewLines: newLines,
	}, true
}

// DiffHunks compares two trees at zero context lines, returning each
// changed file's hunk ranges. Used to compute a commit's own changes
// relative to its parent (spec §4.3's CommitHunks).
func (r *Repository) DiffHunks(ctx context.Context, treeish1, treeish2 string) iter.Seq2[FileDiff, error] {
	cmd := r.gitCmd(ctx, "diff", "--no-color", "--find-renames", "--unified=0", treeish1, treeish2, "--")
	return scanUnifiedDiff(cmd, r.exec)
}

// DiffHunksWork compares the worktree against the given tree-ish at
// zero context lines. Used to compute the uncommitted changes a user
// is looking at (spec §4.3's WorktreeHunks).
func (w *Worktree) DiffHunksWork(ctx context.Context, treeish string) iter.Seq2[FileDiff, error] {
	cmd := w.gitCmd(ctx, "diff", "--no-color", "--find-renames", "--unified=0", treeish, "--")
	return scanUnifiedDiff(cmd, w.exec)
}

func scanUnifiedDiff(cmd *gitCmd, exec execer) iter.Seq2[FileDiff, error] {
	return func(yield func(FileDiff, error) bool) {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(FileDiff{}, fmt.Errorf("pipe stdout: %w", err))
			return
		}

		if err := cmd.Start(exec); err != nil {
			yield(FileDiff{}, fmt.Errorf("start: %w", err))
			return
		}

		var finished bool
		defer func() {
			if !finished {
				_ = cmd.Kill(exec)
			}
		}()

		var cur *FileDiff
		flush := func() bool {
			if cur == nil {
				return true
			}
			if cur.Path == "" {
				cur.Path = cur.OldPath
			}
			fd := *cur
			cur = nil
			return yield(fd, nil)
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "diff --git "):
				if !flush() {
					return
				}
				cur = &FileDiff{}
			case cur == nil:
				continue
			case strings.HasPrefix(line, "rename from "):
				cur.OldPath = strings.TrimPrefix(line, "rename from ")
			case strings.HasPrefix(line, "rename to "):
				cur.Path = strings.TrimPrefix(line, "rename to ")
			case strings.HasPrefix(line, "copy from "):
				cur.OldPath = strings.TrimPrefix(line, "copy from ")
			case strings.HasPrefix(line, "copy to "):
				cur.Path = strings.TrimPrefix(line, "copy to ")
			case strings.HasPrefix(line, "Binary files ") && strings.HasSuffix(line, " differ"):
				cur.Binary = true
			case strings.HasPrefix(line, "--- "):
				if cur.OldPath == "" {
					cur.OldPath = trimDiffPathPrefix(strings.TrimPrefix(line, "--- "))
				}
			case strings.HasPrefix(line, "+++ "):
				if cur.Path == "" {
					cur.Path = trimDiffPathPrefix(strings.TrimPrefix(line, "+++ "))
				}
			case strings.HasPrefix(line, "@@ "):
				if hr, ok := parseHunkHeader(line); ok {
					cur.Hunks = append(cur.Hunks, hr)
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield(FileDiff{}, fmt.Errorf("scan: %w", err))
			return
		}
		if !flush() {
			return
		}

		if err := cmd.Wait(exec); err != nil {
			yield(FileDiff{}, fmt.Errorf("git diff: %w", err))
			return
		}
		finished = true
	}
}

// trimDiffPathPrefix strips the "a/"/"b/" prefix Git's diff headers
// use, and reports /dev/null (the added/removed side of a create or
// delete) as empty.
func trimDiffPathPrefix(p string) string {
	if p == "/dev/null" {
		return ""
	}
	if after, ok := strings.CutPrefix(p, "a/"); ok {
		return after
	}
	if after, ok := strings.CutPrefix(p, "b/"); ok {
		return after
	}
	return p
}
