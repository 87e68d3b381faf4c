package commit

import (
	"strings"
)

// DiffSpec selects the change a commit operation should include: a
// path, its previous path if renamed, and the specific hunks to take.
// An empty Hunks selects the whole file (spec §4.4.1).
type DiffSpec struct {
	Path    string
	OldPath string
	Hunks   []string // unified-diff headers, e.g. "@@ -3,0 +4,2 @@"
}

// RejectReason classifies why a DiffSpec could not be applied, per
// spec §4.4.1.
type RejectReason string

const (
	NoEffectiveChanges RejectReason = "no_effective_changes"
	FileNotFound       RejectReason = "file_not_found"
	HunkDoesNotApply   RejectReason = "hunk_does_not_apply"
	FileBinary         RejectReason = "file_binary"
)

// RejectedSpec pairs a DiffSpec that could not be applied with why.
type RejectedSpec struct {
	Spec   DiffSpec
	Reason RejectReason
}

// patchBlock is one file's "diff --git ..." section of a unified
// diff, split into its header lines (everything before the first
// hunk) and its hunks.
type patchBlock struct {
	path    string
	oldPath string
	header  string // "diff --git" line through the "+++ " line, inclusive
	binary  bool
	hunks   []patchHunk
}

type patchHunk struct {
	header string // the "@@ ... @@" line, header text only (no trailing comment)
	body   string // header line + following body lines, newline-terminated
}

// splitPatch parses a multi-file unified diff (as produced by `git
// diff --unified=0`) into per-file blocks.
func splitPatch(raw string) []patchBlock {
	var blocks []patchBlock
	lines := strings.SplitAfter(raw, "\n")

	var cur *patchBlock
	var curHunk *patchHunk
	flushHunk := func() {
		if cur != nil && curHunk != nil {
			cur.hunks = append(cur.hunks, *curHunk)
			curHunk = nil
		}
	}
	flushBlock := func() {
		flushHunk()
		if cur != nil {
			blocks = append(blocks, *cur)
			cur = nil
		}
	}

	var headerBuf strings.Builder
	inHeader := true

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushBlock()
			cur = &patchBlock{}
			headerBuf.Reset()
			headerBuf.WriteString(line)
			inHeader = true
			continue
		case cur == nil:
			continue
		case strings.HasPrefix(line, "rename from "):
			cur.oldPath = strings.TrimSuffix(strings.TrimPrefix(line, "rename from "), "\n")
		case strings.HasPrefix(line, "rename to "):
			cur.path = strings.TrimSuffix(strings.TrimPrefix(line, "rename to "), "\n")
		case strings.HasPrefix(line, "--- ") && cur.oldPath == "":
			cur.oldPath = trimPatchPathPrefix(strings.TrimSuffix(strings.TrimPrefix(line, "--- "), "\n"))
		case strings.HasPrefix(line, "+++ ") && cur.path == "":
			cur.path = trimPatchPathPrefix(strings.TrimSuffix(strings.TrimPrefix(line, "+++ "), "\n"))
		case strings.HasPrefix(line, "Binary files ") && strings.HasSuffix(strings.TrimRight(line, "\n"), " differ"):
			cur.binary = true
		}

		if strings.HasPrefix(line, "@@ ") {
			flushHunk()
			inHeader = false
			h, ok := parseHunkLine(line)
			if ok {
				curHunk = &patchHunk{header: h, body: line}
			}
			continue
		}

		if inHeader {
			headerBuf.WriteString(line)
			cur.header = headerBuf.String()
		} else if curHunk != nil {
			curHunk.body += line
		}
	}
	flushBlock()

	for i := range blocks {
		if blocks[i].path == "" {
			blocks[i].path = blocks[i].oldPath
		}
	}
	return blocks
}

func trimPatchPathPrefix(p string) string {
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

// parseHunkLine extracts the bare "@@ -o,l +o,l @@" header from a
// hunk line that may carry a trailing function-context comment.
func parseHunkLine(line string) (string, bool) {
	end := strings.Index(line[3:], "@@")
	if end < 0 {
		return "", false
	}
	return "@@ " + line[3:3+end] + "@@", true
}

func findBlock(blocks []patchBlock, path string) (patchBlock, bool) {
	for _, b := range blocks {
		if b.path == path || b.oldPath == path {
			return b, true
		}
	}
	return patchBlock{}, false
}

// selectPatch builds a patch containing only the hunks specs
// request, applicable against parentTree, reporting any spec that
// cannot be satisfied instead of including it.
func selectPatch(fullPatch string, specs []DiffSpec) (patch string, rejected []RejectedSpec) {
	blocks := splitPatch(fullPatch)

	var out strings.Builder
	for _, spec := range specs {
		block, ok := findBlock(blocks, spec.Path)
		if !ok {
			rejected = append(rejected, RejectedSpec{Spec: spec, Reason: FileNotFound})
			continue
		}
		if block.binary {
			rejected = append(rejected, RejectedSpec{Spec: spec, Reason: FileBinary})
			continue
		}

		if len(spec.Hunks) == 0 {
			if len(block.hunks) == 0 {
				rejected = append(rejected, RejectedSpec{Spec: spec, Reason: NoEffectiveChanges})
				continue
			}
			out.WriteString(block.header)
			for _, h := range block.hunks {
				out.WriteString(h.body)
			}
			continue
		}

		out.WriteString(block.header)
		var anyMatched bool
		for _, want := range spec.Hunks {
			matched := false
			for _, h := range block.hunks {
				if h.header == want {
					out.WriteString(h.body)
					matched = true
					anyMatched = true
					break
				}
			}
			if !matched {
				rejected = append(rejected, RejectedSpec{Spec: DiffSpec{Path: spec.Path, Hunks: []string{want}}, Reason: HunkDoesNotApply})
			}
		}
		if !anyMatched {
			// Nothing from this spec survived; drop the bare file
			// header we already wrote for it.
			trimmed := out.String()
			out.Reset()
			out.WriteString(strings.TrimSuffix(trimmed, block.header))
		}
	}

	return out.String(), rejected
}

// splitByPaths partitions a patch's file blocks into those touching a
// path in keep and everything else, for split-commit (spec §4.4.5).
func splitByPaths(fullPatch string, keep map[string]bool) (keepPatch, restPatch string) {
	blocks := splitPatch(fullPatch)
	var keepBuf, restBuf strings.Builder
	for _, b := range blocks {
		dst := &restBuf
		if keep[b.path] || keep[b.oldPath] {
			dst = &keepBuf
		}
		dst.WriteString(b.header)
		for _, h := range b.hunks {
			dst.WriteString(h.body)
		}
	}
	return keepBuf.String(), restBuf.String()
}
