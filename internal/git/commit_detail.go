package git

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"
)

// Commit is a fully-read Git commit object.
type Commit struct {
	// Hash of the commit.
	Hash Hash

	// Tree is the hash of the commit's root tree.
	Tree Hash

	// Parents are the hashes of the commit's parent commits,
	// in the order recorded on the commit object.
	Parents []Hash

	// Subject is the first line of the commit message.
	Subject string

	// Body is the remainder of the commit message,
	// after the blank line that follows the subject.
	// Empty if there is no body.
	Body string

	// Author signed the commit's contents.
	Author Signature

	// Committer signed the commit's metadata.
	Committer Signature
}

// Message reassembles the full commit message from Subject and Body.
func (c Commit) Message() string {
	if c.Body != "" {
		return c.Subject + "\n\n" + c.Body
	}
	return c.Subject
}

// commit log format fields, separated by \x00.
// %B (raw body) must be last: it may itself contain "\n" but never "\x00".
const commitDetailFormat = "%H\x00%T\x00%P\x00%an\x00%ae\x00%aI\x00%cn\x00%ce\x00%cI\x00%B"

// ReadCommit reads and parses the commit at the given commit-ish.
func (r *Repository) ReadCommit(ctx context.Context, commitish string) (Commit, error) {
	out, err := r.gitCmd(ctx, "show", "--no-patch", "--format="+commitDetailFormat, commitish).
		Output(r.exec)
	if err != nil {
		return Commit{}, fmt.Errorf("git show: %w", err)
	}

	return parseCommitDetail(out)
}

func parseCommitDetail(raw []byte) (Commit, error) {
	fields := strings.SplitN(string(raw), "\x00", 10)
	if len(fields) != 10 {
		return Commit{}, fmt.Errorf("unexpected commit format: %d fields", len(fields))
	}

	hash, tree, parents, authorName, authorEmail, authorDate,
		committerName, committerEmail, committerDate, body :=
		fields[0], fields[1], fields[2], fields[3], fields[4], fields[5], fields[6], fields[7], fields[8], fields[9]

	var parentHashes []Hash
	if parents != "" {
		for _, p := range strings.Fields(parents) {
			parentHashes = append(parentHashes, Hash(p))
		}
	}

	authorTime, err := time.Parse(time.RFC3339, authorDate)
	if err != nil {
		return Commit{}, fmt.Errorf("parse author date %q: %w", authorDate, err)
	}
	committerTime, err := time.Parse(time.RFC3339, committerDate)
	if err != nil {
		return Commit{}, fmt.Errorf("parse committer date %q: %w", committerDate, err)
	}

	subject, bodyRest, _ := strings.Cut(body, "\n")
	bodyRest = strings.TrimPrefix(bodyRest, "\n")

	return Commit{
		Hash:    Hash(hash),
		Tree:    Hash(tree),
		Parents: parentHashes,
		Subject: subject,
		Body:    bodyRest,
		Author: Signature{
			Name:  authorName,
			Email: authorEmail,
			Time:  authorTime,
		},
		Committer: Signature{
			Name:  committerName,
			Email: committerEmail,
			Time:  committerTime,
		},
	}, nil
}

// CommitDetail is a lightweight summary of a commit,
// as produced by [Repository.ListCommitsDetails].
type CommitDetail struct {
	// Hash is the full commit hash.
	Hash Hash

	// ShortHash is the abbreviated form of Hash.
	ShortHash string

	// Subject is the first line of the commit message.
	Subject string

	// AuthorDate is when the commit was originally authored.
	AuthorDate time.Time
}

// CommitRange describes a range of commits reachable from Start,
// optionally excluding those reachable from an ExcludeFrom commit-ish
// and capped to a maximum count.
//
// Build one with [CommitRangeFrom].
type CommitRange struct {
	start       string
	excludeFrom string
	limit       int
}

// CommitRangeFrom starts a [CommitRange] at the given commit-ish.
func CommitRangeFrom(start string) CommitRange {
	return CommitRange{start: start}
}

// Limit caps the number of commits returned to n.
func (r CommitRange) Limit(n int) CommitRange {
	r.limit = n
	return r
}

// ExcludeFrom excludes commits reachable from stop,
// equivalent to "start --not stop".
func (r CommitRange) ExcludeFrom(stop string) CommitRange {
	r.excludeFrom = stop
	return r
}

func (r CommitRange) args() []string {
	args := []string{r.start}
	if r.excludeFrom != "" {
		args = append(args, "--not", r.excludeFrom)
	}
	if r.limit > 0 {
		args = append(args, "--max-count="+strconv.Itoa(r.limit))
	}
	return args
}

// ListCommits lists the hashes of commits in the given range,
// newest first.
func (r *Repository) ListCommits(ctx context.Context, rng CommitRange) iter.Seq2[Hash, error] {
	return func(yield func(Hash, error) bool) {
		args := append([]string{"rev-list"}, rng.args()...)
		for line, err := range r.gitCmd(ctx, args...).ScanLines(r.exec) {
			if err != nil {
				yield("", fmt.Errorf("rev-list: %w", err))
				return
			}
			if !yield(Hash(strings.TrimSpace(string(line))), nil) {
				return
			}
		}
	}
}

// ListCommitsDetails lists lightweight commit summaries in the given range,
// newest first.
func (r *Repository) ListCommitsDetails(ctx context.Context, rng CommitRange) iter.Seq2[CommitDetail, error] {
	return func(yield func(CommitDetail, error) bool) {
		args := []string{"log", "--format=%H\x00%h\x00%aI\x00%s"}
		args = append(args, rng.args()...)

		for line, err := range r.gitCmd(ctx, args...).ScanLines(r.exec) {
			if err != nil {
				yield(CommitDetail{}, fmt.Errorf("git log: %w", err))
				return
			}
			if len(line) == 0 {
				continue
			}

			fields := strings.SplitN(string(line), "\x00", 4)
			if len(fields) != 4 {
				yield(CommitDetail{}, fmt.Errorf("unexpected log format: %q", line))
				return
			}

			authorDate, err := time.Parse(time.RFC3339, fields[2])
			if err != nil {
				yield(CommitDetail{}, fmt.Errorf("parse author date %q: %w", fields[2], err))
				return
			}

			if !yield(CommitDetail{
				Hash:       Hash(fields[0]),
				ShortHash:  fields[1],
				Subject:    fields[3],
				AuthorDate: authorDate,
			}, nil) {
				return
			}
		}
	}
}
